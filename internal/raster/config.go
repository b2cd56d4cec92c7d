package raster

import (
	"log/slog"

	"github.com/joseph-ayodele/form-extractor/internal/common"
)

type Config struct {
	Pdftoppm string // binary name or absolute path; if empty -> "pdftoppm"

	DPI      int // render resolution, default 200
	MaxPages int // pages past this are never rendered, default 50

	Format  string // "JPEG" | "PNG"
	Quality int    // JPEG quality 1..100, default 95

	TargetWidth  int // canvas size every page is fitted onto
	TargetHeight int
}

// Page is one rendered, normalized and encoded PDF page.
type Page struct {
	Index    int
	Image    string // base64 of the encoded image
	MIMEType string
	Width    int
	Height   int
}

// FromAppConfig maps the process configuration onto a rasterizer Config.
func FromAppConfig(c *common.Config) Config {
	return Config{
		Pdftoppm:     c.Raster.Pdftoppm,
		DPI:          c.Raster.DPI,
		MaxPages:     c.Raster.MaxPages,
		Format:       c.Raster.Format,
		Quality:      c.Raster.Quality,
		TargetWidth:  c.Raster.TargetWidth,
		TargetHeight: c.Raster.TargetHeight,
	}
}

type Rasterizer struct {
	cfg     Config
	runner  Runner
	counter PageCounter
	logger  *slog.Logger
}

type Option func(*Rasterizer)

// WithRunner replaces the external command runner.
func WithRunner(r Runner) Option {
	return func(rz *Rasterizer) {
		if r != nil {
			rz.runner = r
		}
	}
}

// WithPageCounter replaces the pdfcpu page counter.
func WithPageCounter(pc PageCounter) Option {
	return func(rz *Rasterizer) {
		if pc != nil {
			rz.counter = pc
		}
	}
}

func New(cfg Config, logger *slog.Logger, opts ...Option) *Rasterizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 200
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.Format == "" {
		cfg.Format = "JPEG"
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 95
	}
	if cfg.TargetWidth <= 0 {
		cfg.TargetWidth = 1024
	}
	if cfg.TargetHeight <= 0 {
		cfg.TargetHeight = 1024
	}
	rz := &Rasterizer{
		cfg:     cfg,
		runner:  execRunner{logger: logger},
		counter: pdfcpuCounter{},
		logger:  logger,
	}
	for _, o := range opts {
		o(rz)
	}
	return rz
}

// Config returns the effective configuration after defaults.
func (r *Rasterizer) Config() Config { return r.cfg }
