package vlm

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/joseph-ayodele/form-extractor/constants"
	"github.com/joseph-ayodele/form-extractor/internal/common"
)

// Config for the VLM client.
type Config struct {
	URL              string        // full chat/completions URL
	Model            string        // e.g., "Qwen3-VL-30B-A3B-Instruct-AWQ"
	APIKey           string        // optional bearer token
	Temperature      float64       // fixed for every call
	Timeout          time.Duration // per attempt
	MaxRetries       int           // extra attempts after the first
	RetryDelay       time.Duration // base delay; attempt n waits n*RetryDelay
	StructuredOutput bool          // send response_format json_schema when the schema compiles
	ImageMIMEType    string        // MIME type of the base64 page images
	HTMLLimit        int           // survey HTML runes kept in the mapping prompt
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// FromAppConfig maps the process configuration onto a client Config.
func FromAppConfig(c *common.Config) Config {
	return Config{
		URL:              c.VLM.URL,
		Model:            c.VLM.Model,
		APIKey:           c.VLM.APIKey,
		Temperature:      c.VLM.Temperature,
		Timeout:          c.VLM.Timeout,
		MaxRetries:       c.VLM.MaxRetries,
		RetryDelay:       c.VLM.RetryDelay,
		StructuredOutput: c.VLM.StructuredOutput,
		ImageMIMEType:    constants.MIMEForFormat(c.Raster.Format),
		HTMLLimit:        c.Survey.HTMLLimit,
	}
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = common.DefaultVLMURL
	}
	if cfg.Model == "" {
		cfg.Model = common.DefaultVLMModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.ImageMIMEType == "" {
		cfg.ImageMIMEType = "image/jpeg"
	}
	if cfg.HTMLLimit <= 0 {
		cfg.HTMLLimit = 5000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		sleep:  sleepContext,
	}
}

// WithHTTPClient swaps the transport, keeping the configured per-attempt timeout
// when the given client has none.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	if h == nil {
		return c
	}
	if h.Timeout <= 0 {
		h.Timeout = c.cfg.Timeout
	}
	c.http = h
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
