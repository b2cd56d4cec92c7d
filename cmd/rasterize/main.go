package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/joseph-ayodele/form-extractor/internal/common"
	"github.com/joseph-ayodele/form-extractor/internal/raster"
)

func main() {
	outDir := pflag.String("out", ".", "directory the page images are written to")
	pflag.Parse()

	cfg, err := common.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	cfg.Log.Format = "text"
	logger := common.NewLogger(cfg.Log, os.Stderr)

	if pflag.NArg() != 1 {
		logger.Error("usage", "cmd", "rasterize --out dir <file.pdf>")
		os.Exit(2)
	}
	path := pflag.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("read pdf", "path", path, "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		logger.Error("create output dir", "dir", *outDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	pages, err := raster.New(raster.FromAppConfig(cfg), logger).Rasterize(ctx, data)
	if err != nil {
		logger.Error("rasterize failed", "path", path, "error", err)
		os.Exit(1)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ext := ".jpg"
	if strings.EqualFold(cfg.Raster.Format, "PNG") {
		ext = ".png"
	}
	for _, p := range pages {
		img, err := base64.StdEncoding.DecodeString(p.Image)
		if err != nil {
			logger.Error("decode page", "page_index", p.Index, "error", err)
			os.Exit(1)
		}
		name := filepath.Join(*outDir, fmt.Sprintf("%s-%03d%s", base, p.Index+1, ext))
		if err := os.WriteFile(name, img, 0o644); err != nil {
			logger.Error("write page", "path", name, "error", err)
			os.Exit(1)
		}
	}

	logger.Info("rasterize ok",
		"pages", len(pages),
		"out", *outDir,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
