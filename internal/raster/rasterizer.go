package raster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joseph-ayodele/form-extractor/internal/common"
)

// Rasterize converts every page of pdf, up to MaxPages, into a normalized
// base64 image. Pages come back ordered by Index starting at 0.
func (r *Rasterizer) Rasterize(ctx context.Context, pdf []byte) ([]Page, error) {
	start := time.Now()
	if len(bytes.TrimSpace(pdf)) == 0 {
		return nil, common.PDFProcessingError("empty PDF document", nil)
	}

	total, err := r.counter.PageCount(pdf)
	if err != nil {
		r.logger.Warn("raster.decode_failed", "error", err, "bytes", len(pdf))
		return nil, common.PDFProcessingError("failed to read PDF", err)
	}
	if total <= 0 {
		return nil, common.PDFProcessingError("PDF has no pages", nil)
	}

	limit := total
	if limit > r.cfg.MaxPages {
		r.logger.Warn("raster.truncated", "pages", total, "max_pages", r.cfg.MaxPages)
		limit = r.cfg.MaxPages
	}

	rendered, cleanup, err := r.render(ctx, pdf, limit)
	defer cleanup()
	if err != nil {
		return nil, err
	}

	pages := make([]Page, 0, len(rendered))
	for i, path := range rendered {
		if err := ctx.Err(); err != nil {
			return nil, common.PDFProcessingError("rasterization cancelled", err)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, common.PDFProcessingError(fmt.Sprintf("read rendered page %d", i+1), err)
		}
		page, err := r.encodePage(i, raw)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}

	r.logger.Info("raster.ok",
		"pages", len(pages),
		"dpi", r.cfg.DPI,
		"format", r.cfg.Format,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return pages, nil
}

// render writes pdf to a temp dir and runs pdftoppm for pages 1..limit.
// The returned cleanup removes the temp dir and is always safe to call.
func (r *Rasterizer) render(ctx context.Context, pdf []byte, limit int) ([]string, func(), error) {
	tmpDir, err := os.MkdirTemp("", "fx-raster-*")
	if err != nil {
		return nil, func() {}, common.PDFProcessingError("create temp dir", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			r.logger.Warn("raster.cleanup_failed", "dir", tmpDir, "error", err)
		}
	}

	in := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(in, pdf, 0o600); err != nil {
		return nil, cleanup, common.PDFProcessingError("write temp pdf", err)
	}

	prefix := filepath.Join(tmpDir, "page")
	errb, err := r.runner.Render(ctx, RenderJob{
		Binary:    r.cfg.Pdftoppm,
		DPI:       r.cfg.DPI,
		First:     1,
		Last:      limit,
		Input:     in,
		OutPrefix: prefix,
	})
	if err != nil {
		msg := "pdftoppm failed"
		if len(errb) > 0 {
			msg += ": " + truncate(string(bytes.TrimSpace(errb)), 512)
		}
		return nil, cleanup, common.PDFProcessingError(msg, err)
	}

	// prefix-1.png, prefix-2.png ... zero padded to the same width
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, cleanup, common.PDFProcessingError("list rendered pages", err)
	}
	sort.Strings(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	if len(matches) == 0 {
		return nil, cleanup, common.PDFProcessingError("no pages rendered", errors.New("pdftoppm produced no images"))
	}
	return matches, cleanup, nil
}
