package raster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

// stderr kept from a pdftoppm run
const maxStderrBytes = 8 << 10

// RenderJob is one pdftoppm invocation over pages First..Last (1-based, inclusive).
// Pages are written as <OutPrefix>-<n>.png.
type RenderJob struct {
	Binary    string
	DPI       int
	First     int
	Last      int
	Input     string
	OutPrefix string
}

// Args is the pdftoppm command line without the binary.
func (j RenderJob) Args() []string {
	return []string{
		"-r", strconv.Itoa(j.DPI),
		"-png",
		"-f", strconv.Itoa(j.First),
		"-l", strconv.Itoa(j.Last),
		j.Input, j.OutPrefix,
	}
}

// Runner renders a page range to PNG files. Tests swap it for a fake.
type Runner interface {
	Render(ctx context.Context, job RenderJob) (stderr []byte, err error)
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Render(ctx context.Context, job RenderJob) ([]byte, error) {
	logger := r.logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	cmd := exec.CommandContext(ctx, job.Binary, job.Args()...)
	errb := &cappedBuffer{max: maxStderrBytes}
	cmd.Stderr = errb

	err := cmd.Run()
	attrs := []any{
		"binary", job.Binary,
		"pages", fmt.Sprintf("%d-%d", job.First, job.Last),
		"dpi", job.DPI,
		"elapsed_ms", time.Since(start).Milliseconds(),
	}
	if err == nil {
		logger.Debug("raster.pdftoppm.ok", attrs...)
		return errb.Bytes(), nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(err, exec.ErrNotFound):
		err = fmt.Errorf("pdftoppm not found at %q: %w", job.Binary, err)
	case ctx.Err() != nil:
		err = fmt.Errorf("pdftoppm interrupted: %w", ctx.Err())
	case errors.As(err, &exitErr):
		attrs = append(attrs, "exit_code", exitErr.ExitCode())
	}
	logger.Error("raster.pdftoppm.failed", append(attrs, "error", err, "stderr", errb.String())...)
	return errb.Bytes(), err
}

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.Buffer.String() + "...(truncated)"
	}
	return b.Buffer.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
