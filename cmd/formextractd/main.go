package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joseph-ayodele/form-extractor/internal/async"
	"github.com/joseph-ayodele/form-extractor/internal/common"
	"github.com/joseph-ayodele/form-extractor/internal/llm/vlm"
	"github.com/joseph-ayodele/form-extractor/internal/pipeline"
	"github.com/joseph-ayodele/form-extractor/internal/raster"
	"github.com/joseph-ayodele/form-extractor/internal/server"
	"github.com/joseph-ayodele/form-extractor/internal/survey"
)

func main() {
	cfg, err := common.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(2)
	}
	logger := common.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	if cfg.RateLimit.Enabled {
		logger.Warn("rate limiting is configured but not enforced",
			"requests", cfg.RateLimit.Requests,
			"period", cfg.RateLimit.Period.String(),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rasterizer := raster.New(raster.FromAppConfig(cfg), logger)
	model := vlm.NewClient(vlm.FromAppConfig(cfg), logger)
	fetcher := survey.NewFetcher(survey.FromAppConfig(cfg), logger)

	pool := async.NewPool(logger,
		async.WithWorkers(cfg.Pipeline.MaxInFlight),
		async.WithQueueSize(cfg.Pipeline.QueueSize),
		async.WithTaskTimeout(cfg.VLM.CallBudget()+time.Minute),
	)

	extractor := pipeline.NewExtractor(rasterizer, model, fetcher, pool, pipeline.Options{
		FileConcurrency:   cfg.Pipeline.FileConcurrency,
		SchemaConcurrency: cfg.Pipeline.SchemaConcurrency,
	}, logger)

	srv := server.New(cfg.Server, extractor, server.NewStats(), logger).HTTPServer()

	logger.Info("formextractd listening",
		"addr", srv.Addr,
		"vlm_url", cfg.VLM.URL,
		"vlm_model", cfg.VLM.Model,
		"max_in_flight", cfg.Pipeline.MaxInFlight,
	)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			logger.Error("http serve error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	pool.Shutdown(shutdownCtx)
}
