package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/joseph-ayodele/form-extractor/internal/async"
	"github.com/joseph-ayodele/form-extractor/internal/common"
	"github.com/joseph-ayodele/form-extractor/internal/export"
	"github.com/joseph-ayodele/form-extractor/internal/ingest"
	"github.com/joseph-ayodele/form-extractor/internal/llm/vlm"
	"github.com/joseph-ayodele/form-extractor/internal/pipeline"
	"github.com/joseph-ayodele/form-extractor/internal/raster"
	"github.com/joseph-ayodele/form-extractor/internal/survey"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		template = pflag.StringP("template", "t", "", "blank template PDF (required)")
		link     = pflag.String("qualtrics-link", "", "survey page URL to map the schemas onto")
		out      = pflag.StringP("out", "o", "", "write the JSON result here instead of stdout")
		xlsx     = pflag.String("xlsx", "", "also write an XLSX export to this path")
		envFile  = pflag.String("env", ".env", "dotenv file to load before reading the environment")
		dir      = pflag.String("dir", "", "also process every PDF below this directory")
		watch    = pflag.Bool("watch", false, "keep watching --dir and process each new PDF as its own batch")
		outDir   = pflag.String("out-dir", "", "where --watch writes <name>.result.json (defaults to --dir)")
	)
	pflag.Usage = func() {
		printError("usage: form-batch --template t.pdf [--qualtrics-link URL] [--out result.json] [--xlsx result.xlsx] [--dir forms/ [--watch]] files...\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *template == "" || (pflag.NArg() == 0 && *dir == "") || (*watch && *dir == "") {
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := common.LoadConfig(*envFile)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(2)
	}
	// the CLI logs to stderr so the JSON result can go to stdout
	cfg.Log.Format = "text"
	logger := common.NewLogger(cfg.Log, os.Stderr)

	if err := common.NewValidator().Field("qualtrics-link", *link, common.HTTPURL).Error(); err != nil {
		printError("Error: %v\n", err)
		os.Exit(2)
	}

	tpl, err := os.ReadFile(*template)
	if err != nil {
		printError("Error: read template: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths := pflag.Args()
	if *dir != "" && !*watch {
		found, stats, err := ingest.CollectPDFs(ctx, *dir, true)
		if err != nil {
			printError("Error: scan %s: %v\n", *dir, err)
			os.Exit(1)
		}
		logger.Info("scanned directory", "dir", *dir, "scanned", stats.Scanned, "matched", stats.Matched, "failed", stats.Failed)
		paths = append(paths, found...)
	}
	files, err := readInputs(paths)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}

	pool := async.NewPool(logger,
		async.WithWorkers(cfg.Pipeline.MaxInFlight),
		async.WithQueueSize(cfg.Pipeline.QueueSize),
	)
	defer pool.Shutdown(context.Background())

	extractor := pipeline.NewExtractor(
		raster.New(raster.FromAppConfig(cfg), logger),
		vlm.NewClient(vlm.FromAppConfig(cfg), logger),
		survey.NewFetcher(survey.FromAppConfig(cfg), logger),
		pool,
		pipeline.Options{
			FileConcurrency:   cfg.Pipeline.FileConcurrency,
			SchemaConcurrency: cfg.Pipeline.SchemaConcurrency,
		},
		logger,
	)

	if *watch {
		target := *outDir
		if target == "" {
			target = *dir
		}
		if err := watchDir(ctx, extractor, tpl, *link, *dir, target, logger); err != nil {
			printError("Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	result, runErr := extractor.ExtractBatch(ctx, tpl, files, *link)

	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		printError("Error: encode result: %v\n", err)
		os.Exit(1)
	}
	if *out == "" {
		fmt.Println(string(body))
	} else if err := os.WriteFile(*out, body, 0o644); err != nil {
		printError("Error: write %s: %v\n", *out, err)
		os.Exit(1)
	}

	if *xlsx != "" && runErr == nil {
		data, err := export.WriteBatchXLSX(result, logger)
		if err != nil {
			printError("Error: export: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*xlsx, data, 0o644); err != nil {
			printError("Error: write %s: %v\n", *xlsx, err)
			os.Exit(1)
		}
		logger.Info("xlsx written", "path", *xlsx)
	}

	if runErr != nil {
		printError("Error: %v\n", runErr)
		os.Exit(1)
	}
}

func readInputs(paths []string) ([]pipeline.InputFile, error) {
	files := make([]pipeline.InputFile, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		files = append(files, pipeline.InputFile{Filename: filepath.Base(path), Data: data})
	}
	return files, nil
}

// watchDir runs one batch per PDF that appears under dir and writes each result
// as <name>.result.json into outDir.
func watchDir(ctx context.Context, extractor *pipeline.Extractor, tpl []byte, link, dir, outDir string, logger *slog.Logger) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", outDir, err)
	}
	events, errs, err := ingest.Watch(ctx, ingest.WatchConfig{
		Roots:       []string{dir},
		InitialScan: true,
		Debounce:    750 * time.Millisecond,
		SkipHidden:  true,
	}, logger)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Info("watching for forms", "dir", dir, "out_dir", outDir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("watch error", "error", err)
		case path, ok := <-events:
			if !ok {
				return nil
			}
			files, err := readInputs([]string{path})
			if err != nil {
				logger.Warn("skipping file", "path", path, "error", err)
				continue
			}
			result, err := extractor.ExtractBatch(ctx, tpl, files, link)
			if err != nil {
				logger.Error("batch failed", "path", path, "error", err)
			}
			body, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				logger.Error("encode result", "path", path, "error", err)
				continue
			}
			name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".result.json"
			dst := filepath.Join(outDir, name)
			if err := os.WriteFile(dst, body, 0o644); err != nil {
				logger.Error("write result", "path", dst, "error", err)
				continue
			}
			logger.Info("result written", "source", path, "result", dst)
		}
	}
}
