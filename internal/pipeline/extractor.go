package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/form-extractor/constants"
	"github.com/joseph-ayodele/form-extractor/internal/async"
	"github.com/joseph-ayodele/form-extractor/internal/common"
	"github.com/joseph-ayodele/form-extractor/internal/llm"
	"github.com/joseph-ayodele/form-extractor/internal/raster"
)

// Rasterizer turns PDF bytes into ordered page images.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte) ([]raster.Page, error)
}

// SurveyFetcher downloads survey page HTML. A blank URL yields "".
type SurveyFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Submitter runs tasks with bounded concurrency; *async.Pool satisfies it. Every
// model call of every batch goes through it, so its worker count caps the calls
// in flight against the endpoint.
type Submitter interface {
	Submit(ctx context.Context, name string, task async.Task) error
}

type Options struct {
	FileConcurrency   int // files rasterized and fanned out at once, default 2
	SchemaConcurrency int // template pages queued for schema generation at once, default 1
}

// Extractor runs the template → schemas → survey mapping → per-page extraction flow.
type Extractor struct {
	raster Rasterizer
	model  llm.FormModel
	survey SurveyFetcher
	pool   Submitter
	opts   Options
	logger *slog.Logger
}

// NewExtractor wires the collaborators. survey and pool may be nil: without a
// fetcher survey links are ignored, without a pool model calls run inline.
func NewExtractor(r Rasterizer, model llm.FormModel, survey SurveyFetcher, pool Submitter, opts Options, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FileConcurrency <= 0 {
		opts.FileConcurrency = 2
	}
	if opts.SchemaConcurrency <= 0 {
		opts.SchemaConcurrency = 1
	}
	return &Extractor{raster: r, model: model, survey: survey, pool: pool, opts: opts, logger: logger}
}

// ExtractBatch processes one request. The returned error is non-nil only for a
// template-stage failure, in which case the result carries status "error" and
// empty schemas and results. Per-file and per-page failures are reported inline.
func (e *Extractor) ExtractBatch(ctx context.Context, template []byte, files []InputFile, surveyURL string) (BatchResult, error) {
	start := time.Now()
	logger := common.LoggerFromContext(ctx, e.logger)

	var link *string
	if s := strings.TrimSpace(surveyURL); s != "" {
		link = &s
	}

	// 1) template pages
	tplPages, err := e.raster.Rasterize(ctx, template)
	if err != nil {
		logger.Error("pipeline.template.failed", "error", err)
		appErr := common.SchemaGenerationError("failed to process template PDF", err)
		return failedBatch(appErr.Error(), link), appErr
	}
	tplImages := make([]string, len(tplPages))
	for i, p := range tplPages {
		tplImages[i] = p.Image
	}
	logger.Info("pipeline.template.ok", "pages", len(tplPages))

	// 2) one schema per template page, all or nothing
	schemas, err := e.generateSchemas(ctx, tplPages, logger)
	if err != nil {
		logger.Error("pipeline.schema.failed", "error", err)
		appErr := common.SchemaGenerationError("failed to generate schemas from template", err)
		return failedBatch(appErr.Error(), link), appErr
	}

	// 3) optional survey mapping, never fatal
	var mapping any
	if link != nil {
		mapping = e.mapSurvey(ctx, *link, schemas, logger)
	}

	// 4) filled forms
	results := make([]FileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.FileConcurrency)
	for i, f := range files {
		g.Go(func() error {
			results[i] = e.processFile(gctx, f, schemas, logger)
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("pipeline.batch.ok",
		"template_pages", len(tplPages),
		"files", len(files),
		"mapping", mapping != nil,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return BatchResult{
		Status:                constants.StatusSuccess,
		JSONSchemas:           schemas,
		Results:               results,
		TemplateBase64Images:  tplImages,
		QualtricsMapping:      mapping,
		ReceivedQualtricsLink: link,
	}, nil
}

func (e *Extractor) generateSchemas(ctx context.Context, pages []raster.Page, logger *slog.Logger) ([]any, error) {
	schemas := make([]any, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.SchemaConcurrency)
	for i, p := range pages {
		g.Go(func() error {
			var s any
			err := e.call(gctx, fmt.Sprintf("schema#%d", i), func(tctx context.Context) error {
				var err error
				s, err = e.model.GenerateSchema(tctx, p.Image)
				return err
			})
			if err != nil {
				return fmt.Errorf("template page %d: %w", i, err)
			}
			schemas[i] = s
			logger.Debug("pipeline.schema.page_ok", "page_index", i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return schemas, nil
}

func (e *Extractor) mapSurvey(ctx context.Context, url string, schemas []any, logger *slog.Logger) any {
	if e.survey == nil {
		logger.Warn("pipeline.survey.skipped", "reason", "no fetcher configured")
		return nil
	}
	html, err := e.survey.Fetch(ctx, url)
	if err != nil {
		logger.Warn("pipeline.survey.fetch_failed", "url", url, "error", err)
		return nil
	}
	var mapping any
	var ok bool
	err = e.call(ctx, "survey-mapping", func(tctx context.Context) error {
		mapping, ok = e.model.MapSurveyFields(tctx, html, schemas)
		return nil
	})
	if err != nil {
		logger.Warn("pipeline.survey.mapping_failed", "url", url, "error", err)
		return nil
	}
	if !ok {
		logger.Info("pipeline.survey.no_mapping", "url", url)
		return nil
	}
	return mapping
}

func (e *Extractor) processFile(ctx context.Context, f InputFile, schemas []any, logger *slog.Logger) FileResult {
	start := time.Now()
	res := FileResult{
		Filename:     f.Filename,
		Status:       constants.StatusSuccess,
		Pages:        []PageResult{},
		Base64Images: []string{},
	}

	pages, err := e.raster.Rasterize(ctx, f.Data)
	if err != nil {
		logger.Warn("pipeline.file.raster_failed", "filename", f.Filename, "error", err)
		res.Status = constants.StatusError
		res.Error = fmt.Sprintf("PDF processing failed: %v", err)
		return res
	}

	res.Pages = make([]PageResult, len(pages))
	res.Base64Images = make([]string, len(pages))
	for i, p := range pages {
		res.Base64Images[i] = p.Image
	}

	done := make(chan struct{}, len(pages))
	submitted := 0
	for i, p := range pages {
		schema := SchemaFor(schemas, i)
		task := func(tctx context.Context) {
			defer func() { done <- struct{}{} }()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("pipeline.page.panic", "filename", f.Filename, "page_index", p.Index, "panic", r)
					res.Pages[i] = pageError(p, common.ExtractionError("page extraction panicked", fmt.Errorf("%v", r)))
				}
			}()
			res.Pages[i] = e.extractPage(tctx, f.Filename, p, schema, logger)
		}

		if e.pool == nil {
			task(ctx)
			submitted++
			continue
		}
		if err := e.pool.Submit(ctx, fmt.Sprintf("%s#%d", f.Filename, i), task); err != nil {
			res.Pages[i] = pageError(p, common.ExtractionError("page not scheduled", err))
			continue
		}
		submitted++
	}
	for range submitted {
		<-done
	}

	failed := 0
	for _, pr := range res.Pages {
		if pr.Status == constants.StatusError {
			failed++
		}
	}
	logger.Info("pipeline.file.ok",
		"filename", f.Filename,
		"pages", len(pages),
		"failed_pages", failed,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res
}

// call runs fn as one pool task, or inline without a pool, and waits for it.
// A panic in fn comes back as an error.
func (e *Extractor) call(ctx context.Context, name string, fn func(context.Context) error) error {
	var err error
	done := make(chan struct{})
	task := func(tctx context.Context) {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		err = fn(tctx)
	}

	if e.pool == nil {
		task(ctx)
		return err
	}
	if serr := e.pool.Submit(ctx, name, task); serr != nil {
		return serr
	}
	// accepted tasks always run, even after ctx is done
	<-done
	return err
}

func (e *Extractor) extractPage(ctx context.Context, filename string, p raster.Page, schema any, logger *slog.Logger) PageResult {
	answers, err := e.model.ExtractAnswers(ctx, p.Image, schema)
	if err != nil {
		logger.Warn("pipeline.page.failed", "filename", filename, "page_index", p.Index, "error", err)
		return pageError(p, err)
	}
	return PageResult{
		PageIndex:   p.Index,
		Status:      constants.StatusSuccess,
		Answers:     answers,
		Base64Image: p.Image,
	}
}

func pageError(p raster.Page, err error) PageResult {
	return PageResult{
		PageIndex:   p.Index,
		Status:      constants.StatusError,
		Error:       err.Error(),
		Base64Image: p.Image,
	}
}
