package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/form-extractor/constants"
	"github.com/joseph-ayodele/form-extractor/internal/async"
	"github.com/joseph-ayodele/form-extractor/internal/common"
	"github.com/joseph-ayodele/form-extractor/internal/raster"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRaster treats the input as "<name>:<pages>"; "bad" fails to rasterize.
type fakeRaster struct{}

func (fakeRaster) Rasterize(_ context.Context, pdf []byte) ([]raster.Page, error) {
	name, n, ok := strings.Cut(string(pdf), ":")
	if !ok || name == "bad" {
		return nil, common.PDFProcessingError("failed to read PDF", errors.New("no header"))
	}
	var count int
	_, _ = fmt.Sscanf(n, "%d", &count)
	pages := make([]raster.Page, count)
	for i := range pages {
		pages[i] = raster.Page{Index: i, Image: fmt.Sprintf("%s-p%d", name, i), MIMEType: "image/jpeg"}
	}
	return pages, nil
}

type fakeModel struct {
	mu sync.Mutex

	schemaErr   error
	panicOn     string
	failImages  map[string]bool
	mapping     any
	delayFor    map[string]time.Duration
	extractCall []string
	mappedHTML  string
	mapCalled   bool
}

func (m *fakeModel) GenerateSchema(_ context.Context, image string) (any, error) {
	if image == m.panicOn {
		panic("schema decoder exploded")
	}
	if m.schemaErr != nil && strings.HasSuffix(image, "-p1") {
		return nil, m.schemaErr
	}
	return map[string]any{"schema_for": image}, nil
}

func (m *fakeModel) ExtractAnswers(_ context.Context, image string, schema any) (any, error) {
	if d := m.delayFor[image]; d > 0 {
		time.Sleep(d)
	}
	m.mu.Lock()
	m.extractCall = append(m.extractCall, image)
	m.mu.Unlock()
	if image == m.panicOn {
		panic("nil map in answer decoder")
	}
	if m.failImages[image] {
		return nil, errors.New("vlm http error: 500 - boom")
	}
	return map[string]any{"image": image, "schema": schema}, nil
}

func (m *fakeModel) MapSurveyFields(_ context.Context, html string, _ []any) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapCalled = true
	m.mappedHTML = html
	if m.mapping == nil {
		return nil, false
	}
	return m.mapping, true
}

type fakeSurvey struct {
	html string
	err  error
}

func (s fakeSurvey) Fetch(context.Context, string) (string, error) { return s.html, s.err }

func newPool(t *testing.T, workers int) *async.Pool {
	p := async.NewPool(quiet, async.WithWorkers(workers))
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func TestExtractBatch_SchemaFallbackToFirst(t *testing.T) {
	model := &fakeModel{}
	e := NewExtractor(fakeRaster{}, model, nil, nil, Options{}, quiet)

	res, err := e.ExtractBatch(context.Background(), []byte("tpl:2"), []InputFile{{Filename: "a.pdf", Data: []byte("a:4")}}, "")
	require.NoError(t, err)
	require.Len(t, res.JSONSchemas, 2)
	require.Len(t, res.Results, 1)

	pages := res.Results[0].Pages
	require.Len(t, pages, 4)
	want := []string{"tpl-p0", "tpl-p1", "tpl-p0", "tpl-p0"}
	for i, p := range pages {
		assert.Equal(t, i, p.PageIndex)
		assert.Equal(t, constants.StatusSuccess, p.Status)
		answers := p.Answers.(map[string]any)
		assert.Equal(t, map[string]any{"schema_for": want[i]}, answers["schema"], "page %d", i)
	}
	assert.Equal(t, []string{"tpl-p0", "tpl-p1"}, res.TemplateBase64Images)
	assert.Equal(t, []string{"a-p0", "a-p1", "a-p2", "a-p3"}, res.Results[0].Base64Images)
}

func TestExtractBatch_FailureIsolation(t *testing.T) {
	for name, pool := range map[string]Submitter{"inline": nil, "pool": newPool(t, 3)} {
		t.Run(name, func(t *testing.T) {
			model := &fakeModel{failImages: map[string]bool{"c-p1": true}}
			e := NewExtractor(fakeRaster{}, model, nil, pool, Options{FileConcurrency: 3}, quiet)

			files := []InputFile{
				{Filename: "a.pdf", Data: []byte("a:2")},
				{Filename: "b.pdf", Data: []byte("bad")},
				{Filename: "c.pdf", Data: []byte("c:3")},
			}
			res, err := e.ExtractBatch(context.Background(), []byte("tpl:1"), files, "")
			require.NoError(t, err)
			assert.Equal(t, constants.StatusSuccess, res.Status)
			require.Len(t, res.Results, 3)

			assert.Equal(t, "a.pdf", res.Results[0].Filename)
			assert.Equal(t, constants.StatusSuccess, res.Results[0].Status)
			assert.Len(t, res.Results[0].Pages, 2)

			bad := res.Results[1]
			assert.Equal(t, "b.pdf", bad.Filename)
			assert.Equal(t, constants.StatusError, bad.Status)
			assert.True(t, strings.HasPrefix(bad.Error, "PDF processing failed: "), bad.Error)
			assert.Empty(t, bad.Pages)

			c := res.Results[2]
			assert.Equal(t, constants.StatusSuccess, c.Status)
			require.Len(t, c.Pages, 3)
			assert.Equal(t, constants.StatusSuccess, c.Pages[0].Status)
			assert.Equal(t, constants.StatusError, c.Pages[1].Status)
			assert.Nil(t, c.Pages[1].Answers)
			assert.Contains(t, c.Pages[1].Error, "500")
			assert.Equal(t, constants.StatusSuccess, c.Pages[2].Status, "later pages still run")
		})
	}
}

func TestExtractBatch_OrderIndependentOfCompletion(t *testing.T) {
	model := &fakeModel{delayFor: map[string]time.Duration{
		"a-p0": 30 * time.Millisecond,
		"b-p0": 20 * time.Millisecond,
	}}
	e := NewExtractor(fakeRaster{}, model, nil, newPool(t, 4), Options{FileConcurrency: 2}, quiet)

	files := []InputFile{{Filename: "a.pdf", Data: []byte("a:3")}, {Filename: "b.pdf", Data: []byte("b:2")}}
	res, err := e.ExtractBatch(context.Background(), []byte("tpl:3"), files, "")
	require.NoError(t, err)

	for fi, fr := range res.Results {
		assert.Equal(t, files[fi].Filename, fr.Filename)
		for pi, p := range fr.Pages {
			assert.Equal(t, pi, p.PageIndex)
			assert.Equal(t, fr.Base64Images[pi], p.Base64Image)
		}
	}
}

func TestExtractBatch_TemplateFailure(t *testing.T) {
	model := &fakeModel{}
	e := NewExtractor(fakeRaster{}, model, nil, nil, Options{}, quiet)

	link := "https://survey.example.com/jfe/form/SV_1"
	res, err := e.ExtractBatch(context.Background(), []byte("bad"), []InputFile{{Filename: "a.pdf", Data: []byte("a:1")}}, link)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrSchemaGeneration)
	assert.ErrorIs(t, err, common.ErrPDFProcessing)

	assert.Equal(t, constants.StatusError, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.JSONSchemas)
	assert.Empty(t, res.Results)
	assert.Empty(t, model.extractCall)
	require.NotNil(t, res.ReceivedQualtricsLink)
	assert.Equal(t, link, *res.ReceivedQualtricsLink)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"json_schemas":[]`)
	assert.Contains(t, string(raw), `"results":[]`)
}

func TestExtractBatch_SchemaFailureAbortsBatch(t *testing.T) {
	model := &fakeModel{schemaErr: errors.New("vlm request failed after 4 attempts")}
	e := NewExtractor(fakeRaster{}, model, nil, nil, Options{SchemaConcurrency: 2}, quiet)

	res, err := e.ExtractBatch(context.Background(), []byte("tpl:3"), []InputFile{{Filename: "a.pdf", Data: []byte("a:1")}}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrSchemaGeneration)
	assert.Equal(t, constants.StatusError, res.Status)
	assert.Empty(t, res.JSONSchemas)
	assert.Empty(t, model.extractCall)
}

func TestExtractBatch_SurveyIsNonFatal(t *testing.T) {
	model := &fakeModel{mapping: map[string]any{"name": "QID1"}}
	files := []InputFile{{Filename: "a.pdf", Data: []byte("a:1")}}

	t.Run("fetch failure", func(t *testing.T) {
		e := NewExtractor(fakeRaster{}, model, fakeSurvey{err: common.QualtricsError("unreachable", nil)}, nil, Options{}, quiet)
		res, err := e.ExtractBatch(context.Background(), []byte("tpl:1"), files, "https://unreachable.invalid/s")
		require.NoError(t, err)
		assert.Equal(t, constants.StatusSuccess, res.Status)
		assert.Nil(t, res.QualtricsMapping)
		require.NotNil(t, res.ReceivedQualtricsLink)
	})

	t.Run("mapping present", func(t *testing.T) {
		e := NewExtractor(fakeRaster{}, model, fakeSurvey{html: "<form/>"}, nil, Options{}, quiet)
		res, err := e.ExtractBatch(context.Background(), []byte("tpl:1"), files, " https://s.example.com/x ")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "QID1"}, res.QualtricsMapping)
		assert.Equal(t, "<form/>", model.mappedHTML)
		assert.Equal(t, "https://s.example.com/x", *res.ReceivedQualtricsLink)
	})

	t.Run("no link", func(t *testing.T) {
		m := &fakeModel{mapping: "unused"}
		e := NewExtractor(fakeRaster{}, m, fakeSurvey{html: "<form/>"}, nil, Options{}, quiet)
		res, err := e.ExtractBatch(context.Background(), []byte("tpl:1"), files, "")
		require.NoError(t, err)
		assert.False(t, m.mapCalled)
		assert.Nil(t, res.QualtricsMapping)
		assert.Nil(t, res.ReceivedQualtricsLink)

		raw, err := json.Marshal(res)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"received_qualtrics_link":null`)
	})
}

func TestSchemaFor(t *testing.T) {
	schemas := []any{"s0", "s1"}
	assert.Equal(t, "s0", SchemaFor(schemas, 0))
	assert.Equal(t, "s1", SchemaFor(schemas, 1))
	assert.Equal(t, "s0", SchemaFor(schemas, 2))
	assert.Equal(t, "s0", SchemaFor(schemas, 9))
	assert.Nil(t, SchemaFor(nil, 0))
}

// gaugeModel records the highest number of model calls running at once.
type gaugeModel struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (g *gaugeModel) enter() func() {
	g.calls.Add(1)
	n := g.inFlight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return func() { g.inFlight.Add(-1) }
}

func (g *gaugeModel) GenerateSchema(_ context.Context, image string) (any, error) {
	defer g.enter()()
	return map[string]any{"schema_for": image}, nil
}

func (g *gaugeModel) ExtractAnswers(_ context.Context, image string, _ any) (any, error) {
	defer g.enter()()
	return map[string]any{"image": image}, nil
}

func (g *gaugeModel) MapSurveyFields(context.Context, string, []any) (any, bool) {
	defer g.enter()()
	return map[string]any{"name": "QID1"}, true
}

func TestExtractBatch_PoolCapsEveryModelCall(t *testing.T) {
	for _, workers := range []int{1, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			model := &gaugeModel{}
			e := NewExtractor(fakeRaster{}, model, fakeSurvey{html: "<form/>"}, newPool(t, workers),
				Options{FileConcurrency: 3, SchemaConcurrency: 3}, quiet)

			const batches = 4
			var wg sync.WaitGroup
			errs := make([]error, batches)
			for b := range batches {
				wg.Add(1)
				go func() {
					defer wg.Done()
					files := []InputFile{{Filename: "a.pdf", Data: []byte("a:2")}, {Filename: "b.pdf", Data: []byte("b:2")}}
					_, errs[b] = e.ExtractBatch(context.Background(), []byte("tpl:3"), files, "https://s.example.com/x")
				}()
			}
			wg.Wait()

			for _, err := range errs {
				require.NoError(t, err)
			}
			// per batch: 3 schemas, 1 mapping, 4 pages
			assert.Equal(t, int32(batches*8), model.calls.Load())
			assert.LessOrEqual(t, model.peak.Load(), int32(workers))
		})
	}
}

func TestExtractBatch_PagePanicBecomesPageError(t *testing.T) {
	for name, pool := range map[string]Submitter{"inline": nil, "pool": newPool(t, 2)} {
		t.Run(name, func(t *testing.T) {
			model := &fakeModel{panicOn: "a-p0"}
			e := NewExtractor(fakeRaster{}, model, nil, pool, Options{}, quiet)

			res, err := e.ExtractBatch(context.Background(), []byte("tpl:1"), []InputFile{{Filename: "a.pdf", Data: []byte("a:2")}}, "")
			require.NoError(t, err)
			require.Len(t, res.Results, 1)

			pages := res.Results[0].Pages
			require.Len(t, pages, 2)
			assert.Equal(t, 0, pages[0].PageIndex)
			assert.Equal(t, constants.StatusError, pages[0].Status)
			assert.Nil(t, pages[0].Answers)
			assert.Contains(t, pages[0].Error, "panicked")
			assert.Equal(t, "a-p0", pages[0].Base64Image)

			assert.Equal(t, constants.StatusSuccess, pages[1].Status)
			assert.NotNil(t, pages[1].Answers)
			assert.Empty(t, pages[1].Error)
		})
	}
}

func TestExtractBatch_SchemaPanicFailsTemplateStage(t *testing.T) {
	for name, pool := range map[string]Submitter{"inline": nil, "pool": newPool(t, 2)} {
		t.Run(name, func(t *testing.T) {
			model := &fakeModel{panicOn: "tpl-p0"}
			e := NewExtractor(fakeRaster{}, model, nil, pool, Options{}, quiet)

			res, err := e.ExtractBatch(context.Background(), []byte("tpl:2"), []InputFile{{Filename: "a.pdf", Data: []byte("a:1")}}, "")
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrSchemaGeneration)
			assert.Contains(t, err.Error(), "panicked")
			assert.Equal(t, constants.StatusError, res.Status)
			assert.Empty(t, res.Results)
		})
	}
}
