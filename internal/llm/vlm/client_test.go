package vlm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/form-extractor/internal/common"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// chatReply renders an OpenAI-style completion whose message content is content.
func chatReply(content any) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

type recorder struct {
	mu     sync.Mutex
	bodies []map[string]any
	auth   []string
}

func (r *recorder) add(req *http.Request) {
	raw, _ := io.ReadAll(req.Body)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, m)
	r.auth = append(r.auth, req.Header.Get("Authorization"))
}

func (r *recorder) last() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[len(r.bodies)-1]
}

func newTestClient(t *testing.T, url string, mutate func(*Config)) (*Client, *[]time.Duration) {
	t.Helper()
	cfg := Config{
		URL:              url,
		Model:            "test-model",
		Temperature:      0.2,
		Timeout:          2 * time.Second,
		MaxRetries:       2,
		RetryDelay:       10 * time.Millisecond,
		StructuredOutput: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(cfg, quiet)
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return c, &delays
}

func TestGenerateSchema(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		_, _ = io.WriteString(w, chatReply("```json\n{\"type\": \"object\", \"properties\": {}}\n```"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *Config) { cfg.APIKey = "secret" })
	schema, err := c.GenerateSchema(context.Background(), "QUJD")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, schema)

	body := rec.last()
	assert.Equal(t, "test-model", body["model"])
	assert.Equal(t, 0.2, body["temperature"])
	assert.NotContains(t, body, "response_format")
	assert.Equal(t, "Bearer secret", rec.auth[0])

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	user := msgs[1].(map[string]any)["content"].([]any)
	img := user[1].(map[string]any)["image_url"].(map[string]any)
	assert.Equal(t, "data:image/jpeg;base64,QUJD", img["url"])
}

func TestComplete_NoAuthorizationWithoutKey(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		_, _ = io.WriteString(w, chatReply(`{}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	_, err := c.GenerateSchema(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, rec.auth[0])
}

func TestComplete_TimeoutExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, delays := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })
	_, err := c.ExtractAnswers(context.Background(), "x", map[string]any{"type": "object"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Exhausted)
	assert.Equal(t, 3, apiErr.Attempts)
	assert.Contains(t, apiErr.Error(), "timeout after 3 attempts")
	assert.True(t, errors.Is(err, common.ErrVLMAPI))
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *delays)
}

func TestComplete_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"bad image"}`)
	}))
	defer srv.Close()

	c, delays := newTestClient(t, srv.URL, nil)
	_, err := c.GenerateSchema(context.Background(), "x")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "bad image")
	assert.Equal(t, 1, apiErr.Attempts)
	assert.False(t, apiErr.Exhausted)
	assert.Contains(t, err.Error(), "vlm http error: 400")
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, *delays)
}

func TestComplete_ServerErrorThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, chatReply(`{"name": "Ada"}`))
	}))
	defer srv.Close()

	c, delays := newTestClient(t, srv.URL, nil)
	answers, err := c.ExtractAnswers(context.Background(), "x", "not a schema object")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada"}, answers)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, *delays)
}

func TestComplete_ServerErrorExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *Config) { cfg.MaxRetries = 0 })
	_, err := c.GenerateSchema(context.Background(), "x")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Exhausted)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestComplete_EmptyChoicesNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"choices": []}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	_, err := c.GenerateSchema(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errNoChoices))
	assert.True(t, errors.Is(err, common.ErrVLMAPI))
	assert.EqualValues(t, 1, calls.Load())
}

func TestComplete_CancelledContextStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	_, err := c.GenerateSchema(ctx, "x")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 1, apiErr.Attempts)
	assert.False(t, apiErr.Exhausted)
}

func TestExtractAnswers_StructuredOutput(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		// structured content instead of a string
		_, _ = io.WriteString(w, chatReply(map[string]any{"age": "old"}))
	}))
	defer srv.Close()

	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"age": map[string]any{"type": "integer"}},
	}

	c, _ := newTestClient(t, srv.URL, nil)
	answers, err := c.ExtractAnswers(context.Background(), "x", schema)
	require.NoError(t, err)
	// a schema mismatch is logged, not fatal
	assert.Equal(t, map[string]any{"age": "old"}, answers)

	rf, ok := rec.last()["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", rf["type"])
	js := rf["json_schema"].(map[string]any)
	assert.Equal(t, "ExtractedAnswers", js["name"])
	assert.Equal(t, "object", js["schema"].(map[string]any)["type"])
}

func TestExtractAnswers_StructuredOutputDisabled(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		_, _ = io.WriteString(w, chatReply(`{"a": 1}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *Config) { cfg.StructuredOutput = false })
	_, err := c.ExtractAnswers(context.Background(), "x", map[string]any{"type": "object"})
	require.NoError(t, err)
	assert.NotContains(t, rec.last(), "response_format")
}

func TestMapSurveyFields(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		_, _ = io.WriteString(w, chatReply([]any{
			map[string]any{"type": "text", "text": `{"name": `},
			map[string]any{"type": "text", "text": `"QID1"}`},
		}))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *Config) { cfg.HTMLLimit = 4 })
	mapping, ok := c.MapSurveyFields(context.Background(), "<form>long</form>", []any{map[string]any{}})
	require.True(t, ok)
	assert.Equal(t, map[string]any{"name": "QID1"}, mapping)

	msgs := rec.last()["messages"].([]any)
	text := msgs[1].(map[string]any)["content"].(string)
	assert.Contains(t, text, "<for\n\nJSON Schemas:")
}

func TestMapSurveyFields_Absent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)

	mapping, ok := c.MapSurveyFields(context.Background(), "   ", nil)
	assert.False(t, ok)
	assert.Nil(t, mapping)
	assert.EqualValues(t, 0, calls.Load())

	mapping, ok = c.MapSurveyFields(context.Background(), "<html></html>", nil)
	assert.False(t, ok)
	assert.Nil(t, mapping)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDecodeContent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    any
		wantErr error
	}{
		{"string", chatReply(" hi "), "hi", nil},
		{"object", chatReply(map[string]any{"a": true}), map[string]any{"a": true}, nil},
		{"null content", `{"choices":[{"message":{"content":null}}]}`, nil, errNoContent},
		{"missing message", `{"choices":[{}]}`, nil, errNoContent},
		{"no choices", `{"choices":[]}`, nil, errNoChoices},
		{"not json", `<html>`, nil, errBadPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeContent([]byte(tt.raw))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
