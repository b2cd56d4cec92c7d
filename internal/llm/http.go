package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/form-extractor/internal/common"
)

// maxResponseBytes caps how much of a model response is buffered.
const maxResponseBytes = 32 << 20

// Response is the raw outcome of one POST.
type Response struct {
	ReqID   string
	Status  int
	Body    []byte
	Elapsed time.Duration
}

// StatusError is returned by SendJSON for non-2xx answers. The body is kept for diagnostics.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-2xx status: %d", e.Status)
}

// SendJSON posts body as JSON to url and returns the raw response.
// Transport failures come back with Status 0; non-2xx answers come back as *StatusError
// together with the populated Response.
func SendJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string, logger *slog.Logger) (Response, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	out := Response{ReqID: uuid.New().String()}
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		logger.Error("llm.http.encode_error", "req_id", out.ReqID, "error", err)
		return out, fmt.Errorf("encode json: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		logger.Error("llm.http.build_request_error", "req_id", out.ReqID, "error", err)
		return out, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if parent := common.RequestIDFromContext(ctx); parent != "" {
		req.Header.Set("X-Request-ID", parent)
	}

	logger.Debug("llm.http.request",
		"req_id", out.ReqID,
		"parent_req_id", common.RequestIDFromContext(ctx),
		"url", url,
		"content_length", len(bs),
	)

	resp, err := client.Do(req)
	if err != nil {
		out.Elapsed = time.Since(start)
		logger.Warn("llm.http.send_error", "req_id", out.ReqID, "error", err, "elapsed_ms", out.Elapsed.Milliseconds())
		return out, err
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			logger.Warn("llm.http.response_body_close_error", "req_id", out.ReqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	out.Status = resp.StatusCode
	out.Body = raw
	out.Elapsed = time.Since(start)
	if err != nil {
		// a body cut short by a timeout is a transport failure
		logger.Warn("llm.http.read_error", "req_id", out.ReqID, "status", resp.StatusCode, "error", err)
		out.Status = 0
		return out, fmt.Errorf("read response: %w", err)
	}

	logger.Info("llm.http.response",
		"req_id", out.ReqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", out.Elapsed.Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return out, &StatusError{Status: resp.StatusCode, Body: raw}
	}
	return out, nil
}
