package vlm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/form-extractor/internal/llm"
)

// GenerateSchema asks the model for a JSON schema describing one template page.
func (c *Client) GenerateSchema(ctx context.Context, imageB64 string) (any, error) {
	start := time.Now()
	body := c.body(llm.BuildSchemaMessages(llm.ImageDataURL(c.cfg.ImageMIMEType, imageB64)))

	content, err := c.complete(ctx, "schema", body)
	if err != nil {
		c.logger.Error("vlm.schema.failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	schema := llm.ParseModelResponse(content, c.logger)

	c.logger.Info("vlm.schema.ok",
		"kind", kindOf(schema),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return schema, nil
}

// ExtractAnswers applies schema to one filled page. When structured output is
// enabled and the schema compiles, it is also sent as a response_format constraint
// and the answers are checked against it; a mismatch is only logged.
func (c *Client) ExtractAnswers(ctx context.Context, imageB64 string, schema any) (any, error) {
	start := time.Now()
	body := c.body(llm.BuildExtractMessages(llm.ImageDataURL(c.cfg.ImageMIMEType, imageB64), schema))

	var compiled *jsonschema.Schema
	if c.cfg.StructuredOutput {
		if m, cs, ok := llm.UsableSchema(schema); ok {
			compiled = cs
			body["response_format"] = map[string]any{
				"type": "json_schema",
				"json_schema": map[string]any{
					"name":   "ExtractedAnswers",
					"schema": m,
				},
			}
		}
	}

	content, err := c.complete(ctx, "extract", body)
	if err != nil {
		c.logger.Error("vlm.extract.failed", "error", err, "structured", compiled != nil, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	answers := llm.ParseModelResponse(content, c.logger)
	if compiled != nil {
		if verr := compiled.Validate(answers); verr != nil {
			c.logger.Warn("vlm.extract.schema_mismatch", "error", verr)
		}
	}

	c.logger.Info("vlm.extract.ok",
		"kind", kindOf(answers),
		"structured", compiled != nil,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return answers, nil
}

// MapSurveyFields maps survey HTML fields onto the schemas. It never fails:
// blank HTML or any error yields (nil, false).
func (c *Client) MapSurveyFields(ctx context.Context, html string, schemas []any) (any, bool) {
	if strings.TrimSpace(html) == "" {
		c.logger.Info("vlm.mapping.skipped", "reason", "empty html")
		return nil, false
	}
	start := time.Now()
	body := c.body(llm.BuildMappingMessages(html, schemas, c.cfg.HTMLLimit))

	content, err := c.complete(ctx, "mapping", body)
	if err != nil {
		c.logger.Warn("vlm.mapping.failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, false
	}
	mapping := llm.ParseModelResponse(content, c.logger)
	if mapping == nil {
		c.logger.Warn("vlm.mapping.empty")
		return nil, false
	}
	c.logger.Info("vlm.mapping.ok", "kind", kindOf(mapping), "elapsed_ms", time.Since(start).Milliseconds())
	return mapping, true
}

func (c *Client) body(messages []llm.Message) map[string]any {
	return map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"messages":    messages,
	}
}

// complete sends body with the retry policy and returns the first choice's content,
// either as a string or as an already structured JSON value.
//
// Timeouts, transport errors and 5xx answers are retried up to MaxRetries extra
// times, waiting RetryDelay*attempt in between. Other statuses fail at once.
func (c *Client) complete(ctx context.Context, op string, body map[string]any) (any, error) {
	headers := map[string]string{}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}

	maxAttempts := c.cfg.MaxRetries + 1
	var last *APIError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.logger.Debug("vlm.request", "op", op, "attempt", attempt, "max_attempts", maxAttempts)

		resp, err := llm.SendJSON(ctx, c.http, c.cfg.URL, body, headers, c.logger)
		if err == nil {
			content, derr := decodeContent(resp.Body)
			if derr != nil {
				c.logger.Error("vlm.response.decode_error", "op", op, "req_id", resp.ReqID, "error", derr, "raw_bytes", len(resp.Body))
				return nil, &APIError{StatusCode: resp.Status, Body: truncate(string(resp.Body), 2048), Attempts: attempt, Cause: derr}
			}
			return content, nil
		}

		var statusErr *llm.StatusError
		if errors.As(err, &statusErr) && statusErr.Status < 500 {
			c.logger.Error("vlm.request.rejected", "op", op, "attempt", attempt, "status", statusErr.Status)
			return nil, &APIError{StatusCode: statusErr.Status, Body: string(statusErr.Body), Attempts: attempt, Cause: err}
		}
		if ctx.Err() != nil {
			return nil, &APIError{Attempts: attempt, Cause: ctx.Err()}
		}

		last = &APIError{StatusCode: resp.Status, Body: string(resp.Body), Attempts: attempt, Exhausted: true, Cause: err}
		if attempt == maxAttempts {
			break
		}

		delay := c.cfg.RetryDelay * time.Duration(attempt)
		c.logger.Warn("vlm.request.retry",
			"op", op,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"reason", retryReason(resp.Status, err),
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, &APIError{Attempts: attempt, Cause: serr}
		}
	}

	c.logger.Error("vlm.request.exhausted", "op", op, "attempts", maxAttempts, "error", last.Cause)
	return nil, last
}

func decodeContent(raw []byte) (any, error) {
	var cc struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if len(cc.Choices) == 0 {
		return nil, errNoChoices
	}
	content := cc.Choices[0].Message.Content
	if len(content) == 0 || string(content) == "null" {
		return nil, errNoContent
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if text, ok := joinTextParts(v); ok {
		return text, nil
	}
	return v, nil
}

// joinTextParts flattens content sent as [{type:"text", text:"..."}] parts.
func joinTextParts(v any) (string, bool) {
	parts, ok := v.([]any)
	if !ok || len(parts) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, p := range parts {
		m, ok := p.(map[string]any)
		if !ok || m["type"] != "text" {
			return "", false
		}
		text, _ := m["text"].(string)
		b.WriteString(text)
	}
	return b.String(), true
}

func retryReason(status int, err error) string {
	switch {
	case status >= 500:
		return "server_error"
	case isTimeout(err):
		return "timeout"
	default:
		return "transport"
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
