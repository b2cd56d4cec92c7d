package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// ParseModelResponse recovers a JSON value from model output.
//   - objects and arrays pass through untouched
//   - a string is parsed whole; a JSON string literal is unwrapped and parsed again,
//     and kept as given when its contents are not JSON
//   - otherwise the first balanced {...} or [...] in the text is parsed
//   - if nothing parses, the input is returned unchanged
//
// It never fails; callers treat a returned string as unstructured output.
func ParseModelResponse(content any, logger *slog.Logger) any {
	if logger == nil {
		logger = slog.Default()
	}

	switch v := content.(type) {
	case map[string]any, []any, float64, bool, nil:
		return v
	case []byte:
		return parseText(string(v), logger)
	case string:
		return parseText(v, logger)
	default:
		logger.Warn("llm.parse.unexpected_type", "type", fmt.Sprintf("%T", content))
		return content
	}
}

func parseText(s string, logger *slog.Logger) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		if inner, ok := v.(string); ok {
			// a quoted literal only counts when its contents parse
			if out := parseText(inner, logger); !isText(out) {
				return out
			}
			return s
		}
		return v
	}

	if sub, ok := ExtractJSONSubstring(s); ok {
		err := json.Unmarshal([]byte(sub), &v)
		if err == nil {
			logger.Debug("llm.parse.extracted", "prefix_len", len(s)-len(sub))
			return v
		}
		logger.Warn("llm.parse.substring_invalid", "error", err)
	}

	logger.Warn("llm.parse.unstructured", "content_len", len(s), "preview", truncate(s, 200))
	return s
}

func isText(v any) bool {
	_, ok := v.(string)
	return ok
}

// ExtractJSONSubstring returns the first balanced JSON object or array in text.
// Brackets inside double-quoted strings are ignored, honoring backslash escapes.
// A closer that is unmatched or of the wrong kind aborts the scan.
func ExtractJSONSubstring(text string) (string, bool) {
	start := -1
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}

	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
