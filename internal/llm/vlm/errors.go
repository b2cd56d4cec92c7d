package vlm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/joseph-ayodele/form-extractor/internal/common"
)

// APIError is the single failure type of the client. StatusCode is zero when no
// HTTP answer was received.
type APIError struct {
	StatusCode int
	Body       string
	Attempts   int
	Exhausted  bool // every allowed attempt failed with a retryable error
	Cause      error
}

func (e *APIError) Error() string {
	switch {
	case e.Exhausted && isTimeout(e.Cause):
		return fmt.Sprintf("vlm request timeout after %d attempts: %v", e.Attempts, e.Cause)
	case e.Exhausted:
		return fmt.Sprintf("vlm request failed after %d attempts: %v", e.Attempts, e.Cause)
	case e.StatusCode > 0:
		return fmt.Sprintf("vlm http error: %d - %s", e.StatusCode, truncate(e.Body, 512))
	default:
		return fmt.Sprintf("vlm request failed: %v", e.Cause)
	}
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

func (e *APIError) Is(target error) bool {
	return target == common.ErrVLMAPI
}

var (
	errNoChoices  = errors.New("no choices in response")
	errNoContent  = errors.New("no message content in response")
	errBadPayload = errors.New("invalid response format")
)

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
