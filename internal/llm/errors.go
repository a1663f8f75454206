package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoChoices indicates the provider returned a well-formed response
// with an empty choice list.
var ErrNoChoices = errors.New("llm: response contains no choices")

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("llm: provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("llm: provider returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// TransportError is a network-level failure before any provider
// response arrived.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llm: transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// isRetryable reports whether err is transient. API errors answer for
// themselves; transport failures and timeout-looking messages retry.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"timeout", "connection refused", "connection reset", "temporarily unavailable", "rate limit"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
