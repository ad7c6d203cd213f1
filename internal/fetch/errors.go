package fetch

import (
	"fmt"
	"io"
)

// maxErrorBodySize caps how much of an error response body is kept.
const maxErrorBodySize = 64 * 1024

// AuthenticationError is returned when the source API rejects credentials.
type AuthenticationError struct {
	Status int
	Body   string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("authentication failed: HTTP %d: %s", e.Status, e.Body)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RequestError is a non-retryable HTTP failure, or the last retryable one
// wrapped inside a RequestExhaustedError.
type RequestError struct {
	Status int
	Body   string
	URL    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s failed: HTTP %d: %s", e.URL, e.Status, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *RequestError) Retryable() bool {
	return retryableStatus(e.Status)
}

// RequestExhaustedError is returned when every retry attempt failed.
type RequestExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RequestExhaustedError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RequestExhaustedError) Unwrap() error { return e.Err }

func readBodyForError(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return "(failed to read response body)"
	}
	if len(body) == maxErrorBodySize {
		return string(body) + "\n... (truncated)"
	}
	return string(body)
}
