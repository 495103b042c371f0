package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is returned for any non-200 response. Body is kept verbatim for
// diagnostics; the exchange does not use it to signal success.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status from err, or 0 if err is not an APIError.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the exchange. Cancellation
// calls treat this as "already gone".
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// LogAttrs returns slog key/value pairs describing err: the endpoint, status
// and body when err carries an APIError, and the error itself otherwise.
func LogAttrs(err error) []any {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return []any{"endpoint", apiErr.Endpoint, "status", apiErr.StatusCode, "body", apiErr.Body}
	}
	return []any{"error", err}
}
