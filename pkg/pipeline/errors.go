package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrHashUnavailable is returned by Controls.GetHash when the host cannot fingerprint requests.
	ErrHashUnavailable  = errors.New("pipeline: request hash unavailable")
	ErrUnknownAPI       = errors.New("pipeline: unknown api")
	ErrUnknownEndpoint  = errors.New("pipeline: unknown endpoint")
	ErrMissingPathParam = errors.New("pipeline: missing path parameter")
)

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("pipeline: %s", e.Status)
}

func newHTTPError(res *http.Response, body []byte) *HTTPError {
	status := res.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", res.StatusCode, http.StatusText(res.StatusCode))
	}
	return &HTTPError{StatusCode: res.StatusCode, Status: status, Body: body}
}
