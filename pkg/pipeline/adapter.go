package pipeline

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

// Level orders adapters within an interception stage.
type Level int

const (
	First Level = iota
	Normal
	Last
)

type Priority struct {
	Request  Level
	Response Level
}

// Feature is an optional host capability adapters can depend on.
type Feature string

// FeatureRequestHash enables Controls.GetHash.
const FeatureRequestHash Feature = "request-hash"

// Handle is what the host hands to an adapter on attach.
type Handle interface {
	Logger() *zerolog.Logger
}

// Controls give interceptors access to host operations on the current request.
type Controls interface {
	// FinaliseURL substitutes path parameters and applies the query.
	// It returns the final URL; calling it again returns the same URL.
	FinaliseURL() (string, error)
	// GetHash returns the request fingerprint, optionally including the body.
	// It fails with ErrHashUnavailable when the request hash feature is off.
	GetHash(includeBody bool) (string, error)
}

// Adapter extends the host.
// Adapters may also implement RequestInterceptor, ResponseInterceptor and io.Closer.
type Adapter interface {
	Name() string
	Priority() Priority
	Dependencies() []Feature
	OnAttach(ctx context.Context, handle Handle) error
}

// RequestInterceptor runs before the request is sent.
// Returning shortCircuit == true ends the call with value as the response body.
type RequestInterceptor interface {
	InterceptRequest(ctx context.Context, config *RequestConfig, controls Controls) (value any, shortCircuit bool, err error)
}

// ResponseInterceptor runs after a response was received, before its body is decoded.
type ResponseInterceptor interface {
	InterceptResponse(ctx context.Context, res *http.Response, config *RequestConfig, controls Controls) error
}
