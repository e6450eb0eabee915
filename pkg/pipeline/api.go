// Package pipeline is a small HTTP client pipeline: APIs with named endpoints,
// layered meta configuration and adapters that intercept requests and responses.
package pipeline

import (
	"net/http"
	"net/url"
)

// API groups endpoints under a base URL.
// Meta applies to every endpoint unless overridden.
type API struct {
	Name      string               `yaml:"name" validate:"required"`
	BaseURL   string               `yaml:"baseURL" validate:"required,url"`
	Meta      map[string]any       `yaml:"meta"`
	Headers   map[string]string    `yaml:"headers"`
	Endpoints map[string]*Endpoint `yaml:"endpoints" validate:"required,dive,required"`
}

// Endpoint is a path template, e.g. /users/{id}, with its method and meta.
type Endpoint struct {
	Method string         `yaml:"method"`
	Path   string         `yaml:"path" validate:"required"`
	Meta   map[string]any `yaml:"meta"`
}

// CallOptions are the per-call inputs.
type CallOptions struct {
	PathParams map[string]string
	Query      url.Values
	Headers    http.Header
	// Body is sent as is for string, []byte and url.Values (form), JSON-encoded otherwise.
	Body any
	// Meta overrides endpoint and API meta for this call only.
	Meta map[string]any
}

// RequestConfig is the request as seen by interceptors.
type RequestConfig struct {
	API      *API
	Endpoint *Endpoint

	// EndpointName is the key of Endpoint in API.Endpoints.
	EndpointName string

	Method     string
	PathParams map[string]string
	Query      url.Values
	Headers    http.Header
	Body       any

	// Meta is the merged meta: API, then endpoint, then call.
	Meta map[string]any
	// CallMeta is the call-level meta only.
	CallMeta map[string]any

	finalURL *url.URL
	request  *http.Request
}

// APIMeta returns the API-wide meta, never nil.
func (c *RequestConfig) APIMeta() map[string]any {
	if c.API == nil || c.API.Meta == nil {
		return map[string]any{}
	}
	return c.API.Meta
}

// EndpointMeta returns the endpoint's own meta, never nil.
func (c *RequestConfig) EndpointMeta() map[string]any {
	if c.Endpoint == nil || c.Endpoint.Meta == nil {
		return map[string]any{}
	}
	return c.Endpoint.Meta
}

// URL returns the final URL, or nil before it was finalised.
func (c *RequestConfig) URL() *url.URL {
	return c.finalURL
}

func mergeMeta(layers ...map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, layer := range layers {
		for key, value := range layer {
			merged[key] = value
		}
	}
	return merged
}
