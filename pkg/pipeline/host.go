package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	cachekey "github.com/cleverplatypus/apihive-adapter-simple-cache/pkg/cache-key"
	contenttype "github.com/cleverplatypus/apihive-adapter-simple-cache/pkg/content-type"

	"github.com/rs/zerolog"
)

// Host runs calls against registered APIs through the attached adapters.
type Host struct {
	client *http.Client
	logger zerolog.Logger
	keyer  cachekey.Keyer

	mu       sync.RWMutex
	apis     map[string]*API
	adapters []Adapter
	features map[Feature]bool
}

type Option func(*Host)

func WithHTTPClient(client *http.Client) Option {
	return func(h *Host) {
		h.client = client
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithKeyPrefix sets the prefix mixed into request fingerprints.
func WithKeyPrefix(prefix string) Option {
	return func(h *Host) {
		h.keyer = cachekey.NewKeyer(prefix)
	}
}

func WithFeatures(features ...Feature) Option {
	return func(h *Host) {
		for _, f := range features {
			h.features[f] = true
		}
	}
}

func New(opts ...Option) *Host {
	h := &Host{
		client:   http.DefaultClient,
		logger:   zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger(),
		keyer:    cachekey.NewKeyer("apihive"),
		apis:     make(map[string]*API),
		features: make(map[Feature]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Logger returns the host logger. Host implements Handle.
func (h *Host) Logger() *zerolog.Logger {
	return &h.logger
}

// AddAPI registers an API, replacing any API with the same name.
func (h *Host) AddAPI(api *API) error {
	if api == nil || api.Name == "" {
		return errors.New("pipeline: api needs a name")
	}
	if _, err := url.Parse(api.BaseURL); err != nil || api.BaseURL == "" {
		return fmt.Errorf("pipeline: api %s: invalid base url %q", api.Name, api.BaseURL)
	}
	for name, endpoint := range api.Endpoints {
		if endpoint == nil {
			return fmt.Errorf("pipeline: api %s: endpoint %s is empty", api.Name, name)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.apis[api.Name] = api
	return nil
}

func (h *Host) Enable(features ...Feature) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range features {
		h.features[f] = true
	}
}

func (h *Host) enabled(f Feature) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.features[f]
}

// Use attaches an adapter. Features it depends on are enabled first.
func (h *Host) Use(ctx context.Context, adapter Adapter) error {
	h.Enable(adapter.Dependencies()...)
	if err := adapter.OnAttach(ctx, h); err != nil {
		return fmt.Errorf("pipeline: attach %s: %w", adapter.Name(), err)
	}
	h.mu.Lock()
	h.adapters = append(h.adapters, adapter)
	h.mu.Unlock()
	h.logger.Debug().Str("adapter", adapter.Name()).Msg("Adapter attached")
	return nil
}

// Close closes every attached adapter that implements io.Closer.
func (h *Host) Close() error {
	h.mu.Lock()
	adapters := h.adapters
	h.adapters = nil
	h.mu.Unlock()
	var errs []error
	for _, a := range adapters {
		if closer, ok := a.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// ordered returns the adapters sorted by the level picked from their priority.
// Adapters with the same level keep their attach order.
func (h *Host) ordered(level func(Priority) Level) []Adapter {
	h.mu.RLock()
	adapters := make([]Adapter, len(h.adapters))
	copy(adapters, h.adapters)
	h.mu.RUnlock()
	sort.SliceStable(adapters, func(i, j int) bool {
		return level(adapters[i].Priority()) < level(adapters[j].Priority())
	})
	return adapters
}

// Response is the result of a call.
type Response struct {
	StatusCode int
	Header     http.Header
	// Body is a parsed JSON value, a string for text content, or raw bytes otherwise.
	Body any
	// Intercepted is true when a request interceptor answered the call and no request was sent.
	Intercepted bool
}

// Call performs a request to an endpoint of a registered API.
// Non-2xx responses are returned as *HTTPError.
func (h *Host) Call(ctx context.Context, apiName, endpointName string, opts CallOptions) (*Response, error) {
	config, err := h.requestConfig(apiName, endpointName, opts)
	if err != nil {
		return nil, err
	}
	ctl := &controls{ctx: ctx, host: h, config: config}
	log := h.logger.With().Str("api", apiName).Str("endpoint", endpointName).Logger()

	for _, a := range h.ordered(func(p Priority) Level { return p.Request }) {
		interceptor, ok := a.(RequestInterceptor)
		if !ok {
			continue
		}
		value, shortCircuit, err := interceptor.InterceptRequest(ctx, config, ctl)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.Name(), err)
		}
		if shortCircuit {
			log.Trace().Str("adapter", a.Name()).Msg("Request answered by adapter")
			return &Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: value, Intercepted: true}, nil
		}
	}

	req, err := ctl.finalise()
	if err != nil {
		return nil, err
	}
	log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("Sending request")
	res, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %s %s: %w", req.Method, req.URL, err)
	}
	defer res.Body.Close()

	for _, a := range h.ordered(func(p Priority) Level { return p.Response }) {
		interceptor, ok := a.(ResponseInterceptor)
		if !ok {
			continue
		}
		if err := interceptor.InterceptResponse(ctx, res, config, ctl); err != nil {
			log.Warn().Err(err).Str("adapter", a.Name()).Msg("Response interceptor failed")
		}
	}

	data, err := contenttype.ReadBody(res)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, newHTTPError(res, data)
	}
	response := &Response{StatusCode: res.StatusCode, Header: res.Header, Body: data}
	contentType := res.Header.Get("Content-Type")
	if kind := contenttype.Classify(contentType); kind != contenttype.Unknown {
		body, err := contenttype.Decode(kind, contentType, data)
		if err != nil {
			return nil, err
		}
		response.Body = body
	}
	return response, nil
}

func (h *Host) requestConfig(apiName, endpointName string, opts CallOptions) (*RequestConfig, error) {
	h.mu.RLock()
	api, ok := h.apis[apiName]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAPI, apiName)
	}
	endpoint, ok := api.Endpoints[endpointName]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownEndpoint, apiName, endpointName)
	}
	method := strings.ToUpper(endpoint.Method)
	if method == "" {
		method = http.MethodGet
	}
	headers := http.Header{}
	for name, value := range api.Headers {
		headers.Set(name, value)
	}
	for name, values := range opts.Headers {
		headers[http.CanonicalHeaderKey(name)] = values
	}
	query := url.Values{}
	for name, values := range opts.Query {
		query[name] = append([]string(nil), values...)
	}
	return &RequestConfig{
		API:          api,
		Endpoint:     endpoint,
		EndpointName: endpointName,
		Method:       method,
		PathParams:   opts.PathParams,
		Query:        query,
		Headers:      headers,
		Body:         opts.Body,
		Meta:         mergeMeta(api.Meta, endpoint.Meta, opts.Meta),
		CallMeta:     opts.Meta,
	}, nil
}
