package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}/]+)\}`)

type controls struct {
	ctx    context.Context
	host   *Host
	config *RequestConfig
	// hashes by includeBody; the body is gone once the request was sent
	hashes map[bool]string
}

func (c *controls) FinaliseURL() (string, error) {
	req, err := c.finalise()
	if err != nil {
		return "", err
	}
	return req.URL.String(), nil
}

func (c *controls) GetHash(includeBody bool) (string, error) {
	if !c.host.enabled(FeatureRequestHash) {
		return "", ErrHashUnavailable
	}
	if hash, ok := c.hashes[includeBody]; ok {
		return hash, nil
	}
	req, err := c.finalise()
	if err != nil {
		return "", err
	}
	hash, err := c.host.keyer.Key(req, includeBody)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHashUnavailable, err)
	}
	if c.hashes == nil {
		c.hashes = make(map[bool]string)
	}
	c.hashes[includeBody] = hash
	return hash, nil
}

// finalise builds the outgoing request once and keeps it on the config.
func (c *controls) finalise() (*http.Request, error) {
	if c.config.request != nil {
		return c.config.request, nil
	}
	u, err := buildURL(c.config)
	if err != nil {
		return nil, err
	}
	body, contentType, err := encodeBody(c.config.Body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(c.ctx, c.config.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build request: %w", err)
	}
	for name, values := range c.config.Headers {
		req.Header[name] = values
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.config.finalURL = u
	c.config.request = req
	return req, nil
}

// buildURL joins the base URL and the endpoint path, substitutes {name}
// placeholders and merges the call query into any query the path carries.
func buildURL(config *RequestConfig) (*url.URL, error) {
	var missing []string
	path := placeholderPattern.ReplaceAllStringFunc(config.Endpoint.Path, func(m string) string {
		name := m[1 : len(m)-1]
		value, ok := config.PathParams[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return url.PathEscape(value)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingPathParam, strings.Join(missing, ", "))
	}
	raw := strings.TrimRight(config.API.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("pipeline: invalid url %q: %w", raw, err)
	}
	if len(config.Query) > 0 {
		query := u.Query()
		for name, values := range config.Query {
			for _, value := range values {
				query.Add(name, value)
			}
		}
		u.RawQuery = query.Encode()
	}
	return u, nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	case []byte:
		return bytes.NewReader(b), "application/octet-stream", nil
	case url.Values:
		return strings.NewReader(b.Encode()), "application/x-www-form-urlencoded", nil
	case io.Reader:
		return b, "", nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("pipeline: encode body: %w", err)
	}
	return bytes.NewReader(data), "application/json", nil
}
