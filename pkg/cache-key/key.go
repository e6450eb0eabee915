// Package cachekey computes deterministic request fingerprints.
package cachekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

var ErrNoURL = errors.New("cachekey: request has no url")

const (
	prefixSeparator = ":"
	methodSeparator = ":"
	bodySeparator   = "\t"
)

// Keyer generates fingerprints from the request method, its final URL and optionally its body.
// Logically identical requests get the same key regardless of query parameter order
// or JSON object key order.
type Keyer struct {
	// Prefix is mixed into every key, e.g. a host or pipeline identifier.
	Prefix string
}

func NewKeyer(prefix string) Keyer {
	return Keyer{Prefix: prefix}
}

// KeyPrefix returns the readable part of the key: prefix, method and canonical URL.
func (k Keyer) KeyPrefix(r *http.Request) (string, error) {
	if r.URL == nil {
		return "", ErrNoURL
	}
	return k.Prefix + prefixSeparator + strings.ToUpper(r.Method) + methodSeparator + canonicalURL(r.URL), nil
}

// Key returns the hex SHA-256 fingerprint of the request.
// With includeBody, the body digest is part of the key and the body is rewound afterwards.
func (k Keyer) Key(r *http.Request, includeBody bool) (string, error) {
	key, err := k.KeyPrefix(r)
	if err != nil {
		return "", err
	}
	if includeBody {
		digest, err := bodyDigest(r)
		if err != nil {
			return "", err
		}
		key += bodySeparator + digest
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]), nil
}

func canonicalURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	if c.RawQuery != "" {
		c.RawQuery = c.Query().Encode()
	}
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	return c.String()
}

// bodyDigest returns the digest of the request body.
// When it returns, the request body is rewound to the beginning.
func bodyDigest(r *http.Request) (string, error) {
	body, err := readBody(r)
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", nil
	}
	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		if digest, err := multipartDigest(body, params["boundary"]); err == nil {
			return digest, nil
		}
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if canonical, err := canonicalJSON(body); err == nil {
			body = canonical
		}
	}
	return fmt.Sprintf("%x", sha256.Sum256(body)), nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.GetBody != nil {
		body, err := r.GetBody()
		if err != nil {
			return nil, fmt.Errorf("cachekey: get body: %w", err)
		}
		defer body.Close()
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("cachekey: read body: %w", err)
		}
		return data, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("cachekey: read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}

// multipartDigest hashes each part's form name, file name and content in order.
// The boundary itself is random per request, so hashing the raw body would never match.
func multipartDigest(body []byte, boundary string) (string, error) {
	if boundary == "" {
		return "", errors.New("missing boundary")
	}
	h := sha256.New()
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%s\x00", p.FormName(), p.FileName())
		if _, err := io.Copy(h, p); err != nil {
			return "", err
		}
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func canonicalJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return canonicalize(value)
}

// canonicalize produces a deterministic JSON representation of v.
// Object keys are sorted.
func canonicalize(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for key := range val {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf := []byte("{")
		for i, key := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			name, err := json.Marshal(key)
			if err != nil {
				return nil, err
			}
			buf = append(buf, name...)
			buf = append(buf, ':')
			field, err := canonicalize(val[key])
			if err != nil {
				return nil, err
			}
			buf = append(buf, field...)
		}
		return append(buf, '}'), nil
	case []any:
		buf := []byte("[")
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			b, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
		return append(buf, ']'), nil
	}
	return json.Marshal(v)
}
