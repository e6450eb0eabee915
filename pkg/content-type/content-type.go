// Package contenttype classifies response content types and extracts
// cacheable body representations.
package contenttype

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

type Kind int

const (
	Unknown Kind = iota
	JSON
	Text
)

func (k Kind) String() string {
	switch k {
	case JSON:
		return "json"
	case Text:
		return "text"
	}
	return "unknown"
}

// Classify maps a Content-Type header value to a body kind.
// Missing or unparsable values are Unknown.
func Classify(contentType string) Kind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return Unknown
	}
	typ, subtype, found := strings.Cut(mediaType, "/")
	if !found {
		return Unknown
	}
	switch {
	case subtype == "json" && (typ == "application" || typ == "text"):
		return JSON
	case strings.HasSuffix(subtype, "+json"):
		return JSON
	case typ == "text":
		return Text
	case subtype == "xml" || strings.HasSuffix(subtype, "+xml"):
		return Text
	case mediaType == "application/x-www-form-urlencoded":
		return Text
	}
	return Unknown
}

// Decode turns raw body bytes into their cacheable form:
// a parsed JSON value for JSON and a UTF-8 string for text.
func Decode(kind Kind, contentType string, data []byte) (any, error) {
	switch kind {
	case JSON:
		var value any
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("parse json body: %w", err)
		}
		return value, nil
	case Text:
		return decodeText(contentType, data)
	}
	return nil, fmt.Errorf("content type %q is not cacheable", contentType)
}

func decodeText(contentType string, data []byte) (string, error) {
	_, params, _ := mime.ParseMediaType(contentType)
	label := params["charset"]
	if label == "" || strings.EqualFold(label, "utf-8") {
		// invalid sequences become U+FFFD here so cached and fresh bodies are identical
		if !utf8.Valid(data) {
			return strings.ToValidUTF8(string(data), "\uFFFD"), nil
		}
		return string(data), nil
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode %s body: %w", label, err)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decode %s body: %w", label, err)
	}
	return string(decoded), nil
}

// Extract reads a cacheable representation of the response body.
// ok is false when the content type is neither JSON nor text.
// The response body is replaced by an unread copy, so downstream readers see the full body.
func Extract(res *http.Response) (body any, ok bool, err error) {
	contentType := res.Header.Get("Content-Type")
	kind := Classify(contentType)
	if kind == Unknown {
		return nil, false, nil
	}
	data, err := ReadBody(res)
	if err != nil {
		return nil, false, err
	}
	body, err = Decode(kind, contentType, data)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

// ReadBody returns the response body bytes and sets the body back for the next reader.
func ReadBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	res.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return data, nil
}
