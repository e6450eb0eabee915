package contenttype

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClassify(t *testing.T) {
	for contentType, want := range map[string]Kind{
		"application/json":                  JSON,
		"application/json; charset=utf-8":   JSON,
		"application/problem+json":          JSON,
		"text/json":                         JSON,
		"text/plain":                        Text,
		"text/html; charset=iso-8859-1":     Text,
		"application/xml":                   Text,
		"application/atom+xml":              Text,
		"application/x-www-form-urlencoded": Text,
		"application/octet-stream":          Unknown,
		"image/png":                         Unknown,
		"":                                  Unknown,
		"garbage":                           Unknown,
	} {
		if got := Classify(contentType); got != want {
			t.Errorf("Classify(%q) = %s, expected %s", contentType, got, want)
		}
	}
}

func newResponse(t *testing.T, contentType string, body []byte) *http.Response {
	t.Helper()
	rr := httptest.NewRecorder()
	if contentType != "" {
		rr.Header().Set("Content-Type", contentType)
	}
	rr.Write(body)
	return rr.Result()
}

func TestExtractJSONKeepsBody(t *testing.T) {
	res := newResponse(t, "application/json", []byte(`{"a":[1,2]}`))

	body, ok, err := Extract(res)
	if err != nil || !ok {
		t.Fatalf("Extract returned ok=%v err=%v", ok, err)
	}
	values := body.(map[string]any)["a"].([]any)
	if len(values) != 2 || values[1] != float64(2) {
		t.Fatalf("Body is %#v", body)
	}
	rest, _ := io.ReadAll(res.Body)
	if string(rest) != `{"a":[1,2]}` {
		t.Fatalf("Body after extraction is %s", rest)
	}
}

func TestExtractText(t *testing.T) {
	res := newResponse(t, "text/plain; charset=iso-8859-1", []byte{'c', 'a', 'f', 0xe9})

	body, ok, err := Extract(res)
	if err != nil || !ok {
		t.Fatalf("Extract returned ok=%v err=%v", ok, err)
	}
	if body != "café" {
		t.Fatalf("Body is %q", body)
	}
}

func TestDecodeInvalidUTF8Text(t *testing.T) {
	for _, contentType := range []string{"text/plain", "text/plain; charset=utf-8"} {
		body, err := Decode(Text, contentType, []byte{'c', 'a', 'f', 0xe9})
		if err != nil {
			t.Fatal(err)
		}
		if body != "caf\uFFFD" {
			t.Fatalf("%s body is %q", contentType, body)
		}
	}
}

func TestExtractSkipsBinary(t *testing.T) {
	res := newResponse(t, "application/octet-stream", []byte{0, 1, 2})

	body, ok, err := Extract(res)
	if err != nil || ok || body != nil {
		t.Fatalf("Extract returned %#v ok=%v err=%v", body, ok, err)
	}
	rest, _ := io.ReadAll(res.Body)
	if len(rest) != 3 {
		t.Fatalf("Binary body consumed, %d bytes left", len(rest))
	}
}

func TestExtractInvalidJSON(t *testing.T) {
	res := newResponse(t, "application/json", []byte("{nope"))
	if _, ok, err := Extract(res); err == nil || ok {
		t.Fatalf("Extract returned ok=%v err=%v", ok, err)
	}
}
