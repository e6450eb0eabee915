package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
)

func writeConfig(t *testing.T, originURL string) string {
	t.Helper()
	dir := t.TempDir()
	config := fmt.Sprintf(`
cache:
  name: cli-test
  dir: %s
apis:
  - name: test
    baseURL: %s
    meta:
      cache: 60
    endpoints:
      user:
        path: /users/{id}
      note:
        path: /note
        meta:
          cache:
            ttlSeconds: 30
            hashBody: false
`, filepath.Join(dir, "db"), originURL)
	filename := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(filename, []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
	return filename
}

func newOrigin(t *testing.T, count *int64) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(count, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"` + chi.URLParam(r, "id") + `","lang":"` + r.URL.Query().Get("lang") + `"}`))
	})
	r.Get("/note", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(count, 1)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Hello world"))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	stdout := &bytes.Buffer{}
	if err := run(context.Background(), args, stdout, &bytes.Buffer{}); err != nil {
		t.Fatalf("simple-cache %s: %s", strings.Join(args, " "), err)
	}
	return stdout.String()
}

func TestCallIsCached(t *testing.T) {
	var count int64
	srv := newOrigin(t, &count)
	config := writeConfig(t, srv.URL)

	first := runCLI(t, "-config", config, "call", "test", "user", "id=7", "lang=en")
	second := runCLI(t, "-config", config, "call", "test", "user", "id=7", "lang=en")

	if n := atomic.LoadInt64(&count); n != 1 {
		t.Fatalf("Origin called %d times", n)
	}
	if first != second || !strings.Contains(first, `"lang": "en"`) {
		t.Fatalf("Outputs are %q and %q", first, second)
	}
}

func TestClearCommand(t *testing.T) {
	var count int64
	srv := newOrigin(t, &count)
	config := writeConfig(t, srv.URL)

	if out := runCLI(t, "-config", config, "call", "test", "note"); out != "Hello world\n" {
		t.Fatalf("Output is %q", out)
	}
	runCLI(t, "-config", config, "clear")
	runCLI(t, "-config", config, "call", "test", "note")

	if n := atomic.LoadInt64(&count); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
}

func TestSweepCommand(t *testing.T) {
	var count int64
	srv := newOrigin(t, &count)
	config := writeConfig(t, srv.URL)

	runCLI(t, "-config", config, "call", "test", "note")
	if out := runCLI(t, "-config", config, "sweep"); out != "0\n" {
		t.Fatalf("Sweep output is %q", out)
	}
}

func TestTTLFlagDisablesCaching(t *testing.T) {
	var count int64
	srv := newOrigin(t, &count)
	config := writeConfig(t, srv.URL)

	runCLI(t, "-config", config, "-ttl", "0", "call", "test", "note")
	runCLI(t, "-config", config, "-ttl", "0", "call", "test", "note")
	if n := atomic.LoadInt64(&count); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
}

func TestGetConfigEnvOverride(t *testing.T) {
	config := writeConfig(t, "http://localhost:1234")
	t.Setenv("SIMPLE_CACHE_NAME", "from-env")
	t.Setenv("SIMPLE_CACHE_CLEAR", "true")

	c, err := getConfig(config)
	if err != nil {
		t.Fatal(err)
	}
	if c.Cache.Name != "from-env" || !c.Cache.Clear {
		t.Fatalf("Cache config is %+v", c.Cache)
	}
	if len(c.APIs) != 1 || c.APIs[0].Endpoints["user"].Path != "/users/{id}" {
		t.Fatalf("APIs are %+v", c.APIs)
	}
}

func TestGetConfigValidation(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(filename, []byte("apis:\n  - name: test\n    baseURL: not a url\n"), 0o644)
	if _, err := getConfig(filename); err == nil {
		t.Fatal("Invalid config accepted")
	}
}

func TestUnknownCommand(t *testing.T) {
	err := run(context.Background(), []string{"-dir", "memory", "nope"}, &bytes.Buffer{}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("Unknown command accepted")
	}
}
