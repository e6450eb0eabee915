package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T, namespace string) *SQLiteStore {
	t.Helper()
	s, err := SQLite(t.TempDir(), namespace)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSetGet(t *testing.T) {
	s := newTestSQLite(t, "set-get")
	ctx := context.Background()

	entry := Entry{
		Hash:      "abc",
		Body:      map[string]any{"x": float64(1)},
		CreatedAt: epoch,
		ExpiresAt: epoch.Add(time.Minute),
	}
	if err := s.Set(ctx, entry); err != nil {
		t.Fatal(err)
	}
	got, found, err := s.Get(ctx, "abc")
	if err != nil || !found {
		t.Fatalf("Get returned found=%v err=%v", found, err)
	}
	body, ok := got.Body.(map[string]any)
	if !ok || body["x"] != float64(1) {
		t.Fatalf("Body is %#v", got.Body)
	}
	if !got.CreatedAt.Equal(epoch) || !got.ExpiresAt.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("Times are %s / %s", got.CreatedAt, got.ExpiresAt)
	}
}

func TestSQLiteMissingIsNotAnError(t *testing.T) {
	s := newTestSQLite(t, "missing")
	_, found, err := s.Get(context.Background(), "nope")
	if err != nil || found {
		t.Fatalf("Get returned found=%v err=%v", found, err)
	}
}

func TestSQLiteLastWriteWins(t *testing.T) {
	s := newTestSQLite(t, "upsert")
	ctx := context.Background()

	s.Set(ctx, Entry{Hash: "h", Body: "first", CreatedAt: epoch, ExpiresAt: epoch.Add(time.Minute)})
	s.Set(ctx, Entry{Hash: "h", Body: "second", CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour)})

	got, _, err := s.Get(ctx, "h")
	if err != nil {
		t.Fatal(err)
	}
	if got.Body != "second" || !got.ExpiresAt.Equal(epoch.Add(time.Hour)) {
		t.Fatalf("Entry is %#v", got)
	}
}

func TestSQLiteCleanupExpired(t *testing.T) {
	s := newTestSQLite(t, "cleanup")
	ctx := context.Background()

	s.Set(ctx, Entry{Hash: "old", Body: "a", CreatedAt: epoch, ExpiresAt: epoch.Add(time.Second)})
	s.Set(ctx, Entry{Hash: "edge", Body: "b", CreatedAt: epoch, ExpiresAt: epoch.Add(2 * time.Second)})
	s.Set(ctx, Entry{Hash: "fresh", Body: "c", CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour)})

	removed, err := s.CleanupExpired(ctx, epoch.Add(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("Removed %d entries, expected 2", removed)
	}
	for hash, want := range map[string]bool{"old": false, "edge": false, "fresh": true} {
		if _, found, _ := s.Get(ctx, hash); found != want {
			t.Fatalf("Entry %s found=%v", hash, found)
		}
	}
}

func TestSQLiteDeleteAndClear(t *testing.T) {
	s := newTestSQLite(t, "clear")
	ctx := context.Background()

	for _, hash := range []string{"a", "b", "c"} {
		s.Set(ctx, Entry{Hash: hash, Body: hash, CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour)})
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := s.Get(ctx, "a"); found {
		t.Fatal("Deleted entry still present")
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	for _, hash := range []string{"b", "c"} {
		if _, found, _ := s.Get(ctx, hash); found {
			t.Fatalf("Entry %s survived Clear", hash)
		}
	}
}

func TestSQLitePersistsAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, _ := SQLite(dir, "durable")
	if err := s.Set(ctx, Entry{Hash: "h", Body: "kept", CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	if _, err := os.Stat(filepath.Join(dir, "durable.db")); err != nil {
		t.Fatalf("Database file missing: %s", err)
	}

	reopened, _ := SQLite(dir, "durable")
	defer reopened.Close()
	got, found, err := reopened.Get(ctx, "h")
	if err != nil || !found || got.Body != "kept" {
		t.Fatalf("Get after reopen: %#v found=%v err=%v", got, found, err)
	}
}

func TestSQLiteOpensLazily(t *testing.T) {
	dir := t.TempDir()
	s, _ := SQLite(dir, "lazy")
	defer s.Close()

	if state := s.currentState(); state != stateUninitialized {
		t.Fatalf("State before first use is %s", state)
	}
	if _, err := os.Stat(filepath.Join(dir, "lazy.db")); !os.IsNotExist(err) {
		t.Fatalf("Database created before first use: %v", err)
	}
	s.Get(context.Background(), "x")
	if state := s.currentState(); state != stateReady {
		t.Fatalf("State after first use is %s", state)
	}
}

func TestSQLiteConcurrentFirstUse(t *testing.T) {
	s := newTestSQLite(t, "concurrent")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hash := string(rune('a' + i))
			if err := s.Set(ctx, Entry{Hash: hash, Body: i, CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour)}); err != nil {
				errs <- err
				return
			}
			if _, found, err := s.Get(ctx, hash); err != nil || !found {
				errs <- errors.New("entry not readable after write")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if state := s.currentState(); state != stateReady {
		t.Fatalf("State is %s", state)
	}
}

func TestSQLiteFailedOpenIsTerminal(t *testing.T) {
	// a regular file where the cache directory should be
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := SQLite(blocker, "broken")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, _, err := s.Get(ctx, "h"); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Get error is %v", err)
	}
	if err := s.Set(ctx, Entry{Hash: "h", Body: "x"}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Set error is %v", err)
	}
	if _, err := s.CleanupExpired(ctx, epoch); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("CleanupExpired error is %v", err)
	}
	if state := s.currentState(); state != stateFailed {
		t.Fatalf("State is %s", state)
	}
}

func TestSQLiteSharedHandle(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, _ := SQLite(dir, "shared")
	second, _ := SQLite(dir, "shared")
	if first != second {
		t.Fatal("Same namespace returned different handles")
	}
	first.Set(ctx, Entry{Hash: "h", Body: "x", CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour)})
	first.Close()

	// the second owner keeps the handle alive
	if _, found, err := second.Get(ctx, "h"); err != nil || !found {
		t.Fatalf("Get via second owner: found=%v err=%v", found, err)
	}
	second.Close()
	if _, _, err := second.Get(ctx, "h"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after last Close: %v", err)
	}
}

func TestSQLiteInMemory(t *testing.T) {
	s, err := SQLite("", "in-memory-test")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, Entry{Hash: "h", Body: "text", CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if got, found, err := s.Get(ctx, "h"); err != nil || !found || got.Body != "text" {
		t.Fatalf("Get: %#v found=%v err=%v", got, found, err)
	}
}

func TestInvalidNamespace(t *testing.T) {
	for _, namespace := range []string{"", "../escape", "a/b", ".hidden"} {
		if _, err := SQLite(t.TempDir(), namespace); err == nil {
			t.Fatalf("Namespace %q accepted", namespace)
		}
	}
}

func TestBinaryBodyRejected(t *testing.T) {
	s := newTestSQLite(t, "binary")
	err := s.Set(context.Background(), Entry{Hash: "h", Body: []byte{0, 1}, CreatedAt: epoch, ExpiresAt: epoch})
	if !errors.Is(err, ErrStorageIO) {
		t.Fatalf("Set error is %v", err)
	}
}
