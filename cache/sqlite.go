package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"golang.org/x/sync/singleflight"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	hash TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_expires_at_idx ON entries (expires_at);
`

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateNamespace checks that a namespace can be used as a database name.
func ValidateNamespace(namespace string) error {
	if !namespacePattern.MatchString(namespace) {
		return fmt.Errorf("cache: invalid namespace %q", namespace)
	}
	return nil
}

type openState int

const (
	stateUninitialized openState = iota
	stateOpening
	stateReady
	stateFailed
	stateClosed
)

func (s openState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateOpening:
		return "opening"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// SQLiteStore stores entries in one SQLite database per namespace.
// The database is opened lazily on first use; concurrent first users share a single open.
// If opening fails, the store stays failed and every operation returns ErrStorageUnavailable.
type SQLiteStore struct {
	namespace   string
	path        string
	dsn         string
	inMemory    bool
	registryKey string

	mu       sync.Mutex
	state    openState
	db       *sql.DB
	openErr  error
	refs     int
	sf       singleflight.Group
	writeMux sync.Mutex
}

var registry = struct {
	sync.Mutex
	stores map[string]*SQLiteStore
}{stores: make(map[string]*SQLiteStore)}

// SQLite returns the process-wide store for the given namespace.
// With an empty dir, the namespace lives in a shared in-memory database,
// otherwise in <dir>/<namespace>.db.
// All callers using the same dir and namespace share one handle; each must call Close.
func SQLite(dir, namespace string) (*SQLiteStore, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	key := dir + "\x00" + namespace

	registry.Lock()
	defer registry.Unlock()
	if s, ok := registry.stores[key]; ok {
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		return s, nil
	}
	s := newSQLiteStore(dir, namespace)
	s.registryKey = key
	s.refs = 1
	registry.stores[key] = s
	return s, nil
}

func newSQLiteStore(dir, namespace string) *SQLiteStore {
	s := &SQLiteStore{namespace: namespace}
	if dir == "" {
		s.inMemory = true
		s.dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", namespace)
	} else {
		s.path = filepath.Join(filepath.Clean(dir), namespace+".db")
		s.dsn = s.path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return s
}

// Namespace returns the namespace this store serves.
func (s *SQLiteStore) Namespace() string {
	return s.namespace
}

// conn returns the open database, opening it if needed.
func (s *SQLiteStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	switch s.state {
	case stateReady:
		db := s.db
		s.mu.Unlock()
		return db, nil
	case stateFailed:
		err := s.openErr
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	case stateClosed:
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.state = stateOpening
	s.mu.Unlock()

	v, err, _ := s.sf.Do("open", func() (any, error) {
		// a previous flight may have finished between our state check and now
		s.mu.Lock()
		switch s.state {
		case stateReady:
			db := s.db
			s.mu.Unlock()
			return db, nil
		case stateFailed:
			err := s.openErr
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		case stateClosed:
			s.mu.Unlock()
			return nil, ErrClosed
		}
		s.mu.Unlock()

		db, err := s.open()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == stateClosed {
			if db != nil {
				_ = db.Close()
			}
			return nil, ErrClosed
		}
		if err != nil {
			s.state = stateFailed
			s.openErr = err
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		s.state = stateReady
		s.db = db
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.DB), nil
}

func (s *SQLiteStore) open() (*sql.DB, error) {
	if !s.inMemory {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if s.inMemory {
		// the shared in-memory database lives as long as one connection does
		db.SetMaxOpenConns(1)
		db.SetConnMaxIdleTime(0)
		db.SetConnMaxLifetime(0)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) currentState() openState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SQLiteStore) Get(ctx context.Context, hash string) (Entry, bool, error) {
	db, err := s.conn()
	if err != nil {
		return Entry{}, false, opError("get", s.namespace, err)
	}
	var (
		body               string
		created, expiresAt int64
	)
	err = db.QueryRowContext(ctx,
		"SELECT body, created_at, expires_at FROM entries WHERE hash = ?", hash,
	).Scan(&body, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, opError("get", s.namespace, err)
	}
	decoded, err := decodeBody([]byte(body))
	if err != nil {
		return Entry{}, false, opError("get", s.namespace, fmt.Errorf("decode body: %w", err))
	}
	return Entry{
		Hash:      hash,
		Body:      decoded,
		CreatedAt: unixMillisToTime(created),
		ExpiresAt: unixMillisToTime(expiresAt),
	}, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, entry Entry) error {
	body, err := encodeBody(entry.Body)
	if err != nil {
		return opError("set", s.namespace, err)
	}
	db, err := s.conn()
	if err != nil {
		return opError("set", s.namespace, err)
	}
	s.writeMux.Lock()
	defer s.writeMux.Unlock()
	_, err = db.ExecContext(ctx,
		`INSERT INTO entries (hash, body, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET
		    body = excluded.body,
		    created_at = excluded.created_at,
		    expires_at = excluded.expires_at`,
		entry.Hash, string(body), timeToUnixMillis(entry.CreatedAt), timeToUnixMillis(entry.ExpiresAt),
	)
	return opError("set", s.namespace, err)
}

func (s *SQLiteStore) Delete(ctx context.Context, hash string) error {
	db, err := s.conn()
	if err != nil {
		return opError("delete", s.namespace, err)
	}
	s.writeMux.Lock()
	defer s.writeMux.Unlock()
	_, err = db.ExecContext(ctx, "DELETE FROM entries WHERE hash = ?", hash)
	return opError("delete", s.namespace, err)
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return opError("clear", s.namespace, err)
	}
	s.writeMux.Lock()
	defer s.writeMux.Unlock()
	_, err = db.ExecContext(ctx, "DELETE FROM entries")
	return opError("clear", s.namespace, err)
}

// CleanupExpired deletes the expired prefix of the expires_at index.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, opError("cleanup", s.namespace, err)
	}
	s.writeMux.Lock()
	defer s.writeMux.Unlock()
	result, err := db.ExecContext(ctx, "DELETE FROM entries WHERE expires_at <= ?", timeToUnixMillis(now))
	if err != nil {
		return 0, opError("cleanup", s.namespace, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, opError("cleanup", s.namespace, err)
	}
	return n, nil
}

// Close drops one reference to the shared handle.
// The database is closed when the last reference is dropped.
func (s *SQLiteStore) Close() error {
	if s.registryKey != "" {
		registry.Lock()
		defer registry.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	if s.refs > 1 {
		s.refs--
		return nil
	}
	s.refs = 0
	if s.registryKey != "" {
		delete(registry.stores, s.registryKey)
	}
	db := s.db
	s.db = nil
	s.state = stateClosed
	if db != nil {
		return db.Close()
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
