package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStorageUnavailable is returned by every operation of a store whose
	// underlying engine could not be opened. Callers treat it as "cache disabled".
	ErrStorageUnavailable = errors.New("cache: storage unavailable")
	// ErrStorageIO matches (via errors.Is) any failed store operation.
	ErrStorageIO = errors.New("cache: storage operation failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: store closed")
)

// Store is a durable key-value store for cached response bodies.
// Entries are keyed by request hash and carry creation and expiry times.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the entry for the given hash.
	// A missing entry is not an error: it is reported with found == false.
	// Expired entries are returned as-is, it is up to the caller to check ExpiresAt.
	Get(ctx context.Context, hash string) (entry Entry, found bool, err error)
	// Set upserts the entry under its hash. Last write wins.
	Set(ctx context.Context, entry Entry) error
	// Delete removes the entry for the given hash, if any.
	Delete(ctx context.Context, hash string) error
	// Clear removes all entries in the namespace.
	Clear(ctx context.Context) error
	// CleanupExpired removes every entry with ExpiresAt <= now
	// and returns the number of removed entries.
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
	// Close releases the store. Shared handles are only released by the last owner.
	Close() error
}

// Entry is a stored cache record.
type Entry struct {
	// Hash is the request fingerprint (primary key).
	Hash string
	// Body is the decoded response payload: a parsed JSON value or a string.
	Body any
	// CreatedAt is the write time.
	CreatedAt time.Time
	// ExpiresAt is the time after which the entry is dead.
	ExpiresAt time.Time
}

// Expired reports whether the entry is dead at the given time.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// OpError describes a failed store operation.
type OpError struct {
	Op        string
	Namespace string
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("cache: %s %s: %v", e.Op, e.Namespace, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) Is(target error) bool {
	return target == ErrStorageIO
}

func opError(op, namespace string, err error) error {
	if err == nil {
		return nil
	}
	// do not hide availability and close errors behind the generic I/O error
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrClosed) {
		return err
	}
	return &OpError{Op: op, Namespace: namespace, Err: err}
}

func timeToUnixMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func unixMillisToTime(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
