package cache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	body      []byte
	createdAt time.Time
	expiresAt time.Time
}

// MemStore keeps entries in process memory.
// Bodies are stored encoded, so callers never share mutable values with the store.
type MemStore struct {
	mutex  *sync.RWMutex
	db     map[string]memEntry
	closed bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memEntry),
	}
}

func (m *MemStore) Get(_ context.Context, hash string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return Entry{}, false, ErrClosed
	}
	entry, ok := m.db[hash]
	if !ok {
		return Entry{}, false, nil
	}
	body, err := decodeBody(entry.body)
	if err != nil {
		return Entry{}, false, opError("get", "memory", err)
	}
	return Entry{
		Hash:      hash,
		Body:      body,
		CreatedAt: entry.createdAt,
		ExpiresAt: entry.expiresAt,
	}, true, nil
}

func (m *MemStore) Set(_ context.Context, entry Entry) error {
	body, err := encodeBody(entry.Body)
	if err != nil {
		return opError("set", "memory", err)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.db[entry.Hash] = memEntry{
		body:      body,
		createdAt: entry.CreatedAt,
		expiresAt: entry.ExpiresAt,
	}
	return nil
}

func (m *MemStore) Delete(_ context.Context, hash string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.db, hash)
	return nil
}

func (m *MemStore) Clear(_ context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.db = make(map[string]memEntry)
	return nil
}

func (m *MemStore) CleanupExpired(_ context.Context, now time.Time) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var removed int64
	for hash, entry := range m.db {
		if !entry.expiresAt.After(now) {
			delete(m.db, hash)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemStore) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}

func (m *MemStore) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MemStore)(nil)
