package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with in-process maps. Used in tests and by
// embedders that don't need durability across processes. Lock leases use
// the same expiry semantics as the SQLite backend: a keyed entry that any
// acquirer may reclaim once it expires.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	locks  map[string]*memoryLease
}

type memoryLease struct {
	holder    string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		locks:  make(map[string]*memoryLease),
	}
}

// Read returns the value stored under key, or ErrNotFound.
func (m *MemoryStore) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, exists := m.values[key]
	if !exists {
		return nil, fmt.Errorf("reading %q: %w", key, ErrNotFound)
	}
	return append([]byte(nil), value...), nil
}

// Write atomically replaces the value stored under key.
func (m *MemoryStore) Write(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = append([]byte(nil), value...)
	return nil
}

// List returns all keys with the given prefix, sorted.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := []string{}
	for key := range m.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the value stored under key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}

// AcquireLock claims the exclusive lock on key, polling until the current
// holder releases or its lease expires.
func (m *MemoryStore) AcquireLock(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	holder := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		if m.tryAcquire(key, holder, ttl) {
			return &Lock{Key: key, Holder: holder, AcquiredAt: time.Now(), TTL: ttl}, nil
		}

		if time.Now().After(deadline) {
			return nil, &LockTimeoutError{Key: key, Wait: wait}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *MemoryStore) tryAcquire(key, holder string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if lease, exists := m.locks[key]; exists && lease.expiresAt.After(now) {
		return false
	}

	m.locks[key] = &memoryLease{holder: holder, expiresAt: now.Add(ttl)}
	return true
}

// ExtendLock pushes the expiry of a held lock forward by ttl.
func (m *MemoryStore) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, exists := m.locks[lock.Key]
	if !exists || lease.holder != lock.Holder || !lease.expiresAt.After(time.Now()) {
		return ErrLockNotHeld
	}

	lease.expiresAt = time.Now().Add(ttl)
	lock.TTL = ttl
	return nil
}

// ReleaseLock releases a held lock.
func (m *MemoryStore) ReleaseLock(ctx context.Context, lock *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, exists := m.locks[lock.Key]
	if !exists || lease.holder != lock.Holder {
		return ErrLockNotHeld
	}

	delete(m.locks, lock.Key)
	return nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error {
	return nil
}
