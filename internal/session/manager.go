package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/stagerunner/internal/store"
)

const (
	keyPrefix  = "sessions/"
	lockSuffix = ".lock"
)

// ErrNotFound is returned by Load/Update for unknown session IDs.
var ErrNotFound = errors.New("session not found")

// Manager reads and writes sessions through a DurableStore. Every mutation
// runs as acquire-lock, re-read, apply, write, release: a contending
// process blocks (bounded) on the lock and then sees the latest state, so
// concurrent engines never blind-overwrite each other's progress.
type Manager struct {
	store    store.Store
	lockTTL  time.Duration
	lockWait time.Duration
}

// NewManager creates a Manager. Zero durations fall back to a 30s lock TTL
// and a 10s acquisition wait.
func NewManager(s store.Store, lockTTL, lockWait time.Duration) *Manager {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	if lockWait <= 0 {
		lockWait = 10 * time.Second
	}
	return &Manager{store: s, lockTTL: lockTTL, lockWait: lockWait}
}

func sessionKey(id string) string {
	return keyPrefix + id
}

func lockKey(id string) string {
	return keyPrefix + id + lockSuffix
}

// Load reads a session without taking the lock. Safe for reporting; writers
// must go through Update.
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	data, err := m.store.Read(ctx, sessionKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %q: %w", id, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session %q: %w", id, err)
	}
	return &s, nil
}

// Save persists a session under its lock. Used for creation; existing state
// is overwritten, so callers resuming a run must Load first.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	lock, err := m.store.AcquireLock(ctx, lockKey(s.ID), m.lockTTL, m.lockWait)
	if err != nil {
		return err
	}
	defer m.store.ReleaseLock(ctx, lock)

	return m.write(ctx, s)
}

// Update applies a mutation to the latest persisted state of the session,
// holding the session lock for the whole read-apply-write sequence.
func (m *Manager) Update(ctx context.Context, id string, apply func(*Session) error) (*Session, error) {
	lock, err := m.store.AcquireLock(ctx, lockKey(id), m.lockTTL, m.lockWait)
	if err != nil {
		return nil, err
	}
	defer m.store.ReleaseLock(ctx, lock)

	s, err := m.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := apply(s); err != nil {
		return nil, err
	}

	if err := m.write(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Delete removes a session record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, sessionKey(id))
}

// List returns all stored session IDs.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	keys, err := m.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	ids := []string{}
	for _, key := range keys {
		id := strings.TrimPrefix(key, keyPrefix)
		if strings.HasSuffix(id, lockSuffix) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Manager) write(ctx context.Context, s *Session) error {
	s.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session %q: %w", s.ID, err)
	}
	if err := m.store.Write(ctx, sessionKey(s.ID), data); err != nil {
		return fmt.Errorf("writing session %q: %w", s.ID, err)
	}
	return nil
}
