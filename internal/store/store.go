package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Read for keys with no value.
var ErrNotFound = errors.New("key not found")

// ErrLockNotHeld is returned by ExtendLock/ReleaseLock when the lock has
// expired or been taken over by another holder.
var ErrLockNotHeld = errors.New("lock not held")

// LockTimeoutError is returned by AcquireLock when the lock could not be
// obtained within the wait budget.
type LockTimeoutError struct {
	Key  string
	Wait time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock %q", e.Wait, e.Key)
}

// Lock is an exclusive, time-bounded claim on a key. It auto-expires after
// TTL even if the holder crashes: liveness is favored over strict mutual
// exclusion, so holders doing long work must ExtendLock before expiry.
type Lock struct {
	Key        string
	Holder     string // Unique token identifying the acquirer
	AcquiredAt time.Time
	TTL        time.Duration
}

// Store is the durable key/value contract the engine persists through.
// Writes are atomic per key: a reader sees the full value or the previous
// one, never a torn write. Implementations must be safe for concurrent use.
type Store interface {
	// Read returns the value stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write atomically replaces the value stored under key.
	Write(ctx context.Context, key string, value []byte) error

	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the value stored under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// AcquireLock obtains the exclusive lock on key, waiting up to wait for
	// a current holder to release or expire. Returns *LockTimeoutError when
	// the budget runs out.
	AcquireLock(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error)

	// ExtendLock pushes the expiry of a held lock forward by ttl.
	ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) error

	// ReleaseLock releases a held lock. Releasing an expired or stolen lock
	// returns ErrLockNotHeld.
	ReleaseLock(ctx context.Context, lock *Lock) error

	// Close releases backend resources.
	Close() error
}
