// Package storage is the key-value persistence gateway used by the scheduler.
//
// Values are stored JSON-encoded, so any JSON-serializable scalar or struct
// can be kept under a key. Drivers:
//   - "memory": process-local map (tests, dry runs)
//   - "file":   snapshot + append-only journal
//   - "sqlite": single-table SQLite database (modernc.org/sqlite)
//   - "redis":  string keys under a prefix (go-redis)
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled   = errors.New("storage disabled")
	ErrClosed     = errors.New("storage closed")
	ErrInvalidKey = errors.New("storage: invalid key")
	// ErrReadOnly is returned by writes on a store opened with ReadOnly.
	ErrReadOnly = errors.New("storage: read-only")
	// ErrDecode marks a stored value that could not be decoded into the
	// requested type.
	ErrDecode = errors.New("storage: decode failed")
)

// Store is a typed get/set gateway over a durable key-value store.
type Store interface {
	// Get decodes the value under key into out. ok is false when the key is
	// absent; decode failures are reported as errors wrapping ErrDecode.
	Get(ctx context.Context, key string, out any) (ok bool, err error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string // redis
	Password string // redis
	DB       int    // redis
	Prefix   string // redis key prefix

	// ReadOnly opens the store for inspection: writes fail with ErrReadOnly
	// and the file driver neither creates nor compacts its journal.
	ReadOnly bool
}
