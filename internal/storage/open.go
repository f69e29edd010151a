package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	logx "wallsched/pkg/logx"
)

// Drivers lists the accepted driver names.
var Drivers = []string{"memory", "file", "sqlite", "redis"}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := NormalizeDriver(cfg.Driver)
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		st  Store
		err error
	)
	switch driver {
	case "memory":
		st = NewMemory()
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite":
		st, err = openSQLite(cfg, log)
	case "redis":
		st, err = openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.ReadOnly {
		st = readOnly{st}
	}
	return st, nil
}

// readOnly rejects writes before they reach the driver.
type readOnly struct{ Store }

func (readOnly) Set(context.Context, string, any) error { return ErrReadOnly }

func (readOnly) Delete(context.Context, string) error { return ErrReadOnly }

// NormalizeDriver lowercases the driver name and folds aliases.
func NormalizeDriver(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if d == "sqlite3" {
		return "sqlite"
	}
	return d
}

func encodeValue(key string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: encode %q: %w", key, err)
	}
	return b, nil
}

func decodeValue(key string, raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: key %q: %v", ErrDecode, key, err)
	}
	return nil
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
