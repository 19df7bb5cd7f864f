package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrNotFound      = errors.New("storage: key not found")
	ErrClosed        = errors.New("storage: closed")
	ErrQuotaExceeded = errors.New("storage: quota exceeded")
)

// Store is a string key/value store shared between instances.
//
// Get returns ErrNotFound for missing keys. Writes are last-writer-wins.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map (single instance, tests)
//   - "file": one JSON object file, re-read on access
//   - "sqlite": SQLite database file (WAL)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxValueBytes rejects larger values with ErrQuotaExceeded. 0 disables the check.
	MaxValueBytes int
}

func checkQuota(max int, value string) error {
	if max > 0 && len(value) > max {
		return ErrQuotaExceeded
	}
	return nil
}
