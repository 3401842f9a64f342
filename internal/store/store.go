// Package store defines the key/value contract used by the gating service
// for gated-content records, purchase records, and pending payments.
//
// New backends are added by implementing the Store interface and registering
// with the factory via an init() function in the backend's own package:
//
//	func init() {
//	    store.Register("mybackend", func(cfg *config.Config) (Store, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger
// init(). Adding a backend therefore requires no changes to the factory or
// to business logic — the gating service only ever sees the Store interface,
// and backend selection happens exclusively in the constructor.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when no live value exists for the key.
	// A value whose TTL has elapsed is reported as not found.
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable wraps transient backend I/O failures. It is deliberately
	// distinct from ErrNotFound: callers use the difference to decide between
	// "trigger backfill" and "retry later", and conflating the two would turn
	// an outage into silent data loss.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Store is the durable key/value abstraction shared by all backends.
// All operations accept a context and may block on network I/O; callers are
// expected to apply deadlines through the context.
type Store interface {
	// Put writes value under key. A ttl of zero means the value never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, ErrNotFound if absent or expired, or an
	// error wrapping ErrUnavailable on transient backend failure.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ListKeys returns keys beginning with prefix, up to limit (0 = no limit).
	// Ordering is backend-defined; callers needing stable enumeration order
	// maintain their own index.
	ListKeys(ctx context.Context, prefix string, limit int) ([]string, error)
}
