// Package store abstracts the shared key-value/list store used for
// cross-process rate-limit counters and command history.
//
// Three backends are provided:
//
//   - [MemoryStore]: process-local, used in tests and single-node deployments.
//   - [RedisStore]: github.com/redis/go-redis, the source of truth when
//     several server processes share state.
//   - [SQLStore]: gorm + SQLite, a durable single-host alternative.
//
// [Open] selects a backend from a URL. Callers treat a nil [Store] as
// "unavailable" and degrade (fail-open rate limiting, in-memory history).
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("store unavailable")

// Store is the minimal contract the server needs from its shared store.
type Store interface {
	// Incr atomically increments the counter at key and returns the new
	// value. When the increment creates the counter, its expiry is set to
	// ttl from now; later increments never extend it.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// PushCapped prepends value to the list at key and trims the list to
	// its max newest elements.
	PushCapped(ctx context.Context, key string, value []byte, max int) error
	// Range returns up to n newest elements of the list at key, newest first.
	Range(ctx context.Context, key string, n int) ([][]byte, error)
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Purger is implemented by backends that do not expire counters on their
// own. PurgeExpired drops counters whose window has ended and reports how
// many were removed.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Open returns the store described by rawURL:
//
//	redis://[:password@]host:port[/db]  → RedisStore
//	sqlite:///absolute/path.db          → SQLStore
//	memory://                           → MemoryStore
//
// An empty URL returns (nil, nil): no shared store configured. The store is
// pinged before being returned so callers can log a single degraded-mode
// warning at startup.
func Open(ctx context.Context, rawURL string) (Store, error) {
	if rawURL == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}

	var s Store
	switch strings.ToLower(u.Scheme) {
	case "redis", "rediss":
		s, err = NewRedisStore(rawURL)
	case "sqlite", "file":
		path := u.Path
		if u.Opaque != "" {
			path = u.Opaque
		}
		if u.Host != "" {
			path = u.Host + path
		}
		s, err = NewSQLStore(path)
	case "memory":
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s, nil
}
