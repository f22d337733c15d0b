// Package ratelimit implements fixed-window admission control on top of the
// shared store's atomic counters.
//
// The first request in a window creates the counter with a TTL equal to
// the window; later requests increment it without extending the TTL. A
// request is admitted while the count is at most the configured maximum.
//
// The limiter fails open: with no store, or when the store errors, every
// request is admitted and a single degraded-mode warning is logged until
// the store answers again.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gluk-w/cbash/internal/logging"
	"github.com/gluk-w/cbash/internal/store"
	"github.com/rs/zerolog"
)

// ErrExceeded is the error form of a denied Decision.
var ErrExceeded = errors.New("rate limit exceeded")

// Decision is the verdict for one request.
type Decision struct {
	Allowed bool
	// Count is the window counter after this request; 0 when degraded.
	Count int64
	Limit int
	// RetryAfter bounds how long a denied client should wait.
	RetryAfter time.Duration
	// Degraded is set when the store could not be consulted.
	Degraded bool
}

// Err returns ErrExceeded for a denied decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return ErrExceeded
}

// Limiter admits requests against per-client fixed windows.
type Limiter struct {
	store    store.Store
	log      zerolog.Logger
	degraded atomic.Bool
}

// New returns a Limiter backed by st. st may be nil.
func New(st store.Store) *Limiter {
	return &Limiter{store: st, log: logging.For("ratelimit")}
}

// Key returns the counter key for client, optionally scoped to a route.
func Key(scope, client string) string {
	if scope == "" {
		return "rate_limit:" + client
	}
	return "rate_limit:" + scope + ":" + client
}

// Admit counts one request for key and decides whether it may proceed.
// max <= 0 disables the limit.
func (l *Limiter) Admit(ctx context.Context, key string, max int, window time.Duration) Decision {
	if max <= 0 {
		return Decision{Allowed: true, Limit: max}
	}
	if l == nil || l.store == nil {
		return Decision{Allowed: true, Limit: max, Degraded: true}
	}

	count, err := l.store.Incr(ctx, key, window)
	if err != nil {
		if l.degraded.CompareAndSwap(false, true) {
			l.log.Warn().Err(err).Msg("rate limit store unavailable, admitting all requests")
		}
		return Decision{Allowed: true, Limit: max, Degraded: true}
	}
	if l.degraded.CompareAndSwap(true, false) {
		l.log.Info().Msg("rate limit store recovered")
	}

	d := Decision{Allowed: count <= int64(max), Count: count, Limit: max}
	if !d.Allowed {
		d.RetryAfter = window
		l.log.Debug().Str("key", logging.Sanitize(key)).Int64("count", count).Int("max", max).Msg("request denied")
	}
	return d
}

// Middleware limits an HTTP route to max requests per window per client.
// keyFn extracts the client identity from the request. Denied requests get
// 429 with a JSON body and a Retry-After header.
func (l *Limiter) Middleware(scope string, max int, window time.Duration, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Admit(r.Context(), Key(scope, keyFn(r)), max, window)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"Rate limit exceeded"}` + "\n"))
		})
	}
}
