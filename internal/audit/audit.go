// Package audit keeps the bounded history of executed commands and emits
// session lifecycle events.
//
// Records are pushed to the shared store (list "command_history" and
// "command_history:<session>") when one is configured. Every record is
// also kept in in-memory rings with the same caps, which serve reads
// whenever the store is absent or failing.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/cbash/internal/logging"
	"github.com/gluk-w/cbash/internal/store"
	"github.com/rs/zerolog"
)

// Event types for lifecycle log lines.
const (
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventCommand      = "command_execution"
)

const (
	// DefaultGlobalCap is the number of records kept across all sessions.
	DefaultGlobalCap = 1000
	// DefaultSessionCap is the number of records kept per session.
	DefaultSessionCap = 100

	globalKey = "command_history"
)

// Record is one executed command. Records are immutable once written.
type Record struct {
	SessionID  string    `json:"session_id"`
	Command    string    `json:"command"`
	Timestamp  time.Time `json:"timestamp"`
	ClientAddr string    `json:"client_ip"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
}

func sessionKey(sid string) string {
	return globalKey + ":" + sid
}

// Log records commands and answers history queries.
type Log struct {
	store      store.Store
	globalCap  int
	sessionCap int
	log        zerolog.Logger
	nowFn      func() time.Time

	mu       sync.Mutex
	global   *ring
	sessions map[string]*ring

	degraded atomic.Bool
}

// New creates a Log. st may be nil, in which case only the in-memory
// rings are used. Non-positive caps select the defaults.
func New(st store.Store, globalCap, sessionCap int) *Log {
	if globalCap <= 0 {
		globalCap = DefaultGlobalCap
	}
	if sessionCap <= 0 {
		sessionCap = DefaultSessionCap
	}
	return &Log{
		store:      st,
		globalCap:  globalCap,
		sessionCap: sessionCap,
		log:        logging.For("audit"),
		nowFn:      time.Now,
		global:     newRing(globalCap),
		sessions:   make(map[string]*ring),
	}
}

// Record appends r to the global and per-session history. A zero
// Timestamp is filled in. Store failures degrade to memory and are never
// returned to the caller.
func (l *Log) Record(ctx context.Context, r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = l.nowFn().UTC()
	}

	l.mu.Lock()
	l.global.push(r)
	sr, ok := l.sessions[r.SessionID]
	if !ok {
		sr = newRing(l.sessionCap)
		l.sessions[r.SessionID] = sr
	}
	sr.push(r)
	l.mu.Unlock()

	l.log.Debug().
		Str("event", EventCommand).
		Str("session_id", r.SessionID).
		Str("client", logging.Sanitize(r.ClientAddr)).
		Str("outcome", r.Outcome).
		Str("command", logging.Sanitize(r.Command)).
		Msg("command recorded")

	if l.store == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		l.log.Error().Err(err).Msg("failed to encode history record")
		return
	}
	err = l.store.PushCapped(ctx, globalKey, data, l.globalCap)
	if err == nil {
		err = l.store.PushCapped(ctx, sessionKey(r.SessionID), data, l.sessionCap)
	}
	l.storeResult(err)
}

// Recent returns up to n of the most recent records in execution order.
func (l *Log) Recent(ctx context.Context, n int) []Record {
	return l.recent(ctx, globalKey, n, func() *ring { return l.global })
}

// RecentForSession is Recent restricted to one session.
func (l *Log) RecentForSession(ctx context.Context, sid string, n int) []Record {
	return l.recent(ctx, sessionKey(sid), n, func() *ring { return l.sessions[sid] })
}

func (l *Log) recent(ctx context.Context, key string, n int, mem func() *ring) []Record {
	if l.store != nil {
		raw, err := l.store.Range(ctx, key, n)
		l.storeResult(err)
		if err == nil {
			out := make([]Record, 0, len(raw))
			// Store lists are newest first.
			for i := len(raw) - 1; i >= 0; i-- {
				var r Record
				if err := json.Unmarshal(raw[i], &r); err != nil {
					l.log.Warn().Err(err).Str("key", key).Msg("skipping malformed history record")
					continue
				}
				out = append(out, r)
			}
			return out
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	r := mem()
	if r == nil {
		return []Record{}
	}
	return r.last(n)
}

// storeResult logs the first failure of an outage and the recovery.
func (l *Log) storeResult(err error) {
	if err != nil {
		if l.degraded.CompareAndSwap(false, true) {
			l.log.Warn().Err(err).Msg("history store unavailable, using in-memory history")
		}
		return
	}
	if l.degraded.CompareAndSwap(true, false) {
		l.log.Info().Msg("history store recovered")
	}
}

// LogSessionStart emits the session_start event.
func (l *Log) LogSessionStart(sid, clientAddr, user string) {
	l.log.Info().
		Str("event", EventSessionStart).
		Str("session_id", sid).
		Str("client", logging.Sanitize(clientAddr)).
		Str("user", logging.Sanitize(user)).
		Msg("session started")
}

// LogSessionEnd emits the session_end event with the session duration and
// drops the session's in-memory ring.
func (l *Log) LogSessionEnd(sid, clientAddr string, connectedAt time.Time, commands int64) {
	duration := l.nowFn().Sub(connectedAt)
	l.log.Info().
		Str("event", EventSessionEnd).
		Str("session_id", sid).
		Str("client", logging.Sanitize(clientAddr)).
		Int64("duration_ms", duration.Milliseconds()).
		Int64("commands", commands).
		Msg("session ended")

	l.mu.Lock()
	delete(l.sessions, sid)
	l.mu.Unlock()
}

// ring is a fixed-capacity FIFO; pushing into a full ring evicts the
// oldest record.
type ring struct {
	buf   []Record
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Record, capacity)}
}

func (r *ring) push(rec Record) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = rec
		r.size++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

// last returns the newest n records, oldest first. n <= 0 means all.
func (r *ring) last(n int) []Record {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+r.size-n+i)%len(r.buf)]
	}
	return out
}
