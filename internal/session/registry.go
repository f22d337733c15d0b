// Package session tracks connected clients and their per-session state:
// working directory, environment, activity and command count.
package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/gluk-w/cbash/internal/logging"
	"github.com/rs/zerolog"
)

// ErrExists is returned by Connect when the id is already registered.
var ErrExists = errors.New("session already exists")

// Gauge receives the active session count after every change.
// prometheus.Gauge satisfies it.
type Gauge interface {
	Set(float64)
}

// Registry owns every live Session. The map is guarded by an RWMutex; the
// per-session fields by each session's own lock, so unrelated sessions
// never contend on one another.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	gauge    Gauge
	log      zerolog.Logger
}

// NewRegistry creates an empty registry. gauge may be nil.
func NewRegistry(gauge Gauge) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		gauge:    gauge,
		log:      logging.For("session-mgr"),
	}
}

// Connect registers a new session. The gauge is set from the map size
// inside the same critical section as the insert.
func (r *Registry) Connect(id, clientAddr, user string) (*Session, error) {
	s := New(id, clientAddr, user)

	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, ErrExists
	}
	r.sessions[id] = s
	active := len(r.sessions)
	r.setGauge(active)
	r.mu.Unlock()

	r.log.Info().Str("session_id", id).Str("client", logging.Sanitize(clientAddr)).Int("active", active).Msg("session connected")
	return s, nil
}

// Disconnect removes the session. Only the caller that actually removed
// the entry gets ok=true; repeated or concurrent calls are no-ops.
func (r *Registry) Disconnect(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.sessions, id)
	active := len(r.sessions)
	r.setGauge(active)
	r.mu.Unlock()

	r.log.Info().Str("session_id", id).Int("active", active).Msg("session disconnected")
	return s, true
}

// Touch records activity on the session and counts one command.
func (r *Registry) Touch(id string) (*Session, bool) {
	s, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	s.Touch()
	return s, true
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns snapshots of all sessions, oldest connection first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, len(sessions))
	for i, s := range sessions {
		out[i] = s.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) setGauge(n int) {
	if r.gauge != nil {
		r.gauge.Set(float64(n))
	}
}
