package session

import (
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Session is one client's execution context. Identity fields are set at
// connect and never change; the rest is guarded by mu.
type Session struct {
	// ID is the opaque session identifier, unique per connection.
	ID string
	// ClientAddr is the remote address of the connection.
	ClientAddr string
	// User is the token subject, empty for anonymous connections.
	User string
	// ConnectedAt is when the session was created.
	ConnectedAt time.Time

	mu           sync.Mutex
	cwd          string
	env          map[string]string
	lastActivity time.Time
	commandCount int64

	// seq serializes command handling within the session.
	seq sync.Mutex
}

// New creates a session whose working directory and environment are
// snapshots of the server process at call time.
func New(id, clientAddr, user string) *Session {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}
	now := time.Now()
	return &Session{
		ID:           id,
		ClientAddr:   clientAddr,
		User:         user,
		ConnectedAt:  now,
		cwd:          cwd,
		env:          parseEnv(os.Environ()),
		lastActivity: now,
	}
}

func parseEnv(kvs []string) map[string]string {
	env := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}

// Cwd returns the session's working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// SetCwd changes the session's working directory. The server process
// directory is never touched.
func (s *Session) SetCwd(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cwd = dir
	s.env["PWD"] = dir
}

// Getenv returns the value of key in the session environment.
func (s *Session) Getenv(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env[key]
}

// Environ returns the session environment as sorted KEY=value pairs.
func (s *Session) Environ() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.env))
	for k, v := range s.env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Touch records activity and counts one command.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.commandCount++
}

func (s *Session) CommandCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandCount
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Sequence runs fn while holding the session's command lock, so commands
// of one session never overlap and complete in submission order.
func (s *Session) Sequence(fn func()) {
	s.seq.Lock()
	defer s.seq.Unlock()
	fn()
}

// Snapshot is a point-in-time copy of a session's public state.
type Snapshot struct {
	ID           string    `json:"session_id"`
	ClientAddr   string    `json:"client_addr"`
	User         string    `json:"user,omitempty"`
	Cwd          string    `json:"cwd"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	CommandCount int64     `json:"command_count"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.ID,
		ClientAddr:   s.ClientAddr,
		User:         s.User,
		Cwd:          s.cwd,
		ConnectedAt:  s.ConnectedAt,
		LastActivity: s.lastActivity,
		CommandCount: s.commandCount,
	}
}

// Redact shortens a session id for display to other clients.
func Redact(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
