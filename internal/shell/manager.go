package shell

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gluk-w/cbash/internal/logging"
	"github.com/rs/zerolog"
)

var (
	// ErrSpawnFailed means the OS refused to start a process.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrCommandNotFound means the program does not exist or is not executable.
	ErrCommandNotFound = errors.New("command not found")
	// ErrTimeout means a command outlived its timeout and was killed.
	ErrTimeout = errors.New("command timed out")
)

// Mode selects whether a persistent OS process is kept per session.
type Mode string

const (
	// ModePersistent keeps a PTY shell alive for each session.
	ModePersistent Mode = "persistent"
	// ModeNone only records the session; commands still run per call.
	ModeNone Mode = "none"
)

// DefaultGrace is how long Terminate waits after SIGTERM before SIGKILL.
const DefaultGrace = 5 * time.Second

// Config controls how the Manager spawns and stops processes.
type Config struct {
	// Shell is the program used for persistent shells and shell-mode commands.
	Shell string
	// ShellArgs are passed to the persistent shell. Defaults to ["-i"].
	ShellArgs []string
	Mode      Mode
	Grace     time.Duration
	// ScrollbackSize caps the buffered output of each persistent shell.
	ScrollbackSize int
}

// Manager tracks the persistent process of every session. It is safe for
// concurrent use.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu    sync.RWMutex
	procs map[string]*Process
}

// NewManager returns a Manager with defaults applied to cfg.
func NewManager(cfg Config) *Manager {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.ShellArgs == nil {
		cfg.ShellArgs = []string{"-i"}
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePersistent
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Manager{
		cfg:   cfg,
		log:   logging.For("process-mgr"),
		procs: make(map[string]*Process),
	}
}

// Shell returns the configured shell program.
func (m *Manager) Shell() string {
	return m.cfg.Shell
}

// CreateSession spawns the persistent process for id and stores it,
// replacing (and terminating) any existing handle for the same id.
func (m *Manager) CreateSession(id string) (*Process, error) {
	dir, err := os.Getwd()
	if err != nil {
		dir = "/"
	}
	env := SessionEnv(os.Environ())

	var p *Process
	if m.cfg.Mode == ModeNone {
		p = detachedProcess(id, dir, env)
	} else {
		p, err = spawnProcess(id, m.cfg.Shell, m.cfg.ShellArgs, dir, env, m.cfg.ScrollbackSize)
		if err != nil {
			m.log.Error().Err(err).Str("session_id", id).Str("shell", m.cfg.Shell).Msg("failed to spawn session process")
			return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, m.cfg.Shell, err)
		}
	}

	m.mu.Lock()
	old := m.procs[id]
	m.procs[id] = p
	m.mu.Unlock()

	if old != nil {
		go m.stop(old)
	}
	if p.cmd != nil {
		go m.watch(p)
	}

	m.log.Info().Str("session_id", id).Int("pid", p.PID()).Str("mode", string(m.cfg.Mode)).Msg("session process created")
	return p, nil
}

// GetOrCreate returns the existing handle for id, spawning one if absent.
func (m *Manager) GetOrCreate(id string) (*Process, error) {
	if p, ok := m.Get(id); ok {
		return p, nil
	}
	return m.CreateSession(id)
}

// HasSession reports whether a handle exists for id.
func (m *Manager) HasSession(id string) bool {
	_, ok := m.Get(id)
	return ok
}

// Get returns the handle for id.
func (m *Manager) Get(id string) (*Process, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procs[id]
	return p, ok
}

// Info returns the state of the process tracked for id.
func (m *Manager) Info(id string) (ProcessInfo, bool) {
	p, ok := m.Get(id)
	if !ok {
		return ProcessInfo{}, false
	}
	return p.Info(), true
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.procs)
}

// Terminate stops the process of id and forgets it. Unknown ids are a
// no-op, so repeated calls are safe. The handle is removed even when the
// process could not be killed.
func (m *Manager) Terminate(id string) error {
	m.mu.Lock()
	p, ok := m.procs[id]
	delete(m.procs, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.stop(p)
}

// TerminateAll stops every tracked process concurrently.
func (m *Manager) TerminateAll() {
	m.mu.Lock()
	procs := m.procs
	m.procs = make(map[string]*Process)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			m.stop(p)
		}(p)
	}
	wg.Wait()
	if len(procs) > 0 {
		m.log.Info().Int("count", len(procs)).Msg("terminated all session processes")
	}
}

// watch logs a shell that exits while still tracked. Terminate and
// replacement untrack the handle first, so they stay quiet. The dead
// handle is kept and reports Alive() == false.
func (m *Manager) watch(p *Process) {
	<-p.Exited()
	m.mu.RLock()
	current := m.procs[p.SessionID] == p
	m.mu.RUnlock()
	if !current {
		return
	}
	ev := m.log.Warn().Str("session_id", p.SessionID).Int("pid", p.PID())
	if err := p.WaitErr(); err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("session process exited unexpectedly")
}

func (m *Manager) stop(p *Process) error {
	graceful, err := p.stop(m.cfg.Grace)
	if err != nil {
		m.log.Error().Err(err).Str("session_id", p.SessionID).Int("pid", p.PID()).Msg("failed to terminate session process")
		return err
	}
	if !graceful {
		m.log.Warn().Str("session_id", p.SessionID).Int("pid", p.PID()).Dur("grace", m.cfg.Grace).Msg("session process killed after grace period")
		return nil
	}
	m.log.Info().Str("session_id", p.SessionID).Int("pid", p.PID()).Msg("session process terminated")
	return nil
}

// SessionEnv returns base with the terminal variables every child sees.
func SessionEnv(base []string) []string {
	env := make([]string, 0, len(base)+3)
	for _, kv := range base {
		switch {
		case hasKey(kv, "TERM"), hasKey(kv, "COLUMNS"), hasKey(kv, "LINES"):
			continue
		}
		env = append(env, kv)
	}
	return append(env, "TERM=xterm-256color", "COLUMNS=120", "LINES=30")
}

func hasKey(kv, key string) bool {
	return len(kv) > len(key) && kv[:len(key)] == key && kv[len(key)] == '='
}
