package shell

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Process is the handle of one session's persistent shell.
type Process struct {
	// SessionID is the session this process belongs to.
	SessionID string
	// Dir is the working directory the shell was started in.
	Dir string
	// Env is the environment the shell was started with.
	Env []string
	// StartedAt is when the process was spawned.
	StartedAt time.Time
	// Output holds recent PTY output of the shell.
	Output *ScrollbackBuffer

	cmd    *exec.Cmd
	ptmx   *os.File
	exited chan struct{}

	mu      sync.Mutex
	waitErr error
}

// spawnProcess starts name+args under a fresh PTY. setsid makes the child
// a session and process group leader, so -pid addresses the whole group.
func spawnProcess(sessionID, name string, args []string, dir string, env []string, scrollback int) (*Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = env

	ptmx, err := pty.StartWithAttrs(cmd, &pty.Winsize{Cols: 120, Rows: 30}, &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	})
	if err != nil {
		return nil, err
	}

	p := &Process{
		SessionID: sessionID,
		Dir:       dir,
		Env:       env,
		StartedAt: time.Now(),
		Output:    NewScrollbackBuffer(scrollback),
		cmd:       cmd,
		ptmx:      ptmx,
		exited:    make(chan struct{}),
	}

	go p.drain()
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
	}()
	return p, nil
}

// detachedProcess is the handle used when no persistent process is kept.
func detachedProcess(sessionID, dir string, env []string) *Process {
	p := &Process{
		SessionID: sessionID,
		Dir:       dir,
		Env:       env,
		StartedAt: time.Now(),
		Output:    NewScrollbackBuffer(1),
		exited:    make(chan struct{}),
	}
	return p
}

// drain copies PTY output into the scrollback until the PTY closes.
func (p *Process) drain() {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			p.Output.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// PID returns the OS process id, or 0 when there is no OS process.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited is closed once the OS process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// WaitErr returns the error from reaping the process, if it has exited.
func (p *Process) WaitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// ProcessInfo is a point-in-time view of a session process.
type ProcessInfo struct {
	PID             int       `json:"pid"`
	Alive           bool      `json:"alive"`
	StartedAt       time.Time `json:"started_at"`
	ExitError       string    `json:"exit_error,omitempty"`
	ScrollbackBytes int       `json:"scrollback_bytes"`
	OutputTotal     int64     `json:"output_total"`
}

// Info snapshots the process state.
func (p *Process) Info() ProcessInfo {
	info := ProcessInfo{
		PID:             p.PID(),
		Alive:           p.Alive(),
		StartedAt:       p.StartedAt,
		ScrollbackBytes: p.Output.Len(),
		OutputTotal:     p.Output.Total(),
	}
	if err := p.WaitErr(); err != nil {
		info.ExitError = err.Error()
	}
	return info
}

// stop terminates the process group: SIGHUP+SIGTERM, wait up to grace,
// then SIGKILL. It reports whether the process exited before the kill.
func (p *Process) stop(grace time.Duration) (graceful bool, err error) {
	if p.cmd == nil {
		return true, nil
	}
	defer p.ptmx.Close()

	pgid := p.PID()
	if !p.Alive() {
		return true, nil
	}

	sigErr := signalGroup(pgid, unix.SIGHUP)
	if err := signalGroup(pgid, unix.SIGTERM); err != nil && sigErr != nil {
		// Group already gone; the waiter will observe the exit.
		<-p.exited
		return true, nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return true, nil
	case <-timer.C:
	}

	killErr := signalGroup(pgid, unix.SIGKILL)
	select {
	case <-p.exited:
	case <-time.After(2 * time.Second):
		return false, errors.Join(errProcessStuck, killErr)
	}
	return false, nil
}

var errProcessStuck = errors.New("process did not exit after SIGKILL")

// signalGroup sends sig to every process in the group led by pgid.
func signalGroup(pgid int, sig unix.Signal) error {
	if pgid <= 0 {
		return nil
	}
	return unix.Kill(-pgid, sig)
}
