package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Spec describes one pass-through command.
type Spec struct {
	// Command is the program name, or the whole line when Shell is set.
	Command string
	Args    []string
	// Shell runs Command through "<shell> -c".
	Shell   bool
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result is the captured outcome of a finished command. A non-zero exit
// status is not an error.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Run executes spec in its own process group and waits for it. When the
// timeout or ctx fires, the whole group is killed and ErrTimeout returned.
func (m *Manager) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if spec.Shell {
		cmd = exec.CommandContext(ctx, m.cfg.Shell, "-c", spec.Command)
	} else {
		cmd = exec.CommandContext(ctx, spec.Command, spec.Args...)
	}
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	// Grandchildren holding the pipes open must not block Wait forever.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil && cmd.Process != nil {
		m.log.Warn().Str("command", spec.Command).Dur("timeout", spec.Timeout).Msg("command killed")
		return res, fmt.Errorf("%w: %v", ErrTimeout, ctxErr)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		return res, nil
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return res, fmt.Errorf("%w: %s", ErrCommandNotFound, spec.Command)
	case errors.Is(err, exec.ErrWaitDelay):
		return res, nil
	default:
		return res, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
}
