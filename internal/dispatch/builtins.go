package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/cbash/internal/session"
	"github.com/google/shlex"
	"golang.org/x/sys/unix"
)

// UsageText is shown for an unknown or missing extension subcommand.
const UsageText = "Available CBash commands: status, history [n], sessions, scrollback [size], help"

// defaultScrollbackTail is how much persistent shell output
// `cbash scrollback` shows without a size argument.
const defaultScrollbackTail = 4 * 1024

const helpText = `CBash built-in commands:
  cd [dir]             change the session working directory (~ is home)
  clear                clear the terminal
  cbash status         session and system snapshot
  cbash history [n]    last n commands (default %d)
  cbash sessions       active sessions
  cbash scrollback [s] tail of this session's persistent shell output (e.g. 512, 8KiB)
  cbash help           this help

Other input runs as a program, through %s when it contains | > < & ; $ or a backtick.`

// changeDir resolves path against the session directory and switches to
// it. On failure the session is left untouched.
func (d *Dispatcher) changeDir(sess *session.Session, path string) Result {
	args, err := shlex.Split(path)
	if err != nil {
		return cdFailure(path, err.Error())
	}
	if len(args) > 1 {
		return cdFailure("", "too many arguments")
	}

	home := sess.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	target := home
	display := "~"
	if len(args) == 1 {
		display = args[0]
		target = expandHome(args[0], home)
		if !filepath.IsAbs(target) {
			target = filepath.Join(sess.Cwd(), target)
		}
	}
	target = filepath.Clean(target)

	info, err := os.Stat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cdFailure(display, "No such file or directory")
	case errors.Is(err, fs.ErrPermission):
		return cdFailure(display, "Permission denied")
	case err != nil:
		return cdFailure(display, err.Error())
	case !info.IsDir():
		return cdFailure(display, "Not a directory")
	}
	if err := unix.Access(target, unix.X_OK); err != nil {
		return cdFailure(display, "Permission denied")
	}

	sess.SetCwd(target)
	return Result{Outcome: OutcomeSuccess}
}

func cdFailure(path, cause string) Result {
	msg := "cd: " + cause
	if path != "" {
		msg = "cd: " + path + ": " + cause
	}
	return Result{
		Outcome: OutcomeError,
		Output:  msg,
		Err:     fmt.Errorf("%w: %s", ErrDirectoryChange, msg),
	}
}

func expandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

// extension runs a `cbash <sub>` administrative command. These read shared
// state only and never execute input text.
func (d *Dispatcher) extension(ctx context.Context, sess *session.Session, sub string, args []string) Result {
	switch sub {
	case "status":
		return d.status(ctx, sess)
	case "history":
		return d.history(ctx, args)
	case "sessions":
		return d.sessions()
	case "scrollback":
		return d.scrollback(sess, args)
	case "help":
		return Result{Outcome: OutcomeSuccess, Output: fmt.Sprintf(helpText, d.opts.HistoryDefault, d.opts.Procs.Shell())}
	default:
		return Result{Outcome: OutcomeSuccess, Output: UsageText}
	}
}

type statusReport struct {
	SessionID        string  `json:"session_id"`
	Uptime           float64 `json:"uptime"`
	UptimeHuman      string  `json:"uptime_human"`
	CommandsExecuted int64   `json:"commands_executed"`
	ActiveSessions   int     `json:"active_sessions"`
	CPUUsage         float64 `json:"cpu_usage"`
	MemoryUsage      float64 `json:"memory_usage"`
	MemoryUsed       string  `json:"memory_used,omitempty"`
	MemoryTotal      string  `json:"memory_total,omitempty"`
	DiskUsage        float64 `json:"disk_usage"`
	Cwd              string  `json:"cwd"`
}

func (d *Dispatcher) status(ctx context.Context, sess *session.Session) Result {
	uptime := time.Since(d.opts.StartedAt)
	report := statusReport{
		SessionID:        sess.ID,
		Uptime:           float64(uptime.Milliseconds()) / 1000,
		UptimeHuman:      units.HumanDuration(uptime),
		CommandsExecuted: sess.CommandCount(),
		Cwd:              sess.Cwd(),
	}
	if d.opts.Sessions != nil {
		report.ActiveSessions = d.opts.Sessions.ActiveCount()
	}
	if d.opts.System != nil {
		sample := d.opts.System.Current(ctx)
		report.CPUUsage = sample.CPUPercent
		report.MemoryUsage = sample.MemoryPercent
		report.DiskUsage = sample.DiskPercent
		if sample.MemoryTotal > 0 {
			report.MemoryUsed = units.BytesSize(float64(sample.MemoryUsed))
			report.MemoryTotal = units.BytesSize(float64(sample.MemoryTotal))
		}
	}
	return jsonResult(report)
}

// history lists the last n commands, oldest first, numbered from 1.
func (d *Dispatcher) history(ctx context.Context, args []string) Result {
	n := d.opts.HistoryDefault
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
			n = v
		}
	}
	if d.opts.History == nil {
		return Result{Outcome: OutcomeSuccess}
	}

	records := d.opts.History.Recent(ctx, n)
	lines := make([]string, len(records))
	for i, r := range records {
		lines[i] = fmt.Sprintf("%d: %s", i+1, r.Command)
	}
	return Result{Outcome: OutcomeSuccess, Output: strings.Join(lines, "\n")}
}

type sessionEntry struct {
	SessionID    string    `json:"session_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	CommandCount int64     `json:"command_count"`
}

func (d *Dispatcher) sessions() Result {
	entries := []sessionEntry{}
	if d.opts.Sessions != nil {
		for _, s := range d.opts.Sessions.List() {
			entries = append(entries, sessionEntry{
				SessionID:    session.Redact(s.ID),
				ConnectedAt:  s.ConnectedAt,
				LastActivity: s.LastActivity,
				CommandCount: s.CommandCount,
			})
		}
	}
	return jsonResult(entries)
}

// scrollback shows the newest output of the session's persistent shell.
func (d *Dispatcher) scrollback(sess *session.Session, args []string) Result {
	n := int64(defaultScrollbackTail)
	if len(args) > 0 {
		v, err := units.RAMInBytes(args[0])
		if err != nil || v <= 0 {
			return Result{Outcome: OutcomeError, Output: "cbash scrollback: invalid size " + strconv.Quote(args[0]), Err: err}
		}
		n = v
	}

	p, ok := d.opts.Procs.Get(sess.ID)
	if !ok || p.PID() == 0 {
		return Result{Outcome: OutcomeSuccess, Output: "No persistent shell for this session"}
	}
	data := p.Output.Snapshot()
	if int64(len(data)) > n {
		data = data[int64(len(data))-n:]
	}
	return Result{Outcome: OutcomeSuccess, Output: collapseBlankLines(normalizeNewlines(string(data)))}
}

func jsonResult(v any) Result {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Result{Outcome: OutcomeError, Output: "Error: " + err.Error(), Err: err}
	}
	return Result{Outcome: OutcomeSuccess, Output: string(data)}
}
