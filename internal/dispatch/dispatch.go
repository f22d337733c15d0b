// Package dispatch classifies a session's input line and routes it to the
// built-in handlers (cd, clear, the cbash extension table) or to
// pass-through execution.
//
// Every path returns a [Result]; failures are carried in Result.Err and
// rendered into Result.Output, never returned as Go errors, so a failing
// command cannot end the session. The prompt always reflects the session's
// working directory after the command.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gluk-w/cbash/internal/audit"
	"github.com/gluk-w/cbash/internal/logging"
	"github.com/gluk-w/cbash/internal/metrics"
	"github.com/gluk-w/cbash/internal/security"
	"github.com/gluk-w/cbash/internal/session"
	"github.com/gluk-w/cbash/internal/shell"
	"github.com/google/shlex"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds pass-through commands when none is configured.
const DefaultTimeout = 30 * time.Second

// DefaultHistory is the number of entries `cbash history` shows.
const DefaultHistory = 20

// shellMetachars force execution through the shell.
const shellMetachars = "|><&;$`"

// Outcome tags, shared with the metrics labels.
const (
	OutcomeSuccess     = metrics.StatusSuccess
	OutcomeError       = metrics.StatusError
	OutcomeBlocked     = metrics.StatusBlocked
	OutcomeTimeout     = metrics.StatusTimeout
	OutcomeRateLimited = metrics.StatusRateLimited
)

// ErrDirectoryChange wraps every failed cd.
var ErrDirectoryChange = errors.New("directory change failed")

// HistoryReader supplies records for `cbash history`.
type HistoryReader interface {
	Recent(ctx context.Context, n int) []audit.Record
}

// SessionLister supplies the session table for `cbash sessions`.
type SessionLister interface {
	List() []session.Snapshot
	ActiveCount() int
}

// SystemReader supplies host statistics for `cbash status`.
type SystemReader interface {
	Current(ctx context.Context) metrics.Sample
}

// Result is the outcome of one dispatched line.
type Result struct {
	Kind    Kind
	Command string
	// Name labels the command in metrics.
	Name    string
	Output  string
	Prompt  string
	Outcome string
	// Err is the sentinel-wrapped failure, nil on success.
	Err error
	// ExitCode is set for pass-through commands that ran to completion.
	ExitCode *int
	// Duration is the wall time spent in Dispatch.
	Duration time.Duration
	// ClearCwd is set for KindClear.
	ClearCwd string
}

// ExecutionTime is Duration in seconds, rounded to milliseconds.
func (r Result) ExecutionTime() float64 {
	return math.Round(r.Duration.Seconds()*1000) / 1000
}

// Recordable reports whether the line belongs in the audit history.
func (r Result) Recordable() bool {
	return r.Kind != KindEmpty
}

// Options wires a Dispatcher to its collaborators. Any reader may be nil.
type Options struct {
	Filter         *security.Filter
	Procs          *shell.Manager
	History        HistoryReader
	Sessions       SessionLister
	System         SystemReader
	Timeout        time.Duration
	HistoryDefault int
	// StartedAt is reported as server uptime by `cbash status`.
	StartedAt time.Time
}

type Dispatcher struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HistoryDefault <= 0 {
		opts.HistoryDefault = DefaultHistory
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	if opts.Procs == nil {
		opts.Procs = shell.NewManager(shell.Config{Mode: shell.ModeNone})
	}
	return &Dispatcher{opts: opts, log: logging.For("dispatch")}
}

// Prompt renders the prompt for a working directory.
func Prompt(cwd string) string {
	return cwd + " $ "
}

// Dispatch runs one line for sess. It never returns without a prompt.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, line string) Result {
	start := time.Now()
	cmd := Classify(line)

	var res Result
	switch cmd.Kind {
	case KindEmpty:
		res = Result{}
	case KindCd:
		res = d.changeDir(sess, cmd.Path)
	case KindClear:
		res = Result{Outcome: OutcomeSuccess, ClearCwd: sess.Cwd()}
	case KindExtension:
		res = d.extension(ctx, sess, cmd.Sub, cmd.Args)
	case KindPassThrough:
		res = d.passThrough(ctx, sess, cmd.Text)
	default:
		res = Result{Outcome: OutcomeError, Output: "Error: unsupported command"}
	}

	res.Kind = cmd.Kind
	res.Command = line
	res.Name = cmd.Name()
	res.Prompt = Prompt(sess.Cwd())
	res.Duration = time.Since(start)
	return res
}

func (d *Dispatcher) passThrough(ctx context.Context, sess *session.Session, text string) Result {
	if dec := d.opts.Filter.Evaluate(text); !dec.Allowed {
		d.log.Warn().
			Str("session_id", sess.ID).
			Str("pattern", dec.Pattern).
			Str("command", logging.Sanitize(text)).
			Msg("blocked dangerous command")
		return Result{Outcome: OutcomeBlocked, Output: security.BlockedMessage, Err: dec.Err()}
	}

	spec := shell.Spec{
		Dir:     sess.Cwd(),
		Env:     shell.SessionEnv(sess.Environ()),
		Timeout: d.opts.Timeout,
	}
	if strings.ContainsAny(text, shellMetachars) {
		spec.Shell = true
		spec.Command = text
	} else if argv, err := shlex.Split(text); err != nil || len(argv) == 0 {
		// Unbalanced quotes: let the shell report the syntax error.
		spec.Shell = true
		spec.Command = text
	} else {
		spec.Command = argv[0]
		spec.Args = argv[1:]
	}

	out, err := d.opts.Procs.Run(ctx, spec)
	switch {
	case errors.Is(err, shell.ErrTimeout):
		return Result{
			Outcome: OutcomeTimeout,
			Output:  fmt.Sprintf("Error: Command timed out (%ss limit)", formatSeconds(d.opts.Timeout)),
			Err:     err,
		}
	case errors.Is(err, shell.ErrCommandNotFound):
		return Result{
			Outcome: OutcomeError,
			Output:  "Command not found: " + spec.Command,
			Err:     err,
		}
	case err != nil:
		return Result{
			Outcome: OutcomeError,
			Output:  "Error: " + err.Error(),
			Err:     err,
		}
	}

	if spec.Shell {
		if name, ok := shellNotFound(out.Stdout, out.Stderr); ok {
			exit := out.ExitCode
			return Result{
				Outcome:  OutcomeError,
				Output:   "Command not found: " + name,
				ExitCode: &exit,
				Err:      shell.ErrCommandNotFound,
			}
		}
	}

	exit := out.ExitCode
	res := Result{
		Outcome:  OutcomeSuccess,
		Output:   renderOutput(out.Stdout, out.Stderr),
		ExitCode: &exit,
	}
	if exit != 0 {
		res.Outcome = OutcomeError
	}
	return res
}

// notFoundLine matches the "not found" diagnostics of sh, dash and bash.
var notFoundLine = regexp.MustCompile(`([^\s:]+): (?:command )?not found$`)

// shellNotFound reports the missing program when a shell-mode run printed
// nothing but "not found" diagnostics. A pipeline such as `nosuch | cat`
// exits 0 in that case, so the exit status alone is not enough.
func shellNotFound(stdout, stderr []byte) (string, bool) {
	if len(bytes.TrimSpace(stdout)) > 0 {
		return "", false
	}
	text := strings.TrimSpace(normalizeNewlines(string(stderr)))
	if text == "" {
		return "", false
	}
	var name string
	for _, line := range strings.Split(text, "\n") {
		m := notFoundLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			return "", false
		}
		if name == "" {
			name = m[1]
		}
	}
	return name, true
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// renderOutput merges stdout with trimmed stderr, normalizes line endings
// and caps runs of blank lines.
func renderOutput(stdout, stderr []byte) string {
	var parts []string
	if len(stdout) > 0 {
		parts = append(parts, normalizeNewlines(string(stdout)))
	}
	if errText := strings.TrimSpace(string(stderr)); errText != "" {
		parts = append(parts, errText)
	}
	return collapseBlankLines(normalizeNewlines(strings.Join(parts, "\n")))
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// collapseBlankLines shortens every run of four or more newlines to three.
func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n\n", "\n\n\n")
	}
	return s
}
