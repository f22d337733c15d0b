// Package terminal glues the per-connection message flow together:
//
//	inbound line → registry touch → admission → dispatch → history + metrics
//
// It is transport-agnostic; the WebSocket handler in package handlers owns
// the socket and turns [dispatch.Result] values into outbound messages via
// [Messages].
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gluk-w/cbash/internal/audit"
	"github.com/gluk-w/cbash/internal/dispatch"
	"github.com/gluk-w/cbash/internal/logging"
	"github.com/gluk-w/cbash/internal/metrics"
	"github.com/gluk-w/cbash/internal/ratelimit"
	"github.com/gluk-w/cbash/internal/session"
	"github.com/gluk-w/cbash/internal/shell"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RateLimitedMessage is the response text for a denied command.
const RateLimitedMessage = "Error: Rate limit exceeded"

// ErrUnknownSession is returned for commands on a session that is gone.
var ErrUnknownSession = errors.New("unknown session")

// Options wires a Service. Limiter, History and Metrics may be nil.
type Options struct {
	Registry   *session.Registry
	Procs      *shell.Manager
	Dispatcher *dispatch.Dispatcher
	Limiter    *ratelimit.Limiter
	History    *audit.Log
	Metrics    *metrics.Recorder
	// CommandRate is the per-client command budget per RateWindow; 0 disables.
	CommandRate int
	RateWindow  time.Duration
}

type Service struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options) *Service {
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	return &Service{opts: opts, log: logging.For("terminal")}
}

// Connect registers a new session for a client and starts its persistent
// process. A spawn failure is logged and does not refuse the connection;
// commands still run as separate processes.
func (s *Service) Connect(clientAddr, user string) (*session.Session, error) {
	id := uuid.New().String()
	sess, err := s.opts.Registry.Connect(id, clientAddr, user)
	if err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}
	if _, err := s.opts.Procs.CreateSession(id); err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("session process unavailable")
	}
	if s.opts.History != nil {
		s.opts.History.LogSessionStart(id, clientAddr, user)
	}
	return sess, nil
}

// Disconnect tears the session down. Only the first call for an id does
// any work. A command still in flight is accounted before session_end is
// written, so Disconnect may block until it finishes or times out.
func (s *Service) Disconnect(id string) {
	sess, ok := s.opts.Registry.Disconnect(id)
	if !ok {
		return
	}
	if err := s.opts.Procs.Terminate(id); err != nil {
		s.log.Warn().Err(err).Str("session_id", id).Msg("session process termination incomplete")
	}
	if s.opts.History == nil {
		return
	}
	sess.Sequence(func() {
		s.opts.History.LogSessionEnd(id, sess.ClientAddr, sess.ConnectedAt, sess.CommandCount())
	})
}

// HandleCommand runs one inbound line for session id. Commands of one
// session are serialized. The command runs on a context detached from ctx
// so a dropped connection lets it finish or time out.
func (s *Service) HandleCommand(ctx context.Context, id, line string) (dispatch.Result, error) {
	sess, ok := s.opts.Registry.Touch(id)
	if !ok {
		return dispatch.Result{}, ErrUnknownSession
	}
	runCtx := context.WithoutCancel(ctx)

	var res dispatch.Result
	live := true
	sess.Sequence(func() {
		// Disconnected while queued behind an earlier command.
		if _, live = s.opts.Registry.Get(id); !live {
			return
		}
		if strings.TrimSpace(line) != "" && !s.admit(runCtx, sess).Allowed {
			res = s.rateLimited(sess, line)
		} else {
			res = s.opts.Dispatcher.Dispatch(runCtx, sess, line)
		}
		s.account(runCtx, sess, res)
	})
	if !live {
		return dispatch.Result{}, ErrUnknownSession
	}
	return res, nil
}

func (s *Service) admit(ctx context.Context, sess *session.Session) ratelimit.Decision {
	if s.opts.CommandRate <= 0 || s.opts.Limiter == nil {
		return ratelimit.Decision{Allowed: true}
	}
	return s.opts.Limiter.Admit(ctx, ratelimit.Key("", sess.ClientAddr), s.opts.CommandRate, s.opts.RateWindow)
}

func (s *Service) rateLimited(sess *session.Session, line string) dispatch.Result {
	cmd := dispatch.Classify(line)
	s.log.Warn().Str("session_id", sess.ID).Str("client", logging.Sanitize(sess.ClientAddr)).Msg("command rate limit exceeded")
	return dispatch.Result{
		Kind:    cmd.Kind,
		Command: line,
		Name:    cmd.Name(),
		Output:  RateLimitedMessage,
		Prompt:  dispatch.Prompt(sess.Cwd()),
		Outcome: dispatch.OutcomeRateLimited,
		Err:     ratelimit.ErrExceeded,
	}
}

// account writes the history record and metrics for a finished command.
func (s *Service) account(ctx context.Context, sess *session.Session, res dispatch.Result) {
	if !res.Recordable() {
		return
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveCommand(res.Name, res.Outcome)
		if res.Kind == dispatch.KindPassThrough && executed(res.Outcome) {
			s.opts.Metrics.ObserveDuration(res.Duration)
		}
	}
	if res.Outcome == dispatch.OutcomeRateLimited || s.opts.History == nil {
		return
	}
	rec := audit.Record{
		SessionID:  sess.ID,
		Command:    res.Command,
		ClientAddr: sess.ClientAddr,
		ExitCode:   res.ExitCode,
		Outcome:    res.Outcome,
	}
	if res.Kind == dispatch.KindPassThrough {
		ms := res.Duration.Milliseconds()
		rec.DurationMs = &ms
	}
	s.opts.History.Record(ctx, rec)
}

// executed reports whether the outcome implies a process was spawned.
func executed(outcome string) bool {
	return outcome != dispatch.OutcomeBlocked && outcome != dispatch.OutcomeRateLimited
}
