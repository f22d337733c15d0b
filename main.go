package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/cbash/internal/audit"
	"github.com/gluk-w/cbash/internal/auth"
	"github.com/gluk-w/cbash/internal/config"
	"github.com/gluk-w/cbash/internal/dispatch"
	"github.com/gluk-w/cbash/internal/handlers"
	"github.com/gluk-w/cbash/internal/logging"
	"github.com/gluk-w/cbash/internal/metrics"
	"github.com/gluk-w/cbash/internal/ratelimit"
	"github.com/gluk-w/cbash/internal/security"
	"github.com/gluk-w/cbash/internal/session"
	"github.com/gluk-w/cbash/internal/shell"
	"github.com/gluk-w/cbash/internal/store"
	"github.com/gluk-w/cbash/internal/terminal"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cbash",
		Short:         "Multi-session remote shell server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCommand(), newTokenCommand(), newVersionCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.Load()
			if err := logging.Init(logging.Options{
				Path:   config.Cfg.LogPath,
				Level:  config.Cfg.LogLevel,
				Format: config.Cfg.LogFormat,
			}); err != nil {
				return err
			}
			defer logging.Close()

			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(sigCtx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg := config.Cfg

	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	st, err := store.Open(openCtx, cfg.StoreURL)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("shared store unavailable, running without it")
		st = nil
	}
	if st != nil {
		defer st.Close()
	}

	filter, err := security.LoadFilter(cfg.SecurityRules)
	if err != nil {
		return fmt.Errorf("security rules: %w", err)
	}

	scrollback, err := units.RAMInBytes(cfg.ScrollbackSize)
	if err != nil {
		return fmt.Errorf("scrollback size: %w", err)
	}

	rec := metrics.NewRecorder()
	registry := session.NewRegistry(rec.ActiveSessions())
	procs := shell.NewManager(shell.Config{
		Shell: cfg.Shell,
		Mode:  shell.Mode(cfg.ProcessMode),
		Grace: cfg.TerminateGrace,

		ScrollbackSize: int(scrollback),
	})
	history := audit.New(st, cfg.HistoryLimit, cfg.SessionHistoryLimit)
	sampler := metrics.NewSampler(rec, st)
	limiter := ratelimit.New(st)

	dispatcher := dispatch.New(dispatch.Options{
		Filter:         filter,
		Procs:          procs,
		History:        history,
		Sessions:       registry,
		System:         sampler,
		Timeout:        cfg.CommandTimeout,
		HistoryDefault: cfg.HistoryDefault,
	})
	term := terminal.New(terminal.Options{
		Registry:    registry,
		Procs:       procs,
		Dispatcher:  dispatcher,
		Limiter:     limiter,
		History:     history,
		Metrics:     rec,
		CommandRate: cfg.CommandRate,
		RateWindow:  cfg.RateWindow,
	})

	c := cron.New()
	if _, err := sampler.Schedule(c, cfg.SampleSchedule); err != nil {
		return fmt.Errorf("sample schedule: %w", err)
	}
	if purger, ok := st.(store.Purger); ok {
		_, err := c.AddFunc(cfg.PurgeSchedule, func() {
			n, err := purger.PurgeExpired(context.Background())
			if err != nil {
				log.Warn().Err(err).Msg("failed to purge expired store entries")
				return
			}
			if n > 0 {
				log.Debug().Int64("rows", n).Msg("purged expired store entries")
			}
		})
		if err != nil {
			return fmt.Errorf("purge schedule: %w", err)
		}
	}
	sampler.Tick(ctx)
	c.Start()

	api := &handlers.API{
		Terminal:       term,
		Registry:       registry,
		Procs:          procs,
		History:        history,
		Metrics:        rec,
		Sampler:        sampler,
		Limiter:        limiter,
		Store:          st,
		Tokens:         auth.NewIssuer(cfg.SecretKey, cfg.TokenTTL),
		RequireToken:   cfg.RequireToken,
		HistoryLimit:   cfg.HistoryLimit,
		SystemInfoRate: cfg.SystemInfoRate,
		HistoryRate:    cfg.HistoryRate,
		RateWindow:     cfg.RateWindow,
	}

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("mode", cfg.ProcessMode).Str("version", version).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	log.Info().Msg("shutting down")

	<-c.Stop().Done()
	procs.TerminateAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
	return serveErr
}

func newTokenCommand() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.Load()
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			token, err := auth.NewIssuer(config.Cfg.SecretKey, config.Cfg.TokenTTL).Issue(user)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Subject the token is issued to")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
