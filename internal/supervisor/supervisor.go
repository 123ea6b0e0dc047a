// Package supervisor owns the pool, scheduler and token refresher
// lifecycles, drives the zero-growth stall check, and wires in process
// signal handling and auto-restart (§4.10). It does not run the
// estimator; cmd/painter's -test path runs that directly.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paintgrid/painter/internal/credential"
	"github.com/paintgrid/painter/internal/scheduler"
	"github.com/paintgrid/painter/internal/stats"
	"github.com/paintgrid/painter/internal/transport"
)

// DefaultStallWindow is how long the success counter may stay flat
// before a reconnect is forced, while ready credentials exist (§4.9, §7).
const DefaultStallWindow = 120 * time.Second

// healthCheckInterval is how often the supervisor samples stats for the
// stall check.
const healthCheckInterval = 5 * time.Second

// Config bundles everything the supervisor drives.
type Config struct {
	Pool        *transport.Pool
	Scheduler   *scheduler.Scheduler
	Credentials *credential.Manager
	Stats       *stats.Stats
	Logger      *slog.Logger

	StallWindow time.Duration // default DefaultStallWindow

	// AutoRestartInterval re-execs the process after this long if > 0
	// (config's auto_restart_minutes, §4.10, §6).
	AutoRestartInterval time.Duration
}

// Supervisor drives the painter's background tasks to completion or
// until a cooperative stop is requested.
type Supervisor struct {
	cfg Config
}

// New builds a Supervisor from cfg.
func New(cfg Config) *Supervisor {
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = DefaultStallWindow
	}
	return &Supervisor{cfg: cfg}
}

// Run starts the pool, scheduler loop, credential refresher, health
// checker, and (if configured) the auto-restart timer, and blocks until
// ctx is cancelled or a fatal task error occurs. SIGINT/SIGTERM are
// wired to cancel a derived context, draining every task cooperatively
// (§4.10 "Signal handling").
func (s *Supervisor) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		return s.cfg.Pool.Run(gctx)
	})
	g.Go(func() error {
		s.cfg.Scheduler.RunLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.cfg.Credentials.RunRefreshLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.healthCheckLoop(gctx)
		return nil
	})
	if s.cfg.AutoRestartInterval > 0 {
		g.Go(func() error {
			return s.autoRestartTimer(gctx)
		})
	}

	return g.Wait()
}

// healthCheckLoop polls the shared stats snapshot for the zero-growth
// stall condition (§4.9, §7): if the success counter hasn't advanced
// for StallWindow while ready credentials exist, force-reconnect the
// read connection.
func (s *Supervisor) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	var lastSucceeded int64
	var lastAdvance time.Time = time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := s.cfg.Stats.Snapshot()
		if snap.Succeeded != lastSucceeded {
			lastSucceeded = snap.Succeeded
			lastAdvance = time.Now()
			continue
		}

		ready := s.cfg.Credentials.ReadyCredentials(time.Now(), 0)
		if len(ready) == 0 {
			continue
		}

		if time.Since(lastAdvance) >= s.cfg.StallWindow {
			if s.cfg.Logger != nil {
				s.cfg.Logger.Warn("zero-growth stall detected, forcing reconnect", "stall_window", s.cfg.StallWindow)
			}
			s.cfg.Stats.RecordReconnect()
			s.cfg.Pool.ForceReconnectReceive()
			lastAdvance = time.Now()
		}
	}
}

// autoRestartTimer re-execs the process after AutoRestartInterval
// (§4.10 "Process-wide auto-restart"). On platforms where syscall.Exec
// is unavailable it falls back to requesting a clean restart via a
// non-zero exit (§7: "explicit restart request").
func (s *Supervisor) autoRestartTimer(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(s.cfg.AutoRestartInterval):
	}

	if s.cfg.Logger != nil {
		s.cfg.Logger.Info("auto-restart interval elapsed, re-executing process")
	}

	if runtime.GOOS == "windows" {
		os.Exit(75) // EX_TEMPFAIL: ask the surrounding supervisor (systemd, docker, etc.) to restart us
	}

	exe, err := os.Executable()
	if err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Error("auto-restart: could not resolve executable path, exiting instead", "error", err)
		}
		os.Exit(75)
	}

	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Error("auto-restart: exec failed, exiting instead", "error", err)
		}
		os.Exit(75)
	}
	return nil // unreachable on success: Exec replaces the process image
}
