package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/paintgrid/painter/internal/canvasmirror"
	"github.com/paintgrid/painter/internal/config"
	"github.com/paintgrid/painter/internal/credential"
	"github.com/paintgrid/painter/internal/estimator"
	"github.com/paintgrid/painter/internal/remote"
	"github.com/paintgrid/painter/internal/scheduler"
	"github.com/paintgrid/painter/internal/server"
	"github.com/paintgrid/painter/internal/stats"
	"github.com/paintgrid/painter/internal/supervisor"
	"github.com/paintgrid/painter/internal/targetmap"
	"github.com/paintgrid/painter/internal/transport"
	"github.com/paintgrid/painter/internal/wire"
)

var version = "0.1.0-dev"

func main() {
	var (
		cliFlag    = flag.Bool("cli", false, "disable the operator UI (status server only)")
		debugFlag  = flag.Bool("debug", false, "raise log verbosity to debug and use a text handler")
		testFlag   = flag.Bool("test", false, "enter estimator mode instead of painting")
		portFlag   = flag.Int("port", 8090, "status server port")
		handFlag   = flag.Bool("hand", false, "interactive single-threaded painting mode (unsupported in this build)")
		configFlag = flag.String("config", "config.json", "path to config.json")
	)
	flag.Parse()

	logger := setupLogger(*debugFlag)
	logger.Info("painter starting", "version", version)

	if *handFlag {
		logger.Error("-hand is not part of this build's supported surface")
		os.Exit(1)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		logger.Error("failed to load config", "path", *configFlag, "error", err)
		os.Exit(1)
	}

	remote.ForceDirectConnections(cfg.Host)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := stats.New()
	httpIssuer := &credential.HTTPIssuer{Client: remote.NewHTTPClient(), AuthURL: "https://" + cfg.Host + "/api/auth/gettoken"}
	credMgr := credential.New(httpIssuer, logger, cfg.Users, cfg.ThreadWorkers, cfg.MaxEnabledTokens, time.Duration(cfg.TokenRefreshIntervalSeconds)*time.Second)

	if err := credMgr.IssueAll(ctx); err != nil {
		logger.Error("fatal: no credentials could be issued", "error", err)
		os.Exit(1)
	}

	remoteClient := remote.New(cfg.Host)
	snapshot, err := remoteClient.FetchSnapshot(ctx)
	if err != nil {
		logger.Error("fatal: could not fetch initial board snapshot", "error", err)
		os.Exit(1)
	}

	mirror := canvasmirror.New()
	mirror.LoadSnapshot(snapshot)

	// Image file decoding is external glue (§1 scope); decodedFiles stays
	// empty here, so file-backed layers without a pre-decoded source are
	// disabled by LoadLayers rather than painted as blank regions.
	layers := targetmap.LoadLayers(cfg.Images, nil)
	target := targetmap.Compose(layers, cfg.IgnoreSemitransparent)
	if target.Len() == 0 {
		logger.Error("fatal: composed target map claims zero pixels")
		os.Exit(1)
	}
	mirror.SetDomain(func(pos targetmap.Pos) bool {
		_, ok := target.Color(pos)
		return ok
	})

	var sched *scheduler.Scheduler

	pool := transport.NewPool(transport.PoolConfig{
		ReceiveURL:     "wss://" + cfg.Host + "/api/paintboard/ws",
		SendOnlyURL:    "wss://" + cfg.Host + "/api/paintboard/ws?writeonly=1",
		SendOnlyCount:  cfg.WriteonlyConnections,
		BatchInterval:  time.Duration(cfg.PaintIntervalMS) * time.Millisecond,
		BackoffInitial: time.Second,
		BackoffCeiling: 60 * time.Second,
		Handlers: transport.Handlers{
			OnBoardUpdate: func(u wire.BoardUpdate) {
				mirror.Set(targetmap.Pos{X: int(u.X), Y: int(u.Y)}, targetmap.Color{R: u.R, G: u.G, B: u.B})
			},
			OnPaintResult: func(res wire.PaintResult) {
				sched.HandlePaintResult(res, credMgr)
			},
		},
		Stats:  st,
		Logger: logger,
	})

	sched = scheduler.New(scheduler.Config{
		Credentials: credMgr,
		Mirror:      mirror,
		Target:      target,
		Layers:      layers,
		Pool:        pool,
		Stats:       st,
		Cooldown:    time.Duration(cfg.UserCooldownSeconds * float64(time.Second)),
		Logger:      logger,
	})

	if *testFlag {
		poolCtx, poolCancel := context.WithCancel(ctx)
		go pool.Run(poolCtx)
		runEstimator(ctx, cfg, credMgr, mirror, pool, st, layers, logger)
		poolCancel()
		return
	}

	var statusServer *server.Server
	if !*cliFlag {
		statusServer = server.New(fmt.Sprintf(":%d", *portFlag), credMgr, pool, st, logger)
		go func() {
			if err := statusServer.ListenAndServe(); err != nil {
				logger.Error("fatal: status server failed", "error", err)
				cancel()
			}
		}()
	}

	sup := supervisor.New(supervisor.Config{
		Pool:                pool,
		Scheduler:           sched,
		Credentials:         credMgr,
		Stats:               st,
		Logger:              logger,
		AutoRestartInterval: time.Duration(cfg.AutoRestartMinutes) * time.Minute,
	})

	logger.Info("painter ready", "host", cfg.Host, "targets", target.Len(), "credentials", credMgr.ActiveCount())

	runErr := sup.Run(ctx)

	if statusServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		statusServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	credMgr.Stop()

	if runErr != nil && runErr != context.Canceled {
		logger.Error("painter stopped with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("painter stopped")
}

// runEstimator implements the -test CLI surface (§4.11): it paints the
// first enabled layer's claimed region as a two-color probe and reports
// the inferred opponent token count instead of running indefinitely.
func runEstimator(ctx context.Context, cfg *config.Config, credMgr *credential.Manager, mirror *canvasmirror.Mirror, pool *transport.Pool, st *stats.Stats, layers []targetmap.Layer, logger *slog.Logger) {
	var source *targetmap.Layer
	for i := range layers {
		if layers[i].Enabled {
			source = &layers[i]
			break
		}
	}
	if source == nil {
		logger.Error("fatal: estimator mode requires at least one enabled image layer as a probe source")
		os.Exit(1)
	}

	probe := estimator.ThresholdProbe(source.Origin, targetmap.DecodedImage{
		Width: source.Width, Height: source.Height, Pixels: source.Pixels,
	}, targetmap.Color{R: 255, G: 255, B: 255}, targetmap.Color{R: 0, G: 0, B: 0})

	report, err := estimator.Run(ctx, estimator.RunConfig{
		Probe:       probe,
		Credentials: credMgr,
		Mirror:      mirror,
		Pool:        pool,
		Stats:       st,
		Cooldown:    time.Duration(cfg.UserCooldownSeconds * float64(time.Second)),
		TokenCount:  len(cfg.Users),
	})
	if err != nil {
		logger.Error("estimator run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("estimator result",
		"occupancy", report.Occupancy,
		"measured_efficiency", report.MeasuredEfficiency,
		"ne_eta_e", report.NeEtaE,
		"steady_state", report.SteadyState,
		"samples", report.Samples,
		"elapsed", report.Elapsed,
	)
	for assumption, ne := range report.Interpretations {
		logger.Info("estimator interpretation", "assumption", assumption, "n_e", ne)
	}
}

func setupLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	var w io.Writer = os.Stdout
	if debug {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
