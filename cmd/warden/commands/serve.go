package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"github.com/spf13/cobra"
	"github.com/taskwarden/taskwarden/pkg/config"
	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/facade"
	"github.com/taskwarden/taskwarden/pkg/policy"
	"github.com/taskwarden/taskwarden/pkg/server"
	"github.com/taskwarden/taskwarden/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		addr     string
		socket   string
		noSweeps bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the warden daemon",
		Long: `Run the TaskWarden daemon.

The daemon serves two surfaces over one engine:
  - An HTTP API for operator tooling and dashboards
  - A Unix socket facade for worker agents

It also runs the periodic sweeps: expired leases are reclaimed, timed-out
BLOCKED tasks are requeued, and silent workers are marked offline.`,
		Example: `  # Run with the config file written by warden init
  warden serve --config warden.yaml

  # Override the listen address and agent socket
  warden serve --addr :8080 --socket /tmp/warden.sock

  # Run without periodic sweeps (drive them externally)
  warden serve --no-sweeps`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if socket != "" {
				cfg.Facade.Socket = socket
			}
			if noSweeps {
				cfg.Sweeps = config.SweepSettings{}
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&socket, "socket", "", "agent socket path (overrides config)")
	cmd.Flags().BoolVar(&noSweeps, "no-sweeps", false, "disable periodic sweeps")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	tel, err := buildTelemetry(cfg)
	if err != nil {
		return err
	}
	logger := componentLogger(tel)

	// Downstream code finds the stack through the context, so one-shot
	// commands and the daemon share the same instrumented call sites.
	serveCtx, cancel := context.WithCancel(tel.WithContext(ctx))
	defer cancel()

	eng, policies, cleanup, err := openEngine(serveCtx, cfg, logger, tel)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := eng.RefreshGauges(serveCtx); err != nil {
		logger.Warn().Err(err).Msg("Initial gauge refresh failed")
	}

	if cfg.Policy.Enabled && cfg.Policy.Watch && len(cfg.Policy.Dirs) > 0 {
		loader := policy.NewLoader(logger)
		reload := func([]policy.Policy) error {
			return applyPolicyConfig(serveCtx, policies, cfg.Policy, true)
		}
		if err := loader.Watch(serveCtx, cfg.Policy.Dirs, reload); err != nil {
			return fmt.Errorf("failed to watch policy dirs: %w", err)
		}
	}

	var (
		wg    = conc.NewWaitGroup()
		errCh = make(chan error, 3)
	)
	fail := func(component string, err error) {
		logger.Error().Err(err).Str("component", component).Msg("Component failed")
		select {
		case errCh <- fmt.Errorf("%s: %w", component, err):
		default:
		}
		cancel()
	}

	if cfg.Server.Addr != "" {
		httpSrv := server.NewServer(eng, server.Options{
			Addr:        cfg.Server.Addr,
			Logger:      logger,
			Telemetry:   tel,
			Version:     cliVersion,
			CORSOrigins: cfg.Server.CORSOrigins,
		})
		wg.Go(func() {
			if err := safe(func() error { return httpSrv.ListenAndServe(serveCtx) }); err != nil {
				fail("http", err)
			}
		})
	}

	if cfg.Facade.Socket != "" {
		agentSrv := facade.NewServer(eng, facade.Options{
			Logger:  logger,
			Events:  tel.Events,
			Version: cliVersion,
		})
		wg.Go(func() {
			err := safe(func() error { return agentSrv.ListenAndServe(serveCtx, cfg.Facade.Socket) })
			if err != nil && !errors.Is(err, facade.ErrServerClosed) {
				fail("facade", err)
			}
		})
	}

	wg.Go(func() {
		if err := safe(func() error { runSweeps(serveCtx, eng, cfg.Sweeps, logger); return nil }); err != nil {
			fail("sweeps", err)
		}
	})

	logger.Info().
		Str("db", cfg.Store.Path).
		Str("addr", cfg.Server.Addr).
		Str("socket", cfg.Facade.Socket).
		Str("environment", cfg.Environment).
		Msg("TaskWarden daemon started")

	<-serveCtx.Done()
	logger.Info().Msg("Shutting down")

	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// runSweeps drives the periodic maintenance loops. A zero interval
// disables that sweep.
func runSweeps(ctx context.Context, eng *engine.Engine, cfg config.SweepSettings, logger zerolog.Logger) {
	var leaseC, blockedC, workerC <-chan time.Time

	if d := cfg.LeaseInterval(); d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		leaseC = t.C
	}
	if d := cfg.BlockedInterval(); d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		blockedC = t.C
	}
	if d := cfg.WorkerInterval(); d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		workerC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-leaseC:
			res, err := eng.SweepStaleLeases(ctx, cfg.LeaseGrace())
			if err != nil {
				logger.Error().Err(err).Msg("Lease sweep failed")
				continue
			}
			if res.Requeued > 0 || res.Escalated > 0 {
				logger.Info().
					Int("requeued", res.Requeued).
					Int("escalated", res.Escalated).
					Int("packets_discarded", res.PacketsDiscarded).
					Msg("Lease sweep reclaimed work")
			}
		case <-blockedC:
			res, err := eng.SweepBlockedTasks(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Blocked sweep failed")
				continue
			}
			if res.Requeued > 0 || res.Escalated > 0 {
				logger.Info().
					Int("requeued", res.Requeued).
					Int("escalated", res.Escalated).
					Msg("Blocked sweep reclaimed work")
			}
		case <-workerC:
			n, err := eng.SweepOfflineWorkers(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Worker sweep failed")
			} else if n > 0 {
				logger.Info().Int64("offlined", n).Msg("Worker sweep marked silent workers offline")
			}
			if err := eng.RefreshGauges(ctx); err != nil {
				logger.Warn().Err(err).Msg("Gauge refresh failed")
			}
		}
	}
}

// buildTelemetry maps the warden config onto the telemetry stack.
func buildTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := telemetry.DefaultConfig()
	if cfg.Telemetry.ServiceName != "" {
		tcfg.ServiceName = cfg.Telemetry.ServiceName
	}
	tcfg.ServiceVersion = cliVersion
	tcfg.Environment = cfg.Environment
	if cfg.Telemetry.LogLevel != "" {
		tcfg.Logging.Level = cfg.Telemetry.LogLevel
	}
	if cfg.Telemetry.LogFormat != "" {
		tcfg.Logging.Format = cfg.Telemetry.LogFormat
	}
	tcfg.Logging.Output = "stderr"
	tcfg.Metrics.Enabled = cfg.Telemetry.MetricsEnabled
	tcfg.Tracing.Enabled = cfg.Telemetry.TracingEnabled
	tcfg.Tracing.SamplingRate = cfg.Telemetry.TracingSampleRatio
	if cfg.Telemetry.TracingEndpoint != "" {
		tcfg.Tracing.Exporter = "otlp"
		tcfg.Tracing.Endpoint = cfg.Telemetry.TracingEndpoint
	}

	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

// componentLogger derives the zerolog logger shared by the engine and
// both facades from the telemetry root, honoring --verbose.
func componentLogger(tel *telemetry.Telemetry) zerolog.Logger {
	zl := tel.Logger.Zerolog()
	if verbose {
		zl = zl.Level(zerolog.DebugLevel)
	}
	return zl
}

// safe runs fn, converting a panic into an error.
func safe(fn func() error) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() { err = fn() })
	if err != nil {
		return err
	}
	return catcher.Recovered().AsError()
}
