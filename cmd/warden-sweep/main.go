// Package main implements the warden-sweep binary. It runs one pass of
// the same maintenance sweeps warden serve runs on timers (stale leases,
// expired blocks, offline workers) and prints a JSON report, so it can be
// driven from cron or a systemd timer on deployments that disable the
// in-daemon sweep loops.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/taskwarden/taskwarden/pkg/authority"
	"github.com/taskwarden/taskwarden/pkg/config"
	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

// Version is set via ldflags during build.
var Version = "dev"

// report is the JSON document written to stdout after a pass. Sweeps
// that failed are absent and listed under errors instead.
type report struct {
	Version         string              `json:"version"`
	SweptAt         time.Time           `json:"swept_at"`
	DurationMS      int64               `json:"duration_ms"`
	Leases          *engine.SweepResult `json:"leases,omitempty"`
	Blocked         *engine.SweepResult `json:"blocked,omitempty"`
	WorkersOfflined int64               `json:"workers_offlined"`
	Errors          []string            `json:"errors,omitempty"`
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to warden config file (WARDEN_* env overrides also apply)")
		timeout    = flag.Duration("timeout", 2*time.Minute, "Abort the pass after this long")
	)
	flag.Parse()
	setupLogging()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rep, err := run(ctx, *configPath)
	if rep != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(rep); encErr != nil {
			log.Error().Err(encErr).Msg("Failed to write report")
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("Sweep pass failed")
		os.Exit(1)
	}
}

// run opens the configured store and executes all three sweeps. Sweep
// failures are collected rather than aborting the pass, so one stuck
// sweep does not starve the others between cron runs.
func run(ctx context.Context, configPath string) (*report, error) {
	cfg, err := config.NewCUEParser().LoadConfig(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Store.Path,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Store.Path, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Sweeps never resolve sources or run the Gatekeeper, so the engine
	// is built without a registry file, policies, or a scanner.
	registry, err := authority.NewRegistry(nil)
	if err != nil {
		return nil, err
	}
	eng, err := engine.NewEngine(store, registry, engine.Options{
		Logger:            log.Logger,
		Environment:       cfg.Environment,
		LeaseTTL:          cfg.Engine.LeaseTTL(),
		RetryThreshold:    cfg.Engine.RetryThreshold,
		BlockedTimeout:    cfg.Engine.BlockedTimeout(),
		WorkerIdleTimeout: cfg.Engine.WorkerIdleTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	start := time.Now()
	rep := &report{Version: Version, SweptAt: start.UTC()}

	if res, err := eng.SweepStaleLeases(ctx, cfg.Sweeps.LeaseGrace()); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("leases: %v", err))
	} else {
		rep.Leases = res
		if res.Requeued > 0 || res.Escalated > 0 {
			log.Info().Int("requeued", res.Requeued).Int("escalated", res.Escalated).Msg("Lease sweep reclaimed tasks")
		}
	}

	if res, err := eng.SweepBlockedTasks(ctx); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("blocked: %v", err))
	} else {
		rep.Blocked = res
		if res.Requeued > 0 || res.Escalated > 0 {
			log.Info().Int("requeued", res.Requeued).Int("escalated", res.Escalated).Msg("Blocked sweep moved tasks")
		}
	}

	if n, err := eng.SweepOfflineWorkers(ctx); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("workers: %v", err))
	} else {
		rep.WorkersOfflined = n
		if n > 0 {
			log.Info().Int64("offlined", n).Msg("Marked idle workers offline")
		}
	}

	rep.DurationMS = time.Since(start).Milliseconds()

	if len(rep.Errors) > 0 {
		return rep, fmt.Errorf("%d of 3 sweeps failed", len(rep.Errors))
	}
	return rep, nil
}

// setupLogging mirrors the warden CLI: console output on stderr, level
// from LOG_LEVEL.
func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch os.Getenv("LOG_LEVEL") {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
