package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/taskwarden/taskwarden/pkg/authority"
	"github.com/taskwarden/taskwarden/pkg/config"
	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/evidence"
	"github.com/taskwarden/taskwarden/pkg/policy"
	"github.com/taskwarden/taskwarden/pkg/stores"
	"github.com/taskwarden/taskwarden/pkg/telemetry"
)

// loadConfig layers defaults, the optional config file, and WARDEN_*
// environment overrides.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.NewCUEParser().LoadConfig(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openEngine builds a fully wired engine over the configured store. The
// policy engine is returned alongside so the daemon can hot-reload it; tel
// may be nil for one-shot commands. The returned cleanup closes the store.
func openEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger, tel *telemetry.Telemetry) (*engine.Engine, *policy.Engine, func(), error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Store.Path,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime(),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create store: %w", err)
	}

	if err := store.Init(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database %s: %w", cfg.Store.Path, err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close store")
		}
	}

	ic := telemetry.StartOperation(ctx, "store.migrate")
	err = store.Migrate(ic.Ctx)
	ic.End(err)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	ic = telemetry.StartOperation(ctx, "registry.load")
	registry, err := buildRegistry(cfg)
	ic.End(err)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	policies, err := buildPolicies(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	eng, err := engine.NewEngine(store, registry, engine.Options{
		Logger:            logger,
		Telemetry:         tel,
		Policies:          policies,
		Scanner:           evidence.NewRegexScanner(logger, evidence.DefaultScanOptions()),
		WorkspaceRoot:     cfg.WorkspaceRoot,
		Environment:       cfg.Environment,
		LeaseTTL:          cfg.Engine.LeaseTTL(),
		RetryThreshold:    cfg.Engine.RetryThreshold,
		BlockedTimeout:    cfg.Engine.BlockedTimeout(),
		WorkerIdleTimeout: cfg.Engine.WorkerIdleTimeout(),
		ClaimRetries:      cfg.Engine.ClaimRetries,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return eng, policies, cleanup, nil
}

// buildRegistry loads the authority registry file, or falls back to the
// builtin marker conventions when none is configured.
func buildRegistry(cfg *config.Config) (*authority.Registry, error) {
	if cfg.Authority.Registry == "" {
		return authority.NewRegistry(nil)
	}
	registry, err := authority.LoadRegistryFile(cfg.Authority.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to load authority registry %s: %w", cfg.Authority.Registry, err)
	}
	return registry, nil
}

// buildPolicies constructs the Rego policy engine per config. Returns nil
// when policy evaluation is disabled.
func buildPolicies(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*policy.Engine, error) {
	if !cfg.Policy.Enabled {
		return nil, nil
	}
	policies, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if err := applyPolicyConfig(ctx, policies, cfg.Policy, false); err != nil {
		return nil, err
	}
	return policies, nil
}

// applyPolicyConfig aligns a policy engine with the configured policy set.
// With reload set it first drops everything loaded so far; this is the
// path the directory watcher takes.
func applyPolicyConfig(ctx context.Context, policies *policy.Engine, cfg config.PolicySettings, reload bool) error {
	if reload {
		if err := policies.ReloadPolicies(ctx); err != nil {
			return fmt.Errorf("failed to reload policies: %w", err)
		}
	}
	if !cfg.Builtin {
		for _, p := range policy.GetBuiltinPolicies() {
			if err := policies.DisablePolicy(p.Name); err != nil {
				return fmt.Errorf("failed to disable builtin policy %s: %w", p.Name, err)
			}
		}
	}
	if len(cfg.Dirs) > 0 {
		if err := policies.LoadPolicies(ctx, cfg.Dirs); err != nil {
			return fmt.Errorf("failed to load policy dirs: %w", err)
		}
	}
	return nil
}
