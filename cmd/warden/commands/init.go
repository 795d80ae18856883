package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/taskwarden/taskwarden/pkg/policy"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a TaskWarden workspace",
		Long: `Initialize a new TaskWarden workspace with a config file, the SQLite
task store, an authority registry seed, and the builtin policies
written out as editable .rego files.

The workspace is standalone: one SQLite database holds tasks, leases,
workers, review packets, and the audit ledger.`,
		Example: `  # Initialize in ./data with config at ./warden.cue
  warden init

  # Initialize with a custom data directory
  warden init --data-dir /var/lib/warden

  # Initialize with a custom config path
  warden init --config /etc/warden/warden.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("data_dir", dataDir).
				Str("config", configPath).
				Msg("Initializing workspace")

			ctx := cmd.Context()

			fmt.Printf("Initializing TaskWarden workspace in %s\n\n", dataDir)

			// Step 1: Create directory structure
			policyDir := filepath.Join(dataDir, "policies")
			dirs := []string{
				dataDir,
				policyDir,
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			// Step 2: Initialize SQLite database
			dbPath := filepath.Join(dataDir, "warden.db")
			store, err := stores.NewSQLiteStore(stores.Config{
				Path: dbPath,
			})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			fmt.Printf("✓ Initialized SQLite database: %s\n", dbPath)

			// Step 3: Write the authority registry seed
			registryPath := filepath.Join(dataDir, "authority.yaml")
			if _, err := os.Stat(registryPath); os.IsNotExist(err) {
				if err := os.WriteFile(registryPath, []byte(defaultRegistry), 0644); err != nil {
					return fmt.Errorf("failed to write authority registry: %w", err)
				}
				fmt.Printf("✓ Created authority registry: %s\n", registryPath)
			} else {
				fmt.Printf("✓ Authority registry already exists: %s\n", registryPath)
			}

			// Step 4: Write the builtin policies as editable files. The
			// daemon loads this directory on top of the compiled-in set,
			// and same-named files simply replace their builtin, so
			// operators edit these copies to change behavior.
			seeded := 0
			for _, pol := range policy.GetBuiltinPolicies() {
				path := filepath.Join(policyDir, pol.Name+".rego")
				if _, err := os.Stat(path); err == nil {
					continue
				}
				if err := os.WriteFile(path, []byte(renderPolicyFile(pol)), 0644); err != nil {
					return fmt.Errorf("failed to write policy %s: %w", pol.Name, err)
				}
				seeded++
			}
			fmt.Printf("✓ Wrote %d builtin policies to %s\n", seeded, policyDir)

			// Step 5: Create default config file
			if configPath == "" {
				configPath = "./warden.cue"
			}
			configContent := fmt.Sprintf(defaultConfigTemplate,
				dbPath, registryPath, policyDir, filepath.Join(dataDir, "warden.sock"))

			if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("✓ Created config file: %s\n", configPath)

			// Done
			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Start the daemon:\n")
			fmt.Printf("     warden serve --config %s\n\n", configPath)
			fmt.Printf("  2. Create a task:\n")
			fmt.Printf("     warden task create --lane payments:core --goal \"Add retry to charge path\" --archetype LOGIC\n\n")
			fmt.Printf("  3. Point a worker agent at the socket:\n")
			fmt.Printf("     %s\n\n", filepath.Join(dataDir, "warden.sock"))

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "workspace data directory")

	return cmd
}

// renderPolicyFile renders a builtin policy as an editable .rego file. The
// header directives round-trip through the loader, so the file copy keeps
// the builtin's severity, tags, and description until the operator edits it.
func renderPolicyFile(pol policy.Policy) string {
	var b strings.Builder
	if pol.Description != "" {
		b.WriteString("# " + pol.Description + "\n")
	}
	b.WriteString("# severity: " + string(pol.Severity) + "\n")
	if len(pol.Tags) > 0 {
		b.WriteString("# tags: " + strings.Join(pol.Tags, ", ") + "\n")
	}
	if !pol.Enabled {
		b.WriteString("# disabled\n")
	}
	b.WriteString("\n")
	b.WriteString(pol.Rego)
	b.WriteString("\n")
	return b.String()
}

// defaultConfigTemplate is the CUE written by warden init. Placeholders:
// db path, registry path, policy dir, socket path. Keys are validated
// against the config schema at load time, so a typo here fails fast.
const defaultConfigTemplate = `// TaskWarden configuration. Loaded by warden serve and the warden CLI.
// WARDEN_* environment variables override any value in this file.

warden: {
	environment:    "development"
	workspace_root: "."

	store: path: %q

	engine: {
		lease_ttl_seconds:           300
		retry_threshold:             3
		blocked_timeout_seconds:     86400
		worker_idle_timeout_seconds: 300
	}

	server: addr: ":7463"

	facade: socket: %[4]q

	telemetry: {
		service_name:    "taskwarden"
		log_level:       "info"
		log_format:      "console"
		metrics_enabled: true
	}

	authority: registry: %[2]q

	policy: {
		enabled: true
		builtin: true
		dirs: [%[3]q]
		watch: true
	}

	sweeps: {
		lease_interval_seconds:   30
		lease_grace_seconds:      0
		blocked_interval_seconds: 300
		worker_interval_seconds:  60
	}
}
`

// defaultRegistry seeds the authority registry with example prefixes.
// Operators replace these with their own governance sources.
const defaultRegistry = `# TaskWarden authority registry.
# Each source maps a source-id prefix to a governance tier and authority.
sources:
  - prefix: "HIPAA"
    tier: domain
    authority: MANDATORY
    title: "HIPAA compliance rules"
  - prefix: "SEC-"
    tier: domain
    authority: MANDATORY
    title: "Security standards"
  - prefix: "ADR-"
    tier: professional
    authority: STRONG
    title: "Architecture decision records"
  - prefix: "HOUSE-"
    tier: standard
    authority: DEFAULT
    title: "House conventions"
`
