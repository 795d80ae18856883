package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/taskwarden/taskwarden/pkg/config"
)

func newTaskImportCommand() *cobra.Command {
	var (
		vars   map[string]string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "import <file|dir>...",
		Short: "Import a batch of tasks from intake files",
		Long: `Parse task intake sources and create every definition they contain.

Sources may be CUE files or directories (unified into one batch), YAML
files, or Starlark scripts (.star) for generated batches. Batch-local
keys in depends_on are resolved to the ids of the tasks created earlier
in the same import; anything else is treated as an existing task id.

A batch with validation errors is rejected as a whole.`,
		Example: `  # Import a CUE batch
  warden task import ./intake/payments.cue

  # Import a generated batch with variables
  warden task import ./intake/migration.star --var service=billing --var shards=4

  # Parse and show what would be created
  warden task import ./intake --dry-run`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			varsAny := make(map[string]interface{}, len(vars))
			for k, v := range vars {
				varsAny[k] = v
			}

			parser := config.NewCUEParser()
			batch, err := parser.ParseBatchWithVars(ctx, args, varsAny)
			if err != nil {
				return err
			}

			if len(batch.Errors) > 0 {
				printValidationErrors(batch.Errors)
				return fmt.Errorf("batch has %d validation errors", len(batch.Errors))
			}

			ordered, err := batch.OrderForCreation()
			if err != nil {
				return err
			}

			if dryRun {
				fmt.Printf("Batch %q: %d tasks from %d sources\n\n", batch.Meta.Name, len(ordered), len(batch.SourceFiles))
				for _, def := range ordered {
					key := def.Key
					if key == "" {
						key = "-"
					}
					fmt.Printf("  %-20s  %-16s  %-9s  %s\n", key, def.Lane, def.Archetype, truncate(def.Goal, 52))
				}
				return nil
			}

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			eng, _, cleanup, err := openEngine(ctx, cfg, log.Logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			keyToID := make(map[string]string, len(ordered))
			for _, def := range ordered {
				resolved := make([]string, 0, len(def.DependsOn))
				for _, dep := range def.DependsOn {
					if id, ok := keyToID[dep]; ok {
						resolved = append(resolved, id)
					} else {
						resolved = append(resolved, dep)
					}
				}

				task, err := eng.CreateTask(ctx, def.CreateRequest(resolved))
				if err != nil {
					name := def.Key
					if name == "" {
						name = def.Goal
					}
					return fmt.Errorf("failed to create %q: %w", name, err)
				}
				if def.Key != "" {
					keyToID[def.Key] = task.ID
				}
				fmt.Printf("✓ %s  %s\n", task.ID, truncate(task.Goal, 60))
			}

			fmt.Printf("\nImported %d tasks", len(ordered))
			if batch.Meta.Name != "" {
				fmt.Printf(" from batch %q", batch.Meta.Name)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "variables passed to Starlark intake scripts (key=value)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and validate without creating tasks")

	return cmd
}

func printValidationErrors(errs []config.ValidationError) {
	for _, e := range errs {
		loc := e.File
		if e.Line > 0 {
			loc = fmt.Sprintf("%s:%d", loc, e.Line)
			if e.Column > 0 {
				loc = fmt.Sprintf("%s:%d", loc, e.Column)
			}
		}
		if loc != "" {
			fmt.Printf("%s  ", loc)
		}
		if e.Path != "" {
			fmt.Printf("%s: ", e.Path)
		}
		color.New(color.FgRed).Println(e.Message)
	}
}
