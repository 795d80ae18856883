package commands

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/taskwarden/taskwarden/pkg/config"
	"github.com/taskwarden/taskwarden/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var vars map[string]string

	cmd := &cobra.Command{
		Use:   "validate [file|dir]...",
		Short: "Validate config and intake files",
		Long: `Validate configuration and task intake files without touching the store.

With no arguments, the config file is loaded and checked (defaults, file,
and WARDEN_* environment overrides all apply). With arguments, each
source is parsed as a task intake batch: CUE syntax, schema conformance,
enum values, and batch-local dependency references are all checked.`,
		Example: `  # Check the config file
  warden validate --config warden.yaml

  # Check intake sources before importing
  warden validate ./intake/payments.cue ./intake/migration.star`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if len(args) == 0 {
				cfg, err := loadConfig(ctx)
				if err != nil {
					return err
				}
				color.New(color.FgGreen).Printf("✓ ")
				fmt.Printf("Config is valid (environment %s, store %s)\n", cfg.Environment, cfg.Store.Path)
				return nil
			}

			log.Debug().Strs("sources", args).Msg("Validating intake sources")

			varsAny := make(map[string]interface{}, len(vars))
			for k, v := range vars {
				varsAny[k] = v
			}

			batch, err := config.NewCUEParser().ParseBatchWithVars(ctx, args, varsAny)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(batch)
			}

			if len(batch.Errors) > 0 {
				printValidationErrors(batch.Errors)
				return fmt.Errorf("%d validation errors in %d sources", len(batch.Errors), len(batch.SourceFiles))
			}

			ordered, err := batch.OrderForCreation()
			if err != nil {
				return err
			}

			// Schema held up; now let the configured policies see the batch
			// the same way a real import would, minus enforcement.
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			policies, err := buildPolicies(ctx, cfg, log.Logger)
			if err != nil {
				return err
			}

			evaluated := 0
			if policies != nil {
				result, err := policies.EvaluateBatch(ctx, intakeViews(ordered), &policy.PolicyContext{
					Timestamp: time.Now(),
					Operation: "create",
					DryRun:    true,
				})
				if err != nil {
					return err
				}
				evaluated = len(result.EvaluatedPolicies)
				printPolicyViolations(result.Violations)
				if !result.Allowed {
					return fmt.Errorf("policy violations block this batch")
				}
			}

			color.New(color.FgGreen).Printf("✓ ")
			fmt.Printf("%d tasks valid across %d sources", len(batch.Tasks), len(batch.SourceFiles))
			if evaluated > 0 {
				fmt.Printf(", %d policies evaluated", evaluated)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "variables passed to Starlark intake scripts (key=value)")

	return cmd
}

// intakeViews projects parsed definitions into policy inputs. Definitions
// have no task id yet, so the batch-local key stands in, and every declared
// dependency counts as open.
func intakeViews(defs []config.TaskDefinition) []policy.TaskView {
	views := make([]policy.TaskView, 0, len(defs))
	for _, def := range defs {
		views = append(views, policy.TaskView{
			ID:               def.Key,
			Lane:             def.Lane,
			Goal:             def.Goal,
			Archetype:        def.Archetype,
			Priority:         def.Priority,
			Urgent:           def.Urgent,
			Effort:           def.Effort,
			Status:           "PENDING",
			SourceIDs:        def.SourceIDs,
			DependencyCount:  len(def.DependsOn),
			OpenDependencies: len(def.DependsOn),
		})
	}
	return views
}
