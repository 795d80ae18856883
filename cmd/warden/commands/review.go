package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/taskwarden/taskwarden/pkg/engine"
)

func newReviewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Gavel review operations",
		Long: `Inspect and decide the review queue.

Every COMPLETED task passed through here: approval re-runs the
Gatekeeper against live state before committing, and rejection sends the
task back to the same worker with feedback until the retry threshold
trips the circuit breaker.`,
	}

	cmd.AddCommand(newReviewListCommand())
	cmd.AddCommand(newReviewShowCommand())
	cmd.AddCommand(newReviewDecideCommand("approve", engine.DecisionApprove))
	cmd.AddCommand(newReviewDecideCommand("reject", engine.DecisionReject))

	return cmd
}

func newReviewListCommand() *cobra.Command {
	var lane string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			eng, _, cleanup, err := openEngine(ctx, cfg, log.Logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			items, err := eng.ListReviewQueue(ctx, lane)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(items)
			}
			printReviewTable(items)
			return nil
		},
	}

	cmd.Flags().StringVarP(&lane, "lane", "l", "", "restrict to one lane")

	return cmd
}

func newReviewShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a review packet",
		Long: `Show the evidence snapshot generated when the task entered review:
the claims made, the evidence found per cited source, and the Gatekeeper
result at submission time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			eng, _, cleanup, err := openEngine(ctx, cfg, log.Logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			packet, err := eng.GetReviewPacket(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(packet)
			}
			fmt.Printf("Task:      %s\n", packet.TaskID)
			fmt.Printf("Generated: %s\n", packet.GeneratedAt.Format(time.RFC3339))
			fmt.Printf("Snapshot:  %s\n", packet.SnapshotHash)
			printJSONSection("Claims", packet.Claims)
			printJSONSection("Evidence", packet.Evidence)
			printJSONSection("Result", packet.Result)
			return nil
		},
	}
	return cmd
}

func newReviewDecideCommand(name string, decision engine.GavelDecision) *cobra.Command {
	var notes string

	short := "Approve a reviewed task"
	long := `Approve a REVIEWING task.

The Gatekeeper re-runs against live state first; drift between the
packet and the workspace refuses the approval. On success the task is
COMPLETED and the decision is recorded in the ledger with the authority
resolutions in force.`
	if decision == engine.DecisionReject {
		short = "Reject a reviewed task with feedback"
		long = `Reject a REVIEWING task.

Below the retry threshold the task returns to IN_PROGRESS with your
notes as feedback and the same worker's lease intact. At the threshold
the circuit breaker fails the task and raises an escalation.`
	}

	cmd := &cobra.Command{
		Use:   name + " <task-id>",
		Short: short,
		Long:  long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			eng, _, cleanup, err := openEngine(ctx, cfg, log.Logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			task, err := eng.SubmitReviewDecision(ctx, args[0], decision, notes, engine.ActorHuman)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(task)
			}
			fmt.Printf("Task %s is now %s", task.ID, statusColor(task.Status).Sprint(task.Status))
			if task.Feedback != nil {
				fmt.Printf(" (attempt %d, feedback recorded)", task.AttemptCount)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVarP(&notes, "notes", "n", "", "review notes recorded in the ledger")
	if decision == engine.DecisionReject {
		cmd.MarkFlagRequired("notes")
	}

	return cmd
}

// printJSONSection pretty-prints one of the packet's embedded JSON blobs.
func printJSONSection(title, raw string) {
	color.New(color.Bold).Printf("\n%s:\n", title)
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(raw), "  ", "  "); err != nil {
		fmt.Printf("  %s\n", raw)
		return
	}
	fmt.Printf("  %s\n", buf.String())
}
