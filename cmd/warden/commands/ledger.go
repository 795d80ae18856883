package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

func newLedgerCommand() *cobra.Command {
	var (
		taskID string
		event  string
		actor  string
		since  string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Query the audit ledger",
		Long: `Query the append-only audit ledger.

Every transition, Gavel decision, and refused request is a row. Rows are
never updated or deleted; this is the record reviews and postmortems
lean on.`,
		Example: `  # Full history of one task
  warden ledger --task 7f3c2a10-...

  # All Gavel rejections in the last day
  warden ledger --event REJECT --since 24h

  # Everything a human did since a timestamp
  warden ledger --actor HUMAN --since 2026-08-24T00:00:00Z`,
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

			filter := stores.LedgerFilter{Limit: limit, Offset: offset}
			if taskID != "" {
				filter.TaskID = &taskID
			}
			if event != "" {
				filter.Event = &event
			}
			if actor != "" {
				filter.Actor = &actor
			}
			if since != "" {
				t, err := parseSince(since)
				if err != nil {
					return err
				}
				filter.Since = &t
			}

			entries, err := eng.ListLedger(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(entries)
			}
			printLedgerTable(entries)
			return nil
		},
	}

	cmd.Flags().StringVarP(&taskID, "task", "t", "", "filter by task id")
	cmd.Flags().StringVarP(&event, "event", "e", "", "filter by event (e.g. APPROVE, PENDING->IN_PROGRESS)")
	cmd.Flags().StringVarP(&actor, "actor", "a", "", "filter by actor: HUMAN or AUTO")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 timestamp or a lookback duration like 24h")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	return cmd
}

// parseSince accepts an RFC 3339 timestamp or a lookback duration.
func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: want RFC 3339 or a duration like 24h", s)
}
