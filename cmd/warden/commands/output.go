package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/taskwarden/taskwarden/pkg/authority"
	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/policy"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusColor picks the display color for a task status.
func statusColor(status stores.TaskStatus) *color.Color {
	switch status {
	case stores.TaskStatusPending:
		return color.New(color.FgCyan)
	case stores.TaskStatusInProgress:
		return color.New(color.FgBlue)
	case stores.TaskStatusReviewing:
		return color.New(color.FgYellow)
	case stores.TaskStatusBlocked:
		return color.New(color.FgMagenta)
	case stores.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case stores.TaskStatusFailed:
		return color.New(color.FgRed)
	case stores.TaskStatusCancelled:
		return color.New(color.Faint)
	default:
		return color.New()
	}
}

func workerStatusColor(status stores.WorkerStatus) *color.Color {
	switch status {
	case stores.WorkerOnline:
		return color.New(color.FgGreen)
	case stores.WorkerBusy:
		return color.New(color.FgYellow)
	case stores.WorkerOffline:
		return color.New(color.FgRed)
	default:
		return color.New()
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatAge(t time.Time) string {
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}

func derefOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func printTaskTable(tasks []*stores.Task) {
	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return
	}
	fmt.Printf("%-36s  %-16s  %-12s  %-8s  %-9s  %-14s  %-5s  %s\n",
		"ID", "LANE", "STATUS", "PRIO", "ARCHETYPE", "WORKER", "AGE", "GOAL")
	for _, t := range tasks {
		fmt.Printf("%-36s  %-16s  %s  %-8s  %-9s  %-14s  %-5s  %s\n",
			t.ID,
			truncate(t.Lane, 16),
			statusColor(t.Status).Sprintf("%-12s", t.Status),
			t.Priority,
			t.Archetype,
			truncate(derefOr(t.WorkerID, "-"), 14),
			formatAge(t.CreatedAt),
			truncate(t.Goal, 44))
	}
}

func printTaskDetail(t *stores.Task) {
	fmt.Printf("ID:            %s\n", t.ID)
	fmt.Printf("Lane:          %s\n", t.Lane)
	fmt.Printf("Status:        %s\n", statusColor(t.Status).Sprint(t.Status))
	fmt.Printf("Goal:          %s\n", t.Goal)
	if t.Description != "" {
		fmt.Printf("Description:   %s\n", t.Description)
	}
	fmt.Printf("Archetype:     %s\n", t.Archetype)
	fmt.Printf("Priority:      %s", t.Priority)
	if t.Urgent {
		fmt.Printf(" %s", color.New(color.FgRed).Sprint("(urgent)"))
	}
	fmt.Println()
	fmt.Printf("Effort:        %s\n", t.Effort)
	if len(t.SourceIDs) > 0 {
		fmt.Printf("Sources:       %s\n", strings.Join(t.SourceIDs, ", "))
	}
	if len(t.Dependencies) > 0 {
		fmt.Printf("Dependencies:  %s\n", strings.Join(t.Dependencies, ", "))
	}
	if t.OverrideJustification != nil {
		fmt.Printf("Justification: %s\n", *t.OverrideJustification)
	}
	if t.WorkerID != nil {
		fmt.Printf("Worker:        %s\n", *t.WorkerID)
		if t.LeaseExpiresAt != nil {
			fmt.Printf("Lease expires: %s\n", t.LeaseExpiresAt.Format(time.RFC3339))
		}
	}
	fmt.Printf("Attempts:      %d\n", t.AttemptCount)
	if t.Feedback != nil {
		fmt.Printf("Feedback:      %s\n", *t.Feedback)
	}
	if t.SpawnedBy != nil {
		fmt.Printf("Spawned by:    %s\n", *t.SpawnedBy)
	}
	fmt.Printf("Created:       %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:       %s\n", t.UpdatedAt.Format(time.RFC3339))
}

func printWorkerTable(workers []*stores.Worker) {
	if len(workers) == 0 {
		fmt.Println("No workers registered.")
		return
	}
	fmt.Printf("%-20s  %-8s  %-8s  %-6s  %-8s  %-9s  %s\n",
		"WORKER", "STATUS", "TIER", "ACTIVE", "CAPACITY", "LAST SEEN", "LANES")
	for _, w := range workers {
		fmt.Printf("%-20s  %s  %-8s  %-6d  %-8d  %-9s  %s\n",
			truncate(w.WorkerID, 20),
			workerStatusColor(w.Status).Sprintf("%-8s", w.Status),
			w.Tier,
			w.ActiveTasks,
			w.CapacityLimit,
			formatAge(w.LastSeen),
			strings.Join(w.Lanes, ","))
	}
}

func printLedgerTable(entries []*stores.LedgerEntry) {
	if len(entries) == 0 {
		fmt.Println("No ledger entries found.")
		return
	}
	fmt.Printf("%-6s  %-20s  %-36s  %-26s  %-6s  %s\n",
		"SEQ", "TIMESTAMP", "TASK", "EVENT", "ACTOR", "NOTES")
	for _, e := range entries {
		fmt.Printf("%-6d  %-20s  %-36s  %-26s  %-6s  %s\n",
			e.ID,
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.TaskID,
			truncate(e.Event, 26),
			e.Actor,
			truncate(derefOr(e.Notes, ""), 40))
	}
}

func printReviewTable(items []engine.ReviewQueueItem) {
	if len(items) == 0 {
		fmt.Println("Review queue is empty.")
		return
	}
	fmt.Printf("%-36s  %-16s  %-14s  %-8s  %-6s  %s\n",
		"ID", "LANE", "WORKER", "WAITING", "STALE", "GOAL")
	for _, item := range items {
		t := item.Task
		waiting := "-"
		if item.Packet != nil {
			waiting = formatAge(item.Packet.GeneratedAt)
		}
		stale := ""
		if item.Stale {
			stale = color.New(color.FgYellow).Sprint("yes")
		}
		fmt.Printf("%-36s  %-16s  %-14s  %-8s  %-6s  %s\n",
			t.ID,
			truncate(t.Lane, 16),
			truncate(derefOr(t.WorkerID, "-"), 14),
			waiting,
			stale,
			truncate(t.Goal, 44))
	}
}

func printResolutions(resolutions []authority.Resolution) {
	fmt.Printf("%-32s  %-14s  %-10s  %-10s  %s\n",
		"SOURCE", "TIER", "AUTHORITY", "MATCHED BY", "PREFIX")
	for _, r := range resolutions {
		fmt.Printf("%-32s  %-14s  %-10s  %-10s  %s\n",
			truncate(r.SourceID, 32), r.Tier, r.Authority, r.MatchedBy, r.Prefix)
	}
}

func printGatekeeperReport(report *engine.GatekeeperReport) {
	if report.OK {
		color.New(color.FgGreen).Printf("Gatekeeper: PASS")
	} else {
		color.New(color.FgRed).Printf("Gatekeeper: FAIL")
	}
	fmt.Printf("  (checked %s)\n", report.CheckedAt.Format(time.RFC3339))
	for _, issue := range report.Errors {
		color.New(color.FgRed).Printf("  ✗ [%s] ", issue.Rule)
		fmt.Println(issue.Message)
	}
	for _, issue := range report.Warnings {
		color.New(color.FgYellow).Printf("  ! [%s] ", issue.Rule)
		fmt.Println(issue.Message)
	}
	if report.PairedTestID != "" {
		fmt.Printf("  Test gate satisfied by %s\n", report.PairedTestID)
	}
	if len(report.Evidence) > 0 {
		fmt.Printf("  Evidence:\n")
		for sourceID, locations := range report.Evidence {
			fmt.Printf("    %s (%d locations)\n", sourceID, len(locations))
		}
	}
}

// printPolicyViolations lists rule firings, blocking ones in red.
func printPolicyViolations(violations []policy.PolicyViolation) {
	for _, v := range violations {
		if v.Blocking() {
			color.New(color.FgRed).Printf("  ✗ [%s] ", v.Policy)
		} else {
			color.New(color.FgYellow).Printf("  ! [%s] ", v.Policy)
		}
		if v.TaskID != "" {
			fmt.Printf("%s: ", v.TaskID)
		}
		fmt.Println(v.Message)
	}
}
