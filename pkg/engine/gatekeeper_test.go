package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/taskwarden/taskwarden/pkg/evidence"
)

func hasIssue(issues []ValidationIssue, rule string) bool {
	for _, issue := range issues {
		if issue.Rule == rule {
			return true
		}
	}
	return false
}

func TestGatekeeperMandatoryEvidence(t *testing.T) {
	scanner := &fakeScanner{}
	eng, _, _ := newTestEngine(t, Options{Scanner: scanner})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane:      "records",
		Goal:      "encrypt archived charts",
		Archetype: ArchetypePlumbing,
		SourceIDs: []string{"DR-HIPAA-01"},
	})

	report, err := eng.CheckGatekeeper(ctx, task.ID)
	if err != nil {
		t.Fatalf("gatekeeper check failed: %v", err)
	}
	if report.OK {
		t.Fatal("MANDATORY source without evidence must fail")
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected one error, got %+v", report.Errors)
	}
	if report.Errors[0].Rule != RuleMandatoryEvidence || report.Errors[0].SourceID != "DR-HIPAA-01" {
		t.Errorf("unexpected issue: %+v", report.Errors[0])
	}

	scanner.set("DR-HIPAA-01", evidence.Location{File: "vault/archive.go", Line: 42})
	report, err = eng.CheckGatekeeper(ctx, task.ID)
	if err != nil {
		t.Fatalf("gatekeeper check failed: %v", err)
	}
	if !report.OK {
		t.Fatalf("evidence in place; expected pass, got %+v", report.Errors)
	}
	if len(report.Evidence["DR-HIPAA-01"]) != 1 {
		t.Errorf("evidence not carried in the report: %+v", report.Evidence)
	}
}

func TestGatekeeperMandatoryIgnoresJustification(t *testing.T) {
	scanner := &fakeScanner{}
	eng, _, _ := newTestEngine(t, Options{Scanner: scanner})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "payments", Goal: "mask card numbers in logs", Archetype: ArchetypePlumbing,
		SourceIDs: []string{"DR-PCI-02"},
	})
	if err := eng.AddJustification(ctx, task.ID, "we will backfill the masking next sprint"); err != nil {
		t.Fatalf("failed to add justification: %v", err)
	}

	report, err := eng.CheckGatekeeper(ctx, task.ID)
	if err != nil {
		t.Fatalf("gatekeeper check failed: %v", err)
	}
	if report.OK {
		t.Fatal("MANDATORY authority has no override path")
	}
}

func TestGatekeeperStrongOverride(t *testing.T) {
	scanner := &fakeScanner{}
	eng, _, _ := newTestEngine(t, Options{Scanner: scanner})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "frontend", Goal: "adopt the shared button kit", Archetype: ArchetypePlumbing,
		SourceIDs: []string{"PRO-STYLE-9"},
	})

	report, err := eng.CheckGatekeeper(ctx, task.ID)
	if err != nil {
		t.Fatalf("gatekeeper check failed: %v", err)
	}
	if report.OK {
		t.Fatal("STRONG source with neither evidence nor justification must fail")
	}
	if !hasIssue(report.Errors, RuleStrongEvidence) {
		t.Fatalf("expected a strong_evidence error, got %+v", report.Errors)
	}

	if err := eng.AddJustification(ctx, task.ID, "style guide superseded by the platform exemption"); err != nil {
		t.Fatalf("failed to add justification: %v", err)
	}

	report, err = eng.CheckGatekeeper(ctx, task.ID)
	if err != nil {
		t.Fatalf("gatekeeper check failed: %v", err)
	}
	if !report.OK {
		t.Fatalf("justified STRONG source should pass, got %+v", report.Errors)
	}
	if !hasIssue(report.Warnings, RuleStrongEvidence) {
		t.Error("override acceptance should leave a warning trail")
	}

	got, err := eng.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to read task back: %v", err)
	}
	if got.OverrideJustification == nil {
		t.Error("justification not persisted on the task")
	}
	if !hasEvent(ledgerEvents(t, eng, task.ID), "JUSTIFICATION") {
		t.Error("justification missing from the ledger")
	}
}

func TestGatekeeperTestGate(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set("DR-SOC2-07", evidence.Location{File: "audit/log.go", Line: 10})
	eng, _, _ := newTestEngine(t, Options{Scanner: scanner})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane:      "audit",
		Goal:      "stream access logs",
		Archetype: ArchetypeLogic,
		SourceIDs: []string{"DR-SOC2-07"},
	})

	report, err := eng.CheckGatekeeper(ctx, task.ID)
	if err != nil {
		t.Fatalf("gatekeeper check failed: %v", err)
	}
	if !report.OK {
		t.Fatalf("the spawned guardian should satisfy the gate, got %+v", report.Errors)
	}
	if report.PairedTestID == "" {
		t.Fatal("paired test not reported")
	}

	// Cancelling the guardian reopens the gate.
	if _, err := eng.CancelTask(ctx, report.PairedTestID, "cleanup"); err != nil {
		t.Fatalf("failed to cancel guardian: %v", err)
	}
	report, err = eng.CheckGatekeeper(ctx, task.ID)
	if err != nil {
		t.Fatalf("gatekeeper check failed: %v", err)
	}
	if report.OK {
		t.Fatal("no live TEST task covers the sources; gate must fail")
	}
	if !hasIssue(report.Errors, RuleTestGate) {
		t.Fatalf("expected a test_gate error, got %+v", report.Errors)
	}
}

func TestGatekeeperWithoutScanner(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "align the formatter", Archetype: ArchetypePlumbing,
		SourceIDs: []string{"STD-LINT"},
	})

	report, err := eng.CheckGatekeeper(ctx, task.ID)
	if err != nil {
		t.Fatalf("gatekeeper check failed: %v", err)
	}
	if !report.OK {
		t.Fatalf("DEFAULT authority passes without evidence, got %+v", report.Errors)
	}
	if !hasIssue(report.Warnings, RuleScanner) {
		t.Error("missing scanner should be surfaced as a warning")
	}
}

func TestGatekeeperScanFailureIsTransient(t *testing.T) {
	scanner := &fakeScanner{err: errors.New("workspace unreachable")}
	eng, _, _ := newTestEngine(t, Options{Scanner: scanner})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "scan the workspace", Archetype: ArchetypePlumbing,
		SourceIDs: []string{"DR-ISO-27"},
	})

	_, err := eng.ValidateTaskCompletion(ctx, task.ID)
	if !IsTransient(err) || CodeOf(err) != ErrCodeBackendUnavailable {
		t.Fatalf("scan failure should be a transient BACKEND_UNAVAILABLE, got %v", err)
	}
}

func TestAddJustificationGuards(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "short-lived work", Archetype: ArchetypePlumbing,
	})
	if err := eng.AddJustification(ctx, task.ID, "   "); CodeOf(err) != ErrCodeValidation {
		t.Errorf("blank text: expected VALIDATION_ERROR, got %v", err)
	}
	if err := eng.AddJustification(ctx, "01HNOSUCHTASK", "text"); CodeOf(err) != ErrCodeNotFound {
		t.Errorf("missing task: expected NOT_FOUND, got %v", err)
	}

	completeNext(t, eng, "core", "w1")
	if err := eng.AddJustification(ctx, task.ID, "too late"); CodeOf(err) != ErrCodeValidation {
		t.Errorf("terminal task: expected VALIDATION_ERROR, got %v", err)
	}
}
