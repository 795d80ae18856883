package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/taskwarden/taskwarden/pkg/authority"
	"github.com/taskwarden/taskwarden/pkg/evidence"
	"github.com/taskwarden/taskwarden/pkg/policy"
	"github.com/taskwarden/taskwarden/pkg/stores"
	"github.com/taskwarden/taskwarden/pkg/telemetry"
)

// ValidateTaskCompletion runs the full Gatekeeper over a task: resolve the
// authority of every cited source, scan the workspace for provenance
// evidence, apply the per-authority rules and the Test Gate, and let
// governance policies append their own findings. The report's OK field is
// false iff any hard error was found; call Err() to turn that into an
// AUTHORITY_VIOLATION for refusal paths.
//
// Failures are counted and published. For a silent pre-submission preview
// use CheckGatekeeper.
func (e *Engine) ValidateTaskCompletion(ctx context.Context, taskID string) (*GatekeeperReport, error) {
	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.validateCompletion(ctx, task, false)
}

// CheckGatekeeper is the read-only preview of ValidateTaskCompletion.
// Workers run it before submitting so a doomed packet never gets built.
// It records nothing: no metrics, no events, no ledger rows.
func (e *Engine) CheckGatekeeper(ctx context.Context, taskID string) (*GatekeeperReport, error) {
	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.validateCompletion(ctx, task, true)
}

func (e *Engine) validateCompletion(ctx context.Context, task *stores.Task, quiet bool) (*GatekeeperReport, error) {
	report := &GatekeeperReport{
		TaskID:    task.ID,
		CheckedAt: e.now().UTC(),
	}
	report.Resolutions = e.registry.ResolveAll(task.SourceIDs)

	found, scanWarnings, err := e.scanEvidence(ctx, task)
	if err != nil {
		return nil, err
	}
	report.Evidence = found
	report.Warnings = append(report.Warnings, scanWarnings...)

	for _, res := range report.Resolutions {
		errIssues, warnIssues := checkSourceAuthority(task, res, found)
		report.Errors = append(report.Errors, errIssues...)
		report.Warnings = append(report.Warnings, warnIssues...)
	}

	gateIssue, pairedID, err := e.checkTestGate(ctx, task, report.Resolutions)
	if err != nil {
		return nil, err
	}
	report.PairedTestID = pairedID
	if gateIssue != nil {
		report.Errors = append(report.Errors, *gateIssue)
	}

	if err := e.appendPolicyIssues(ctx, task, report); err != nil {
		return nil, err
	}

	report.OK = len(report.Errors) == 0

	if !quiet {
		for _, issue := range report.Errors {
			e.metrics().RecordGatekeeperFailure(issue.Rule)
			if ev := e.events(); ev != nil {
				_ = ev.PublishGateRefused(task.ID, issue.Rule, issue.Message)
			}
		}
		e.logger.Info().
			Str("task_id", task.ID).
			Bool("ok", report.OK).
			Int("errors", len(report.Errors)).
			Int("warnings", len(report.Warnings)).
			Msg("gatekeeper validation")
	}
	return report, nil
}

// scanEvidence locates provenance for every cited source in the governed
// workspace. A missing scanner degrades to a warning rather than blocking,
// since evidence rules themselves decide whether absence is fatal. A scan
// failure is transient: the workspace was unreachable, not the task wrong.
func (e *Engine) scanEvidence(ctx context.Context, task *stores.Task) (map[string][]evidence.Location, []ValidationIssue, error) {
	if len(task.SourceIDs) == 0 {
		return map[string][]evidence.Location{}, nil, nil
	}
	if e.scanner == nil {
		warning := ValidationIssue{
			Rule:    RuleScanner,
			Message: "evidence scanning disabled; no scanner configured",
		}
		return map[string][]evidence.Location{}, []ValidationIssue{warning}, nil
	}

	scanCtx := ctx
	if e.tel != nil {
		scanCtx = e.tel.WithContext(ctx)
	}

	var found map[string][]evidence.Location
	err := telemetry.RecordScannerOperation(scanCtx, scannerLabel(e.scanner), task.ID, func() error {
		var scanErr error
		found, scanErr = e.scanner.Scan(scanCtx, e.workspaceRoot, task.SourceIDs)
		return scanErr
	})
	if err != nil {
		return nil, nil, NewTransientError("evidence scan failed", err).
			WithCode(ErrCodeBackendUnavailable).
			WithResource(task.ID).
			WithOperation("scan evidence")
	}
	if found == nil {
		found = map[string][]evidence.Location{}
	}
	return found, nil, nil
}

// checkSourceAuthority applies the per-authority evidence rules for one
// resolved source.
func checkSourceAuthority(task *stores.Task, res authority.Resolution, found map[string][]evidence.Location) (errIssues, warnIssues []ValidationIssue) {
	hasEvidence := len(found[res.SourceID]) > 0

	switch res.Authority {
	case authority.AuthorityMandatory:
		if !hasEvidence {
			errIssues = append(errIssues, ValidationIssue{
				Rule:        RuleMandatoryEvidence,
				SourceID:    res.SourceID,
				Message:     fmt.Sprintf("MANDATORY source %s has no provenance evidence", res.SourceID),
				Remediation: "tag the delivered work with the source id; MANDATORY sources have no override path",
			})
		}
	case authority.AuthorityStrong:
		hasJustification := task.OverrideJustification != nil &&
			strings.TrimSpace(*task.OverrideJustification) != ""
		switch {
		case hasEvidence:
		case hasJustification:
			warnIssues = append(warnIssues, ValidationIssue{
				Rule:     RuleStrongEvidence,
				SourceID: res.SourceID,
				Message:  fmt.Sprintf("STRONG source %s is covered by override justification only", res.SourceID),
			})
		default:
			errIssues = append(errIssues, ValidationIssue{
				Rule:        RuleStrongEvidence,
				SourceID:    res.SourceID,
				Message:     fmt.Sprintf("STRONG source %s has neither evidence nor an override justification", res.SourceID),
				Remediation: "tag the work with the source id, or record a justification via AddJustification",
			})
		}
	case authority.AuthorityDefault, authority.AuthorityAdvisory:
	}
	return errIssues, warnIssues
}

// checkTestGate enforces the paired-test rule: a guarded archetype citing
// any domain or professional source needs a TEST task in the same lane
// family with overlapping sources, whatever authority those sources carry.
func (e *Engine) checkTestGate(ctx context.Context, task *stores.Task, resolutions []authority.Resolution) (*ValidationIssue, string, error) {
	if !guardedArchetypes[task.Archetype] {
		return nil, "", nil
	}
	governed := false
	for _, res := range resolutions {
		if res.Tier == authority.TierDomain || res.Tier == authority.TierProfessional {
			governed = true
			break
		}
	}
	if !governed {
		return nil, "", nil
	}

	var paired *stores.Task
	err := e.withStoreRetry(ctx, "find paired test", func() error {
		var err error
		paired, err = e.store.FindPairedTest(ctx, LaneFamily(task.Lane), task.SourceIDs)
		return err
	})
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			issue := &ValidationIssue{
				Rule:        RuleTestGate,
				Message:     fmt.Sprintf("no paired TEST task covers sources %s", strings.Join(task.SourceIDs, ", ")),
				Remediation: fmt.Sprintf("create a TEST task in lane family %q citing the same sources", LaneFamily(task.Lane)),
			}
			return issue, "", nil
		}
		return nil, "", err
	}
	return nil, paired.ID, nil
}

// appendPolicyIssues lets governance policies add findings to a report.
// Blocking violations become errors under the policy rule; the rest are
// warnings.
func (e *Engine) appendPolicyIssues(ctx context.Context, task *stores.Task, report *GatekeeperReport) error {
	if e.policies == nil {
		return nil
	}

	result, err := e.policies.EvaluateTask(ctx, taskView(task), &policy.PolicyContext{
		Actor:       string(ActorAuto),
		Environment: e.environment,
		Timestamp:   e.now().UTC(),
		Operation:   "gatekeeper",
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", task.ID).Msg("gatekeeper policy evaluation failed")
		return nil
	}

	for _, v := range result.Violations {
		issue := ValidationIssue{
			Rule:    RulePolicy,
			Message: fmt.Sprintf("%s: %s", v.Policy, v.Message),
		}
		if v.Blocking() {
			report.Errors = append(report.Errors, issue)
		} else {
			report.Warnings = append(report.Warnings, issue)
		}
	}
	return nil
}

// AddJustification records an override justification on a task. It
// satisfies STRONG sources only; MANDATORY rules ignore it. Terminal
// tasks are refused.
func (e *Engine) AddJustification(ctx context.Context, taskID, text string) error {
	if strings.TrimSpace(text) == "" {
		return NewPermanentError("justification text is required", nil).
			WithCode(ErrCodeValidation).WithResource(taskID)
	}

	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return NewPermanentError(
			fmt.Sprintf("task %s is %s; cannot record justification", taskID, task.Status), nil).
			WithCode(ErrCodeValidation).WithResource(taskID)
	}

	now := e.now().UTC()
	if err := e.withStoreRetry(ctx, "update justification", func() error {
		return e.store.UpdateJustification(ctx, taskID, text, now)
	}); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return newNotFound("task", taskID)
		}
		return err
	}

	notes := text
	entry := &stores.LedgerEntry{
		Timestamp: now,
		TaskID:    taskID,
		Event:     "JUSTIFICATION",
		Actor:     ActorHuman,
		Notes:     &notes,
	}
	if err := e.store.AppendLedger(ctx, entry); err != nil {
		e.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to ledger justification")
	}

	e.logger.Info().Str("task_id", taskID).Msg("override justification recorded")
	return nil
}

// scannerLabel names a scanner for metrics, falling back to a generic
// label for anonymous implementations.
func scannerLabel(s evidence.Scanner) string {
	if named, ok := s.(interface{ Name() string }); ok {
		return named.Name()
	}
	return "workspace"
}
