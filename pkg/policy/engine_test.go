package policy

import (
	"context"
	"testing"

	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"
)

func TestNewEngine(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	if eng == nil {
		t.Fatal("Engine is nil")
	}

	// Check that built-in policies are loaded
	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	expectedPolicies := []string{
		"lane-naming",
		"required-citations",
		"escalation-hygiene",
		"admin-safeguards",
		"claim-fitness",
	}

	for _, expected := range expectedPolicies {
		found := false
		for _, p := range policies {
			if p.Name == expected {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected built-in policy not found: %s", expected)
		}
	}
}

func TestEvaluateTask_LaneNaming(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	tests := []struct {
		name            string
		task            *TaskView
		expectAllowed   bool
		expectViolation bool
	}{
		{
			name: "valid lane",
			task: &TaskView{
				ID:        "T-1",
				Lane:      "payments:checkout",
				Goal:      "add idempotency keys to the charge endpoint",
				Archetype: "LOGIC",
				Priority:  "normal",
			},
			expectAllowed:   true,
			expectViolation: false,
		},
		{
			name: "uppercase in lane",
			task: &TaskView{
				ID:        "T-2",
				Lane:      "Payments",
				Goal:      "add idempotency keys",
				Archetype: "LOGIC",
				Priority:  "normal",
			},
			expectAllowed:   false,
			expectViolation: true,
		},
		{
			name: "lane with underscores",
			task: &TaskView{
				ID:        "T-3",
				Lane:      "payments_checkout",
				Goal:      "add idempotency keys",
				Archetype: "LOGIC",
				Priority:  "normal",
			},
			expectAllowed:   false,
			expectViolation: true,
		},
		{
			name: "lane too short",
			task: &TaskView{
				ID:        "T-4",
				Lane:      "p",
				Goal:      "add idempotency keys",
				Archetype: "LOGIC",
				Priority:  "normal",
			},
			expectAllowed:   false,
			expectViolation: true,
		},
		{
			name: "lane starts with separator",
			task: &TaskView{
				ID:        "T-5",
				Lane:      ":payments",
				Goal:      "add idempotency keys",
				Archetype: "LOGIC",
				Priority:  "normal",
			},
			expectAllowed:   false,
			expectViolation: true,
		},
		{
			name: "goal too short",
			task: &TaskView{
				ID:        "T-6",
				Lane:      "payments",
				Goal:      "x",
				Archetype: "LOGIC",
				Priority:  "normal",
			},
			expectAllowed:   false,
			expectViolation: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateTask(context.Background(), tt.task, nil)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v. Violations: %+v",
					tt.expectAllowed, result.Allowed, result.Violations)
			}

			hasViolation := len(result.Violations) > 0
			if hasViolation != tt.expectViolation {
				t.Errorf("Expected violation=%v, got %v violations: %+v",
					tt.expectViolation, hasViolation, result.Violations)
			}
		})
	}
}

func TestEvaluateTask_RequiredCitations(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	tests := []struct {
		name            string
		task            *TaskView
		expectAllowed   bool
		expectViolation bool
	}{
		{
			name: "security task with citations",
			task: &TaskView{
				ID:        "T-1",
				Lane:      "payments",
				Goal:      "rotate the signing keys",
				Archetype: "SEC",
				Priority:  "normal",
				SourceIDs: []string{"DR-PCI-01"},
			},
			expectAllowed:   true,
			expectViolation: false,
		},
		{
			name: "security task without citations",
			task: &TaskView{
				ID:        "T-2",
				Lane:      "payments",
				Goal:      "rotate the signing keys",
				Archetype: "SEC",
				Priority:  "normal",
			},
			expectAllowed:   true, // warnings do not block
			expectViolation: true,
		},
		{
			name: "schema task without citations",
			task: &TaskView{
				ID:        "T-3",
				Lane:      "payments",
				Goal:      "add a settlement table",
				Archetype: "DB",
				Priority:  "normal",
			},
			expectAllowed:   true,
			expectViolation: true,
		},
		{
			name: "critical task without citations",
			task: &TaskView{
				ID:        "T-4",
				Lane:      "payments",
				Goal:      "fix the double-charge bug",
				Archetype: "LOGIC",
				Priority:  "critical",
			},
			expectAllowed:   true,
			expectViolation: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateTask(context.Background(), tt.task, nil)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v. Violations: %+v",
					tt.expectAllowed, result.Allowed, result.Violations)
			}

			hasViolation := false
			for _, v := range result.Violations {
				if v.Policy == "required-citations" {
					hasViolation = true
					break
				}
			}
			if hasViolation != tt.expectViolation {
				t.Errorf("Expected citation violation=%v, got violations: %+v",
					tt.expectViolation, result.Violations)
			}
		})
	}
}

func TestEvaluateTask_EscalationHygiene(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	// Urgent flag with normal priority should draw a warning.
	task := &TaskView{
		ID:        "T-1",
		Lane:      "payments",
		Goal:      "fix the double-charge bug",
		Archetype: "LOGIC",
		Priority:  "normal",
		Urgent:    true,
	}

	result, err := eng.EvaluateTask(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if !result.Allowed {
		t.Errorf("Warnings should not block: %+v", result.Violations)
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "escalation-hygiene" {
			found = true
			if v.Severity != SeverityWarning {
				t.Errorf("Expected warning severity, got %s", v.Severity)
			}
		}
	}
	if !found {
		t.Errorf("Expected escalation-hygiene violation, got: %+v", result.Violations)
	}

	// Two failed attempts means one left before automatic failure.
	task = &TaskView{
		ID:           "T-2",
		Lane:         "payments",
		Goal:         "fix the double-charge bug",
		Archetype:    "LOGIC",
		Priority:     "high",
		AttemptCount: 2,
	}

	result, err = eng.EvaluateTask(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	found = false
	for _, v := range result.Violations {
		if v.Policy == "escalation-hygiene" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected near-failure warning, got: %+v", result.Violations)
	}
}

func TestEvaluateClaim(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	secTask := &TaskView{
		ID:        "T-1",
		Lane:      "payments",
		Goal:      "rotate the signing keys",
		Archetype: "SEC",
		Priority:  "high",
		SourceIDs: []string{"DR-PCI-01"},
	}

	tests := []struct {
		name          string
		worker        *WorkerView
		expectAllowed bool
		expectPolicy  string
	}{
		{
			name: "senior worker with capacity",
			worker: &WorkerView{
				ID:            "w-alice",
				Tier:          "senior",
				ActiveTasks:   1,
				CapacityLimit: 3,
			},
			expectAllowed: true,
		},
		{
			name: "standard tier on security task",
			worker: &WorkerView{
				ID:            "w-bob",
				Tier:          "standard",
				ActiveTasks:   0,
				CapacityLimit: 3,
			},
			expectAllowed: true, // tier mismatch is a warning
			expectPolicy:  "claim-fitness",
		},
		{
			name: "worker at capacity",
			worker: &WorkerView{
				ID:            "w-carol",
				Tier:          "senior",
				ActiveTasks:   3,
				CapacityLimit: 3,
			},
			expectAllowed: false,
			expectPolicy:  "claim-fitness",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateClaim(context.Background(), secTask, tt.worker)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v. Violations: %+v",
					tt.expectAllowed, result.Allowed, result.Violations)
			}

			if tt.expectPolicy != "" {
				found := false
				for _, v := range result.Violations {
					if v.Policy == tt.expectPolicy {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("Expected %s violation, got: %+v", tt.expectPolicy, result.Violations)
				}
			}
		})
	}
}

func TestAdminSafeguards(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	task := &TaskView{
		ID:        "T-1",
		Lane:      "payments",
		Goal:      "fix the double-charge bug",
		Archetype: "LOGIC",
		Priority:  "critical",
		Urgent:    true,
		Status:    "IN_PROGRESS",
		SourceIDs: []string{"DR-PCI-01"},
	}

	// Cancelling an urgent critical task in production is blocked.
	pctx := &PolicyContext{
		Operation:   "cancel",
		Environment: "production",
	}

	result, err := eng.EvaluateTask(context.Background(), task, pctx)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if result.Allowed {
		t.Errorf("Expected production cancel to be blocked. Violations: %+v", result.Violations)
	}

	// The same cancel as a dry run passes.
	pctx.DryRun = true

	result, err = eng.EvaluateTask(context.Background(), task, pctx)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if !result.Allowed {
		t.Errorf("Expected dry-run cancel to pass. Violations: %+v", result.Violations)
	}

	// Force-unblocking with open dependencies draws a warning.
	blocked := &TaskView{
		ID:               "T-2",
		Lane:             "payments",
		Goal:             "add a settlement table",
		Archetype:        "DB",
		Priority:         "normal",
		Status:           "BLOCKED",
		SourceIDs:        []string{"DR-PCI-02"},
		DependencyCount:  2,
		OpenDependencies: 2,
	}

	result, err = eng.EvaluateTask(context.Background(), blocked, &PolicyContext{Operation: "force_unblock"})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if !result.Allowed {
		t.Errorf("Expected force_unblock warning not to block. Violations: %+v", result.Violations)
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "admin-safeguards" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("Expected admin-safeguards warning, got: %+v", result.Violations)
	}
}

func TestEvaluateBatch(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	tasks := []TaskView{
		{
			ID:        "T-1",
			Lane:      "payments",
			Goal:      "add idempotency keys",
			Archetype: "LOGIC",
			Priority:  "normal",
		},
		{
			ID:        "T-2",
			Lane:      "PAYMENTS", // Uppercase - should violate lane naming
			Goal:      "add a settlement table",
			Archetype: "LOGIC",
			Priority:  "normal",
		},
	}

	result, err := eng.EvaluateBatch(context.Background(), tasks, nil)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if result.Allowed {
		t.Error("Expected batch to be rejected due to naming violation")
	}

	if len(result.Violations) == 0 {
		t.Error("Expected at least one violation")
	}

	foundNamingViolation := false
	for _, v := range result.Violations {
		if v.Policy == "lane-naming" && v.TaskID == "T-2" {
			foundNamingViolation = true
			break
		}
	}

	if !foundNamingViolation {
		t.Error("Expected a lane naming violation for T-2")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	policyName := "lane-naming"

	// Disable the policy
	err = eng.DisablePolicy(policyName)
	if err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	policy, err := eng.GetPolicy(policyName)
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}

	if policy.Enabled {
		t.Error("Policy should be disabled")
	}

	// Create a task with an invalid lane
	task := &TaskView{
		ID:        "T-1",
		Lane:      "INVALID_LANE",
		Goal:      "add idempotency keys",
		Archetype: "LOGIC",
		Priority:  "normal",
	}

	// Evaluate - should pass because the policy is disabled
	result, err := eng.EvaluateTask(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	for _, v := range result.Violations {
		if v.Policy == policyName {
			t.Error("Disabled policy should not generate violations")
		}
	}

	// Re-enable the policy
	err = eng.EnablePolicy(policyName)
	if err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}

	policy, err = eng.GetPolicy(policyName)
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}

	if !policy.Enabled {
		t.Error("Policy should be enabled")
	}
}

func TestReloadPolicies(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	initialCount := len(eng.ListPolicies())

	err = eng.ReloadPolicies(context.Background())
	if err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}

	afterReloadCount := len(eng.ListPolicies())

	if initialCount != afterReloadCount {
		t.Errorf("Expected %d policies after reload, got %d", initialCount, afterReloadCount)
	}
}

func TestListPolicies(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	policies := eng.ListPolicies()

	if len(policies) == 0 {
		t.Fatal("No policies returned")
	}

	for _, p := range policies {
		if p.Name == "" {
			t.Error("Policy has empty name")
		}
		if p.Rego == "" {
			t.Error("Policy has empty Rego code")
		}
		if p.CreatedAt.IsZero() {
			t.Error("Policy has zero CreatedAt")
		}
	}
}

func TestDenyQueryFollowsModulePackage(t *testing.T) {
	tests := []struct {
		name     string
		rego     string
		expected string
	}{
		{
			name:     "builtin package",
			rego:     "package taskwarden.policies.naming\n\nimport rego.v1\n",
			expected: "data.taskwarden.policies.naming.deny",
		},
		{
			name:     "custom package",
			rego:     "# comment\npackage custom.rules\n",
			expected: "data.custom.rules.deny",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			module, err := ast.ParseModule(tt.name, tt.rego)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if got := denyQuery(module); got != tt.expected {
				t.Errorf("Expected query '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestPolicyWithoutPackageRefused(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	err = eng.compileAndStorePolicy(context.Background(), &Policy{
		Name:     "broken",
		Rego:     "deny contains x if { false }",
		Severity: SeverityError,
		Enabled:  true,
	})
	if err == nil {
		t.Fatal("Expected a parse error for source without a package clause")
	}
}

func TestSummarize(t *testing.T) {
	results := []*PolicyResult{
		{
			Allowed: true,
			Violations: []PolicyViolation{
				{Policy: "required-citations", Severity: SeverityWarning},
			},
		},
		{
			Allowed: false,
			Violations: []PolicyViolation{
				{Policy: "lane-naming", Severity: SeverityError},
				{Policy: "lane-naming", Severity: SeverityError},
			},
		},
		nil,
	}

	summary := Summarize(results...)

	if summary.TotalEvaluations != 2 {
		t.Errorf("Expected 2 evaluations, got %d", summary.TotalEvaluations)
	}
	if summary.TotalViolations != 3 {
		t.Errorf("Expected 3 violations, got %d", summary.TotalViolations)
	}
	if summary.AllowedOperations != 1 || summary.BlockedOperations != 1 {
		t.Errorf("Expected 1 allowed and 1 blocked, got %d/%d",
			summary.AllowedOperations, summary.BlockedOperations)
	}
	if summary.ViolationsBySeverity[SeverityError] != 2 {
		t.Errorf("Expected 2 error violations, got %d", summary.ViolationsBySeverity[SeverityError])
	}
	if summary.ViolationsBySeverity[SeverityWarning] != 1 {
		t.Errorf("Expected 1 warning violation, got %d", summary.ViolationsBySeverity[SeverityWarning])
	}
}
