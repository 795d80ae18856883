package policy

import (
	"time"
)

// GetBuiltinPolicies returns the policies every engine starts with. Operators
// disable individual ones by name through the policy.builtin config switch.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		builtinPolicy("lane-naming",
			"Enforces lane naming conventions (lowercase, alphanumeric, colons and hyphens only)",
			SeverityError, []string{"naming", "conventions"}, laneNamingRego),
		builtinPolicy("required-citations",
			"Flags security, schema, and critical tasks that cite no authority sources",
			SeverityWarning, []string{"citations", "governance"}, requiredCitationsRego),
		builtinPolicy("escalation-hygiene",
			"Flags urgent/priority mismatches, near-failure retry counts, and oversized dependency fan-in",
			SeverityWarning, []string{"escalation", "hygiene"}, escalationHygieneRego),
		builtinPolicy("admin-safeguards",
			"Guards destructive administrative operations in production",
			SeverityCritical, []string{"admin", "safety", "production"}, adminSafeguardsRego),
		builtinPolicy("claim-fitness",
			"Checks worker tier and capacity fitness when claiming tasks",
			SeverityWarning, []string{"claims", "workers"}, claimFitnessRego),
	}
}

// builtinPolicy fills the fields every built-in shares.
func builtinPolicy(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Rego:        rego,
		Severity:    severity,
		Enabled:     true,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// laneNamingRego keeps lane names routable: lowercase alphanumeric segments
// separated by colons or hyphens, length-bounded, with a non-empty goal.
const laneNamingRego = `package taskwarden.policies.naming

import rego.v1

deny contains violation if {
	task := input.task
	count(task.lane) < 2
	violation := {
		"message": sprintf("Task %s lane '%s' must be at least 2 characters long", [task.id, task.lane]),
		"severity": "error",
		"task": task.id,
	}
}

deny contains violation if {
	task := input.task
	lower(task.lane) != task.lane
	violation := {
		"message": sprintf("Task %s lane '%s' must be lowercase", [task.id, task.lane]),
		"severity": "error",
		"task": task.id,
	}
}

deny contains violation if {
	task := input.task
	count(task.lane) >= 2
	not regex.match("^[a-z0-9:-]+$", task.lane)
	violation := {
		"message": sprintf("Task %s lane '%s' must contain only lowercase letters, numbers, colons, and hyphens", [task.id, task.lane]),
		"severity": "error",
		"task": task.id,
	}
}

deny contains violation if {
	task := input.task
	regex.match("^[:-]", task.lane)
	violation := {
		"message": sprintf("Task %s lane '%s' must not start with a separator", [task.id, task.lane]),
		"severity": "error",
		"task": task.id,
	}
}

deny contains violation if {
	task := input.task
	regex.match("[:-]$", task.lane)
	violation := {
		"message": sprintf("Task %s lane '%s' must not end with a separator", [task.id, task.lane]),
		"severity": "error",
		"task": task.id,
	}
}

deny contains violation if {
	task := input.task
	count(task.lane) > 63
	violation := {
		"message": sprintf("Task %s lane '%s' must not exceed 63 characters", [task.id, task.lane]),
		"severity": "error",
		"task": task.id,
	}
}

deny contains violation if {
	task := input.task
	count(task.goal) < 3
	violation := {
		"message": sprintf("Task %s goal must be at least 3 characters long", [task.id]),
		"severity": "error",
		"task": task.id,
	}
}`

// requiredCitationsRego flags governed work with no source_ids. The intake
// marshaller omits the field when empty, so "not task.source_ids" holds
// exactly for uncited tasks.
const requiredCitationsRego = `package taskwarden.policies.citations

import rego.v1

deny contains violation if {
	task := input.task
	task.archetype == "SEC"
	not task.source_ids
	violation := {
		"message": sprintf("Security task %s cites no authority sources", [task.id]),
		"severity": "warning",
		"task": task.id,
		"remediation": "Cite the standard or requirement the security work satisfies",
	}
}

deny contains violation if {
	task := input.task
	task.archetype == "DB"
	not task.source_ids
	violation := {
		"message": sprintf("Schema task %s cites no authority sources", [task.id]),
		"severity": "warning",
		"task": task.id,
		"remediation": "Cite the data requirement driving the schema change",
	}
}

deny contains violation if {
	task := input.task
	task.priority == "critical"
	not task.source_ids
	violation := {
		"message": sprintf("Critical-priority task %s cites no authority sources", [task.id]),
		"severity": "warning",
		"task": task.id,
	}
}`

// escalationHygieneRego surfaces prioritization drift before it bites: urgent
// tasks riding low priorities, tasks one failure from FAILED, and dependency
// fan-in wide enough to suggest the work should split.
const escalationHygieneRego = `package taskwarden.policies.escalation

import rego.v1

deny contains violation if {
	task := input.task
	task.urgent
	task.priority in ["low", "normal"]
	violation := {
		"message": sprintf("Urgent task %s carries %s priority; align priority with the urgent flag", [task.id, task.priority]),
		"severity": "warning",
		"task": task.id,
	}
}

deny contains violation if {
	task := input.task
	task.attempt_count == 2
	violation := {
		"message": sprintf("Task %s has one attempt remaining before automatic failure", [task.id]),
		"severity": "warning",
		"task": task.id,
	}
}

deny contains violation if {
	task := input.task
	task.dependency_count > 20
	violation := {
		"message": sprintf("Task %s declares %d dependencies; consider splitting the work", [task.id, task.dependency_count]),
		"severity": "warning",
		"task": task.id,
	}
}`

// adminSafeguardsRego guards the operations that destroy work in flight.
const adminSafeguardsRego = `package taskwarden.policies.admin

import rego.v1

deny contains violation if {
	task := input.task
	context := input.context
	context.operation == "cancel"
	context.environment == "production"
	not context.dry_run
	task.urgent
	task.priority == "critical"
	violation := {
		"message": sprintf("Refusing to cancel urgent critical task %s in production", [task.id]),
		"severity": "critical",
		"task": task.id,
	}
}

deny contains violation if {
	task := input.task
	context := input.context
	context.operation == "cancel"
	task.status == "REVIEWING"
	violation := {
		"message": sprintf("Cancelling task %s discards its pending review packet", [task.id]),
		"severity": "warning",
		"task": task.id,
	}
}

deny contains violation if {
	task := input.task
	context := input.context
	context.operation == "force_unblock"
	task.open_dependencies > 0
	violation := {
		"message": sprintf("Task %s still has %d open dependencies", [task.id, task.open_dependencies]),
		"severity": "warning",
		"task": task.id,
	}
}`

// claimFitnessRego runs on claim evaluation, where input.worker is present.
const claimFitnessRego = `package taskwarden.policies.claims

import rego.v1

deny contains violation if {
	task := input.task
	worker := input.worker
	task.archetype == "SEC"
	worker.tier != "senior"
	violation := {
		"message": sprintf("Security task %s claimed by %s-tier worker %s", [task.id, worker.tier, worker.id]),
		"severity": "warning",
		"task": task.id,
	}
}

deny contains violation if {
	task := input.task
	worker := input.worker
	worker.active_tasks >= worker.capacity_limit
	violation := {
		"message": sprintf("Worker %s is at capacity (%d/%d)", [worker.id, worker.active_tasks, worker.capacity_limit]),
		"severity": "error",
		"task": task.id,
	}
}`
