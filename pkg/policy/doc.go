// Package policy is the Rego gate in front of task intake, claims, and
// administrative operations.
//
// The engine carries a set of named policies, each one Rego module whose
// deny set speaks for it. Evaluation hands the rules a single JSON
// document: input.task (projected from the stored task), input.worker
// (claims only), and input.context (actor, operation, environment,
// timestamp). Any deny member with severity error or critical blocks the
// operation; info and warning surface without blocking.
//
// # What is and is not policed
//
// Policies decide what enters the system and who works on it: intake
// (operation "create"), claims ("claim"), and the administrative verbs
// ("cancel", "force_unblock"). Completion is deliberately out of reach.
// Only the review gate completes a task, whatever the rules say.
//
// # Writing rules
//
// A policy is one module. Its package may be anything; the engine
// queries the deny set of whatever package the module declares. Members
// of deny may be bare message strings or objects:
//
//	package taskwarden.policies.weekend
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.task
//	    input.context
//	    task := input.task
//
//	    # Block schema changes outside business days
//	    task.archetype == "DB"
//	    day := time.weekday(time.parse_rfc3339_ns(input.context.timestamp))
//	    day in ["Saturday", "Sunday"]
//
//	    violation := {
//	        "message": "Schema changes are not allowed on weekends",
//	        "severity": "error",
//	        "task": task.id,
//	    }
//	}
//
// Violation severity defaults to the policy's own setting; an object
// member may override severity, task, and remediation per firing.
//
// # Built-in policies
//
// Five built-ins load at construction: lane-naming, required-citations,
// escalation-hygiene, admin-safeguards, and claim-fitness. The
// policy.builtin config switch disables them wholesale; DisablePolicy
// removes one by name while keeping the rest.
//
// # Loading and reloading
//
// LoadPolicies accepts .rego files, directories, and JSON bundles. Each
// policy is parsed and its deny query prepared at load time, so a broken
// rule is refused then instead of degrading every later evaluation. The
// loader can also watch policy directories and re-apply the configured
// set when files change.
//
// # Evaluation semantics
//
// Enabled policies evaluate in name order, each against every input, and
// one result folds all verdicts together: Allowed, the violations, and
// the names of everything evaluated. A rule that errors at evaluation
// time downgrades to a warning on the result, so a single broken policy
// cannot wedge intake or claiming. Prepared queries are reused across
// evaluations; nothing reparses Rego on the hot path.
package policy
