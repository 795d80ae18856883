// Package config provides configuration loading and task batch intake for
// taskwarden.
//
// # Overview
//
// Two kinds of input flow through this package: the daemon configuration
// (warden.cue or warden.yaml plus WARDEN_* environment overrides) and task
// batch intake files that warden task import turns into engine create
// requests.
//
// # Components
//
// CUEParser: loads configuration and parses batch sources. CUE sources
// unify into a single value; YAML files and Starlark generator scripts
// contribute fragments that merge into the same batch.
//
// SchemaRegistry: manages the builtin CUE schemas (#Task, #Batch,
// #Config). Schemas are closed definitions, so misspelled keys fail
// validation instead of being dropped.
//
// StarlarkEvaluator: sandboxed execution of generator scripts with a
// timeout that cancels the in-flight evaluation.
//
// # Configuration layering
//
// Configuration is assembled in three layers, later layers winning:
//
//	cfg, err := parser.LoadConfig(ctx, "warden.cue")
//	// 1. DefaultConfig()
//	// 2. the warden section of the file
//	// 3. WARDEN_* environment variables (e.g. WARDEN_STORE_PATH)
//
// # Batch intake
//
// A CUE batch file names tasks by key; keys are referenced in depends_on
// and resolved to task ids at import time:
//
//	batch: {name: "pci sweep", lane: "payments", requester: "maya"}
//
//	tasks: {
//		charge_retry: {
//			goal:       "add retry to charge flow"
//			archetype:  "LOGIC"
//			source_ids: ["DR-PCI-01"]
//		}
//		charge_docs: {
//			goal:       "document charge retry behavior"
//			archetype:  "PLUMBING"
//			depends_on: ["charge_retry"]
//		}
//	}
//
// A Starlark generator exports the same shape programmatically. The
// predeclared task constructor rejects unknown fields at generation time:
//
//	tasks = [
//	    task(
//	        goal = "rotate credentials for region " + region,
//	        archetype = "SEC",
//	        source_ids = ["DR-SOC2-07"],
//	    )
//	    for region in vars["regions"]
//	]
//
// Generators run sandboxed: no filesystem or network access, print
// suppressed, and a hard timeout.
//
// # Thread safety
//
// All types in this package are safe for concurrent use.
package config
