// Package engine implements the governed task orchestration core: the task
// lifecycle state machine and every operation that moves work through it.
//
// # Overview
//
// Tasks move through a fixed lifecycle enforced by a single transition
// emitter:
//
//	PENDING -> IN_PROGRESS -> REVIEWING -> COMPLETED
//	              |  ^            |
//	              v  |            v
//	            BLOCKED        FAILED
//
// Five mechanisms govern that movement:
//
//  1. Lease manager - at-most-one worker owns a task, under a TTL lease
//     (ClaimTask, RenewLease, SweepStaleLeases)
//  2. Dependency resolver - tasks become claimable only when every
//     dependency is COMPLETED, and the graph stays acyclic
//     (DependencyStatus, WouldCreateCycle)
//  3. Gatekeeper - completion claims need provenance evidence proportional
//     to the authority of the sources they cite
//     (ValidateTaskCompletion, CheckGatekeeper, AddJustification)
//  4. Review/Gavel - only an explicit approval decision can complete a
//     task (GenerateReviewPacket, SubmitReviewDecision)
//  5. Retry governor - rejections, expired leases, and blocked timeouts
//     count attempts; at the threshold the task dead-letters to FAILED
//     with a critical alert (SweepBlockedTasks, RequeueTask)
//
// # The emitter
//
// All status changes funnel through one choke point that validates the
// lifecycle table and the Gavel rule, then performs a conditional update
// and its ledger append in a single store transaction. Zero affected rows
// means the caller lost a race; the engine re-reads and names the refusal.
// There are no in-memory locks: the affected-row count is the arbiter.
//
// # Error classification
//
// Errors are classified for retry logic:
//
//   - Transient: temporary failures worth retrying (store contention)
//   - Throttled: rate limiting that requires backoff
//   - Conflict: lost races against concurrent writers
//   - Permanent: refusals and validation failures
//
// Use the helper functions to classify and inspect:
//
//	if engine.IsRetryable(err) {
//	    // back off and try again
//	}
//	switch engine.CodeOf(err) {
//	case engine.ErrCodeGavelViolation:
//	    // only a review decision may complete a task
//	}
//
// # Example usage
//
// The happy path from creation to completion:
//
//	task, err := eng.CreateTask(ctx, &engine.CreateTaskRequest{
//	    Lane: "backend", Goal: "migrate billing", Archetype: engine.ArchetypeDB,
//	    SourceIDs: []string{"PCI-DSS-3"},
//	})
//	claimed, err := eng.ClaimTask(ctx, "backend", "worker-1", 0)
//	// ... do the work, tag it with the source id ...
//	packet, report, err := eng.GenerateReviewPacket(ctx, claimed.ID, "worker-1")
//	done, err := eng.SubmitReviewDecision(ctx, claimed.ID,
//	    engine.DecisionApprove, "looks right", engine.ActorHuman)
//
// # Concurrency
//
// The engine is a synchronous library shared by independent caller
// processes. Every method is safe for concurrent use; correctness comes
// from conditional updates in the store, not mutexes. Sweeps are
// idempotent and safe to run in parallel.
package engine
