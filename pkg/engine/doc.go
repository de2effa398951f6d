// Package engine implements run orchestration for modvault.
//
// # Overview
//
// Teams attach registry modules to environments and declare dependencies between
// them. The engine drives two state machines over those modules:
//
//   - ModuleRun: one execution attempt of one module
//     (pending -> queued -> running -> planned -> confirmed -> applying -> succeeded/failed,
//     or cancelled, timed_out, discarded, skipped)
//   - EnvironmentRun: one execution of an environment's whole dependency graph
//     (pending -> running -> succeeded/partial_failure/failed/cancelled/expired)
//
// # Components
//
//   - DAGBuilder: topological levels, cycle detection and DOT rendering of the
//     module graph
//   - RunService: the only writer of run status. Every transition is a
//     compare-and-set in the Store, followed by an audit event, metrics, module
//     bookkeeping, queue renumbering and DAG advancement
//   - DAGExecutor: reacts to finished module runs of an environment run by
//     skipping dependents of failures or queueing dependents whose upstreams
//     all succeeded, with mapped outputs merged into their variables
//   - Scheduler: a poll loop that starts eligible queued runs under a global
//     concurrency ceiling, and a sweep loop that expires plans, runs and
//     environment runs past their deadlines
//
// # Queueing
//
// Each module executes at most one run at a time. Competing runs wait in a
// per-module queue ordered by priority (user before cascade), then creation time.
// The scheduler only ever dequeues queue heads whose module holds no slot, so the
// rule holds by construction rather than through an in-memory lock.
//
// # Errors
//
// Errors are classified as validation, conflict, not_found, execution, timeout or
// internal. The first three surface to callers. Execution and timeout failures are
// recorded on the run and never retried automatically:
//
//	if engine.IsConflict(err) {
//	    // the run moved on; reload it
//	}
//
// # Thread Safety
//
// RunService, DAGExecutor and Scheduler are safe for concurrent use. They keep no
// state of their own beyond configuration; all coordination goes through the Store.
package engine
