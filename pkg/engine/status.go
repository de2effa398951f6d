package engine

import (
	"fmt"
)

// RunStatus is the lifecycle status of a ModuleRun.
type RunStatus string

const (
	// RunStatusPending indicates the run was created but not yet queued.
	RunStatusPending RunStatus = "pending"

	// RunStatusQueued indicates the run waits in its module's queue.
	RunStatusQueued RunStatus = "queued"

	// RunStatusRunning indicates the run's job (or CI pipeline) is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusPlanned indicates a plan finished and awaits confirmation.
	RunStatusPlanned RunStatus = "planned"

	// RunStatusConfirmed indicates a plan was confirmed and waits for the apply phase.
	RunStatusConfirmed RunStatus = "confirmed"

	// RunStatusApplying indicates the apply phase of a confirmed plan is executing.
	RunStatusApplying RunStatus = "applying"

	// RunStatusSucceeded indicates the run completed successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed to start or reported a failure.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled before it started.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusTimedOut indicates the run exceeded the run timeout.
	RunStatusTimedOut RunStatus = "timed_out"

	// RunStatusDiscarded indicates a plan was discarded or never confirmed in time.
	RunStatusDiscarded RunStatus = "discarded"

	// RunStatusSkipped indicates the run was never started because an upstream failed.
	RunStatusSkipped RunStatus = "skipped"
)

// IsTerminal returns true if no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled,
		RunStatusTimedOut, RunStatusDiscarded, RunStatusSkipped:
		return true
	}
	return false
}

// HoldsSlot returns true if the run occupies its module: only one run per module
// may be running, planned, confirmed or applying at a time.
func (s RunStatus) HoldsSlot() bool {
	switch s {
	case RunStatusRunning, RunStatusPlanned, RunStatusConfirmed, RunStatusApplying:
		return true
	}
	return false
}

// IsExecuting returns true if an external job or pipeline is working on the run.
func (s RunStatus) IsExecuting() bool {
	return s == RunStatusRunning || s == RunStatusApplying
}

// IsFailure returns true for terminal statuses the DAG treats as a failed module.
func (s RunStatus) IsFailure() bool {
	switch s {
	case RunStatusFailed, RunStatusCancelled, RunStatusTimedOut, RunStatusDiscarded:
		return true
	}
	return false
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	if _, ok := runTransitions[s]; !ok {
		return fmt.Errorf("invalid run status: %s", s)
	}
	return nil
}

// runTransitions lists the legal successors of every run status.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:   {RunStatusQueued, RunStatusCancelled, RunStatusSkipped, RunStatusFailed},
	RunStatusQueued:    {RunStatusRunning, RunStatusCancelled, RunStatusSkipped, RunStatusFailed},
	RunStatusRunning:   {RunStatusPlanned, RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut},
	RunStatusPlanned:   {RunStatusConfirmed, RunStatusDiscarded, RunStatusCancelled},
	RunStatusConfirmed: {RunStatusApplying, RunStatusCancelled, RunStatusFailed},
	RunStatusApplying:  {RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut},
	RunStatusSucceeded: nil,
	RunStatusFailed:    nil,
	RunStatusCancelled: nil,
	RunStatusTimedOut:  nil,
	RunStatusDiscarded: nil,
	RunStatusSkipped:   nil,
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EnvironmentRunStatus is the lifecycle status of an EnvironmentRun.
type EnvironmentRunStatus string

const (
	// EnvRunStatusPending indicates the environment run was created.
	EnvRunStatusPending EnvironmentRunStatus = "pending"

	// EnvRunStatusRunning indicates module runs are being driven through the DAG.
	EnvRunStatusRunning EnvironmentRunStatus = "running"

	// EnvRunStatusSucceeded indicates every module succeeded.
	EnvRunStatusSucceeded EnvironmentRunStatus = "succeeded"

	// EnvRunStatusPartialFailure indicates at least one module failed and at least one succeeded.
	EnvRunStatusPartialFailure EnvironmentRunStatus = "partial_failure"

	// EnvRunStatusFailed indicates no module succeeded.
	EnvRunStatusFailed EnvironmentRunStatus = "failed"

	// EnvRunStatusCancelled indicates the environment run was cancelled.
	EnvRunStatusCancelled EnvironmentRunStatus = "cancelled"

	// EnvRunStatusExpired indicates the environment run exceeded its timeout.
	EnvRunStatusExpired EnvironmentRunStatus = "expired"
)

// IsTerminal returns true if the environment run is finished.
func (s EnvironmentRunStatus) IsTerminal() bool {
	switch s {
	case EnvRunStatusSucceeded, EnvRunStatusPartialFailure, EnvRunStatusFailed,
		EnvRunStatusCancelled, EnvRunStatusExpired:
		return true
	}
	return false
}

var envRunTransitions = map[EnvironmentRunStatus][]EnvironmentRunStatus{
	EnvRunStatusPending: {EnvRunStatusRunning, EnvRunStatusCancelled, EnvRunStatusFailed},
	EnvRunStatusRunning: {EnvRunStatusSucceeded, EnvRunStatusPartialFailure, EnvRunStatusFailed,
		EnvRunStatusCancelled, EnvRunStatusExpired},
}

// CanTransitionEnvironmentRun reports whether an environment run may move between statuses.
func CanTransitionEnvironmentRun(from, to EnvironmentRunStatus) bool {
	for _, next := range envRunTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Operation is the IaC operation a module run performs.
type Operation string

const (
	OperationPlan       Operation = "plan"
	OperationApply      Operation = "apply"
	OperationDestroy    Operation = "destroy"
	OperationRefresh    Operation = "refresh"
	OperationDriftCheck Operation = "drift-check"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationPlan, OperationApply, OperationDestroy, OperationRefresh, OperationDriftCheck:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// EnvironmentOperation is the operation of an environment-wide run.
type EnvironmentOperation string

const (
	EnvOperationPlanAll    EnvironmentOperation = "plan-all"
	EnvOperationApplyAll   EnvironmentOperation = "apply-all"
	EnvOperationDestroyAll EnvironmentOperation = "destroy-all"
)

// ModuleOperation returns the per-module operation of an environment operation.
func (o EnvironmentOperation) ModuleOperation() (Operation, error) {
	switch o {
	case EnvOperationPlanAll:
		return OperationPlan, nil
	case EnvOperationApplyAll:
		return OperationApply, nil
	case EnvOperationDestroyAll:
		return OperationDestroy, nil
	default:
		return "", fmt.Errorf("invalid environment operation: %s", o)
	}
}

// RunMode selects who executes a run.
type RunMode string

const (
	// RunModeBYOC runs on the consumer's own CI; the platform only tracks state.
	RunModeBYOC RunMode = "byoc"

	// RunModePeaaS runs as a sandboxed job on platform-managed compute.
	RunModePeaaS RunMode = "peaas"
)

// Validate checks if the run mode is valid.
func (m RunMode) Validate() error {
	switch m {
	case RunModeBYOC, RunModePeaaS:
		return nil
	default:
		return fmt.Errorf("invalid run mode: %s", m)
	}
}

// Priority orders queued runs. User runs are always dequeued before cascade runs.
type Priority string

const (
	PriorityUser    Priority = "user"
	PriorityCascade Priority = "cascade"
)

// Rank returns the sort key of a priority; lower ranks are dequeued first.
func (p Priority) Rank() int {
	if p == PriorityUser {
		return 0
	}
	return 1
}

// Validate checks if the priority is valid.
func (p Priority) Validate() error {
	switch p {
	case PriorityUser, PriorityCascade:
		return nil
	default:
		return fmt.Errorf("invalid priority: %s", p)
	}
}

// TriggerSource records what created a run.
type TriggerSource string

const (
	TriggerUser         TriggerSource = "user"
	TriggerModuleUpdate TriggerSource = "module_update"
	TriggerWebhook      TriggerSource = "webhook"
	TriggerSchedule     TriggerSource = "schedule"
	TriggerEnvironment  TriggerSource = "environment"
)

// Validate checks if the trigger source is valid.
func (t TriggerSource) Validate() error {
	switch t {
	case TriggerUser, TriggerModuleUpdate, TriggerWebhook, TriggerSchedule, TriggerEnvironment:
		return nil
	default:
		return fmt.Errorf("invalid trigger source: %s", t)
	}
}

// ModuleStatus is the lifecycle status of a Module binding.
type ModuleStatus string

const (
	ModuleStatusActive    ModuleStatus = "active"
	ModuleStatusDestroyed ModuleStatus = "destroyed"
)

// Phase identifies which job of a run is being started.
type Phase string

const (
	// PhaseMain is the first job of every run.
	PhaseMain Phase = "main"

	// PhaseApply is the second job of a confirmed plan.
	PhaseApply Phase = "apply"
)
