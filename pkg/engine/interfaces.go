package engine

import (
	"context"
	"time"

	"github.com/modvault/modvault/pkg/sandbox"
)

// Store persists environments, modules, runs and events.
//
// Status writes are compare-and-set: UpdateModuleRun and UpdateEnvironmentRun
// only apply when the stored status still equals expected, and return a conflict
// error otherwise. Lookups of missing rows return a not-found error.
type Store interface {
	// CreateEnvironment inserts an environment.
	CreateEnvironment(ctx context.Context, env *Environment) error

	// GetEnvironment retrieves an environment by ID.
	GetEnvironment(ctx context.Context, id string) (*Environment, error)

	// CreateModule inserts a module.
	CreateModule(ctx context.Context, module *Module) error

	// GetModule retrieves a module by ID.
	GetModule(ctx context.Context, id string) (*Module, error)

	// ListModules lists the modules of an environment, active and destroyed.
	ListModules(ctx context.Context, environmentID string) ([]Module, error)

	// UpdateModuleLastRun records the outcome of a module's latest run.
	UpdateModuleLastRun(ctx context.Context, moduleID string, outcome ModuleRunOutcome) error

	// CreateDependency inserts a dependency edge. Duplicate edges are a conflict.
	CreateDependency(ctx context.Context, dep *ModuleDependency) error

	// ListDependencies lists the dependency edges of an environment.
	ListDependencies(ctx context.Context, environmentID string) ([]ModuleDependency, error)

	// CreateModuleRun inserts a run. A second run for the same module in the same
	// environment run is a conflict.
	CreateModuleRun(ctx context.Context, run *ModuleRun) error

	// GetModuleRun retrieves a run by ID.
	GetModuleRun(ctx context.Context, id string) (*ModuleRun, error)

	// ListModuleRuns lists runs matching filter, oldest first.
	ListModuleRuns(ctx context.Context, filter RunFilter) ([]ModuleRun, error)

	// CountModuleRuns counts runs matching filter.
	CountModuleRuns(ctx context.Context, filter RunFilter) (int, error)

	// UpdateModuleRun writes the mutable fields of run if its stored status equals expected.
	UpdateModuleRun(ctx context.Context, run *ModuleRun, expected RunStatus) error

	// RecomputeQueuePositions renumbers the queued runs of a module from 1,
	// ordered by priority, creation time and ID.
	RecomputeQueuePositions(ctx context.Context, moduleID string) error

	// ListEligibleQueuedRuns returns queue heads of the given mode (every mode when
	// empty) whose module has no slot-holding run, user priority first, then oldest
	// first. limit <= 0 means no limit.
	ListEligibleQueuedRuns(ctx context.Context, mode RunMode, limit int) ([]ModuleRun, error)

	// CreateEnvironmentRun inserts an environment run.
	CreateEnvironmentRun(ctx context.Context, run *EnvironmentRun) error

	// GetEnvironmentRun retrieves an environment run by ID.
	GetEnvironmentRun(ctx context.Context, id string) (*EnvironmentRun, error)

	// ListEnvironmentRuns lists environment runs matching filter.
	ListEnvironmentRuns(ctx context.Context, filter EnvironmentRunFilter) ([]EnvironmentRun, error)

	// UpdateEnvironmentRun writes status and timing fields if the stored status equals expected.
	UpdateEnvironmentRun(ctx context.Context, run *EnvironmentRun, expected EnvironmentRunStatus) error

	// AddEnvironmentRunProgress atomically increments the counters and returns the updated run.
	AddEnvironmentRunProgress(ctx context.Context, id string, completed, failed, skipped int) (*EnvironmentRun, error)

	// AppendEvent persists an audit event.
	AppendEvent(ctx context.Context, event *Event) error
}

// ModuleRunOutcome is what a finished run writes back to its module.
type ModuleRunOutcome struct {
	RunID         string
	Status        RunStatus
	ResourceCount *int
	Outputs       map[string]any
	Destroyed     bool
	At            time.Time
}

// EnvironmentRunFilter selects environment runs. Zero fields are ignored.
type EnvironmentRunFilter struct {
	EnvironmentID string
	Statuses      []EnvironmentRunStatus
	Limit         int
}

// JobBackend submits and cancels sandbox jobs.
type JobBackend interface {
	// Submit creates the job and its secret.
	Submit(ctx context.Context, bundle *sandbox.Bundle) error

	// Cancel asks the backend to stop a job. It is best effort.
	Cancel(ctx context.Context, namespace, name string) error
}

// LogArchiver stores job logs and returns a reference to them.
type LogArchiver interface {
	Archive(ctx context.Context, runID string, logs string) (string, error)
}

// EvaluationPurger deletes policy evaluations older than a cutoff.
type EvaluationPurger interface {
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}
