package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Environment groups modules whose dependencies form one DAG.
type Environment struct {
	// ID is the unique identifier of the environment.
	ID string `json:"id"`

	// TeamID is the owning team.
	TeamID string `json:"team_id"`

	// Name is the human-readable name, unique per team.
	Name string `json:"name"`

	// CreatedAt is when the environment was created.
	CreatedAt time.Time `json:"created_at"`
}

// Module binds a registry artifact into an environment.
type Module struct {
	// ID is the unique identifier of the module.
	ID string `json:"id"`

	// TeamID is the owning team.
	TeamID string `json:"team_id"`

	// EnvironmentID is the environment the module belongs to.
	EnvironmentID string `json:"environment_id"`

	// Name is the module name, unique per environment.
	Name string `json:"name"`

	// ArtifactNamespace is the registry namespace of the bound artifact.
	ArtifactNamespace string `json:"artifact_namespace"`

	// ArtifactName is the registry name of the bound artifact.
	ArtifactName string `json:"artifact_name"`

	// VersionConstraint is a floating version constraint, used when PinnedVersion is empty.
	VersionConstraint string `json:"version_constraint,omitempty"`

	// PinnedVersion is an exact version, if pinned.
	PinnedVersion string `json:"pinned_version,omitempty"`

	// Variables are the module input variables.
	Variables map[string]any `json:"variables,omitempty"`

	// EnvVars are environment variables passed to the IaC tool.
	EnvVars []EnvVar `json:"env_vars,omitempty"`

	// StateBackend configures where the IaC tool keeps its state.
	StateBackend *StateBackend `json:"state_backend,omitempty"`

	// AutoConfirm is an optional expression over the plan summary that confirms
	// a planned run automatically when it evaluates to true.
	AutoConfirm string `json:"auto_confirm,omitempty"`

	// Status is active until the module is torn down.
	Status ModuleStatus `json:"status"`

	// LastRunID is the most recent run that reached a reportable status.
	LastRunID string `json:"last_run_id,omitempty"`

	// LastRunStatus is the status of LastRunID.
	LastRunStatus RunStatus `json:"last_run_status,omitempty"`

	// ResourceCount is the resource count reported by the last successful run.
	ResourceCount int `json:"resource_count"`

	// Outputs are the outputs captured by the last successful run.
	Outputs map[string]any `json:"outputs,omitempty"`

	// CreatedAt is when the module was attached.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the module was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Version returns the pinned version, or the constraint when floating.
func (m *Module) Version() string {
	if m.PinnedVersion != "" {
		return m.PinnedVersion
	}
	return m.VersionConstraint
}

// EnvVarSource discriminates the EnvVar variants.
type EnvVarSource string

const (
	// EnvVarLiteral carries its value inline.
	EnvVarLiteral EnvVarSource = "literal"

	// EnvVarSecretRef references a platform-managed secret.
	EnvVarSecretRef EnvVarSource = "secret_ref"

	// EnvVarCISecretRef references a secret held by the consumer's CI.
	EnvVarCISecretRef EnvVarSource = "ci_secret_ref"
)

// EnvVar is an environment variable whose value comes from exactly one source.
type EnvVar struct {
	// Name is the variable name.
	Name string `json:"name"`

	// Source selects which of the fields below is populated.
	Source EnvVarSource `json:"source"`

	// Value is set for literal variables.
	Value string `json:"value,omitempty"`

	// SecretRef is set for secret_ref variables.
	SecretRef *SecretRef `json:"secret_ref,omitempty"`

	// CISecretName is set for ci_secret_ref variables.
	CISecretName string `json:"ci_secret_name,omitempty"`
}

// SecretRef points at one key of a platform-managed secret.
type SecretRef struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// Validate checks that exactly the fields of the named variant are populated.
func (v EnvVar) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("env var name is required")
	}
	switch v.Source {
	case EnvVarLiteral:
		if v.SecretRef != nil || v.CISecretName != "" {
			return fmt.Errorf("env var %s: literal source must not reference secrets", v.Name)
		}
	case EnvVarSecretRef:
		if v.SecretRef == nil || v.SecretRef.Name == "" || v.SecretRef.Key == "" {
			return fmt.Errorf("env var %s: secret_ref source requires secret name and key", v.Name)
		}
		if v.Value != "" || v.CISecretName != "" {
			return fmt.Errorf("env var %s: secret_ref source must not carry other values", v.Name)
		}
	case EnvVarCISecretRef:
		if v.CISecretName == "" {
			return fmt.Errorf("env var %s: ci_secret_ref source requires a CI secret name", v.Name)
		}
		if v.Value != "" || v.SecretRef != nil {
			return fmt.Errorf("env var %s: ci_secret_ref source must not carry other values", v.Name)
		}
	default:
		return fmt.Errorf("env var %s: invalid source %q", v.Name, v.Source)
	}
	return nil
}

// StateBackendKind discriminates the StateBackend variants.
type StateBackendKind string

const (
	StateBackendPG StateBackendKind = "pg"
	StateBackendS3 StateBackendKind = "s3"
)

// StateBackend is a tagged union of IaC state backends; only the variant named by
// Kind is populated.
type StateBackend struct {
	Kind StateBackendKind `json:"kind"`
	PG   *PGBackend       `json:"pg,omitempty"`
	S3   *S3Backend       `json:"s3,omitempty"`
}

// PGBackend keeps state in a Postgres schema.
type PGBackend struct {
	// ConnSecretRef names the secret holding the connection string.
	ConnSecretRef string `json:"conn_secret_ref"`

	// SchemaName is the schema state is written to.
	SchemaName string `json:"schema_name,omitempty"`
}

// S3Backend keeps state in an S3-compatible bucket.
type S3Backend struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`

	// CredentialsSecretRef names the secret holding access keys.
	CredentialsSecretRef string `json:"credentials_secret_ref,omitempty"`
}

// stateBackendValidators holds one validator per backend kind.
var stateBackendValidators = map[StateBackendKind]func(*StateBackend) error{
	StateBackendPG: func(b *StateBackend) error {
		if b.PG == nil || b.S3 != nil {
			return fmt.Errorf("pg state backend requires exactly the pg block")
		}
		if b.PG.ConnSecretRef == "" {
			return fmt.Errorf("pg state backend requires conn_secret_ref")
		}
		return nil
	},
	StateBackendS3: func(b *StateBackend) error {
		if b.S3 == nil || b.PG != nil {
			return fmt.Errorf("s3 state backend requires exactly the s3 block")
		}
		if b.S3.Bucket == "" || b.S3.Key == "" {
			return fmt.Errorf("s3 state backend requires bucket and key")
		}
		return nil
	},
}

// Validate dispatches on Kind.
func (b *StateBackend) Validate() error {
	validate, ok := stateBackendValidators[b.Kind]
	if !ok {
		return fmt.Errorf("unsupported state backend kind %q", b.Kind)
	}
	return validate(b)
}

// OutputMapping maps an upstream output onto a downstream variable.
type OutputMapping struct {
	UpstreamOutput     string `json:"upstream_output"`
	DownstreamVariable string `json:"downstream_variable"`
}

// ModuleDependency is a directed edge: ModuleID depends on DependsOnID.
type ModuleDependency struct {
	// ID is the unique identifier of the edge.
	ID string `json:"id"`

	// EnvironmentID is the environment both modules belong to.
	EnvironmentID string `json:"environment_id"`

	// ModuleID is the downstream module.
	ModuleID string `json:"module_id"`

	// DependsOnID is the upstream module.
	DependsOnID string `json:"depends_on_id"`

	// OutputMappings resolve upstream outputs into downstream variables.
	OutputMappings []OutputMapping `json:"output_mappings,omitempty"`

	// CreatedAt is when the edge was created.
	CreatedAt time.Time `json:"created_at"`
}

// PlanSummary counts resource changes reported by a plan.
type PlanSummary struct {
	Add     int `json:"add"`
	Change  int `json:"change"`
	Destroy int `json:"destroy"`
}

// ModuleRun is one execution attempt of one module.
type ModuleRun struct {
	// ID is the unique identifier of the run.
	ID string `json:"id"`

	// ModuleID is the module the run executes.
	ModuleID string `json:"module_id"`

	// EnvironmentID is the module's environment.
	EnvironmentID string `json:"environment_id"`

	// EnvironmentRunID is set when the run is part of an environment run.
	EnvironmentRunID string `json:"environment_run_id,omitempty"`

	// Operation is the IaC operation.
	Operation Operation `json:"operation"`

	// Mode selects BYOC or platform execution.
	Mode RunMode `json:"mode"`

	// Status is the current lifecycle status.
	Status RunStatus `json:"status"`

	// Priority orders the run within queues.
	Priority Priority `json:"priority"`

	// QueuePosition is the 1-based position in the module queue, nil when not queued.
	QueuePosition *int `json:"queue_position,omitempty"`

	// TriggerSource records what created the run.
	TriggerSource TriggerSource `json:"trigger_source"`

	// TriggeredBy is the actor that created the run.
	TriggeredBy string `json:"triggered_by"`

	// ArtifactNamespace, ArtifactName and Version are frozen at creation.
	ArtifactNamespace string `json:"artifact_namespace"`
	ArtifactName      string `json:"artifact_name"`
	Version           string `json:"version"`

	// Variables is the variable snapshot frozen at creation.
	Variables map[string]any `json:"variables,omitempty"`

	// EnvVars is the env var snapshot frozen at creation.
	EnvVars []EnvVar `json:"env_vars,omitempty"`

	// StateBackend is the state backend snapshot frozen at creation.
	StateBackend *StateBackend `json:"state_backend,omitempty"`

	// Outputs are the outputs reported by the job.
	Outputs map[string]any `json:"outputs,omitempty"`

	// PlanSummary is the change summary reported by a plan.
	PlanSummary *PlanSummary `json:"plan_summary,omitempty"`

	// ResourceCount is the resource count reported by the job, if any.
	ResourceCount *int `json:"resource_count,omitempty"`

	// JobName and JobNamespace identify the current sandbox job.
	JobName      string `json:"job_name,omitempty"`
	JobNamespace string `json:"job_namespace,omitempty"`

	// JobSpec is the redacted job and secret specification, kept for debugging.
	JobSpec json.RawMessage `json:"job_spec,omitempty"`

	// CallbackTokenHash is the SHA-256 hash of the current callback credential.
	CallbackTokenHash string `json:"-"`

	// ExitCode is the exit code of the job; -1 when it never started.
	ExitCode *int `json:"exit_code,omitempty"`

	// ErrorMessage describes a failure.
	ErrorMessage string `json:"error_message,omitempty"`

	// SkipReason explains why the run was skipped.
	SkipReason string `json:"skip_reason,omitempty"`

	// LogRef locates the archived job log.
	LogRef string `json:"log_ref,omitempty"`

	// CancelRequestedAt is set when a cancel was requested for an executing run.
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`

	// CreatedAt is when the run was created.
	CreatedAt time.Time `json:"created_at"`

	// QueuedAt is when the run entered the queue.
	QueuedAt *time.Time `json:"queued_at,omitempty"`

	// StartedAt is when the first job started.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// PlannedAt is when the plan finished.
	PlannedAt *time.Time `json:"planned_at,omitempty"`

	// ConfirmedAt is when the plan was confirmed.
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`

	// ConfirmedBy is the actor that confirmed the plan.
	ConfirmedBy string `json:"confirmed_by,omitempty"`

	// ApplyStartedAt is when the apply phase started.
	ApplyStartedAt *time.Time `json:"apply_started_at,omitempty"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PhaseStartedAt returns when the currently executing phase started.
func (r *ModuleRun) PhaseStartedAt() *time.Time {
	if r.Status == RunStatusApplying && r.ApplyStartedAt != nil {
		return r.ApplyStartedAt
	}
	return r.StartedAt
}

// Duration returns the time from start to completion, or zero.
func (r *ModuleRun) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// EnvironmentRun is one execution of an environment's whole DAG.
type EnvironmentRun struct {
	// ID is the unique identifier of the environment run.
	ID string `json:"id"`

	// EnvironmentID is the environment being run.
	EnvironmentID string `json:"environment_id"`

	// Operation is plan-all, apply-all or destroy-all.
	Operation EnvironmentOperation `json:"operation"`

	// Status is the current lifecycle status.
	Status EnvironmentRunStatus `json:"status"`

	// Mode is the run mode used for every module run.
	Mode RunMode `json:"mode"`

	// TotalModules is the number of modules in ExecutionOrder.
	TotalModules int `json:"total_modules"`

	// CompletedModules counts modules whose run succeeded.
	CompletedModules int `json:"completed_modules"`

	// FailedModules counts modules whose run ended in a failure status.
	FailedModules int `json:"failed_modules"`

	// SkippedModules counts modules skipped because an upstream failed.
	SkippedModules int `json:"skipped_modules"`

	// ExecutionOrder is the topological order of module IDs.
	ExecutionOrder []string `json:"execution_order"`

	// TriggeredBy is the actor that started the environment run.
	TriggeredBy string `json:"triggered_by"`

	// CreatedAt is when the environment run was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the root module runs were enqueued.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the environment run reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the wall time from start to completion.
	Duration time.Duration `json:"duration"`
}

// Finished returns true once every module has a terminal outcome.
func (r *EnvironmentRun) Finished() bool {
	return r.CompletedModules+r.FailedModules+r.SkippedModules >= r.TotalModules
}

// FinalStatus derives the terminal status from the counters.
func (r *EnvironmentRun) FinalStatus() EnvironmentRunStatus {
	switch {
	case r.FailedModules == 0 && r.SkippedModules == 0:
		return EnvRunStatusSucceeded
	case r.CompletedModules > 0:
		return EnvRunStatusPartialFailure
	default:
		return EnvRunStatusFailed
	}
}

// RunReport is what a job (or CI pipeline) reports when a phase finishes.
type RunReport struct {
	// Success is true when the IaC tool exited zero.
	Success bool `json:"success"`

	// ExitCode is the tool's exit code.
	ExitCode int `json:"exit_code" validate:"gte=-1,lte=255"`

	// Outputs are the captured module outputs.
	Outputs map[string]any `json:"outputs,omitempty"`

	// PlanSummary is set by plan operations.
	PlanSummary *PlanSummary `json:"plan_summary,omitempty"`

	// ResourceCount is the number of managed resources after the run.
	ResourceCount *int `json:"resource_count,omitempty" validate:"omitempty,gte=0"`

	// ErrorMessage describes a failure.
	ErrorMessage string `json:"error_message,omitempty" validate:"max=4096"`

	// Logs is the job log, archived by the configured log archiver.
	Logs string `json:"logs,omitempty"`
}

// RunConfig is the configuration a job pulls at execution time.
type RunConfig struct {
	RunID             string         `json:"run_id"`
	ModuleID          string         `json:"module_id"`
	Operation         Operation      `json:"operation"`
	Phase             Phase          `json:"phase"`
	ArtifactNamespace string         `json:"artifact_namespace"`
	ArtifactName      string         `json:"artifact_name"`
	Version           string         `json:"version"`
	Variables         map[string]any `json:"variables,omitempty"`
	EnvVars           []EnvVar       `json:"env_vars,omitempty"`
	StateBackend      *StateBackend  `json:"state_backend,omitempty"`
}

// RunFilter selects module runs. Zero fields are ignored.
type RunFilter struct {
	ModuleID         string
	EnvironmentID    string
	EnvironmentRunID string
	Mode             RunMode
	Statuses         []RunStatus
	Limit            int
}

// Event is a persisted audit record of a state change.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the module run, if any.
	RunID string `json:"run_id,omitempty"`

	// EnvironmentRunID is the environment run, if any.
	EnvironmentRunID string `json:"environment_run_id,omitempty"`

	// ModuleID is the module, if any.
	ModuleID string `json:"module_id,omitempty"`

	// Actor is who caused the change.
	Actor string `json:"actor,omitempty"`

	// From and To are the statuses of a transition.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Message is a human-readable summary.
	Message string `json:"message"`

	// Level is info, warning or error.
	Level string `json:"level"`
}

// EventType is the type of a persisted event.
type EventType string

const (
	EventTypeRunTransition    EventType = "run.transition"
	EventTypeRunCancelRequest EventType = "run.cancel_requested"
	EventTypeEnvRunTransition EventType = "environment_run.transition"
	EventTypeRunRecovered     EventType = "run.recovered"
)
