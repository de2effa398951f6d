package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/modvault/modvault/pkg/sandbox"
	"github.com/modvault/modvault/pkg/telemetry"
)

// Actors recorded on transitions made by the engine itself.
const (
	ActorScheduler   = "system:scheduler"
	ActorDAG         = "system:dag"
	ActorRecovery    = "system:recovery"
	ActorAutoConfirm = "policy:auto-confirm"
)

// RunService owns the module run and environment run state machines. Every status
// change goes through it, so that persistence, events, metrics, module bookkeeping,
// queue positions and DAG advancement stay consistent.
type RunService struct {
	store    Store
	backend  JobBackend
	archiver LogArchiver
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	logger   zerolog.Logger
	clock    Clock
	dag      *DAGExecutor
}

// ServiceOption configures a RunService.
type ServiceOption func(*RunService)

// WithJobBackend sets the backend used to cancel sandbox jobs.
func WithJobBackend(backend JobBackend) ServiceOption {
	return func(s *RunService) { s.backend = backend }
}

// WithLogArchiver sets the archiver for logs reported by jobs.
func WithLogArchiver(archiver LogArchiver) ServiceOption {
	return func(s *RunService) { s.archiver = archiver }
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) ServiceOption {
	return func(s *RunService) { s.metrics = metrics }
}

// WithEventPublisher sets the publisher status changes are fanned out to.
func WithEventPublisher(events *telemetry.EventPublisher) ServiceOption {
	return func(s *RunService) { s.events = events }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *RunService) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(clock Clock) ServiceOption {
	return func(s *RunService) { s.clock = clock }
}

// NewRunService creates a run service and its DAG executor.
func NewRunService(store Store, opts ...ServiceOption) *RunService {
	s := &RunService{
		store:  store,
		logger: zerolog.Nop(),
		clock:  systemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "run-service").Logger()
	s.dag = newDAGExecutor(s)
	return s
}

// DAG returns the service's DAG executor.
func (s *RunService) DAG() *DAGExecutor {
	return s.dag
}

// CreateRunRequest describes a module run to create.
type CreateRunRequest struct {
	ModuleID      string
	Operation     Operation
	Mode          RunMode
	Priority      Priority
	TriggerSource TriggerSource
	TriggeredBy   string

	// VariableOverrides are merged over the module variables in the frozen snapshot.
	VariableOverrides map[string]any

	// EnvironmentRunID links the run to an environment run.
	EnvironmentRunID string
}

// CreateRunResult is the outcome of CreateModuleRun.
type CreateRunResult struct {
	Run *ModuleRun

	// CallbackToken is set for BYOC runs only and is never retrievable again.
	CallbackToken string
}

func (r *CreateRunRequest) normalize() error {
	if r.Priority == "" {
		r.Priority = PriorityUser
	}
	if r.TriggerSource == "" {
		r.TriggerSource = TriggerUser
	}
	if r.ModuleID == "" {
		return NewValidationError("module ID is required", nil)
	}
	if err := r.Operation.Validate(); err != nil {
		return NewValidationError(err.Error(), nil)
	}
	if err := r.Mode.Validate(); err != nil {
		return NewValidationError(err.Error(), nil)
	}
	if err := r.Priority.Validate(); err != nil {
		return NewValidationError(err.Error(), nil)
	}
	if err := r.TriggerSource.Validate(); err != nil {
		return NewValidationError(err.Error(), nil)
	}
	return nil
}

// CreateModuleRun freezes the module's configuration into a new run and queues it.
func (s *RunService) CreateModuleRun(ctx context.Context, req CreateRunRequest) (*CreateRunResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "run.create",
		telemetry.AttrModuleID.String(req.ModuleID),
		telemetry.AttrRunOperation.String(string(req.Operation)))
	result, err := s.createModuleRun(ctx, req)
	telemetry.EndSpan(span, err)
	return result, err
}

func (s *RunService) createModuleRun(ctx context.Context, req CreateRunRequest) (*CreateRunResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	module, err := s.store.GetModule(ctx, req.ModuleID)
	if err != nil {
		return nil, err
	}
	if module.Status == ModuleStatusDestroyed {
		return nil, NewConflictError("module is destroyed", nil).
			WithResource(module.ID).WithCode(ErrCodeInvalidState)
	}

	if req.Priority == PriorityUser && req.EnvironmentRunID == "" {
		queued, err := s.store.ListModuleRuns(ctx, RunFilter{
			ModuleID: module.ID,
			Statuses: []RunStatus{RunStatusQueued},
		})
		if err != nil {
			return nil, err
		}
		for _, q := range queued {
			if q.Priority == PriorityUser && q.Operation == req.Operation && q.EnvironmentRunID == "" {
				return nil, NewConflictError(
					fmt.Sprintf("module already has a queued %s run", req.Operation), nil).
					WithResource(q.ID).WithCode(ErrCodeAlreadyExists)
			}
		}
	}

	run := s.newRun(module, req)
	result := &CreateRunResult{Run: run}
	if run.Mode == RunModeBYOC {
		cred, err := sandbox.NewCallbackCredential()
		if err != nil {
			return nil, NewInternalError("failed to generate callback credential", err)
		}
		run.CallbackTokenHash = cred.Hash
		result.CallbackToken = cred.Token
	}

	if err := s.store.CreateModuleRun(ctx, run); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, run, "", "Run created", telemetry.EventLevelInfo)
	s.metrics.RecordRunCreated(string(run.Operation), string(run.Mode), string(run.Priority))

	if err := s.transition(ctx, run, RunStatusQueued, req.TriggeredBy, "Run queued", nil); err != nil {
		return nil, err
	}
	return result, nil
}

// newRun builds a pending run whose snapshots are copied from module.
func (s *RunService) newRun(module *Module, req CreateRunRequest) *ModuleRun {
	variables := make(map[string]any, len(module.Variables)+len(req.VariableOverrides))
	for k, v := range module.Variables {
		variables[k] = v
	}
	for k, v := range req.VariableOverrides {
		variables[k] = v
	}

	var envVars []EnvVar
	if len(module.EnvVars) > 0 {
		envVars = append(make([]EnvVar, 0, len(module.EnvVars)), module.EnvVars...)
	}

	var backend *StateBackend
	if module.StateBackend != nil {
		b := *module.StateBackend
		if b.PG != nil {
			pg := *b.PG
			b.PG = &pg
		}
		if b.S3 != nil {
			s3 := *b.S3
			b.S3 = &s3
		}
		backend = &b
	}

	return &ModuleRun{
		ID:                uuid.New().String(),
		ModuleID:          module.ID,
		EnvironmentID:     module.EnvironmentID,
		EnvironmentRunID:  req.EnvironmentRunID,
		Operation:         req.Operation,
		Mode:              req.Mode,
		Status:            RunStatusPending,
		Priority:          req.Priority,
		TriggerSource:     req.TriggerSource,
		TriggeredBy:       req.TriggeredBy,
		ArtifactNamespace: module.ArtifactNamespace,
		ArtifactName:      module.ArtifactName,
		Version:           module.Version(),
		Variables:         variables,
		EnvVars:           envVars,
		StateBackend:      backend,
		CreatedAt:         s.clock(),
	}
}

// transition moves run to status to with a compare-and-set on its current status.
// mutate, when set, edits the other fields written alongside the status. On
// success run is updated in place.
func (s *RunService) transition(ctx context.Context, run *ModuleRun, to RunStatus, actor, message string, mutate func(*ModuleRun)) error {
	from := run.Status
	if !CanTransition(from, to) {
		return NewConflictError(fmt.Sprintf("cannot transition run from %s to %s", from, to), nil).
			WithResource(run.ID).WithCode(ErrCodeInvalidState)
	}

	now := s.clock()
	next := *run
	next.Status = to
	switch to {
	case RunStatusQueued:
		next.QueuedAt = &now
	case RunStatusRunning:
		next.StartedAt = &now
	case RunStatusPlanned:
		next.PlannedAt = &now
	case RunStatusConfirmed:
		next.ConfirmedAt = &now
	case RunStatusApplying:
		next.ApplyStartedAt = &now
	}
	if to != RunStatusQueued {
		next.QueuePosition = nil
	}
	if to.IsTerminal() {
		next.CompletedAt = &now
		next.CallbackTokenHash = ""
	}
	if mutate != nil {
		mutate(&next)
	}

	if err := s.store.UpdateModuleRun(ctx, &next, from); err != nil {
		return err
	}
	*run = next

	telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor).
		Msg(message)
	s.recordTransitionEvent(ctx, run, from, actor, message)

	if to.IsTerminal() {
		s.metrics.RecordRunCompleted(string(run.Operation), string(to), run.Duration())
		if to.IsFailure() {
			s.metrics.RecordError(string(ErrorClassExecution), string(to))
		}
	}

	if to == RunStatusPlanned || to.IsTerminal() {
		if err := s.store.UpdateModuleLastRun(ctx, run.ModuleID, outcomeOf(run)); err != nil {
			telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Error().Err(err).Msg("Failed to update module last run")
		}
	}

	if from == RunStatusQueued || to == RunStatusQueued {
		if err := s.store.RecomputeQueuePositions(ctx, run.ModuleID); err != nil {
			s.logger.Error().Err(err).Str("module_id", run.ModuleID).Msg("Failed to recompute queue positions")
		}
	}

	if to.IsTerminal() && run.EnvironmentRunID != "" {
		if err := s.dag.OnRunFinished(ctx, run); err != nil {
			telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Error().Err(err).
				Str("environment_run_id", run.EnvironmentRunID).
				Msg("Failed to advance environment run")
		}
	}
	return nil
}

func outcomeOf(run *ModuleRun) ModuleRunOutcome {
	outcome := ModuleRunOutcome{RunID: run.ID, Status: run.Status, At: run.CreatedAt}
	switch {
	case run.CompletedAt != nil:
		outcome.At = *run.CompletedAt
	case run.PlannedAt != nil:
		outcome.At = *run.PlannedAt
	}
	if run.Status == RunStatusSucceeded {
		outcome.ResourceCount = run.ResourceCount
		outcome.Outputs = run.Outputs
		outcome.Destroyed = run.Operation == OperationDestroy
	}
	return outcome
}

func (s *RunService) recordTransitionEvent(ctx context.Context, run *ModuleRun, from RunStatus, actor, message string) {
	level := telemetry.EventLevelInfo
	if run.Status.IsFailure() {
		level = telemetry.EventLevelWarning
	}
	event := &Event{
		ID:               uuid.New().String(),
		Type:             EventTypeRunTransition,
		Timestamp:        s.clock(),
		RunID:            run.ID,
		EnvironmentRunID: run.EnvironmentRunID,
		ModuleID:         run.ModuleID,
		Actor:            actor,
		From:             string(from),
		To:               string(run.Status),
		Message:          message,
		Level:            level,
	}
	s.persistAndPublish(ctx, event, telemetry.EventTypeRunStatusChanged)
}

// recordEvent records a run event that is not a status transition.
func (s *RunService) recordEvent(ctx context.Context, run *ModuleRun, actor, message, level string) {
	event := &Event{
		ID:               uuid.New().String(),
		Type:             EventTypeRunTransition,
		Timestamp:        s.clock(),
		RunID:            run.ID,
		EnvironmentRunID: run.EnvironmentRunID,
		ModuleID:         run.ModuleID,
		Actor:            actor,
		To:               string(run.Status),
		Message:          message,
		Level:            level,
	}
	s.persistAndPublish(ctx, event, telemetry.EventTypeRunStatusChanged)
}

func (s *RunService) persistAndPublish(ctx context.Context, event *Event, publishType string) {
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("Failed to persist event")
	}
	_ = s.events.Publish(telemetry.Event{
		ID:               event.ID,
		Timestamp:        event.Timestamp,
		Type:             publishType,
		Source:           "engine",
		RunID:            event.RunID,
		EnvironmentRunID: event.EnvironmentRunID,
		SubjectID:        event.ModuleID,
		Message:          event.Message,
		Level:            event.Level,
		Data: map[string]interface{}{
			"from":  event.From,
			"to":    event.To,
			"actor": event.Actor,
		},
	})
}

// GetRun returns a module run.
func (s *RunService) GetRun(ctx context.Context, runID string) (*ModuleRun, error) {
	return s.store.GetModuleRun(ctx, runID)
}

// ListRuns lists module runs by module, environment, environment run or status.
func (s *RunService) ListRuns(ctx context.Context, filter RunFilter) ([]ModuleRun, error) {
	for _, st := range filter.Statuses {
		if err := st.Validate(); err != nil {
			return nil, NewValidationError(err.Error(), nil)
		}
	}
	if filter.Mode != "" {
		if err := filter.Mode.Validate(); err != nil {
			return nil, NewValidationError(err.Error(), nil)
		}
	}
	return s.store.ListModuleRuns(ctx, filter)
}

// ConfirmPlan confirms a planned run. The apply phase starts on the next tick.
func (s *RunService) ConfirmPlan(ctx context.Context, runID, actor string) (*ModuleRun, error) {
	run, err := s.store.GetModuleRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != RunStatusPlanned {
		return nil, NewConflictError(fmt.Sprintf("run is %s, not planned", run.Status), nil).
			WithResource(run.ID).WithCode(ErrCodeInvalidState)
	}
	err = s.transition(ctx, run, RunStatusConfirmed, actor, "Plan confirmed", func(r *ModuleRun) {
		r.ConfirmedBy = actor
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// DiscardPlan discards a planned run.
func (s *RunService) DiscardPlan(ctx context.Context, runID, actor string) (*ModuleRun, error) {
	run, err := s.store.GetModuleRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != RunStatusPlanned {
		return nil, NewConflictError(fmt.Sprintf("run is %s, not planned", run.Status), nil).
			WithResource(run.ID).WithCode(ErrCodeInvalidState)
	}
	if err := s.transition(ctx, run, RunStatusDiscarded, actor, "Plan discarded", nil); err != nil {
		return nil, err
	}
	return run, nil
}

// CancelRun cancels a run. Runs without an executing job are cancelled at once.
// For executing runs the job is asked to stop and the run keeps its status until
// it reports back or times out.
func (s *RunService) CancelRun(ctx context.Context, runID, actor string) (*ModuleRun, error) {
	run, err := s.store.GetModuleRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case RunStatusPending, RunStatusQueued, RunStatusPlanned, RunStatusConfirmed:
		if err := s.transition(ctx, run, RunStatusCancelled, actor, "Run cancelled", nil); err != nil {
			return nil, err
		}
		return run, nil

	case RunStatusRunning, RunStatusApplying:
		s.requestJobCancel(ctx, run)
		now := s.clock()
		next := *run
		next.CancelRequestedAt = &now
		if err := s.store.UpdateModuleRun(ctx, &next, run.Status); err != nil {
			return nil, err
		}
		*run = next
		telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Info().Str("actor", actor).Msg("Cancellation requested")
		event := &Event{
			ID:               uuid.New().String(),
			Type:             EventTypeRunCancelRequest,
			Timestamp:        now,
			RunID:            run.ID,
			EnvironmentRunID: run.EnvironmentRunID,
			ModuleID:         run.ModuleID,
			Actor:            actor,
			To:               string(run.Status),
			Message:          "Cancellation requested",
			Level:            telemetry.EventLevelInfo,
		}
		s.persistAndPublish(ctx, event, telemetry.EventTypeRunStatusChanged)
		return run, nil

	default:
		return nil, NewConflictError(fmt.Sprintf("run is already %s", run.Status), nil).
			WithResource(run.ID).WithCode(ErrCodeInvalidState)
	}
}

// requestJobCancel asks the backend to stop the run's job. Failures are logged.
func (s *RunService) requestJobCancel(ctx context.Context, run *ModuleRun) {
	if s.backend == nil || run.JobName == "" {
		return
	}
	if err := s.backend.Cancel(ctx, run.JobNamespace, run.JobName); err != nil {
		telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Warn().Err(err).Str("job", run.JobName).Msg("Job cancellation failed")
	}
}

func (s *RunService) authorize(run *ModuleRun, token string) error {
	if !sandbox.VerifyCallbackCredential(token, run.CallbackTokenHash) {
		return NewValidationError("invalid callback credential", nil).
			WithResource(run.ID).WithCode(ErrCodeUnauthorized)
	}
	return nil
}

// RunConfig returns the configuration an executing job pulls for its run.
func (s *RunService) RunConfig(ctx context.Context, runID, token string) (*RunConfig, error) {
	run, err := s.store.GetModuleRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(run, token); err != nil {
		return nil, err
	}
	if !run.Status.IsExecuting() {
		return nil, NewConflictError(fmt.Sprintf("run is %s, not executing", run.Status), nil).
			WithResource(run.ID).WithCode(ErrCodeInvalidState)
	}

	phase := PhaseMain
	if run.Status == RunStatusApplying {
		phase = PhaseApply
	}
	return &RunConfig{
		RunID:             run.ID,
		ModuleID:          run.ModuleID,
		Operation:         run.Operation,
		Phase:             phase,
		ArtifactNamespace: run.ArtifactNamespace,
		ArtifactName:      run.ArtifactName,
		Version:           run.Version,
		Variables:         run.Variables,
		EnvVars:           run.EnvVars,
		StateBackend:      run.StateBackend,
	}, nil
}

// ReportResult records the result of an executing phase.
func (s *RunService) ReportResult(ctx context.Context, runID, token string, report RunReport) (*ModuleRun, error) {
	ctx, span := telemetry.StartSpan(ctx, "run.report", telemetry.AttrRunID.String(runID))
	run, err := s.reportResult(ctx, runID, token, report)
	if run != nil {
		span.SetAttributes(telemetry.AttrRunStatus.String(string(run.Status)))
	}
	telemetry.EndSpan(span, err)
	return run, err
}

func (s *RunService) reportResult(ctx context.Context, runID, token string, report RunReport) (*ModuleRun, error) {
	run, err := s.store.GetModuleRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(run, token); err != nil {
		return nil, err
	}
	if !run.Status.IsExecuting() {
		return nil, NewConflictError(fmt.Sprintf("run is %s, not executing", run.Status), nil).
			WithResource(run.ID).WithCode(ErrCodeInvalidState)
	}

	var logRef string
	if report.Logs != "" && s.archiver != nil {
		logRef, err = s.archiver.Archive(ctx, run.ID, report.Logs)
		if err != nil {
			telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Warn().Err(err).Msg("Failed to archive run logs")
		}
	}

	target := RunStatusFailed
	message := "Run failed"
	if report.Success {
		target = RunStatusSucceeded
		message = "Run succeeded"
		if run.Operation == OperationPlan && run.Status == RunStatusRunning {
			target = RunStatusPlanned
			message = "Plan ready for confirmation"
		}
	}

	exitCode := report.ExitCode
	err = s.transition(ctx, run, target, "job:"+run.ID, message, func(r *ModuleRun) {
		r.ExitCode = &exitCode
		if report.Outputs != nil {
			r.Outputs = report.Outputs
		}
		if report.PlanSummary != nil {
			r.PlanSummary = report.PlanSummary
		}
		if report.ResourceCount != nil {
			r.ResourceCount = report.ResourceCount
		}
		if logRef != "" {
			r.LogRef = logRef
		}
		if !report.Success {
			r.ErrorMessage = report.ErrorMessage
			if r.ErrorMessage == "" {
				r.ErrorMessage = fmt.Sprintf("job exited with code %d", report.ExitCode)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	if target == RunStatusPlanned {
		s.maybeAutoConfirm(ctx, run)
	}
	return run, nil
}

// maybeAutoConfirm confirms a planned run when its module's expression allows it.
func (s *RunService) maybeAutoConfirm(ctx context.Context, run *ModuleRun) {
	module, err := s.store.GetModule(ctx, run.ModuleID)
	if err != nil {
		telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Error().Err(err).Msg("Failed to load module for auto-confirm")
		return
	}
	ok, err := evaluateAutoConfirm(module, run)
	if err != nil {
		telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Warn().Err(err).Msg("Auto-confirm expression failed")
		return
	}
	if !ok {
		return
	}
	err = s.transition(ctx, run, RunStatusConfirmed, ActorAutoConfirm, "Plan auto-confirmed", func(r *ModuleRun) {
		r.ConfirmedBy = ActorAutoConfirm
	})
	if err != nil && !IsConflict(err) {
		telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Error().Err(err).Msg("Failed to auto-confirm plan")
	}
}

// CreateEnvironment registers an environment.
func (s *RunService) CreateEnvironment(ctx context.Context, env *Environment) error {
	env.Name = strings.TrimSpace(env.Name)
	if env.Name == "" {
		return NewValidationError("environment name is required", nil)
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	env.CreatedAt = s.clock()
	return s.store.CreateEnvironment(ctx, env)
}

// CreateModule attaches a module to an environment.
func (s *RunService) CreateModule(ctx context.Context, module *Module) error {
	module.Name = strings.TrimSpace(module.Name)
	if module.Name == "" {
		return NewValidationError("module name is required", nil)
	}
	if module.ArtifactName == "" {
		return NewValidationError("artifact name is required", nil).WithResource(module.Name)
	}
	env, err := s.store.GetEnvironment(ctx, module.EnvironmentID)
	if err != nil {
		return err
	}
	for _, v := range module.EnvVars {
		if err := v.Validate(); err != nil {
			return NewValidationError(err.Error(), nil).WithResource(module.Name)
		}
	}
	if module.StateBackend != nil {
		if err := module.StateBackend.Validate(); err != nil {
			return NewValidationError(err.Error(), nil).WithResource(module.Name)
		}
	}
	if err := ValidateAutoConfirm(module.AutoConfirm); err != nil {
		return NewValidationError(err.Error(), nil).WithResource(module.Name)
	}

	if module.ID == "" {
		module.ID = uuid.New().String()
	}
	if module.TeamID == "" {
		module.TeamID = env.TeamID
	}
	module.Status = ModuleStatusActive
	now := s.clock()
	module.CreatedAt = now
	module.UpdatedAt = now
	return s.store.CreateModule(ctx, module)
}

// AddDependency records that dep.ModuleID depends on dep.DependsOnID. Edges that
// would introduce a cycle are rejected.
func (s *RunService) AddDependency(ctx context.Context, dep *ModuleDependency) error {
	if dep.ModuleID == "" || dep.DependsOnID == "" {
		return NewValidationError("both modules of a dependency are required", nil)
	}
	if dep.ModuleID == dep.DependsOnID {
		return NewValidationError("a module cannot depend on itself", nil).
			WithResource(dep.ModuleID).WithCode(ErrCodeCycle)
	}

	downstream, err := s.store.GetModule(ctx, dep.ModuleID)
	if err != nil {
		return err
	}
	upstream, err := s.store.GetModule(ctx, dep.DependsOnID)
	if err != nil {
		return err
	}
	if downstream.EnvironmentID != upstream.EnvironmentID {
		return NewValidationError("dependencies must stay within one environment", nil).
			WithResource(dep.ModuleID)
	}
	for _, m := range dep.OutputMappings {
		if m.UpstreamOutput == "" || m.DownstreamVariable == "" {
			return NewValidationError("output mappings require both an output and a variable", nil).
				WithResource(dep.ModuleID)
		}
	}

	existing, err := s.store.ListDependencies(ctx, downstream.EnvironmentID)
	if err != nil {
		return err
	}
	if cycle, ok := WouldCreateCycle(existing, dep.ModuleID, dep.DependsOnID); ok {
		names, err := s.moduleNames(ctx, downstream.EnvironmentID)
		if err != nil {
			return err
		}
		path := make([]string, len(cycle))
		for i, id := range cycle {
			path[i] = names[id]
			if path[i] == "" {
				path[i] = id
			}
		}
		return NewValidationError(
			fmt.Sprintf("dependency would create a cycle: %s", strings.Join(path, " -> ")), nil).
			WithResource(dep.ModuleID).WithCode(ErrCodeCycle).WithDetail("cycle", cycle)
	}

	if dep.ID == "" {
		dep.ID = uuid.New().String()
	}
	dep.EnvironmentID = downstream.EnvironmentID
	dep.CreatedAt = s.clock()
	return s.store.CreateDependency(ctx, dep)
}

func (s *RunService) moduleNames(ctx context.Context, environmentID string) (map[string]string, error) {
	modules, err := s.store.ListModules(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(modules))
	for _, m := range modules {
		names[m.ID] = m.Name
	}
	return names, nil
}
