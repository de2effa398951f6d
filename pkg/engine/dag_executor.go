package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/modvault/modvault/pkg/telemetry"
)

// CreateEnvironmentRunRequest describes an environment run to start.
type CreateEnvironmentRunRequest struct {
	EnvironmentID string
	Operation     EnvironmentOperation
	Mode          RunMode
	TriggeredBy   string
}

// CreateEnvironmentRun computes the execution order of the environment's active
// modules and queues the roots of the graph. destroy-all walks the reversed graph.
func (s *RunService) CreateEnvironmentRun(ctx context.Context, req CreateEnvironmentRunRequest) (*EnvironmentRun, error) {
	ctx, span := telemetry.StartSpan(ctx, "environment_run.create")
	envRun, err := s.createEnvironmentRun(ctx, req)
	telemetry.EndSpan(span, err)
	return envRun, err
}

func (s *RunService) createEnvironmentRun(ctx context.Context, req CreateEnvironmentRunRequest) (*EnvironmentRun, error) {
	op, err := req.Operation.ModuleOperation()
	if err != nil {
		return nil, NewValidationError(err.Error(), nil)
	}
	if err := req.Mode.Validate(); err != nil {
		return nil, NewValidationError(err.Error(), nil)
	}
	if _, err := s.store.GetEnvironment(ctx, req.EnvironmentID); err != nil {
		return nil, err
	}

	inFlight, err := s.store.ListEnvironmentRuns(ctx, EnvironmentRunFilter{
		EnvironmentID: req.EnvironmentID,
		Statuses:      []EnvironmentRunStatus{EnvRunStatusPending, EnvRunStatusRunning},
		Limit:         1,
	})
	if err != nil {
		return nil, err
	}
	if len(inFlight) > 0 {
		return nil, environmentRunInProgress(inFlight[0].ID, nil)
	}

	modules, err := s.store.ListModules(ctx, req.EnvironmentID)
	if err != nil {
		return nil, err
	}
	active := make([]Module, 0, len(modules))
	activeIDs := make(map[string]bool, len(modules))
	for _, m := range modules {
		if m.Status == ModuleStatusActive {
			active = append(active, m)
			activeIDs[m.ID] = true
		}
	}
	deps, err := s.store.ListDependencies(ctx, req.EnvironmentID)
	if err != nil {
		return nil, err
	}
	deps = filterDependencies(deps, activeIDs)
	if req.Operation == EnvOperationDestroyAll {
		deps = ReverseDependencies(deps)
	}

	graph, err := NewDAGBuilder().BuildGraph(active, deps)
	if err != nil {
		return nil, err
	}

	envRun := &EnvironmentRun{
		ID:             uuid.New().String(),
		EnvironmentID:  req.EnvironmentID,
		Operation:      req.Operation,
		Status:         EnvRunStatusPending,
		Mode:           req.Mode,
		TotalModules:   len(active),
		ExecutionOrder: graph.Order(),
		TriggeredBy:    req.TriggeredBy,
		CreatedAt:      s.clock(),
	}
	if err := s.store.CreateEnvironmentRun(ctx, envRun); err != nil {
		// The in-flight index rejects a run created concurrently with another.
		if IsConflict(err) {
			return nil, environmentRunInProgress(req.EnvironmentID, err)
		}
		return nil, err
	}
	if err := s.transitionEnvironmentRun(ctx, envRun, EnvRunStatusRunning, req.TriggeredBy,
		fmt.Sprintf("Environment run started with %d modules", envRun.TotalModules)); err != nil {
		return nil, err
	}

	if envRun.TotalModules == 0 {
		if err := s.dag.maybeFinalize(ctx, envRun.ID); err != nil {
			return nil, err
		}
		return s.store.GetEnvironmentRun(ctx, envRun.ID)
	}

	for _, moduleID := range graph.Roots {
		_, err := s.createModuleRun(ctx, CreateRunRequest{
			ModuleID:         moduleID,
			Operation:        op,
			Mode:             req.Mode,
			Priority:         PriorityUser,
			TriggerSource:    TriggerEnvironment,
			TriggeredBy:      req.TriggeredBy,
			EnvironmentRunID: envRun.ID,
		})
		if err != nil {
			s.abortEnvironmentRun(ctx, envRun, req.TriggeredBy, moduleID, err)
			return nil, fmt.Errorf("failed to queue root module %s: %w", moduleID, err)
		}
	}
	return envRun, nil
}

func environmentRunInProgress(resource string, cause error) error {
	return NewConflictError("environment already has an environment run in progress", cause).
		WithResource(resource).WithCode(ErrCodeAlreadyExists)
}

// abortEnvironmentRun fails an environment run whose roots could not all be
// queued and cancels the roots that were.
func (s *RunService) abortEnvironmentRun(ctx context.Context, envRun *EnvironmentRun, actor, moduleID string, cause error) {
	msg := fmt.Sprintf("Environment run failed to queue module %s: %v", moduleID, cause)
	if err := s.transitionEnvironmentRun(ctx, envRun, EnvRunStatusFailed, actor, msg); err != nil {
		telemetry.EnvironmentRunLogger(s.logger, envRun.ID).Error().Err(err).Msg("Failed to abort environment run")
		return
	}
	s.cancelModuleRuns(ctx, envRun.ID, actor, false)
}

// GetEnvironmentRun returns an environment run.
func (s *RunService) GetEnvironmentRun(ctx context.Context, id string) (*EnvironmentRun, error) {
	return s.store.GetEnvironmentRun(ctx, id)
}

// ListEnvironmentRuns lists environment runs.
func (s *RunService) ListEnvironmentRuns(ctx context.Context, filter EnvironmentRunFilter) ([]EnvironmentRun, error) {
	return s.store.ListEnvironmentRuns(ctx, filter)
}

// EnvironmentRunGraph returns the graph of an environment run together with the
// status of each module run created so far.
func (s *RunService) EnvironmentRunGraph(ctx context.Context, id string) (*ExecutionGraph, map[string]RunStatus, error) {
	envRun, err := s.store.GetEnvironmentRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	graph, err := s.dag.graphFor(ctx, envRun)
	if err != nil {
		return nil, nil, err
	}
	runs, err := s.store.ListModuleRuns(ctx, RunFilter{EnvironmentRunID: id})
	if err != nil {
		return nil, nil, err
	}
	statuses := make(map[string]RunStatus, len(runs))
	for _, run := range runs {
		statuses[run.ModuleID] = run.Status
	}
	return graph, statuses, nil
}

// CancelEnvironmentRun cancels an environment run and every module run of it that
// has not finished. Executing module runs get a cancellation request.
func (s *RunService) CancelEnvironmentRun(ctx context.Context, id, actor string) (*EnvironmentRun, error) {
	envRun, err := s.store.GetEnvironmentRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if envRun.Status.IsTerminal() {
		return nil, NewConflictError(fmt.Sprintf("environment run is already %s", envRun.Status), nil).
			WithResource(id).WithCode(ErrCodeInvalidState)
	}
	if err := s.transitionEnvironmentRun(ctx, envRun, EnvRunStatusCancelled, actor, "Environment run cancelled"); err != nil {
		return nil, err
	}
	s.cancelModuleRuns(ctx, envRun.ID, actor, false)
	return envRun, nil
}

// cancelModuleRuns cancels the unfinished module runs of an environment run.
// With notStartedOnly, executing runs are left alone.
func (s *RunService) cancelModuleRuns(ctx context.Context, envRunID, actor string, notStartedOnly bool) {
	runs, err := s.store.ListModuleRuns(ctx, RunFilter{EnvironmentRunID: envRunID})
	if err != nil {
		telemetry.EnvironmentRunLogger(s.logger, envRunID).Error().Err(err).Msg("Failed to list module runs")
		return
	}
	for _, run := range runs {
		if run.Status.IsTerminal() || (notStartedOnly && run.Status.IsExecuting()) {
			continue
		}
		if _, err := s.CancelRun(ctx, run.ID, actor); err != nil && !IsConflict(err) {
			telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Warn().Err(err).Msg("Failed to cancel module run")
		}
	}
}

// transitionEnvironmentRun moves an environment run with a compare-and-set.
func (s *RunService) transitionEnvironmentRun(ctx context.Context, envRun *EnvironmentRun, to EnvironmentRunStatus, actor, message string) error {
	from := envRun.Status
	if !CanTransitionEnvironmentRun(from, to) {
		return NewConflictError(fmt.Sprintf("cannot transition environment run from %s to %s", from, to), nil).
			WithResource(envRun.ID).WithCode(ErrCodeInvalidState)
	}

	now := s.clock()
	next := *envRun
	next.Status = to
	if to == EnvRunStatusRunning {
		next.StartedAt = &now
	}
	if to.IsTerminal() {
		next.CompletedAt = &now
		if next.StartedAt != nil {
			next.Duration = now.Sub(*next.StartedAt)
		}
	}
	if err := s.store.UpdateEnvironmentRun(ctx, &next, from); err != nil {
		return err
	}
	*envRun = next

	telemetry.EnvironmentRunLogger(s.logger, envRun.ID).Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor).
		Msg(message)

	level := telemetry.EventLevelInfo
	if to == EnvRunStatusFailed || to == EnvRunStatusPartialFailure || to == EnvRunStatusExpired {
		level = telemetry.EventLevelWarning
	}
	s.persistAndPublish(ctx, &Event{
		ID:               uuid.New().String(),
		Type:             EventTypeEnvRunTransition,
		Timestamp:        now,
		EnvironmentRunID: envRun.ID,
		Actor:            actor,
		From:             string(from),
		To:               string(to),
		Message:          message,
		Level:            level,
	}, telemetry.EventTypeEnvRunStatusChanged)

	if to.IsTerminal() {
		s.metrics.RecordEnvironmentRunCompleted(string(envRun.Operation), string(to))
	}
	return nil
}

func filterDependencies(deps []ModuleDependency, keep map[string]bool) []ModuleDependency {
	out := make([]ModuleDependency, 0, len(deps))
	for _, d := range deps {
		if keep[d.ModuleID] && keep[d.DependsOnID] {
			out = append(out, d)
		}
	}
	return out
}

// DAGExecutor advances environment runs as their module runs finish.
type DAGExecutor struct {
	service *RunService
	logger  zerolog.Logger
}

func newDAGExecutor(service *RunService) *DAGExecutor {
	return &DAGExecutor{
		service: service,
		logger:  service.logger.With().Str("component", "dag-executor").Logger(),
	}
}

// OnRunFinished updates the counters of the run's environment run, skips the
// dependents of a failed run or queues the dependents a successful run unblocked,
// and finalizes the environment run once every module has an outcome.
func (d *DAGExecutor) OnRunFinished(ctx context.Context, run *ModuleRun) error {
	if run.EnvironmentRunID == "" || !run.Status.IsTerminal() {
		return nil
	}
	ctx, span := telemetry.StartSpan(ctx, "dag.advance",
		telemetry.AttrRunID.String(run.ID),
		telemetry.AttrEnvironmentRunID.String(run.EnvironmentRunID),
		telemetry.AttrRunStatus.String(string(run.Status)))
	err := d.onRunFinished(ctx, run)
	telemetry.EndSpan(span, err)
	return err
}

func (d *DAGExecutor) onRunFinished(ctx context.Context, run *ModuleRun) error {
	store := d.service.store

	var completed, failed int
	switch {
	case run.Status == RunStatusSucceeded:
		completed = 1
	case run.Status.IsFailure():
		failed = 1
	default:
		// skipped runs are counted by whoever inserted them
		return nil
	}

	envRun, err := store.AddEnvironmentRunProgress(ctx, run.EnvironmentRunID, completed, failed, 0)
	if err != nil {
		return err
	}
	if envRun.Status != EnvRunStatusRunning {
		return nil
	}

	graph, err := d.graphFor(ctx, envRun)
	if err != nil {
		return err
	}

	if failed > 0 {
		reason := fmt.Sprintf("upstream module %s ended %s", d.moduleName(graph, run.ModuleID), run.Status)
		if err := d.skipDependents(ctx, envRun, graph, run.ModuleID, reason); err != nil {
			return err
		}
	} else if node, ok := graph.Nodes[run.ModuleID]; ok {
		for _, dependent := range node.Dependents {
			if err := d.enqueueIfReady(ctx, envRun, graph, dependent); err != nil {
				return err
			}
		}
	}

	return d.maybeFinalize(ctx, envRun.ID)
}

// graphFor rebuilds the graph of an environment run from the modules in its
// execution order. Modules destroyed during the run stay in the graph.
func (d *DAGExecutor) graphFor(ctx context.Context, envRun *EnvironmentRun) (*ExecutionGraph, error) {
	store := d.service.store
	modules, err := store.ListModules(ctx, envRun.EnvironmentID)
	if err != nil {
		return nil, err
	}
	inRun := make(map[string]bool, len(envRun.ExecutionOrder))
	for _, id := range envRun.ExecutionOrder {
		inRun[id] = true
	}
	members := make([]Module, 0, len(envRun.ExecutionOrder))
	for _, m := range modules {
		if inRun[m.ID] {
			members = append(members, m)
		}
	}
	deps, err := store.ListDependencies(ctx, envRun.EnvironmentID)
	if err != nil {
		return nil, err
	}
	deps = filterDependencies(deps, inRun)
	if envRun.Operation == EnvOperationDestroyAll {
		deps = ReverseDependencies(deps)
	}
	return NewDAGBuilder().BuildGraph(members, deps)
}

func (d *DAGExecutor) moduleName(graph *ExecutionGraph, id string) string {
	if node, ok := graph.Nodes[id]; ok && node.Name != "" {
		return node.Name
	}
	return id
}

// skipDependents records a skipped run for every module downstream of moduleID
// that has no run in the environment run yet.
func (d *DAGExecutor) skipDependents(ctx context.Context, envRun *EnvironmentRun, graph *ExecutionGraph, moduleID, reason string) error {
	skipped := 0
	for _, id := range graph.TransitiveDependents(moduleID) {
		inserted, err := d.insertFinished(ctx, envRun, id, RunStatusSkipped, func(r *ModuleRun) {
			r.SkipReason = reason
		})
		if err != nil {
			return err
		}
		if inserted {
			skipped++
		}
	}
	if skipped == 0 {
		return nil
	}
	telemetry.EnvironmentRunLogger(d.logger, envRun.ID).Info().
		Str("module_id", moduleID).
		Int("skipped", skipped).
		Msg("Skipped dependents of failed module")
	_, err := d.service.store.AddEnvironmentRunProgress(ctx, envRun.ID, 0, 0, skipped)
	return err
}

// insertFinished inserts a run that is born terminal. It returns false when the
// module already has a run in the environment run.
func (d *DAGExecutor) insertFinished(ctx context.Context, envRun *EnvironmentRun, moduleID string, status RunStatus, mutate func(*ModuleRun)) (bool, error) {
	s := d.service
	module, err := s.store.GetModule(ctx, moduleID)
	if err != nil {
		return false, err
	}
	op, err := envRun.Operation.ModuleOperation()
	if err != nil {
		return false, err
	}
	run := s.newRun(module, CreateRunRequest{
		Operation:        op,
		Mode:             envRun.Mode,
		Priority:         PriorityCascade,
		TriggerSource:    TriggerModuleUpdate,
		TriggeredBy:      ActorDAG,
		EnvironmentRunID: envRun.ID,
	})
	now := s.clock()
	run.Status = status
	run.CompletedAt = &now
	mutate(run)

	if err := s.store.CreateModuleRun(ctx, run); err != nil {
		if IsConflict(err) {
			return false, nil
		}
		return false, err
	}

	message := "Run skipped: " + run.SkipReason
	level := telemetry.EventLevelInfo
	if status == RunStatusFailed {
		message = "Run failed before start: " + run.ErrorMessage
		level = telemetry.EventLevelWarning
	}
	telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Info().
		Str("to", string(status)).
		Msg(message)
	s.recordEvent(ctx, run, ActorDAG, message, level)
	s.metrics.RecordRunCompleted(string(run.Operation), string(status), 0)
	if err := s.store.UpdateModuleLastRun(ctx, run.ModuleID, outcomeOf(run)); err != nil {
		telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Error().Err(err).Msg("Failed to update module last run")
	}
	return true, nil
}

// enqueueIfReady queues moduleID once every upstream succeeded in this
// environment run, with the mapped upstream outputs merged into its variables.
func (d *DAGExecutor) enqueueIfReady(ctx context.Context, envRun *EnvironmentRun, graph *ExecutionGraph, moduleID string) error {
	node, ok := graph.Nodes[moduleID]
	if !ok {
		return nil
	}
	runs, err := d.service.store.ListModuleRuns(ctx, RunFilter{EnvironmentRunID: envRun.ID})
	if err != nil {
		return err
	}
	byModule := make(map[string]ModuleRun, len(runs))
	for _, r := range runs {
		byModule[r.ModuleID] = r
	}
	if _, exists := byModule[moduleID]; exists {
		return nil
	}
	for _, upstream := range node.Dependencies {
		if r, ok := byModule[upstream]; !ok || r.Status != RunStatusSucceeded {
			return nil
		}
	}

	variables := make(map[string]any)
	var missing []string
	for _, edge := range graph.EdgesInto(moduleID) {
		upstreamRun := byModule[edge.DependsOnID]
		for _, m := range edge.OutputMappings {
			value, ok := upstreamRun.Outputs[m.UpstreamOutput]
			if !ok {
				missing = append(missing, d.moduleName(graph, edge.DependsOnID)+"."+m.UpstreamOutput)
				continue
			}
			variables[m.DownstreamVariable] = value
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return d.failMissingOutputs(ctx, envRun, graph, moduleID, missing)
	}

	op, err := envRun.Operation.ModuleOperation()
	if err != nil {
		return err
	}
	_, err = d.service.createModuleRun(ctx, CreateRunRequest{
		ModuleID:          moduleID,
		Operation:         op,
		Mode:              envRun.Mode,
		Priority:          PriorityCascade,
		TriggerSource:     TriggerModuleUpdate,
		TriggeredBy:       ActorDAG,
		VariableOverrides: variables,
		EnvironmentRunID:  envRun.ID,
	})
	if err != nil && IsConflict(err) {
		d.logger.Debug().Err(err).Str("module_id", moduleID).Msg("Dependent already handled")
		return nil
	}
	return err
}

// failMissingOutputs records a dependent whose mapped inputs are unavailable as
// failed without starting it, and skips everything downstream of it.
func (d *DAGExecutor) failMissingOutputs(ctx context.Context, envRun *EnvironmentRun, graph *ExecutionGraph, moduleID string, missing []string) error {
	msg := "missing upstream outputs: " + strings.Join(missing, ", ")
	inserted, err := d.insertFinished(ctx, envRun, moduleID, RunStatusFailed, func(r *ModuleRun) {
		exit := -1
		r.ExitCode = &exit
		r.ErrorMessage = msg
	})
	if err != nil || !inserted {
		return err
	}
	d.service.metrics.RecordError(string(ErrorClassValidation), ErrCodeMissingOutput)
	if _, err := d.service.store.AddEnvironmentRunProgress(ctx, envRun.ID, 0, 1, 0); err != nil {
		return err
	}
	reason := fmt.Sprintf("upstream module %s is missing outputs", d.moduleName(graph, moduleID))
	return d.skipDependents(ctx, envRun, graph, moduleID, reason)
}

// maybeFinalize moves a finished environment run to its final status.
func (d *DAGExecutor) maybeFinalize(ctx context.Context, envRunID string) error {
	envRun, err := d.service.store.GetEnvironmentRun(ctx, envRunID)
	if err != nil {
		return err
	}
	if envRun.Status != EnvRunStatusRunning || !envRun.Finished() {
		return nil
	}
	final := envRun.FinalStatus()
	msg := fmt.Sprintf("Environment run %s: %d succeeded, %d failed, %d skipped",
		final, envRun.CompletedModules, envRun.FailedModules, envRun.SkippedModules)
	err = d.service.transitionEnvironmentRun(ctx, envRun, final, ActorDAG, msg)
	if err != nil && IsConflict(err) {
		return nil
	}
	return err
}
