package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/modvault/modvault/pkg/sandbox"
	"github.com/modvault/modvault/pkg/telemetry"
)

// SchedulerConfig configures the poll loops.
type SchedulerConfig struct {
	// MaxConcurrentRuns caps the PeaaS runs executing at once.
	MaxConcurrentRuns int `mapstructure:"max_concurrent_runs" yaml:"max_concurrent_runs" validate:"gte=1"`

	// PollInterval is the period of the dequeue loop.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`

	// SweepInterval is the period of the expiry sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" validate:"gt=0"`

	// RunTimeout bounds each executing phase of a run.
	RunTimeout time.Duration `mapstructure:"run_timeout" yaml:"run_timeout" validate:"gt=0"`

	// ConfirmationTimeout bounds how long a plan waits for confirmation.
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout" yaml:"confirmation_timeout" validate:"gt=0"`

	// EnvironmentRunTimeout bounds a whole environment run.
	EnvironmentRunTimeout time.Duration `mapstructure:"environment_run_timeout" yaml:"environment_run_timeout" validate:"gt=0"`

	// StartTimeout bounds a single job submission.
	StartTimeout time.Duration `mapstructure:"start_timeout" yaml:"start_timeout" validate:"gt=0"`

	// EvaluationRetention is how long policy evaluations are kept. Zero keeps them forever.
	EvaluationRetention time.Duration `mapstructure:"evaluation_retention" yaml:"evaluation_retention" validate:"gte=0"`
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentRuns:     5,
		PollInterval:          5 * time.Second,
		SweepInterval:         60 * time.Second,
		RunTimeout:            2 * time.Hour,
		ConfirmationTimeout:   24 * time.Hour,
		EnvironmentRunTimeout: 12 * time.Hour,
		StartTimeout:          30 * time.Second,
		EvaluationRetention:   90 * 24 * time.Hour,
	}
}

// Scheduler turns queued runs into sandbox jobs under a global concurrency
// ceiling, and sweeps runs that outlive their deadlines. Both loops re-read all
// state from the store on every pass; races between them are settled by the
// compare-and-set transitions.
type Scheduler struct {
	service *RunService
	builder *sandbox.JobBuilder
	purger  EvaluationPurger
	cfg     SchedulerConfig
	logger  zerolog.Logger

	// tickMu serializes ticks so the ceiling check and the starts it allows are atomic.
	tickMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithEvaluationPurger sets the purger used by the sweep to enforce evaluation retention.
func WithEvaluationPurger(purger EvaluationPurger) SchedulerOption {
	return func(s *Scheduler) { s.purger = purger }
}

// NewScheduler creates a scheduler. Zero config fields take their defaults.
func NewScheduler(service *RunService, builder *sandbox.JobBuilder, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = def.MaxConcurrentRuns
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = def.ConfirmationTimeout
	}
	if cfg.EnvironmentRunTimeout <= 0 {
		cfg.EnvironmentRunTimeout = def.EnvironmentRunTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if builder == nil {
		builder = sandbox.NewJobBuilder(sandbox.DefaultBuilderConfig())
	}

	s := &Scheduler{
		service: service,
		builder: builder,
		cfg:     cfg,
		logger:  service.logger.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() SchedulerConfig {
	return s.cfg
}

// Start recovers runs left over by a previous process and starts both loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(2)
	go s.loop(loopCtx, "tick", s.cfg.PollInterval, s.Tick)
	go s.loop(loopCtx, "sweep", s.cfg.SweepInterval, s.Sweep)

	s.logger.Info().
		Int("max_concurrent_runs", s.cfg.MaxConcurrentRuns).
		Dur("poll_interval", s.cfg.PollInterval).
		Dur("sweep_interval", s.cfg.SweepInterval).
		Msg("Scheduler started")
	return nil
}

// Stop stops both loops and waits for the current passes to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pass(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Str("loop", name).Msg("Scheduler pass failed")
			}
		}
	}
}

// Tick performs one dequeue pass: BYOC queue heads are handed to CI, confirmed
// plans start their apply phase, then eligible queued PeaaS runs start while
// capacity remains. User priority is dequeued strictly before cascade.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "scheduler.tick")
	err := s.tick(ctx)
	telemetry.EndSpan(span, err)
	s.service.metrics.RecordTick()
	return err
}

func (s *Scheduler) tick(ctx context.Context) error {
	store := s.service.store

	active, err := store.CountModuleRuns(ctx, RunFilter{
		Statuses: []RunStatus{RunStatusRunning, RunStatusApplying},
	})
	if err != nil {
		return err
	}
	capacity := s.cfg.MaxConcurrentRuns - active
	if capacity <= 0 {
		return nil
	}

	confirmed, err := store.ListModuleRuns(ctx, RunFilter{
		Statuses: []RunStatus{RunStatusConfirmed},
		Limit:    capacity,
	})
	if err != nil {
		return err
	}
	for i := range confirmed {
		if capacity <= 0 {
			return nil
		}
		started, err := s.dispatch(ctx, &confirmed[i], PhaseApply)
		if err != nil {
			return err
		}
		if started {
			capacity--
		}
	}
	if capacity <= 0 {
		return nil
	}

	queued, err := store.ListEligibleQueuedRuns(ctx, "", capacity)
	if err != nil {
		return err
	}
	for i := range queued {
		if capacity <= 0 {
			break
		}
		started, err := s.dispatch(ctx, &queued[i], PhaseMain)
		if err != nil {
			return err
		}
		if started {
			capacity--
		}
	}
	return nil
}

// dispatch moves a run into an execution slot. PeaaS runs get a job; BYOC runs
// are handed to the consumer's CI, which only needs the status change.
func (s *Scheduler) dispatch(ctx context.Context, run *ModuleRun, phase Phase) (bool, error) {
	if run.Mode != RunModeBYOC {
		return s.startRun(ctx, run, phase)
	}

	to, message := RunStatusRunning, "Run handed to CI"
	if phase == PhaseApply {
		to, message = RunStatusApplying, "Apply handed to CI"
	}
	err := s.service.transition(ctx, run, to, ActorScheduler, message, nil)
	if err != nil {
		if IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// startRun claims the run and submits its job. The claim is a compare-and-set,
// so a run is never started twice. It returns true when the run holds a slot.
func (s *Scheduler) startRun(ctx context.Context, run *ModuleRun, phase Phase) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.start_run",
		telemetry.AttrRunID.String(run.ID),
		telemetry.AttrModuleID.String(run.ModuleID),
		telemetry.AttrRunOperation.String(string(run.Operation)))
	started, err := s.startRunSpan(ctx, run, phase)
	telemetry.EndSpan(span, err)
	return started, err
}

func (s *Scheduler) startRunSpan(ctx context.Context, run *ModuleRun, phase Phase) (bool, error) {
	to := RunStatusRunning
	if phase == PhaseApply {
		to = RunStatusApplying
	}

	bundle, hash, buildErr := s.buildJob(run, phase)
	if buildErr != nil {
		return false, s.failStart(ctx, run, buildErr)
	}
	spec, err := json.Marshal(bundle.Redacted())
	if err != nil {
		return false, s.failStart(ctx, run, fmt.Errorf("encode job spec: %w", err))
	}

	err = s.service.transition(ctx, run, to, ActorScheduler, "Job starting", func(r *ModuleRun) {
		r.CallbackTokenHash = hash
		r.JobName = bundle.Job.Metadata.Name
		r.JobNamespace = bundle.Job.Metadata.Namespace
		r.JobSpec = spec
	})
	if err != nil {
		if IsConflict(err) {
			telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Debug().Msg("Run claimed elsewhere")
			return false, nil
		}
		return false, err
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	if s.service.backend != nil {
		if err := s.service.backend.Submit(submitCtx, bundle); err != nil {
			return false, s.failStart(ctx, run, err)
		}
	}

	s.service.metrics.RecordRunStarted(string(run.Operation), string(run.Mode))
	telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Info().
		Str("job", bundle.String()).
		Str("phase", string(phase)).
		Msg("Job submitted")
	return true, nil
}

func (s *Scheduler) buildJob(run *ModuleRun, phase Phase) (*sandbox.Bundle, string, error) {
	cred, err := sandbox.NewCallbackCredential()
	if err != nil {
		return nil, "", err
	}
	bundle, err := s.builder.Build(sandbox.JobRequest{
		RunID:         run.ID,
		ModuleID:      run.ModuleID,
		EnvironmentID: run.EnvironmentID,
		Operation:     string(run.Operation),
		Phase:         string(phase),
		Token:         cred.Token,
		Deadline:      s.cfg.RunTimeout,
	})
	if err != nil {
		return nil, "", err
	}
	return bundle, cred.Hash, nil
}

// failStart moves a run that could not be started to failed with exit code -1.
func (s *Scheduler) failStart(ctx context.Context, run *ModuleRun, cause error) error {
	s.service.metrics.RecordStartFailure()
	telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Error().Err(cause).Msg("Failed to start job")

	exit := -1
	err := s.service.transition(ctx, run, RunStatusFailed, ActorScheduler, "Job failed to start", func(r *ModuleRun) {
		r.ExitCode = &exit
		r.ErrorMessage = fmt.Sprintf("failed to start job: %v", cause)
	})
	if err != nil && !IsConflict(err) {
		return err
	}
	return nil
}

// Sweep expires plans past the confirmation timeout, times out runs past the
// run timeout, expires environment runs past their timeout and purges old
// policy evaluations.
func (s *Scheduler) Sweep(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.sweep")
	err := s.sweep(ctx)
	telemetry.EndSpan(span, err)
	s.service.metrics.RecordSweep()
	return err
}

func (s *Scheduler) sweep(ctx context.Context) error {
	store := s.service.store
	now := s.service.clock()

	planned, err := store.ListModuleRuns(ctx, RunFilter{Statuses: []RunStatus{RunStatusPlanned}})
	if err != nil {
		return err
	}
	for i := range planned {
		run := &planned[i]
		if run.PlannedAt == nil || now.Sub(*run.PlannedAt) <= s.cfg.ConfirmationTimeout {
			continue
		}
		err := s.service.transition(ctx, run, RunStatusDiscarded, ActorScheduler, "Plan expired without confirmation",
			func(r *ModuleRun) {
				r.ErrorMessage = fmt.Sprintf("plan not confirmed within %s", s.cfg.ConfirmationTimeout)
			})
		if err != nil && !IsConflict(err) {
			return err
		}
	}

	executing, err := store.ListModuleRuns(ctx, RunFilter{Statuses: []RunStatus{RunStatusRunning, RunStatusApplying}})
	if err != nil {
		return err
	}
	for i := range executing {
		run := &executing[i]
		if !s.expired(run, now) {
			continue
		}
		if err := s.timeOut(ctx, run, ActorScheduler); err != nil {
			return err
		}
	}

	envRuns, err := store.ListEnvironmentRuns(ctx, EnvironmentRunFilter{Statuses: []EnvironmentRunStatus{EnvRunStatusRunning}})
	if err != nil {
		return err
	}
	for i := range envRuns {
		envRun := &envRuns[i]
		if envRun.StartedAt == nil || now.Sub(*envRun.StartedAt) <= s.cfg.EnvironmentRunTimeout {
			continue
		}
		msg := fmt.Sprintf("Environment run exceeded %s", s.cfg.EnvironmentRunTimeout)
		err := s.service.transitionEnvironmentRun(ctx, envRun, EnvRunStatusExpired, ActorScheduler, msg)
		if err != nil {
			if IsConflict(err) {
				continue
			}
			return err
		}
		s.service.cancelModuleRuns(ctx, envRun.ID, ActorScheduler, true)
	}

	if s.purger != nil && s.cfg.EvaluationRetention > 0 {
		purged, err := s.purger.PurgeExpired(ctx, now.Add(-s.cfg.EvaluationRetention))
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to purge policy evaluations")
		} else if purged > 0 {
			s.logger.Info().Int64("purged", purged).Msg("Purged expired policy evaluations")
		}
	}

	s.updateGauges(ctx)
	return nil
}

func (s *Scheduler) updateGauges(ctx context.Context) {
	store := s.service.store
	if active, err := store.CountModuleRuns(ctx, RunFilter{
		Statuses: []RunStatus{RunStatusRunning, RunStatusApplying},
	}); err == nil {
		s.service.metrics.SetActiveRuns(float64(active))
	}
	if queued, err := store.CountModuleRuns(ctx, RunFilter{Statuses: []RunStatus{RunStatusQueued}}); err == nil {
		s.service.metrics.SetQueuedRuns(float64(queued))
	}
}

// expired reports whether the executing phase of run is past the run timeout.
func (s *Scheduler) expired(run *ModuleRun, now time.Time) bool {
	started := run.PhaseStartedAt()
	if started == nil {
		started = &run.CreatedAt
	}
	return now.Sub(*started) > s.cfg.RunTimeout
}

// timeOut asks the backend to stop the job and moves the run to timed_out.
func (s *Scheduler) timeOut(ctx context.Context, run *ModuleRun, actor string) error {
	s.service.requestJobCancel(ctx, run)
	err := s.service.transition(ctx, run, RunStatusTimedOut, actor, "Run timed out", func(r *ModuleRun) {
		r.ErrorMessage = fmt.Sprintf("run exceeded timeout of %s", s.cfg.RunTimeout)
	})
	if err != nil && !IsConflict(err) {
		return err
	}
	return nil
}

// Recover reconciles runs left behind by a previous process. Executing runs
// past the run timeout become timed_out; younger ones are assumed to be still in
// flight, as job liveness is not checked. Runs stranded in pending are queued, and
// environment runs whose modules all finished are finalized.
func (s *Scheduler) Recover(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.recover")
	err := s.recover(ctx)
	telemetry.EndSpan(span, err)
	return err
}

func (s *Scheduler) recover(ctx context.Context) error {
	store := s.service.store
	now := s.service.clock()

	executing, err := store.ListModuleRuns(ctx, RunFilter{Statuses: []RunStatus{RunStatusRunning, RunStatusApplying}})
	if err != nil {
		return err
	}
	var resumed, timedOut int
	for i := range executing {
		run := &executing[i]
		if s.expired(run, now) {
			telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Warn().
				Str("status", string(run.Status)).
				Msg("Reclassifying stale run as timed out")
			if err := s.timeOut(ctx, run, ActorRecovery); err != nil {
				return err
			}
			s.service.metrics.RecordRecoveredRun("timed_out")
			timedOut++
			continue
		}
		telemetry.RunLogger(s.logger, run.ID, run.ModuleID).Info().Str("status", string(run.Status)).Msg("Resuming in-flight run")
		s.service.persistAndPublish(ctx, &Event{
			ID:               uuid.New().String(),
			Type:             EventTypeRunRecovered,
			Timestamp:        now,
			RunID:            run.ID,
			EnvironmentRunID: run.EnvironmentRunID,
			ModuleID:         run.ModuleID,
			Actor:            ActorRecovery,
			To:               string(run.Status),
			Message:          "Run resumed after restart",
			Level:            telemetry.EventLevelWarning,
		}, telemetry.EventTypeRunStatusChanged)
		s.service.metrics.RecordRecoveredRun("resumed")
		resumed++
	}

	pending, err := store.ListModuleRuns(ctx, RunFilter{Statuses: []RunStatus{RunStatusPending}})
	if err != nil {
		return err
	}
	for i := range pending {
		err := s.service.transition(ctx, &pending[i], RunStatusQueued, ActorRecovery, "Stranded run queued", nil)
		if err != nil && !IsConflict(err) {
			return err
		}
	}

	envRuns, err := store.ListEnvironmentRuns(ctx, EnvironmentRunFilter{Statuses: []EnvironmentRunStatus{EnvRunStatusRunning}})
	if err != nil {
		return err
	}
	for _, envRun := range envRuns {
		if err := s.service.dag.maybeFinalize(ctx, envRun.ID); err != nil {
			return err
		}
	}

	s.logger.Info().
		Int("resumed", resumed).
		Int("timed_out", timedOut).
		Int("requeued", len(pending)).
		Msg("Crash recovery complete")
	return nil
}
