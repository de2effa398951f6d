package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/modvault/modvault/pkg/engine"
	"github.com/modvault/modvault/pkg/sandbox"
	"github.com/modvault/modvault/pkg/stores"
)

// tokenBackend keeps the callback token of every submitted job so tests can
// report results the way a job would.
type tokenBackend struct {
	mu        sync.Mutex
	tokens    map[string]string
	submitted []string
	cancelled []string
	submitErr error
}

func newTokenBackend() *tokenBackend {
	return &tokenBackend{tokens: make(map[string]string)}
}

func (b *tokenBackend) Submit(_ context.Context, bundle *sandbox.Bundle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return b.submitErr
	}
	var runID string
	for _, env := range bundle.Job.Spec.Template.Spec.Containers[0].Env {
		if env.Name == sandbox.EnvRunID {
			runID = env.Value
		}
	}
	b.tokens[runID] = bundle.Secret.StringData[sandbox.TokenSecretKey]
	b.submitted = append(b.submitted, runID)
	return nil
}

func (b *tokenBackend) Cancel(_ context.Context, namespace, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, namespace+"/"+name)
	return nil
}

func (b *tokenBackend) token(runID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens[runID]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store   *stores.SQLStore
	svc     *engine.RunService
	sched   *engine.Scheduler
	backend *tokenBackend
	clock   *testClock
	env     *engine.Environment
}

func newHarness(t *testing.T, maxConcurrent int) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLStore(stores.Config{
		Driver: stores.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "engine.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	h := &harness{
		store:   store,
		backend: newTokenBackend(),
		clock:   &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.svc = engine.NewRunService(store,
		engine.WithJobBackend(h.backend),
		engine.WithClock(h.clock.Now))
	h.sched = engine.NewScheduler(h.svc, nil, engine.SchedulerConfig{
		MaxConcurrentRuns:     maxConcurrent,
		RunTimeout:            time.Hour,
		ConfirmationTimeout:   24 * time.Hour,
		EnvironmentRunTimeout: 72 * time.Hour,
	})

	h.env = &engine.Environment{TeamID: "team-1", Name: "production"}
	if err := h.svc.CreateEnvironment(ctx, h.env); err != nil {
		t.Fatalf("CreateEnvironment failed: %v", err)
	}
	return h
}

func (h *harness) module(t *testing.T, name string, mutate ...func(*engine.Module)) *engine.Module {
	t.Helper()
	m := &engine.Module{
		EnvironmentID:     h.env.ID,
		Name:              name,
		ArtifactNamespace: "platform",
		ArtifactName:      name,
		PinnedVersion:     "1.0.0",
		Variables:         map[string]any{"region": "eu-west-1"},
	}
	for _, fn := range mutate {
		fn(m)
	}
	if err := h.svc.CreateModule(context.Background(), m); err != nil {
		t.Fatalf("CreateModule(%s) failed: %v", name, err)
	}
	return m
}

func (h *harness) depend(t *testing.T, downstream, upstream *engine.Module, mappings ...engine.OutputMapping) {
	t.Helper()
	dep := &engine.ModuleDependency{ModuleID: downstream.ID, DependsOnID: upstream.ID, OutputMappings: mappings}
	if err := h.svc.AddDependency(context.Background(), dep); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
}

func (h *harness) run(t *testing.T, moduleID string, op engine.Operation) *engine.ModuleRun {
	t.Helper()
	result, err := h.svc.CreateModuleRun(context.Background(), engine.CreateRunRequest{
		ModuleID:    moduleID,
		Operation:   op,
		Mode:        engine.RunModePeaaS,
		TriggeredBy: "alice",
	})
	if err != nil {
		t.Fatalf("CreateModuleRun failed: %v", err)
	}
	return result.Run
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
}

func (h *harness) report(t *testing.T, runID string, report engine.RunReport) *engine.ModuleRun {
	t.Helper()
	run, err := h.svc.ReportResult(context.Background(), runID, h.backend.token(runID), report)
	if err != nil {
		t.Fatalf("ReportResult(%s) failed: %v", runID, err)
	}
	return run
}

func (h *harness) status(t *testing.T, runID string) engine.RunStatus {
	t.Helper()
	run, err := h.svc.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	return run.Status
}

// envRuns returns the module runs of an environment run keyed by module ID.
func (h *harness) envRuns(t *testing.T, envRunID string) map[string]engine.ModuleRun {
	t.Helper()
	runs, err := h.svc.ListRuns(context.Background(), engine.RunFilter{EnvironmentRunID: envRunID})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	out := make(map[string]engine.ModuleRun, len(runs))
	for _, r := range runs {
		out[r.ModuleID] = r
	}
	return out
}

func (h *harness) envRun(t *testing.T, id string) *engine.EnvironmentRun {
	t.Helper()
	envRun, err := h.svc.GetEnvironmentRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEnvironmentRun failed: %v", err)
	}
	return envRun
}

func success(outputs map[string]any) engine.RunReport {
	return engine.RunReport{Success: true, ExitCode: 0, Outputs: outputs}
}

func TestSchedulerRespectsCapacityCeiling(t *testing.T) {
	h := newHarness(t, 2)
	var runs []*engine.ModuleRun
	for _, name := range []string{"vpc", "dns", "eks"} {
		m := h.module(t, name)
		runs = append(runs, h.run(t, m.ID, engine.OperationApply))
		h.clock.Advance(time.Second)
	}

	h.tick(t)
	if got := len(h.backend.submitted); got != 2 {
		t.Fatalf("Expected 2 submitted jobs, got %d", got)
	}
	if s := h.status(t, runs[2].ID); s != engine.RunStatusQueued {
		t.Fatalf("Expected third run to stay queued, got %s", s)
	}

	// A second tick at capacity starts nothing.
	h.tick(t)
	if got := len(h.backend.submitted); got != 2 {
		t.Fatalf("Expected no new submissions at capacity, got %d", got)
	}

	h.report(t, runs[0].ID, success(nil))
	h.tick(t)
	if s := h.status(t, runs[2].ID); s != engine.RunStatusRunning {
		t.Fatalf("Expected third run to start once a slot freed, got %s", s)
	}
}

func TestSchedulerDequeuesUserBeforeCascade(t *testing.T) {
	h := newHarness(t, 1)
	a := h.module(t, "a")
	b := h.module(t, "b")

	cascade, err := h.svc.CreateModuleRun(context.Background(), engine.CreateRunRequest{
		ModuleID:      a.ID,
		Operation:     engine.OperationApply,
		Mode:          engine.RunModePeaaS,
		Priority:      engine.PriorityCascade,
		TriggerSource: engine.TriggerModuleUpdate,
	})
	if err != nil {
		t.Fatalf("CreateModuleRun failed: %v", err)
	}
	h.clock.Advance(time.Minute)
	user := h.run(t, b.ID, engine.OperationApply)

	h.tick(t)
	if s := h.status(t, user.ID); s != engine.RunStatusRunning {
		t.Fatalf("Expected user run to start first, got %s", s)
	}
	if s := h.status(t, cascade.Run.ID); s != engine.RunStatusQueued {
		t.Fatalf("Expected cascade run to wait, got %s", s)
	}
}

func TestSchedulerSerializesRunsPerModule(t *testing.T) {
	h := newHarness(t, 5)
	m := h.module(t, "vpc")
	first := h.run(t, m.ID, engine.OperationApply)
	h.clock.Advance(time.Second)
	second := h.run(t, m.ID, engine.OperationDestroy)

	queued, err := h.svc.GetRun(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if queued.QueuePosition == nil || *queued.QueuePosition != 2 {
		t.Fatalf("Expected second run at queue position 2, got %v", queued.QueuePosition)
	}

	h.tick(t)
	queued, err = h.svc.GetRun(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if queued.Status != engine.RunStatusQueued {
		t.Fatalf("Expected second run to wait for the module slot, got %s", queued.Status)
	}
	if queued.QueuePosition == nil || *queued.QueuePosition != 1 {
		t.Fatalf("Expected second run to move to position 1, got %v", queued.QueuePosition)
	}

	h.report(t, first.ID, success(nil))
	h.tick(t)
	if s := h.status(t, second.ID); s != engine.RunStatusRunning {
		t.Fatalf("Expected second run to start, got %s", s)
	}
}

func TestCreateModuleRunRejectsDuplicateUserRun(t *testing.T) {
	h := newHarness(t, 1)
	m := h.module(t, "vpc")
	h.run(t, m.ID, engine.OperationApply)

	_, err := h.svc.CreateModuleRun(context.Background(), engine.CreateRunRequest{
		ModuleID:  m.ID,
		Operation: engine.OperationApply,
		Mode:      engine.RunModePeaaS,
	})
	if !engine.IsConflict(err) {
		t.Fatalf("Expected conflict for duplicate queued run, got %v", err)
	}
	if code := engine.CodeOf(err); code != engine.ErrCodeAlreadyExists {
		t.Errorf("Expected code %s, got %s", engine.ErrCodeAlreadyExists, code)
	}
}

func TestSchedulerFailsRunWhenSubmitFails(t *testing.T) {
	h := newHarness(t, 1)
	m := h.module(t, "vpc")
	run := h.run(t, m.ID, engine.OperationApply)
	h.backend.submitErr = errors.New("apiserver unavailable")

	h.tick(t)

	got, err := h.svc.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != engine.RunStatusFailed {
		t.Fatalf("Expected failed, got %s", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != -1 {
		t.Errorf("Expected exit code -1, got %v", got.ExitCode)
	}
	if got.CallbackTokenHash != "" {
		t.Errorf("Expected callback credential to be revoked")
	}
}

func TestPlanConfirmApply(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	m := h.module(t, "vpc")
	run := h.run(t, m.ID, engine.OperationPlan)

	h.tick(t)
	cfg, err := h.svc.RunConfig(ctx, run.ID, h.backend.token(run.ID))
	if err != nil {
		t.Fatalf("RunConfig failed: %v", err)
	}
	if cfg.Phase != engine.PhaseMain || cfg.Variables["region"] != "eu-west-1" {
		t.Fatalf("Unexpected run config: %+v", cfg)
	}

	planned := h.report(t, run.ID, engine.RunReport{
		Success:     true,
		PlanSummary: &engine.PlanSummary{Add: 3},
	})
	if planned.Status != engine.RunStatusPlanned {
		t.Fatalf("Expected planned, got %s", planned.Status)
	}

	if _, err := h.svc.RunConfig(ctx, run.ID, "stale"); engine.CodeOf(err) != engine.ErrCodeUnauthorized {
		t.Errorf("Expected unauthorized for a bad token, got %v", err)
	}

	confirmed, err := h.svc.ConfirmPlan(ctx, run.ID, "bob")
	if err != nil {
		t.Fatalf("ConfirmPlan failed: %v", err)
	}
	if confirmed.ConfirmedBy != "bob" {
		t.Errorf("Expected confirmed_by bob, got %q", confirmed.ConfirmedBy)
	}
	if _, err := h.svc.ConfirmPlan(ctx, run.ID, "bob"); !engine.IsConflict(err) {
		t.Errorf("Expected conflict confirming twice, got %v", err)
	}

	h.tick(t)
	if s := h.status(t, run.ID); s != engine.RunStatusApplying {
		t.Fatalf("Expected applying, got %s", s)
	}
	cfg, err = h.svc.RunConfig(ctx, run.ID, h.backend.token(run.ID))
	if err != nil {
		t.Fatalf("RunConfig for apply failed: %v", err)
	}
	if cfg.Phase != engine.PhaseApply {
		t.Errorf("Expected apply phase, got %s", cfg.Phase)
	}

	count := 3
	done := h.report(t, run.ID, engine.RunReport{Success: true, ResourceCount: &count, Outputs: map[string]any{"vpc_id": "vpc-1"}})
	if done.Status != engine.RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", done.Status)
	}

	module, err := h.store.GetModule(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetModule failed: %v", err)
	}
	if module.LastRunID != run.ID || module.LastRunStatus != engine.RunStatusSucceeded {
		t.Errorf("Expected module last run %s succeeded, got %s %s", run.ID, module.LastRunID, module.LastRunStatus)
	}
	if module.ResourceCount != 3 || module.Outputs["vpc_id"] != "vpc-1" {
		t.Errorf("Expected module outputs to be recorded, got %d %v", module.ResourceCount, module.Outputs)
	}
}

func TestAutoConfirm(t *testing.T) {
	tests := []struct {
		name    string
		summary engine.PlanSummary
		want    engine.RunStatus
	}{
		{"no destroys confirms", engine.PlanSummary{Add: 2, Change: 1}, engine.RunStatusConfirmed},
		{"destroys wait for a human", engine.PlanSummary{Destroy: 1}, engine.RunStatusPlanned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1)
			m := h.module(t, "vpc", func(m *engine.Module) { m.AutoConfirm = "destroy == 0" })
			run := h.run(t, m.ID, engine.OperationPlan)
			h.tick(t)

			summary := tt.summary
			got := h.report(t, run.ID, engine.RunReport{Success: true, PlanSummary: &summary})
			if got.Status != tt.want {
				t.Fatalf("Expected %s, got %s", tt.want, got.Status)
			}
			if tt.want == engine.RunStatusConfirmed && got.ConfirmedBy != engine.ActorAutoConfirm {
				t.Errorf("Expected confirmed by %s, got %q", engine.ActorAutoConfirm, got.ConfirmedBy)
			}
		})
	}

	t.Run("invalid expression is rejected", func(t *testing.T) {
		h := newHarness(t, 1)
		err := h.svc.CreateModule(context.Background(), &engine.Module{
			EnvironmentID: h.env.ID,
			Name:          "bad",
			ArtifactName:  "bad",
			AutoConfirm:   "destroy +",
		})
		if !engine.IsValidation(err) {
			t.Fatalf("Expected validation error, got %v", err)
		}
	})
}

func TestSweepExpiresPlansAndTimesOutRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	planMod := h.module(t, "vpc")
	applyMod := h.module(t, "eks")

	plan := h.run(t, planMod.ID, engine.OperationPlan)
	apply := h.run(t, applyMod.ID, engine.OperationApply)
	h.tick(t)
	h.report(t, plan.ID, engine.RunReport{Success: true, PlanSummary: &engine.PlanSummary{}})

	h.clock.Advance(30 * time.Minute)
	if err := h.sched.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if s := h.status(t, apply.ID); s != engine.RunStatusRunning {
		t.Fatalf("Expected young run to keep running, got %s", s)
	}

	h.clock.Advance(25 * time.Hour)
	if err := h.sched.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if s := h.status(t, plan.ID); s != engine.RunStatusDiscarded {
		t.Errorf("Expected expired plan to be discarded, got %s", s)
	}
	if s := h.status(t, apply.ID); s != engine.RunStatusTimedOut {
		t.Errorf("Expected stale run to time out, got %s", s)
	}
	if len(h.backend.cancelled) != 1 {
		t.Errorf("Expected the timed out job to be cancelled, got %v", h.backend.cancelled)
	}
}

func TestCancelRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	a := h.module(t, "a")
	b := h.module(t, "b")
	running := h.run(t, a.ID, engine.OperationApply)
	h.tick(t)
	queued := h.run(t, b.ID, engine.OperationApply)

	got, err := h.svc.CancelRun(ctx, queued.ID, "alice")
	if err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	if got.Status != engine.RunStatusCancelled {
		t.Errorf("Expected queued run to be cancelled, got %s", got.Status)
	}

	got, err = h.svc.CancelRun(ctx, running.ID, "alice")
	if err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	if got.Status != engine.RunStatusRunning || got.CancelRequestedAt == nil {
		t.Errorf("Expected executing run to keep running with a cancel request, got %s", got.Status)
	}
	if len(h.backend.cancelled) != 1 {
		t.Errorf("Expected job cancellation, got %v", h.backend.cancelled)
	}

	if _, err := h.svc.CancelRun(ctx, queued.ID, "alice"); !engine.IsConflict(err) {
		t.Errorf("Expected conflict cancelling a finished run, got %v", err)
	}
}

func TestBYOCRunsCountAgainstTheCeiling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	vpc := h.module(t, "vpc")
	eks := h.module(t, "eks")
	dns := h.module(t, "dns")

	peaas := h.run(t, vpc.ID, engine.OperationApply)
	h.clock.Advance(time.Second)
	result, err := h.svc.CreateModuleRun(ctx, engine.CreateRunRequest{
		ModuleID:  eks.ID,
		Operation: engine.OperationPlan,
		Mode:      engine.RunModeBYOC,
	})
	if err != nil {
		t.Fatalf("CreateModuleRun failed: %v", err)
	}
	if result.CallbackToken == "" {
		t.Fatal("Expected a callback token for a BYOC run")
	}
	token := result.CallbackToken
	runID := result.Run.ID

	h.tick(t)
	if s := h.status(t, runID); s != engine.RunStatusQueued {
		t.Fatalf("Expected BYOC run to wait for a slot, got %s", s)
	}

	h.report(t, peaas.ID, success(nil))
	h.tick(t)
	if s := h.status(t, runID); s != engine.RunStatusRunning {
		t.Fatalf("Expected BYOC run handed to CI, got %s", s)
	}
	if len(h.backend.submitted) != 1 {
		t.Errorf("Expected only the PeaaS job to be submitted, got %v", h.backend.submitted)
	}

	// A running BYOC run holds the only slot.
	blocked := h.run(t, dns.ID, engine.OperationApply)
	h.tick(t)
	if s := h.status(t, blocked.ID); s != engine.RunStatusQueued {
		t.Fatalf("Expected PeaaS run to wait behind the BYOC run, got %s", s)
	}

	// A planned run frees its slot, so the PeaaS run starts and the confirmed
	// BYOC apply waits for it.
	if _, err := h.svc.ReportResult(ctx, runID, token, engine.RunReport{Success: true, PlanSummary: &engine.PlanSummary{Add: 1}}); err != nil {
		t.Fatalf("ReportResult failed: %v", err)
	}
	h.tick(t)
	if s := h.status(t, blocked.ID); s != engine.RunStatusRunning {
		t.Fatalf("Expected PeaaS run to start, got %s", s)
	}
	if _, err := h.svc.ConfirmPlan(ctx, runID, "bob"); err != nil {
		t.Fatalf("ConfirmPlan failed: %v", err)
	}
	h.tick(t)
	if s := h.status(t, runID); s != engine.RunStatusConfirmed {
		t.Fatalf("Expected BYOC apply to wait for a slot, got %s", s)
	}

	h.report(t, blocked.ID, success(nil))
	h.tick(t)
	if s := h.status(t, runID); s != engine.RunStatusApplying {
		t.Fatalf("Expected BYOC apply handed to CI, got %s", s)
	}

	done, err := h.svc.ReportResult(ctx, runID, token, success(nil))
	if err != nil {
		t.Fatalf("ReportResult failed: %v", err)
	}
	if done.Status != engine.RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", done.Status)
	}
	if _, err := h.svc.ReportResult(ctx, runID, token, success(nil)); err == nil {
		t.Error("Expected the credential to be revoked after completion")
	}
}

func TestEnvironmentRunPropagatesOutputs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	vpc := h.module(t, "vpc")
	eks := h.module(t, "eks")
	h.depend(t, eks, vpc, engine.OutputMapping{UpstreamOutput: "vpc_id", DownstreamVariable: "vpc_id"})

	envRun, err := h.svc.CreateEnvironmentRun(ctx, engine.CreateEnvironmentRunRequest{
		EnvironmentID: h.env.ID,
		Operation:     engine.EnvOperationApplyAll,
		Mode:          engine.RunModePeaaS,
		TriggeredBy:   "alice",
	})
	if err != nil {
		t.Fatalf("CreateEnvironmentRun failed: %v", err)
	}
	if envRun.Status != engine.EnvRunStatusRunning || envRun.TotalModules != 2 {
		t.Fatalf("Unexpected environment run: %s with %d modules", envRun.Status, envRun.TotalModules)
	}

	_, err = h.svc.CreateEnvironmentRun(ctx, engine.CreateEnvironmentRunRequest{
		EnvironmentID: h.env.ID,
		Operation:     engine.EnvOperationApplyAll,
		Mode:          engine.RunModePeaaS,
	})
	if !engine.IsConflict(err) {
		t.Errorf("Expected conflict for a second environment run, got %v", err)
	}

	runs := h.envRuns(t, envRun.ID)
	if len(runs) != 1 {
		t.Fatalf("Expected only the root to be queued, got %d runs", len(runs))
	}

	h.tick(t)
	h.report(t, runs[vpc.ID].ID, success(map[string]any{"vpc_id": "vpc-123"}))

	runs = h.envRuns(t, envRun.ID)
	downstream, ok := runs[eks.ID]
	if !ok {
		t.Fatal("Expected the dependent to be queued")
	}
	if downstream.Priority != engine.PriorityCascade {
		t.Errorf("Expected cascade priority, got %s", downstream.Priority)
	}
	if downstream.Variables["vpc_id"] != "vpc-123" || downstream.Variables["region"] != "eu-west-1" {
		t.Errorf("Expected mapped output merged into variables, got %v", downstream.Variables)
	}

	h.tick(t)
	h.report(t, downstream.ID, success(nil))

	final := h.envRun(t, envRun.ID)
	if final.Status != engine.EnvRunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", final.Status)
	}
	if final.CompletedModules != 2 || final.CompletedAt == nil {
		t.Errorf("Expected 2 completed modules and a completion time, got %d", final.CompletedModules)
	}
}

func TestEnvironmentRunSkipsDependentsOfFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	a := h.module(t, "a")
	b := h.module(t, "b")
	c := h.module(t, "c")
	d := h.module(t, "d")
	h.depend(t, b, a)
	h.depend(t, c, b)

	envRun, err := h.svc.CreateEnvironmentRun(ctx, engine.CreateEnvironmentRunRequest{
		EnvironmentID: h.env.ID,
		Operation:     engine.EnvOperationApplyAll,
		Mode:          engine.RunModePeaaS,
	})
	if err != nil {
		t.Fatalf("CreateEnvironmentRun failed: %v", err)
	}

	h.tick(t)
	runs := h.envRuns(t, envRun.ID)
	h.report(t, runs[a.ID].ID, engine.RunReport{Success: false, ExitCode: 1, ErrorMessage: "quota exceeded"})
	h.report(t, runs[d.ID].ID, success(nil))

	runs = h.envRuns(t, envRun.ID)
	for _, id := range []string{b.ID, c.ID} {
		if runs[id].Status != engine.RunStatusSkipped || runs[id].SkipReason == "" {
			t.Errorf("Expected %s to be skipped with a reason, got %s", id, runs[id].Status)
		}
	}

	final := h.envRun(t, envRun.ID)
	if final.Status != engine.EnvRunStatusPartialFailure {
		t.Errorf("Expected partial_failure, got %s", final.Status)
	}
	if final.CompletedModules != 1 || final.FailedModules != 1 || final.SkippedModules != 2 {
		t.Errorf("Unexpected counters: %d/%d/%d", final.CompletedModules, final.FailedModules, final.SkippedModules)
	}
}

func TestEnvironmentRunFailsDependentWithMissingOutputs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	vpc := h.module(t, "vpc")
	eks := h.module(t, "eks")
	h.depend(t, eks, vpc, engine.OutputMapping{UpstreamOutput: "vpc_id", DownstreamVariable: "vpc_id"})

	envRun, err := h.svc.CreateEnvironmentRun(ctx, engine.CreateEnvironmentRunRequest{
		EnvironmentID: h.env.ID,
		Operation:     engine.EnvOperationApplyAll,
		Mode:          engine.RunModePeaaS,
	})
	if err != nil {
		t.Fatalf("CreateEnvironmentRun failed: %v", err)
	}
	h.tick(t)
	h.report(t, h.envRuns(t, envRun.ID)[vpc.ID].ID, success(map[string]any{"subnet_ids": []any{"a"}}))

	failed := h.envRuns(t, envRun.ID)[eks.ID]
	if failed.Status != engine.RunStatusFailed {
		t.Fatalf("Expected dependent to fail, got %s", failed.Status)
	}
	if failed.ExitCode == nil || *failed.ExitCode != -1 {
		t.Errorf("Expected exit code -1, got %v", failed.ExitCode)
	}

	final := h.envRun(t, envRun.ID)
	if final.Status != engine.EnvRunStatusPartialFailure || final.FailedModules != 1 {
		t.Errorf("Expected partial_failure with one failure, got %s with %d", final.Status, final.FailedModules)
	}
}

func TestEnvironmentRunExpiredPlanCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	vpc := h.module(t, "vpc")

	envRun, err := h.svc.CreateEnvironmentRun(ctx, engine.CreateEnvironmentRunRequest{
		EnvironmentID: h.env.ID,
		Operation:     engine.EnvOperationPlanAll,
		Mode:          engine.RunModePeaaS,
	})
	if err != nil {
		t.Fatalf("CreateEnvironmentRun failed: %v", err)
	}
	h.tick(t)
	h.report(t, h.envRuns(t, envRun.ID)[vpc.ID].ID, engine.RunReport{Success: true, PlanSummary: &engine.PlanSummary{}})
	if got := h.envRun(t, envRun.ID); got.Status != engine.EnvRunStatusRunning {
		t.Fatalf("Expected environment run to wait on the plan, got %s", got.Status)
	}

	h.clock.Advance(25 * time.Hour)
	if err := h.sched.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	final := h.envRun(t, envRun.ID)
	if final.Status != engine.EnvRunStatusFailed || final.FailedModules != 1 {
		t.Errorf("Expected failed with one failure, got %s with %d", final.Status, final.FailedModules)
	}
}

func TestDestroyAllWalksTheReversedGraph(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	vpc := h.module(t, "vpc")
	eks := h.module(t, "eks")
	h.depend(t, eks, vpc)

	envRun, err := h.svc.CreateEnvironmentRun(ctx, engine.CreateEnvironmentRunRequest{
		EnvironmentID: h.env.ID,
		Operation:     engine.EnvOperationDestroyAll,
		Mode:          engine.RunModePeaaS,
	})
	if err != nil {
		t.Fatalf("CreateEnvironmentRun failed: %v", err)
	}
	if envRun.ExecutionOrder[0] != eks.ID {
		t.Fatalf("Expected eks to be destroyed first, got %v", envRun.ExecutionOrder)
	}

	h.tick(t)
	runs := h.envRuns(t, envRun.ID)
	if _, ok := runs[vpc.ID]; ok {
		t.Fatal("Expected vpc to wait for its dependents")
	}
	h.report(t, runs[eks.ID].ID, success(nil))
	h.tick(t)
	h.report(t, h.envRuns(t, envRun.ID)[vpc.ID].ID, success(nil))

	if got := h.envRun(t, envRun.ID); got.Status != engine.EnvRunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", got.Status)
	}
	for _, id := range []string{vpc.ID, eks.ID} {
		m, err := h.store.GetModule(ctx, id)
		if err != nil {
			t.Fatalf("GetModule failed: %v", err)
		}
		if m.Status != engine.ModuleStatusDestroyed {
			t.Errorf("Expected %s to be destroyed, got %s", m.Name, m.Status)
		}
	}

	if _, err := h.svc.CreateModuleRun(ctx, engine.CreateRunRequest{
		ModuleID: vpc.ID, Operation: engine.OperationApply, Mode: engine.RunModePeaaS,
	}); !engine.IsConflict(err) {
		t.Errorf("Expected conflict running a destroyed module, got %v", err)
	}
}

func TestCancelEnvironmentRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	a := h.module(t, "a")
	b := h.module(t, "b")
	h.depend(t, b, a)

	envRun, err := h.svc.CreateEnvironmentRun(ctx, engine.CreateEnvironmentRunRequest{
		EnvironmentID: h.env.ID,
		Operation:     engine.EnvOperationApplyAll,
		Mode:          engine.RunModePeaaS,
	})
	if err != nil {
		t.Fatalf("CreateEnvironmentRun failed: %v", err)
	}

	cancelled, err := h.svc.CancelEnvironmentRun(ctx, envRun.ID, "alice")
	if err != nil {
		t.Fatalf("CancelEnvironmentRun failed: %v", err)
	}
	if cancelled.Status != engine.EnvRunStatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}
	if s := h.envRuns(t, envRun.ID)[a.ID].Status; s != engine.RunStatusCancelled {
		t.Errorf("Expected queued root to be cancelled, got %s", s)
	}
	if _, err := h.svc.CancelEnvironmentRun(ctx, envRun.ID, "alice"); !engine.IsConflict(err) {
		t.Errorf("Expected conflict cancelling twice, got %v", err)
	}
}

func TestAddDependencyRejectsCycles(t *testing.T) {
	h := newHarness(t, 1)
	a := h.module(t, "a")
	b := h.module(t, "b")
	c := h.module(t, "c")
	h.depend(t, b, a)
	h.depend(t, c, b)

	err := h.svc.AddDependency(context.Background(), &engine.ModuleDependency{ModuleID: a.ID, DependsOnID: c.ID})
	if !engine.IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if code := engine.CodeOf(err); code != engine.ErrCodeCycle {
		t.Errorf("Expected code %s, got %s", engine.ErrCodeCycle, code)
	}
}

func TestRecoverReclassifiesStaleRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	stale := h.module(t, "vpc")
	fresh := h.module(t, "dns")

	envRun, err := h.svc.CreateEnvironmentRun(ctx, engine.CreateEnvironmentRunRequest{
		EnvironmentID: h.env.ID,
		Operation:     engine.EnvOperationApplyAll,
		Mode:          engine.RunModePeaaS,
	})
	if err != nil {
		t.Fatalf("CreateEnvironmentRun failed: %v", err)
	}
	h.tick(t)

	h.clock.Advance(50 * time.Minute)
	staleRun := h.envRuns(t, envRun.ID)[stale.ID]
	freshRun := h.envRuns(t, envRun.ID)[fresh.ID]
	h.report(t, freshRun.ID, success(nil))

	standalone := h.run(t, fresh.ID, engine.OperationApply)
	h.tick(t)

	h.clock.Advance(20 * time.Minute)
	if err := h.sched.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if s := h.status(t, staleRun.ID); s != engine.RunStatusTimedOut {
		t.Errorf("Expected stale run to be timed out, got %s", s)
	}
	if s := h.status(t, standalone.ID); s != engine.RunStatusRunning {
		t.Errorf("Expected young run to be resumed, got %s", s)
	}

	final := h.envRun(t, envRun.ID)
	if final.Status != engine.EnvRunStatusPartialFailure {
		t.Errorf("Expected partial_failure, got %s", final.Status)
	}
	if final.FailedModules != 1 || final.CompletedModules != 1 {
		t.Errorf("Unexpected counters: %d completed, %d failed", final.CompletedModules, final.FailedModules)
	}
}

func TestEnvironmentRunGraph(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	vpc := h.module(t, "vpc")
	eks := h.module(t, "eks")
	h.depend(t, eks, vpc)

	envRun, err := h.svc.CreateEnvironmentRun(ctx, engine.CreateEnvironmentRunRequest{
		EnvironmentID: h.env.ID,
		Operation:     engine.EnvOperationPlanAll,
		Mode:          engine.RunModePeaaS,
		TriggeredBy:   "alice",
	})
	if err != nil {
		t.Fatalf("CreateEnvironmentRun failed: %v", err)
	}

	graph, statuses, err := h.svc.EnvironmentRunGraph(ctx, envRun.ID)
	if err != nil {
		t.Fatalf("EnvironmentRunGraph failed: %v", err)
	}
	if order := graph.Order(); len(order) != 2 || order[0] != vpc.ID {
		t.Errorf("Unexpected order: %v", order)
	}
	if statuses[vpc.ID] != engine.RunStatusQueued {
		t.Errorf("Expected the root to be queued, got %q", statuses[vpc.ID])
	}
	if _, ok := statuses[eks.ID]; ok {
		t.Error("Expected no run for the dependent yet")
	}

	if _, _, err := h.svc.EnvironmentRunGraph(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

// failingRunStore fails module run creation for one module.
type failingRunStore struct {
	engine.Store
	moduleID string
}

func (s *failingRunStore) CreateModuleRun(ctx context.Context, run *engine.ModuleRun) error {
	if run.ModuleID == s.moduleID {
		return errors.New("disk I/O error")
	}
	return s.Store.CreateModuleRun(ctx, run)
}

func TestEnvironmentRunFailsWhenARootCannotBeQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	h.module(t, "a")
	b := h.module(t, "b")
	svc := engine.NewRunService(&failingRunStore{Store: h.store, moduleID: b.ID}, engine.WithClock(h.clock.Now))

	req := engine.CreateEnvironmentRunRequest{
		EnvironmentID: h.env.ID,
		Operation:     engine.EnvOperationApplyAll,
		Mode:          engine.RunModePeaaS,
	}
	if _, err := svc.CreateEnvironmentRun(ctx, req); err == nil {
		t.Fatal("Expected an error when a root cannot be queued")
	}

	envRuns, err := h.svc.ListEnvironmentRuns(ctx, engine.EnvironmentRunFilter{EnvironmentID: h.env.ID})
	if err != nil {
		t.Fatalf("ListEnvironmentRuns failed: %v", err)
	}
	if len(envRuns) != 1 || envRuns[0].Status != engine.EnvRunStatusFailed {
		t.Fatalf("Expected one failed environment run, got %+v", envRuns)
	}
	for moduleID, run := range h.envRuns(t, envRuns[0].ID) {
		if run.Status != engine.RunStatusCancelled {
			t.Errorf("Expected run of %s to be cancelled, got %s", moduleID, run.Status)
		}
	}
	if _, err := h.svc.CreateEnvironmentRun(ctx, req); err != nil {
		t.Fatalf("Expected the environment to accept a new run, got %v", err)
	}
}
