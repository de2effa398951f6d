package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from RunStatus
		to   RunStatus
		want bool
	}{
		{RunStatusPending, RunStatusQueued, true},
		{RunStatusQueued, RunStatusRunning, true},
		{RunStatusRunning, RunStatusPlanned, true},
		{RunStatusPlanned, RunStatusConfirmed, true},
		{RunStatusConfirmed, RunStatusApplying, true},
		{RunStatusApplying, RunStatusSucceeded, true},
		{RunStatusPlanned, RunStatusDiscarded, true},
		{RunStatusRunning, RunStatusCancelled, false},
		{RunStatusApplying, RunStatusPlanned, false},
		{RunStatusQueued, RunStatusApplying, false},
		{RunStatusSucceeded, RunStatusFailed, false},
		{RunStatusSkipped, RunStatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalStatusesHaveNoSuccessors(t *testing.T) {
	for status, next := range runTransitions {
		if status.IsTerminal() && len(next) != 0 {
			t.Errorf("Terminal status %s has successors %v", status, next)
		}
		if !status.IsTerminal() && len(next) == 0 {
			t.Errorf("Non-terminal status %s has no successors", status)
		}
	}
}

func TestStatusSets(t *testing.T) {
	for _, s := range []RunStatus{RunStatusRunning, RunStatusPlanned, RunStatusConfirmed, RunStatusApplying} {
		if !s.HoldsSlot() {
			t.Errorf("Expected %s to hold the module slot", s)
		}
	}
	if RunStatusQueued.HoldsSlot() {
		t.Error("Expected queued not to hold the module slot")
	}
	if RunStatusSkipped.IsFailure() {
		t.Error("Expected skipped not to count as failure")
	}
	if !RunStatusDiscarded.IsFailure() {
		t.Error("Expected discarded to count as failure")
	}
	if err := RunStatus("bogus").Validate(); err == nil {
		t.Error("Expected invalid status to fail validation")
	}
}

func TestCanTransitionEnvironmentRun(t *testing.T) {
	if !CanTransitionEnvironmentRun(EnvRunStatusPending, EnvRunStatusRunning) {
		t.Error("Expected pending -> running")
	}
	if !CanTransitionEnvironmentRun(EnvRunStatusRunning, EnvRunStatusExpired) {
		t.Error("Expected running -> expired")
	}
	if CanTransitionEnvironmentRun(EnvRunStatusSucceeded, EnvRunStatusFailed) {
		t.Error("Expected terminal environment run to stay terminal")
	}
}

func TestEnvironmentRunFinalStatus(t *testing.T) {
	tests := []struct {
		name string
		run  EnvironmentRun
		want EnvironmentRunStatus
	}{
		{"all succeeded", EnvironmentRun{TotalModules: 2, CompletedModules: 2}, EnvRunStatusSucceeded},
		{"empty", EnvironmentRun{}, EnvRunStatusSucceeded},
		{"partial", EnvironmentRun{TotalModules: 3, CompletedModules: 1, FailedModules: 1, SkippedModules: 1}, EnvRunStatusPartialFailure},
		{"none succeeded", EnvironmentRun{TotalModules: 2, FailedModules: 1, SkippedModules: 1}, EnvRunStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.run.Finished() {
				t.Fatal("Expected run to be finished")
			}
			if got := tt.run.FinalStatus(); got != tt.want {
				t.Errorf("FinalStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEnvironmentOperationModuleOperation(t *testing.T) {
	op, err := EnvOperationDestroyAll.ModuleOperation()
	if err != nil || op != OperationDestroy {
		t.Errorf("Expected destroy, got %s (%v)", op, err)
	}
	if _, err := EnvironmentOperation("nuke-all").ModuleOperation(); err == nil {
		t.Error("Expected invalid environment operation to fail")
	}
}

func TestEnvVarValidate(t *testing.T) {
	tests := []struct {
		name    string
		v       EnvVar
		wantErr bool
	}{
		{"literal", EnvVar{Name: "A", Source: EnvVarLiteral, Value: "x"}, false},
		{"secret ref", EnvVar{Name: "A", Source: EnvVarSecretRef, SecretRef: &SecretRef{Name: "s", Key: "k"}}, false},
		{"ci secret", EnvVar{Name: "A", Source: EnvVarCISecretRef, CISecretName: "TOKEN"}, false},
		{"mixed", EnvVar{Name: "A", Source: EnvVarLiteral, Value: "x", CISecretName: "TOKEN"}, true},
		{"secret ref without key", EnvVar{Name: "A", Source: EnvVarSecretRef, SecretRef: &SecretRef{Name: "s"}}, true},
		{"unknown source", EnvVar{Name: "A", Source: "vault"}, true},
		{"no name", EnvVar{Source: EnvVarLiteral}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStateBackendValidate(t *testing.T) {
	valid := &StateBackend{Kind: StateBackendS3, S3: &S3Backend{Bucket: "b", Key: "k"}}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid s3 backend, got %v", err)
	}
	both := &StateBackend{Kind: StateBackendPG, PG: &PGBackend{ConnSecretRef: "c"}, S3: &S3Backend{Bucket: "b", Key: "k"}}
	if err := both.Validate(); err == nil {
		t.Error("Expected mixed backend to fail validation")
	}
	if err := (&StateBackend{Kind: "gcs"}).Validate(); err == nil {
		t.Error("Expected unknown backend kind to fail validation")
	}
}

func TestEngineErrorClassification(t *testing.T) {
	base := errors.New("driver failure")
	err := fmt.Errorf("wrapped: %w", NewConflictError("already approved", base).WithResource("v1"))

	if !IsConflict(err) {
		t.Error("Expected conflict classification through wrapping")
	}
	if ClassOf(err) != ErrorClassConflict {
		t.Errorf("Expected conflict class, got %s", ClassOf(err))
	}
	if !errors.Is(err, base) {
		t.Error("Expected underlying error to be reachable")
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict}) {
		t.Error("Expected errors.Is to match class and code")
	}
	if IsRetryable(err) {
		t.Error("Expected no error to be retryable")
	}
	if ClassOf(base) != ErrorClassInternal {
		t.Error("Expected unclassified errors to be internal")
	}
}

func TestEvaluateAutoConfirm(t *testing.T) {
	module := &Module{Name: "vpc", AutoConfirm: "destroy == 0 && total <= 5"}
	run := &ModuleRun{Operation: OperationPlan, PlanSummary: &PlanSummary{Add: 2, Change: 1}}

	ok, err := evaluateAutoConfirm(module, run)
	if err != nil || !ok {
		t.Fatalf("Expected auto-confirm, got %v (%v)", ok, err)
	}

	run.PlanSummary.Destroy = 1
	ok, err = evaluateAutoConfirm(module, run)
	if err != nil || ok {
		t.Fatalf("Expected no auto-confirm with destroys, got %v (%v)", ok, err)
	}

	ok, err = evaluateAutoConfirm(&Module{}, run)
	if err != nil || ok {
		t.Errorf("Expected empty expression never to confirm, got %v (%v)", ok, err)
	}

	if err := ValidateAutoConfirm(`module == "vpc"`); err != nil {
		t.Errorf("Expected valid expression, got %v", err)
	}
	if err := ValidateAutoConfirm("add +"); err == nil {
		t.Error("Expected syntax error")
	}
	if err := ValidateAutoConfirm("add + 1"); err == nil {
		t.Error("Expected non-boolean expression to be rejected")
	}
}
