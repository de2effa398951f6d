package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultFor(t *testing.T, eval *Evaluation, rule string) RuleResult {
	t.Helper()
	for _, r := range eval.Results {
		if r.Rule == rule {
			return r
		}
	}
	require.Failf(t, "missing rule result", "rule %s not reported", rule)
	return RuleResult{}
}

func TestEvaluateOutcomeTable(t *testing.T) {
	failing := Rules{MinApprovers: intp(2)}
	passing := Rules{MinApprovers: intp(0)}

	tests := []struct {
		level EnforcementLevel
		rules Rules
		want  Outcome
	}{
		{EnforcementBlock, failing, OutcomeFail},
		{EnforcementAudit, failing, OutcomeFail},
		{EnforcementWarn, failing, OutcomeWarn},
		{EnforcementBlock, passing, OutcomePass},
		{EnforcementAudit, passing, OutcomePass},
		{EnforcementWarn, passing, OutcomePass},
	}

	for _, tt := range tests {
		t.Run(string(tt.level)+"/"+string(tt.want), func(t *testing.T) {
			eff := &Effective{Rules: tt.rules, EnforcementLevel: tt.level}
			eval := Evaluate(eff, TriggerApproval, Subject{Actor: "alice"})
			assert.Equal(t, tt.want, eval.Outcome)
			assert.Equal(t, tt.level, eval.EnforcementLevel)
		})
	}
}

func TestEvaluateTriggerMatrix(t *testing.T) {
	eff := &Effective{
		Rules: Rules{
			MinApprovers:        intp(3),
			PreventSelfApproval: boolp(true),
			RequiredScanGrade:   strp("B"),
		},
		Sources:          map[string]Scope{RuleMinApprovers: ScopeTeam, RuleRequiredScanGrade: ScopeGlobal},
		EnforcementLevel: EnforcementBlock,
	}
	subject := Subject{Actor: "bob", PublishedBy: "bob", ScanGrade: "a"}

	download := Evaluate(eff, TriggerDownload, subject)
	assert.Equal(t, OutcomePass, download.Outcome, "approval-only rules are skipped on download")
	assert.Equal(t, RuleStatusSkip, resultFor(t, download, RuleMinApprovers).Status)
	assert.Equal(t, RuleStatusSkip, resultFor(t, download, RulePreventSelfApproval).Status)
	scan := resultFor(t, download, RuleRequiredScanGrade)
	assert.Equal(t, RuleStatusPass, scan.Status)
	assert.Equal(t, ScopeGlobal, scan.Scope)

	approval := Evaluate(eff, TriggerApproval, subject)
	assert.Equal(t, OutcomeFail, approval.Outcome)
	assert.Equal(t, RuleStatusFail, resultFor(t, approval, RuleMinApprovers).Status)
	assert.Equal(t, ScopeTeam, resultFor(t, approval, RuleMinApprovers).Scope)
	assert.Equal(t, RuleStatusFail, resultFor(t, approval, RulePreventSelfApproval).Status)
	assert.Len(t, approval.Failed(), 2)
}

func TestEvaluateRules(t *testing.T) {
	tests := []struct {
		name    string
		rules   Rules
		subject Subject
		rule    string
		want    RuleStatus
	}{
		{"no opinion skips", Rules{}, Subject{}, RuleMinApprovers, RuleStatusSkip},
		{"distinct approvers count once", Rules{MinApprovers: intp(2)}, Subject{Approvers: []string{"a", "a"}}, RuleMinApprovers, RuleStatusFail},
		{"enough approvers", Rules{MinApprovers: intp(2)}, Subject{Approvers: []string{"a", "b"}}, RuleMinApprovers, RuleStatusPass},
		{"publisher vote ignored without self approval", Rules{MinApprovers: intp(2), PreventSelfApproval: boolp(true)}, Subject{PublishedBy: "p", Approvers: []string{"p", "a"}}, RuleMinApprovers, RuleStatusFail},
		{"publisher vote counts with self approval", Rules{MinApprovers: intp(2), PreventSelfApproval: boolp(false)}, Subject{PublishedBy: "p", Approvers: []string{"p", "a"}}, RuleMinApprovers, RuleStatusPass},
		{"other approver passes self approval", Rules{PreventSelfApproval: boolp(true)}, Subject{Actor: "a", PublishedBy: "b"}, RulePreventSelfApproval, RuleStatusPass},
		{"self approval allowed", Rules{PreventSelfApproval: boolp(false)}, Subject{Actor: "a", PublishedBy: "a"}, RulePreventSelfApproval, RuleStatusSkip},
		{"worse grade fails", Rules{RequiredScanGrade: strp("B")}, Subject{ScanGrade: "C"}, RuleRequiredScanGrade, RuleStatusFail},
		{"equal grade passes", Rules{RequiredScanGrade: strp("b")}, Subject{ScanGrade: "B"}, RuleRequiredScanGrade, RuleStatusPass},
		{"missing grade fails", Rules{RequiredScanGrade: strp("F")}, Subject{}, RuleRequiredScanGrade, RuleStatusFail},
		{"missing test result fails", Rules{RequirePassingTests: boolp(true)}, Subject{}, RuleRequirePassingTests, RuleStatusFail},
		{"failed tests fail", Rules{RequirePassingTests: boolp(true)}, Subject{TestsPassed: boolp(false)}, RuleRequirePassingTests, RuleStatusFail},
		{"passing validate passes", Rules{RequirePassingValidate: boolp(true)}, Subject{ValidatePassed: boolp(true)}, RuleRequirePassingValidate, RuleStatusPass},
		{"validate not required", Rules{RequirePassingValidate: boolp(false)}, Subject{ValidatePassed: boolp(false)}, RuleRequirePassingValidate, RuleStatusSkip},
		{"auto approve permitted", Rules{AutoApprovePatches: boolp(true)}, Subject{}, RuleAutoApprovePatches, RuleStatusPass},
		{"auto approve disabled", Rules{AutoApprovePatches: boolp(false)}, Subject{}, RuleAutoApprovePatches, RuleStatusSkip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eff := &Effective{Rules: tt.rules, EnforcementLevel: EnforcementBlock}
			eval := Evaluate(eff, TriggerApproval, tt.subject)
			assert.Equal(t, tt.want, resultFor(t, eval, tt.rule).Status)
		})
	}
}

func TestEvaluateAutoApprove(t *testing.T) {
	eff := &Effective{Rules: Rules{AutoApprovePatches: boolp(true)}, EnforcementLevel: EnforcementBlock}

	eval := Evaluate(eff, TriggerPublish, Subject{IsPatch: true})
	assert.True(t, eval.AutoApprove)

	eval = Evaluate(eff, TriggerPublish, Subject{IsPatch: false})
	assert.False(t, eval.AutoApprove, "only patch releases are auto approved")

	eval = Evaluate(eff, TriggerApproval, Subject{IsPatch: true})
	assert.False(t, eval.AutoApprove, "only publish evaluations auto approve")

	failing := &Effective{
		Rules:            Rules{AutoApprovePatches: boolp(true), RequirePassingTests: boolp(true)},
		EnforcementLevel: EnforcementBlock,
	}
	eval = Evaluate(failing, TriggerPublish, Subject{IsPatch: true, TestsPassed: boolp(false)})
	assert.Equal(t, OutcomeFail, eval.Outcome)
	assert.False(t, eval.AutoApprove, "a failing publish evaluation never auto approves")
}
