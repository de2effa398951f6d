package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int          { return &v }
func boolp(v bool) *bool       { return &v }
func strp(v string) *string    { return &v }
func rules(r Rules) Rules      { return r }
func grade(g string) Rules     { return Rules{RequiredScanGrade: strp(g)} }
func approvers(n int) Rules    { return Rules{MinApprovers: intp(n)} }
func autoApprove(v bool) Rules { return Rules{AutoApprovePatches: boolp(v)} }

func TestMergeWithinScope(t *testing.T) {
	t.Run("min approvers takes the maximum", func(t *testing.T) {
		merged := MergeWithinScope(approvers(1), approvers(3), approvers(2))
		require.NotNil(t, merged.MinApprovers)
		assert.Equal(t, 3, *merged.MinApprovers)
	})

	t.Run("scan grade takes the best grade", func(t *testing.T) {
		merged := MergeWithinScope(grade("D"), grade("B"))
		require.NotNil(t, merged.RequiredScanGrade)
		assert.Equal(t, "B", *merged.RequiredScanGrade)
	})

	t.Run("require rules are true when any policy requires", func(t *testing.T) {
		merged := MergeWithinScope(
			Rules{RequirePassingTests: boolp(false)},
			Rules{RequirePassingTests: boolp(true), PreventSelfApproval: boolp(false)},
			Rules{},
		)
		require.NotNil(t, merged.RequirePassingTests)
		assert.True(t, *merged.RequirePassingTests)
		require.NotNil(t, merged.PreventSelfApproval)
		assert.False(t, *merged.PreventSelfApproval)
		assert.Nil(t, merged.RequirePassingValidate)
	})

	t.Run("explicit false vetoes auto approval", func(t *testing.T) {
		merged := MergeWithinScope(autoApprove(true), autoApprove(false), autoApprove(true))
		require.NotNil(t, merged.AutoApprovePatches)
		assert.False(t, *merged.AutoApprovePatches)

		merged = MergeWithinScope(autoApprove(true), Rules{})
		require.NotNil(t, merged.AutoApprovePatches)
		assert.True(t, *merged.AutoApprovePatches)
	})

	t.Run("no policies means no opinion", func(t *testing.T) {
		assert.True(t, MergeWithinScope().IsEmpty())
	})
}

func TestResolveAcrossScopes(t *testing.T) {
	resolved, sources := ResolveAcrossScopes(map[Scope]Rules{
		ScopeArtifact: approvers(1),
		ScopeTeam:     rules(Rules{MinApprovers: intp(3), RequiredScanGrade: strp("A")}),
		ScopeGlobal:   rules(Rules{RequiredScanGrade: strp("C"), RequirePassingTests: boolp(true)}),
	})

	require.NotNil(t, resolved.MinApprovers)
	assert.Equal(t, 1, *resolved.MinApprovers, "artifact scope overrides a stricter team value")
	assert.Equal(t, ScopeArtifact, sources[RuleMinApprovers])

	require.NotNil(t, resolved.RequiredScanGrade)
	assert.Equal(t, "A", *resolved.RequiredScanGrade)
	assert.Equal(t, ScopeTeam, sources[RuleRequiredScanGrade])

	require.NotNil(t, resolved.RequirePassingTests)
	assert.Equal(t, ScopeGlobal, sources[RuleRequirePassingTests])

	assert.Nil(t, resolved.PreventSelfApproval)
	_, ok := sources[RulePreventSelfApproval]
	assert.False(t, ok)
}

func bound(name string, scope Scope, value string, level EnforcementLevel, r Rules) BoundTemplate {
	return BoundTemplate{
		Binding:  Binding{Scope: scope, ScopeValue: value},
		Template: Template{Name: name, EnforcementLevel: level, Rules: r},
	}
}

func TestResolve(t *testing.T) {
	target := Target{TeamID: "team-1", Namespace: "platform", ArtifactID: "art-1"}

	t.Run("nothing bound defaults to block", func(t *testing.T) {
		eff := Resolve(target, nil)
		assert.Equal(t, EnforcementBlock, eff.EnforcementLevel)
		assert.Empty(t, eff.EnforcementScope)
		assert.True(t, eff.Rules.IsEmpty())
	})

	t.Run("most specific bound scope decides enforcement", func(t *testing.T) {
		eff := Resolve(target, []BoundTemplate{
			bound("global-block", ScopeGlobal, "", EnforcementBlock, approvers(2)),
			bound("team-audit", ScopeTeam, "team-1", EnforcementAudit, grade("B")),
			bound("team-warn", ScopeTeam, "team-1", EnforcementWarn, grade("C")),
		})
		assert.Equal(t, EnforcementWarn, eff.EnforcementLevel)
		assert.Equal(t, ScopeTeam, eff.EnforcementScope)
		require.NotNil(t, eff.Rules.RequiredScanGrade)
		assert.Equal(t, "B", *eff.Rules.RequiredScanGrade)
		require.NotNil(t, eff.Rules.MinApprovers)
		assert.Equal(t, 2, *eff.Rules.MinApprovers)
		assert.Equal(t, []string{"team-audit", "team-warn", "global-block"}, eff.Templates)
	})

	t.Run("bindings for other targets are ignored", func(t *testing.T) {
		eff := Resolve(target, []BoundTemplate{
			bound("other-team", ScopeTeam, "team-2", EnforcementWarn, approvers(5)),
		})
		assert.True(t, eff.Rules.IsEmpty())
		assert.Equal(t, EnforcementBlock, eff.EnforcementLevel)
	})

	t.Run("legacy policy is an artifact scope block template", func(t *testing.T) {
		legacy := target
		legacy.Legacy = &Rules{MinApprovers: intp(1)}
		eff := Resolve(legacy, []BoundTemplate{
			bound("global-warn", ScopeGlobal, "", EnforcementWarn, approvers(4)),
			bound("artifact-warn", ScopeArtifact, "art-1", EnforcementWarn, approvers(2)),
		})
		require.NotNil(t, eff.Rules.MinApprovers)
		assert.Equal(t, 2, *eff.Rules.MinApprovers)
		assert.Equal(t, EnforcementBlock, eff.EnforcementLevel)
		assert.Equal(t, ScopeArtifact, eff.EnforcementScope)
		assert.Contains(t, eff.Templates, LegacyTemplateName)
	})

	t.Run("rego modules are collected by template", func(t *testing.T) {
		b := bound("custom", ScopeNamespace, "platform", EnforcementBlock, Rules{})
		b.Template.Rego = "package x\n"
		eff := Resolve(target, []BoundTemplate{b})
		assert.Equal(t, map[string]string{"custom": "package x\n"}, eff.Rego)
	})
}
