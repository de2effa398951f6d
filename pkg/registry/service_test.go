package registry_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modvault/modvault/pkg/engine"
	"github.com/modvault/modvault/pkg/policy"
	"github.com/modvault/modvault/pkg/registry"
	"github.com/modvault/modvault/pkg/stores"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *stores.SQLStore
	policies *policy.Service
	svc      *registry.Service
	artifact *registry.Artifact
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLStore(stores.Config{
		Driver: stores.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "registry.db"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	clock := func() time.Time { return now }
	policies := policy.NewService(store, policy.WithClock(clock))
	svc := registry.NewService(store, policies, registry.WithClock(clock))

	artifact := &registry.Artifact{ID: "art-1", TeamID: "team-1", Namespace: "platform", Name: "vpc", CreatedAt: now}
	require.NoError(t, store.CreateArtifact(ctx, artifact))

	return &fixture{store: store, policies: policies, svc: svc, artifact: artifact}
}

func (f *fixture) version(t *testing.T, id, version string, mutate ...func(*registry.Version)) *registry.Version {
	t.Helper()
	v := &registry.Version{
		ID:             id,
		ArtifactID:     f.artifact.ID,
		Version:        version,
		ApprovalStatus: registry.ApprovalPending,
		PublishedBy:    "publisher",
		CreatedAt:      now,
	}
	for _, m := range mutate {
		m(v)
	}
	require.NoError(t, f.store.CreateVersion(context.Background(), v))
	return v
}

func (f *fixture) bind(t *testing.T, tmpl policy.Template, bindings ...policy.Binding) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.policies.SaveTemplate(ctx, &tmpl))
	require.NoError(t, f.policies.SetBindings(ctx, tmpl.ID, bindings))
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func TestApproveVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("approves and moves latest", func(t *testing.T) {
		f := newFixture(t)
		f.version(t, "v1", "1.0.0")
		f.version(t, "v2", "1.1.0")

		_, err := f.svc.ApproveVersion(ctx, "v1", "alice", "")
		require.NoError(t, err)
		approval, err := f.svc.ApproveVersion(ctx, "v2", "alice", "looks good")
		require.NoError(t, err)
		assert.True(t, approval.Version.IsLatest)
		assert.Equal(t, registry.ApprovalApproved, approval.Version.ApprovalStatus)
		assert.Equal(t, policy.OutcomePass, approval.Decision.Evaluation.Outcome)

		latest, err := f.store.GetLatestVersion(ctx, f.artifact.ID)
		require.NoError(t, err)
		assert.Equal(t, "v2", latest.ID)

		audit, err := f.store.ListAudit(ctx, "v2")
		require.NoError(t, err)
		require.Len(t, audit, 1)
		assert.Equal(t, registry.AuditVersionApproved, audit[0].Action)
		assert.Equal(t, "looks good", audit[0].Details["comment"])
	})

	t.Run("approved and rejected versions conflict", func(t *testing.T) {
		f := newFixture(t)
		f.version(t, "v1", "1.0.0")
		f.version(t, "v2", "1.1.0")

		_, err := f.svc.ApproveVersion(ctx, "v1", "alice", "")
		require.NoError(t, err)
		_, err = f.svc.ApproveVersion(ctx, "v1", "bob", "")
		assert.True(t, engine.IsConflict(err))
		assert.Equal(t, engine.ErrCodeInvalidState, engine.CodeOf(err))

		_, err = f.svc.RejectVersion(ctx, "v2", "alice", "broken")
		require.NoError(t, err)
		_, err = f.svc.ApproveVersion(ctx, "v2", "bob", "")
		assert.True(t, engine.IsConflict(err))
		_, err = f.svc.RejectVersion(ctx, "v2", "alice", "again")
		assert.True(t, engine.IsConflict(err))
	})

	t.Run("block policy returns policy blocked until enough votes", func(t *testing.T) {
		f := newFixture(t)
		f.version(t, "v1", "1.0.0")
		f.bind(t, policy.Template{
			Name:             "two-approvers",
			EnforcementLevel: policy.EnforcementBlock,
			Rules:            policy.Rules{MinApprovers: intp(2)},
		}, policy.Binding{Scope: policy.ScopeGlobal})

		_, err := f.svc.ApproveVersion(ctx, "v1", "alice", "")
		require.Error(t, err)
		assert.True(t, engine.IsConflict(err))
		assert.Equal(t, engine.ErrCodePolicyBlocked, engine.CodeOf(err))

		var engErr *engine.EngineError
		require.True(t, errors.As(err, &engErr))
		evalID, ok := engErr.Details["evaluation_id"].(string)
		require.True(t, ok)
		eval, err := f.store.GetEvaluation(ctx, evalID)
		require.NoError(t, err)
		assert.Equal(t, policy.OutcomeFail, eval.Outcome)

		// The same approver again does not add a vote.
		_, err = f.svc.ApproveVersion(ctx, "v1", "alice", "")
		assert.Equal(t, engine.ErrCodePolicyBlocked, engine.CodeOf(err))

		approval, err := f.svc.ApproveVersion(ctx, "v1", "bob", "")
		require.NoError(t, err)
		assert.Equal(t, registry.ApprovalApproved, approval.Version.ApprovalStatus)
		assert.Equal(t, "bob", approval.Version.ApprovedBy)

		evals, err := f.store.ListEvaluations(ctx, policy.EvaluationFilter{VersionID: "v1"})
		require.NoError(t, err)
		assert.Len(t, evals, 3)
	})

	t.Run("warn policy approves and audits the override", func(t *testing.T) {
		f := newFixture(t)
		f.version(t, "v1", "1.0.0")
		f.bind(t, policy.Template{
			Name:             "no-self-approval",
			EnforcementLevel: policy.EnforcementWarn,
			Rules:            policy.Rules{PreventSelfApproval: boolp(true)},
		}, policy.Binding{Scope: policy.ScopeTeam, ScopeValue: "team-1"})

		approval, err := f.svc.ApproveVersion(ctx, "v1", "publisher", "")
		require.NoError(t, err)
		assert.Equal(t, policy.OutcomeWarn, approval.Decision.Evaluation.Outcome)
		assert.Equal(t, "publisher", approval.Decision.Evaluation.OverriddenBy)

		audit, err := f.store.ListAudit(ctx, "v1")
		require.NoError(t, err)
		var actions []string
		for _, e := range audit {
			actions = append(actions, e.Action)
		}
		assert.ElementsMatch(t, []string{registry.AuditVersionApproved, registry.AuditPolicyOverride}, actions)
	})

	t.Run("publisher vote does not count when self approval is prevented", func(t *testing.T) {
		f := newFixture(t)
		f.version(t, "v1", "1.0.0")
		f.bind(t, policy.Template{
			Name:             "two-reviewers",
			EnforcementLevel: policy.EnforcementBlock,
			Rules:            policy.Rules{MinApprovers: intp(2), PreventSelfApproval: boolp(true)},
		}, policy.Binding{Scope: policy.ScopeGlobal})

		_, err := f.svc.ApproveVersion(ctx, "v1", "publisher", "")
		assert.Equal(t, engine.ErrCodePolicyBlocked, engine.CodeOf(err))

		_, err = f.svc.ApproveVersion(ctx, "v1", "alice", "")
		assert.Equal(t, engine.ErrCodePolicyBlocked, engine.CodeOf(err))

		approval, err := f.svc.ApproveVersion(ctx, "v1", "bob", "")
		require.NoError(t, err)
		assert.Equal(t, registry.ApprovalApproved, approval.Version.ApprovalStatus)
		assert.Equal(t, "bob", approval.Version.ApprovedBy)
	})

	t.Run("legacy artifact policy blocks", func(t *testing.T) {
		f := newFixture(t)
		legacy := &registry.Artifact{
			ID: "art-2", TeamID: "team-1", Namespace: "platform", Name: "eks",
			Policy:    &policy.Rules{RequirePassingTests: boolp(true)},
			CreatedAt: now,
		}
		require.NoError(t, f.store.CreateArtifact(ctx, legacy))
		require.NoError(t, f.store.CreateVersion(ctx, &registry.Version{
			ID: "e1", ArtifactID: "art-2", Version: "2.0.0", ApprovalStatus: registry.ApprovalPending,
			PublishedBy: "publisher", TestsPassed: boolp(false), CreatedAt: now,
		}))

		_, err := f.svc.ApproveVersion(ctx, "e1", "alice", "")
		assert.Equal(t, engine.ErrCodePolicyBlocked, engine.CodeOf(err))
	})

	t.Run("missing approver is a validation error", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ApproveVersion(ctx, "v1", "", "")
		assert.True(t, engine.IsValidation(err))
	})

	t.Run("missing version is not found", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ApproveVersion(ctx, "nope", "alice", "")
		assert.True(t, engine.IsNotFound(err))
	})
}

func TestConcurrentApprovalsKeepOneLatest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ids := []string{"v1", "v2", "v3", "v4", "v5"}
	for i, id := range ids {
		f.version(t, id, fmt.Sprintf("1.0.%d", i))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.ApproveVersion(ctx, id, "alice", "")
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	versions, err := f.store.ListVersions(ctx, f.artifact.ID)
	require.NoError(t, err)
	latest := 0
	for _, v := range versions {
		assert.Equal(t, registry.ApprovalApproved, v.ApprovalStatus)
		if v.IsLatest {
			latest++
		}
	}
	assert.Equal(t, 1, latest)
}

func TestCheckDownload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.version(t, "v1", "1.0.0", func(v *registry.Version) { v.ScanGrade = "D" })
	f.bind(t, policy.Template{
		Name:             "grade-b",
		EnforcementLevel: policy.EnforcementBlock,
		Rules:            policy.Rules{RequiredScanGrade: strp("B"), MinApprovers: intp(5)},
	}, policy.Binding{Scope: policy.ScopeNamespace, ScopeValue: "platform"})

	decision, err := f.svc.CheckDownload(ctx, "v1", "consumer")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	failed := decision.Evaluation.Failed()
	require.Len(t, failed, 1, "min_approvers is not evaluated on download")
	assert.Equal(t, policy.RuleRequiredScanGrade, failed[0].Rule)
}

func strp(v string) *string { return &v }

func TestOnPublished(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.version(t, "v1", "1.2.3")
		_, err := f.svc.ApproveVersion(ctx, "v1", "alice", "")
		require.NoError(t, err)
		f.bind(t, policy.Template{
			Name:             "patches",
			EnforcementLevel: policy.EnforcementBlock,
			Rules:            policy.Rules{AutoApprovePatches: boolp(true)},
		}, policy.Binding{Scope: policy.ScopeArtifact, ScopeValue: "art-1"})
		return f
	}

	t.Run("patch release is approved automatically", func(t *testing.T) {
		f := setup(t)
		f.version(t, "v2", "1.2.4")

		pub, err := f.svc.OnPublished(ctx, "v2", "publisher")
		require.NoError(t, err)
		assert.True(t, pub.AutoApproved)
		assert.Equal(t, registry.AutoApprover, pub.Version.ApprovedBy)
		assert.True(t, pub.Version.IsLatest)
	})

	t.Run("minor release waits for approval", func(t *testing.T) {
		f := setup(t)
		f.version(t, "v2", "1.3.0")

		pub, err := f.svc.OnPublished(ctx, "v2", "publisher")
		require.NoError(t, err)
		assert.False(t, pub.AutoApproved)
		assert.Equal(t, registry.ApprovalPending, pub.Version.ApprovalStatus)
		assert.Equal(t, policy.TriggerPublish, pub.Decision.Evaluation.Trigger)
	})
}

func TestIsPatchOf(t *testing.T) {
	tests := []struct {
		base, next string
		want       bool
	}{
		{"1.2.3", "1.2.4", true},
		{"v1.2.3", "1.2.10", true},
		{"1.2.3", "1.2.3", false},
		{"1.2.3", "1.2.2", false},
		{"1.2.3", "1.3.0", false},
		{"1.2.3", "2.2.4", false},
		{"1.2.3", "1.2.4-rc.1", false},
		{"not-semver", "1.2.4", false},
	}
	for _, tt := range tests {
		t.Run(tt.base+"->"+tt.next, func(t *testing.T) {
			assert.Equal(t, tt.want, registry.IsPatchOf(tt.base, tt.next))
		})
	}
}
