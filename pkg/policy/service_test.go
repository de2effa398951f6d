package policy

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modvault/modvault/pkg/engine"
)

// memStore is an in-memory Store.
type memStore struct {
	mu          sync.Mutex
	templates   map[string]*Template
	bindings    map[string]*Binding
	evaluations []Evaluation
}

func newMemStore() *memStore {
	return &memStore{
		templates: make(map[string]*Template),
		bindings:  make(map[string]*Binding),
	}
}

func (m *memStore) UpsertTemplate(_ context.Context, tmpl *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.templates {
		if existing.Name == tmpl.Name {
			tmpl.ID = existing.ID
			tmpl.CreatedAt = existing.CreatedAt
		}
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	copied := *tmpl
	m.templates[tmpl.ID] = &copied
	return nil
}

func (m *memStore) GetTemplate(_ context.Context, id string) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, engine.NewNotFoundError("policy template not found: "+id, nil)
	}
	copied := *t
	return &copied, nil
}

func (m *memStore) GetTemplateByName(_ context.Context, name string) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if t.Name == name {
			copied := *t
			return &copied, nil
		}
	}
	return nil, engine.NewNotFoundError("policy template not found: "+name, nil)
}

func (m *memStore) ListTemplates(_ context.Context) ([]Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Template
	for _, t := range m.templates {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) DeleteTemplate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.templates, id)
	for bid, b := range m.bindings {
		if b.TemplateID == id {
			delete(m.bindings, bid)
		}
	}
	return nil
}

func (m *memStore) CreateBinding(_ context.Context, b *Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	copied := *b
	m.bindings[b.ID] = &copied
	return nil
}

func (m *memStore) ReplaceBindings(ctx context.Context, templateID string, bindings []Binding) error {
	m.mu.Lock()
	for id, b := range m.bindings {
		if b.TemplateID == templateID {
			delete(m.bindings, id)
		}
	}
	m.mu.Unlock()
	for i := range bindings {
		bindings[i].TemplateID = templateID
		if err := m.CreateBinding(ctx, &bindings[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) ListBindings(_ context.Context, templateID string) ([]Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Binding
	for _, b := range m.bindings {
		if b.TemplateID == templateID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *memStore) DeleteBinding(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, id)
	return nil
}

func (m *memStore) ListBoundTemplates(_ context.Context, target Target) ([]BoundTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BoundTemplate
	for _, b := range m.bindings {
		if !b.Matches(target) {
			continue
		}
		out = append(out, BoundTemplate{Binding: *b, Template: *m.templates[b.TemplateID]})
	}
	return out, nil
}

func (m *memStore) CreateEvaluation(_ context.Context, e *Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluations = append(m.evaluations, *e)
	return nil
}

func (m *memStore) GetEvaluation(_ context.Context, id string) (*Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.evaluations {
		if m.evaluations[i].ID == id {
			copied := m.evaluations[i]
			return &copied, nil
		}
	}
	return nil, engine.NewNotFoundError("policy evaluation not found: "+id, nil)
}

func (m *memStore) ListEvaluations(_ context.Context, filter EvaluationFilter) ([]Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Evaluation
	for _, e := range m.evaluations {
		if filter.VersionID != "" && e.VersionID != filter.VersionID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) PurgeEvaluations(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Evaluation
	var purged int64
	for _, e := range m.evaluations {
		if e.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.evaluations = kept
	return purged, nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	svc := NewService(store, WithClock(func() time.Time { return fixedNow }))
	return svc, store
}

func saveBound(t *testing.T, svc *Service, tmpl Template, bindings ...Binding) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.SaveTemplate(ctx, &tmpl))
	require.NoError(t, svc.SetBindings(ctx, tmpl.ID, bindings))
}

var testTarget = Target{TeamID: "team-1", Namespace: "platform", ArtifactID: "art-1"}

func TestServiceEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("block failure is disallowed and persisted", func(t *testing.T) {
		svc, store := newTestService(t)
		saveBound(t, svc, Template{Name: "prod", EnforcementLevel: EnforcementBlock, Rules: approvers(2)},
			Binding{Scope: ScopeGlobal})

		decision, err := svc.Evaluate(ctx, Request{
			Trigger: TriggerApproval,
			Target:  testTarget,
			Subject: Subject{VersionID: "ver-1", Actor: "alice", Approvers: []string{"alice"}},
		})
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, OutcomeFail, decision.Evaluation.Outcome)
		assert.NotEmpty(t, decision.Evaluation.ID)
		assert.Equal(t, fixedNow, decision.Evaluation.CreatedAt)
		assert.Empty(t, decision.Evaluation.OverriddenBy)

		stored, err := svc.GetEvaluation(ctx, decision.Evaluation.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeFail, stored.Outcome)
		assert.Len(t, store.evaluations, 1)
	})

	t.Run("warn failure is allowed and records the override", func(t *testing.T) {
		svc, _ := newTestService(t)
		saveBound(t, svc, Template{Name: "team", EnforcementLevel: EnforcementWarn, Rules: approvers(2)},
			Binding{Scope: ScopeTeam, ScopeValue: "team-1"})

		decision, err := svc.Evaluate(ctx, Request{
			Trigger: TriggerApproval,
			Target:  testTarget,
			Subject: Subject{VersionID: "ver-1", Actor: "alice"},
		})
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, OutcomeWarn, decision.Evaluation.Outcome)
		assert.Equal(t, "alice", decision.Evaluation.OverriddenBy)
	})

	t.Run("audit failure is allowed", func(t *testing.T) {
		svc, _ := newTestService(t)
		saveBound(t, svc, Template{Name: "audit", EnforcementLevel: EnforcementAudit, Rules: grade("A")},
			Binding{Scope: ScopeNamespace, ScopeValue: "platform"})

		decision, err := svc.Evaluate(ctx, Request{
			Trigger: TriggerDownload,
			Target:  testTarget,
			Subject: Subject{VersionID: "ver-1", ScanGrade: "C"},
		})
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, OutcomeFail, decision.Evaluation.Outcome)
	})

	t.Run("custom rego failures are merged", func(t *testing.T) {
		svc, _ := newTestService(t)
		saveBound(t, svc, Template{Name: "prod", EnforcementLevel: EnforcementBlock, Rego: gradeFRego},
			Binding{Scope: ScopeArtifact, ScopeValue: "art-1"})

		decision, err := svc.Evaluate(ctx, Request{
			Trigger: TriggerDownload,
			Target:  testTarget,
			Subject: Subject{VersionID: "ver-1", ScanGrade: "F"},
		})
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		failed := decision.Evaluation.Failed()
		require.Len(t, failed, 1)
		assert.Equal(t, "rego:prod", failed[0].Rule)
	})

	t.Run("invalid trigger is a validation error", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Evaluate(ctx, Request{Trigger: "deploy", Target: testTarget})
		assert.True(t, engine.IsValidation(err))
	})
}

func TestServiceTemplates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	err := svc.SaveTemplate(ctx, &Template{Name: "bad", EnforcementLevel: "strict"})
	assert.True(t, engine.IsValidation(err))

	err = svc.SaveTemplate(ctx, &Template{Name: "bad-rego", EnforcementLevel: EnforcementBlock, Rego: "package x\n\nallow := true\n"})
	assert.True(t, engine.IsValidation(err))

	tmpl := &Template{Name: "good", EnforcementLevel: EnforcementWarn}
	require.NoError(t, svc.SaveTemplate(ctx, tmpl))

	err = svc.Bind(ctx, &Binding{TemplateID: tmpl.ID, Scope: ScopeGlobal, ScopeValue: "x"})
	assert.True(t, engine.IsValidation(err))

	err = svc.Bind(ctx, &Binding{TemplateID: "missing", Scope: ScopeGlobal})
	assert.True(t, engine.IsNotFound(err))

	require.NoError(t, svc.Bind(ctx, &Binding{TemplateID: tmpl.ID, Scope: ScopeTeam, ScopeValue: "team-1"}))

	eff, err := svc.Resolve(ctx, testTarget)
	require.NoError(t, err)
	assert.Equal(t, EnforcementWarn, eff.EnforcementLevel)
	assert.Equal(t, []string{"good"}, eff.Templates)
}

func TestServicePurgeExpired(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	store.evaluations = []Evaluation{
		{ID: "old", CreatedAt: fixedNow.Add(-100 * 24 * time.Hour)},
		{ID: "new", CreatedAt: fixedNow},
	}

	n, err := svc.PurgeExpired(ctx, fixedNow.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	evals, err := svc.ListEvaluations(ctx, EvaluationFilter{})
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, "new", evals[0].ID)
}
