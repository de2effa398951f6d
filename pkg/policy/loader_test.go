package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prodTemplate = `name: prod-baseline
description: Baseline for production artifacts
enforcement_level: warn
rules:
  min_approvers: 2
  required_scan_grade: b
  prevent_self_approval: true
bindings:
  - scope: global
  - scope: team
    value: team-1
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoaderLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "prod.yaml"), prodTemplate)
	writeFile(t, filepath.Join(dir, "grades.yml"), "enforcement_level: audit\n")
	writeFile(t, filepath.Join(dir, "grades.rego"), gradeFRego)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	loader := NewLoader(nil, zerolog.Nop())
	files, err := loader.LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	grades := files[0]
	assert.Equal(t, "grades", grades.Name, "name defaults to the file name")
	assert.Equal(t, EnforcementAudit, grades.EnforcementLevel)
	assert.Equal(t, gradeFRego, grades.Rego)

	prod := files[1]
	assert.Equal(t, "prod-baseline", prod.Name)
	assert.Equal(t, EnforcementWarn, prod.EnforcementLevel)
	require.NotNil(t, prod.Rules.MinApprovers)
	assert.Equal(t, 2, *prod.Rules.MinApprovers)
	require.NotNil(t, prod.Rules.PreventSelfApproval)
	assert.True(t, *prod.Rules.PreventSelfApproval)
	assert.Nil(t, prod.Rules.AutoApprovePatches)
	require.Len(t, prod.Bindings, 2)
	assert.Equal(t, ScopeTeam, prod.Bindings[1].Scope)
	assert.Equal(t, "team-1", prod.Bindings[1].ScopeValue)
}

func TestLoaderRejectsInvalidTemplates(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad enforcement level", "name: x\nenforcement_level: strict\n"},
		{"bad grade", "name: x\nrules:\n  required_scan_grade: Z\n"},
		{"global with value", "name: x\nbindings:\n  - scope: global\n    value: team-1\n"},
		{"team without value", "name: x\nbindings:\n  - scope: team\n"},
		{"malformed yaml", "name: [x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "t.yaml"), tt.content)
			_, err := NewLoader(nil, zerolog.Nop()).LoadDir(dir)
			assert.Error(t, err)
		})
	}

	t.Run("duplicate names", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "a.yaml"), "name: same\n")
		writeFile(t, filepath.Join(dir, "b.yaml"), "name: same\n")
		_, err := NewLoader(nil, zerolog.Nop()).LoadDir(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "defined in both")
	})
}

func TestLoaderSync(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "prod.yaml"), prodTemplate)

	svc, store := newTestService(t)
	loader := NewLoader(svc, zerolog.Nop())

	n, err := loader.Sync(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tmpl, err := store.GetTemplateByName(ctx, "prod-baseline")
	require.NoError(t, err)
	bindings, err := store.ListBindings(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Len(t, bindings, 2)

	// Re-syncing replaces bindings instead of adding to them.
	writeFile(t, filepath.Join(dir, "prod.yaml"), "name: prod-baseline\nbindings:\n  - scope: global\n")
	_, err = loader.Sync(ctx, dir)
	require.NoError(t, err)

	bindings, err = store.ListBindings(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Len(t, bindings, 1)

	templates, err := store.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, templates, 1)
}

func TestLoaderWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	svc, store := newTestService(t)
	loader := NewLoader(svc, zerolog.Nop())
	loader.reloadDelay = 10 * time.Millisecond

	require.NoError(t, loader.Watch(ctx, dir))
	defer func() { _ = loader.StopWatching() }()

	writeFile(t, filepath.Join(dir, "prod.yaml"), prodTemplate)

	assert.Eventually(t, func() bool {
		_, err := store.GetTemplateByName(context.Background(), "prod-baseline")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}
