package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modvault/modvault/pkg/policy"
)

const templateColumns = `id, name, description, enforcement_level, rules, rego, created_at, updated_at`

// UpsertTemplate inserts a template or updates the template with the same name.
func (s *SQLStore) UpsertTemplate(ctx context.Context, tmpl *policy.Template) error {
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	rules, err := encodeJSON(tmpl.Rules)
	if err != nil {
		return err
	}

	var createdAt time.Time
	err = s.queryRow(ctx, s.db, `
		INSERT INTO policy_templates (`+templateColumns+`)
		VALUES (`+placeholders(8)+`)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			enforcement_level = excluded.enforcement_level,
			rules = excluded.rules,
			rego = excluded.rego,
			updated_at = excluded.updated_at
		RETURNING id, created_at
	`, tmpl.ID, tmpl.Name, tmpl.Description, string(tmpl.EnforcementLevel), rules, tmpl.Rego,
		utc(tmpl.CreatedAt), utc(tmpl.UpdatedAt)).Scan(&tmpl.ID, &createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert policy template: %w", err)
	}
	tmpl.CreatedAt = createdAt.UTC()
	return nil
}

func scanTemplate(row scanner) (*policy.Template, error) {
	var (
		t     policy.Template
		level string
		rules []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &level, &rules, &t.Rego, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.EnforcementLevel = policy.EnforcementLevel(level)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if err := decodeJSON(rules, &t.Rules); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTemplate retrieves a template by ID.
func (s *SQLStore) GetTemplate(ctx context.Context, id string) (*policy.Template, error) {
	t, err := scanTemplate(s.queryRow(ctx, s.db, `SELECT `+templateColumns+` FROM policy_templates WHERE id = ?`, id))
	if err != nil {
		return nil, getError("policy template", id, err)
	}
	return t, nil
}

// GetTemplateByName retrieves a template by name.
func (s *SQLStore) GetTemplateByName(ctx context.Context, name string) (*policy.Template, error) {
	t, err := scanTemplate(s.queryRow(ctx, s.db, `SELECT `+templateColumns+` FROM policy_templates WHERE name = ?`, name))
	if err != nil {
		return nil, getError("policy template", name, err)
	}
	return t, nil
}

// ListTemplates lists all templates ordered by name.
func (s *SQLStore) ListTemplates(ctx context.Context) ([]policy.Template, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+templateColumns+` FROM policy_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy templates: %w", err)
	}
	defer rows.Close()

	var templates []policy.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy template: %w", err)
		}
		templates = append(templates, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy templates: %w", err)
	}
	return templates, nil
}

// DeleteTemplate deletes a template and its bindings.
func (s *SQLStore) DeleteTemplate(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM policy_bindings WHERE template_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete policy bindings: %w", err)
		}
		result, err := s.exec(ctx, tx, `DELETE FROM policy_templates WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete policy template: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return notFound("policy template", id)
		}
		return nil
	})
}

func (s *SQLStore) insertBinding(ctx context.Context, q querier, b *policy.Binding) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	_, err := s.exec(ctx, q, `
		INSERT INTO policy_bindings (id, template_id, scope, scope_value, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, b.ID, b.TemplateID, string(b.Scope), b.ScopeValue, utc(b.CreatedAt))
	if err != nil {
		return insertError("policy binding", b.ID, err)
	}
	return nil
}

// CreateBinding inserts a binding.
func (s *SQLStore) CreateBinding(ctx context.Context, b *policy.Binding) error {
	return s.insertBinding(ctx, s.db, b)
}

// ReplaceBindings replaces every binding of a template in one transaction.
func (s *SQLStore) ReplaceBindings(ctx context.Context, templateID string, bindings []policy.Binding) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM policy_bindings WHERE template_id = ?`, templateID); err != nil {
			return fmt.Errorf("failed to delete policy bindings: %w", err)
		}
		for i := range bindings {
			bindings[i].TemplateID = templateID
			if err := s.insertBinding(ctx, tx, &bindings[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanBinding(row scanner) (*policy.Binding, error) {
	var (
		b     policy.Binding
		scope string
	)
	if err := row.Scan(&b.ID, &b.TemplateID, &scope, &b.ScopeValue, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Scope = policy.Scope(scope)
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

// ListBindings lists the bindings of a template.
func (s *SQLStore) ListBindings(ctx context.Context, templateID string) ([]policy.Binding, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, template_id, scope, scope_value, created_at
		FROM policy_bindings WHERE template_id = ? ORDER BY scope, scope_value
	`, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy bindings: %w", err)
	}
	defer rows.Close()

	var bindings []policy.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy binding: %w", err)
		}
		bindings = append(bindings, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy bindings: %w", err)
	}
	return bindings, nil
}

// DeleteBinding deletes a binding.
func (s *SQLStore) DeleteBinding(ctx context.Context, id string) error {
	result, err := s.exec(ctx, s.db, `DELETE FROM policy_bindings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy binding: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return notFound("policy binding", id)
	}
	return nil
}

// ListBoundTemplates returns every binding that matches target, with its template.
func (s *SQLStore) ListBoundTemplates(ctx context.Context, target policy.Target) ([]policy.BoundTemplate, error) {
	conds := []string{"b.scope = ?"}
	args := []any{string(policy.ScopeGlobal)}
	for _, scope := range []policy.Scope{policy.ScopeArtifact, policy.ScopeNamespace, policy.ScopeTeam} {
		if value := target.ScopeValue(scope); value != "" {
			conds = append(conds, "(b.scope = ? AND b.scope_value = ?)")
			args = append(args, string(scope), value)
		}
	}

	rows, err := s.query(ctx, s.db, `
		SELECT b.id, b.template_id, b.scope, b.scope_value, b.created_at, `+qualify("t", templateColumns)+`
		FROM policy_bindings b
		JOIN policy_templates t ON t.id = b.template_id
		WHERE `+strings.Join(conds, " OR ")+`
		ORDER BY t.name, b.scope
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bound policy templates: %w", err)
	}
	defer rows.Close()

	var bound []policy.BoundTemplate
	for rows.Next() {
		var (
			bt           policy.BoundTemplate
			scope, level string
			rules        []byte
		)
		err := rows.Scan(&bt.Binding.ID, &bt.Binding.TemplateID, &scope, &bt.Binding.ScopeValue, &bt.Binding.CreatedAt,
			&bt.Template.ID, &bt.Template.Name, &bt.Template.Description, &level, &rules, &bt.Template.Rego,
			&bt.Template.CreatedAt, &bt.Template.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bound policy template: %w", err)
		}
		bt.Binding.Scope = policy.Scope(scope)
		bt.Binding.CreatedAt = bt.Binding.CreatedAt.UTC()
		bt.Template.EnforcementLevel = policy.EnforcementLevel(level)
		bt.Template.CreatedAt = bt.Template.CreatedAt.UTC()
		bt.Template.UpdatedAt = bt.Template.UpdatedAt.UTC()
		if err := decodeJSON(rules, &bt.Template.Rules); err != nil {
			return nil, err
		}
		bound = append(bound, bt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bound policy templates: %w", err)
	}
	return bound, nil
}

const evaluationColumns = `id, trigger_type, artifact_id, version_id, actor, outcome, enforcement_level,
	rules, results, auto_approve, overridden_by, created_at`

// CreateEvaluation persists an evaluation.
func (s *SQLStore) CreateEvaluation(ctx context.Context, e *policy.Evaluation) error {
	var enc jsonEncoder
	rules := enc.encode(e.Rules)
	results := enc.encode(e.Results)
	if results == nil {
		results = "[]"
	}
	if enc.err != nil {
		return enc.err
	}

	_, err := s.exec(ctx, s.db, `
		INSERT INTO policy_evaluations (`+evaluationColumns+`)
		VALUES (`+placeholders(12)+`)
	`, e.ID, string(e.Trigger), e.ArtifactID, e.VersionID, e.Actor, string(e.Outcome), string(e.EnforcementLevel),
		rules, results, e.AutoApprove, e.OverriddenBy, utc(e.CreatedAt))
	if err != nil {
		return insertError("policy evaluation", e.ID, err)
	}
	return nil
}

func scanEvaluation(row scanner) (*policy.Evaluation, error) {
	var (
		e                       policy.Evaluation
		trigger, outcome, level string
		rules, results          []byte
	)
	err := row.Scan(&e.ID, &trigger, &e.ArtifactID, &e.VersionID, &e.Actor, &outcome, &level,
		&rules, &results, &e.AutoApprove, &e.OverriddenBy, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Trigger = policy.Trigger(trigger)
	e.Outcome = policy.Outcome(outcome)
	e.EnforcementLevel = policy.EnforcementLevel(level)
	e.CreatedAt = e.CreatedAt.UTC()

	var dec jsonDecoder
	dec.decode(rules, &e.Rules)
	dec.decode(results, &e.Results)
	if dec.err != nil {
		return nil, dec.err
	}
	return &e, nil
}

// GetEvaluation retrieves an evaluation by ID.
func (s *SQLStore) GetEvaluation(ctx context.Context, id string) (*policy.Evaluation, error) {
	e, err := scanEvaluation(s.queryRow(ctx, s.db, `SELECT `+evaluationColumns+` FROM policy_evaluations WHERE id = ?`, id))
	if err != nil {
		return nil, getError("policy evaluation", id, err)
	}
	return e, nil
}

// ListEvaluations lists evaluations matching filter, newest first.
func (s *SQLStore) ListEvaluations(ctx context.Context, filter policy.EvaluationFilter) ([]policy.Evaluation, error) {
	var (
		conds []string
		args  []any
	)
	if filter.VersionID != "" {
		conds = append(conds, "version_id = ?")
		args = append(args, filter.VersionID)
	}
	if filter.ArtifactID != "" {
		conds = append(conds, "artifact_id = ?")
		args = append(args, filter.ArtifactID)
	}
	if filter.Trigger != "" {
		conds = append(conds, "trigger_type = ?")
		args = append(args, string(filter.Trigger))
	}

	query := `SELECT ` + evaluationColumns + ` FROM policy_evaluations`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy evaluations: %w", err)
	}
	defer rows.Close()

	var evals []policy.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy evaluation: %w", err)
		}
		evals = append(evals, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy evaluations: %w", err)
	}
	return evals, nil
}

// PurgeEvaluations deletes evaluations created before the cutoff.
func (s *SQLStore) PurgeEvaluations(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.exec(ctx, s.db, `DELETE FROM policy_evaluations WHERE created_at < ?`, utc(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge policy evaluations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
