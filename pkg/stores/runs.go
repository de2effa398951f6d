package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/modvault/modvault/pkg/engine"
)

// CreateEnvironment inserts an environment.
func (s *SQLStore) CreateEnvironment(ctx context.Context, env *engine.Environment) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO environments (id, team_id, name, created_at)
		VALUES (?, ?, ?, ?)
	`, env.ID, env.TeamID, env.Name, utc(env.CreatedAt))
	if err != nil {
		return insertError("environment", env.ID, err)
	}
	return nil
}

// GetEnvironment retrieves an environment by ID.
func (s *SQLStore) GetEnvironment(ctx context.Context, id string) (*engine.Environment, error) {
	var env engine.Environment
	err := s.queryRow(ctx, s.db, `
		SELECT id, team_id, name, created_at FROM environments WHERE id = ?
	`, id).Scan(&env.ID, &env.TeamID, &env.Name, &env.CreatedAt)
	if err != nil {
		return nil, getError("environment", id, err)
	}
	env.CreatedAt = env.CreatedAt.UTC()
	return &env, nil
}

// GetEnvironmentByName retrieves an environment by team and name.
func (s *SQLStore) GetEnvironmentByName(ctx context.Context, teamID, name string) (*engine.Environment, error) {
	var env engine.Environment
	err := s.queryRow(ctx, s.db, `
		SELECT id, team_id, name, created_at FROM environments WHERE team_id = ? AND name = ?
	`, teamID, name).Scan(&env.ID, &env.TeamID, &env.Name, &env.CreatedAt)
	if err != nil {
		return nil, getError("environment", teamID+"/"+name, err)
	}
	env.CreatedAt = env.CreatedAt.UTC()
	return &env, nil
}

const moduleColumns = `id, team_id, environment_id, name, artifact_namespace, artifact_name,
	version_constraint, pinned_version, variables, env_vars, state_backend, auto_confirm, status,
	last_run_id, last_run_status, resource_count, outputs, created_at, updated_at`

// CreateModule inserts a module.
func (s *SQLStore) CreateModule(ctx context.Context, m *engine.Module) error {
	var enc jsonEncoder
	variables := enc.encode(m.Variables)
	envVars := enc.encode(m.EnvVars)
	backend := enc.encode(m.StateBackend)
	outputs := enc.encode(m.Outputs)
	if enc.err != nil {
		return enc.err
	}

	_, err := s.exec(ctx, s.db, `
		INSERT INTO modules (`+moduleColumns+`)
		VALUES (`+placeholders(19)+`)
	`, m.ID, m.TeamID, m.EnvironmentID, m.Name, m.ArtifactNamespace, m.ArtifactName,
		m.VersionConstraint, m.PinnedVersion, variables, envVars, backend, m.AutoConfirm, string(m.Status),
		m.LastRunID, string(m.LastRunStatus), m.ResourceCount, outputs, utc(m.CreatedAt), utc(m.UpdatedAt))
	if err != nil {
		return insertError("module", m.ID, err)
	}
	return nil
}

func scanModule(row scanner) (*engine.Module, error) {
	var (
		m                                    engine.Module
		status, lastRunStatus                string
		variables, envVars, backend, outputs []byte
	)
	err := row.Scan(&m.ID, &m.TeamID, &m.EnvironmentID, &m.Name, &m.ArtifactNamespace, &m.ArtifactName,
		&m.VersionConstraint, &m.PinnedVersion, &variables, &envVars, &backend, &m.AutoConfirm, &status,
		&m.LastRunID, &lastRunStatus, &m.ResourceCount, &outputs, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.Status = engine.ModuleStatus(status)
	m.LastRunStatus = engine.RunStatus(lastRunStatus)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()

	var dec jsonDecoder
	dec.decode(variables, &m.Variables)
	dec.decode(envVars, &m.EnvVars)
	dec.decode(backend, &m.StateBackend)
	dec.decode(outputs, &m.Outputs)
	if dec.err != nil {
		return nil, dec.err
	}
	return &m, nil
}

// GetModule retrieves a module by ID.
func (s *SQLStore) GetModule(ctx context.Context, id string) (*engine.Module, error) {
	m, err := scanModule(s.queryRow(ctx, s.db, `SELECT `+moduleColumns+` FROM modules WHERE id = ?`, id))
	if err != nil {
		return nil, getError("module", id, err)
	}
	return m, nil
}

// ListModules lists the modules of an environment ordered by name.
func (s *SQLStore) ListModules(ctx context.Context, environmentID string) ([]engine.Module, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT `+moduleColumns+` FROM modules WHERE environment_id = ? ORDER BY name
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	var modules []engine.Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		modules = append(modules, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating modules: %w", err)
	}
	return modules, nil
}

// UpdateModuleLastRun records the outcome of a module's latest run. Successful
// runs also replace the module outputs and resource count.
func (s *SQLStore) UpdateModuleLastRun(ctx context.Context, moduleID string, outcome engine.ModuleRunOutcome) error {
	sets := []string{"last_run_id = ?", "last_run_status = ?", "updated_at = ?"}
	args := []any{outcome.RunID, string(outcome.Status), utc(outcome.At)}

	if outcome.ResourceCount != nil {
		sets = append(sets, "resource_count = ?")
		args = append(args, *outcome.ResourceCount)
	}
	if outcome.Outputs != nil {
		outputs, err := encodeJSON(outcome.Outputs)
		if err != nil {
			return err
		}
		sets = append(sets, "outputs = ?")
		args = append(args, outputs)
	}
	if outcome.Destroyed {
		sets = append(sets, "status = ?")
		args = append(args, string(engine.ModuleStatusDestroyed))
	}
	args = append(args, moduleID)

	result, err := s.exec(ctx, s.db, `UPDATE modules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update module: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return notFound("module", moduleID)
	}
	return nil
}

// CreateDependency inserts a dependency edge.
func (s *SQLStore) CreateDependency(ctx context.Context, dep *engine.ModuleDependency) error {
	mappings, err := encodeJSON(dep.OutputMappings)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, s.db, `
		INSERT INTO module_dependencies (id, environment_id, module_id, depends_on_id, output_mappings, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, dep.ID, dep.EnvironmentID, dep.ModuleID, dep.DependsOnID, mappings, utc(dep.CreatedAt))
	if err != nil {
		return insertError("dependency", dep.ID, err)
	}
	return nil
}

// ListDependencies lists the dependency edges of an environment.
func (s *SQLStore) ListDependencies(ctx context.Context, environmentID string) ([]engine.ModuleDependency, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, environment_id, module_id, depends_on_id, output_mappings, created_at
		FROM module_dependencies WHERE environment_id = ? ORDER BY created_at, id
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []engine.ModuleDependency
	for rows.Next() {
		var (
			dep      engine.ModuleDependency
			mappings []byte
		)
		if err := rows.Scan(&dep.ID, &dep.EnvironmentID, &dep.ModuleID, &dep.DependsOnID, &mappings, &dep.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if err := decodeJSON(mappings, &dep.OutputMappings); err != nil {
			return nil, err
		}
		dep.CreatedAt = dep.CreatedAt.UTC()
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

const runColumns = `id, module_id, environment_id, environment_run_id, operation, mode, status,
	priority, priority_rank, queue_position, trigger_source, triggered_by, artifact_namespace,
	artifact_name, version, variables, env_vars, state_backend, outputs, plan_summary,
	resource_count, job_name, job_namespace, job_spec, callback_token_hash, exit_code,
	error_message, skip_reason, log_ref, cancel_requested_at, created_at, queued_at, started_at,
	planned_at, confirmed_at, confirmed_by, apply_started_at, completed_at`

// qualify prefixes every column of a column list with a table alias.
func qualify(alias, columns string) string {
	fields := strings.Split(columns, ",")
	for i, f := range fields {
		fields[i] = alias + "." + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}

// CreateModuleRun inserts a run.
func (s *SQLStore) CreateModuleRun(ctx context.Context, run *engine.ModuleRun) error {
	var enc jsonEncoder
	variables := enc.encode(run.Variables)
	envVars := enc.encode(run.EnvVars)
	backend := enc.encode(run.StateBackend)
	outputs := enc.encode(run.Outputs)
	summary := enc.encode(run.PlanSummary)
	spec := enc.encode(run.JobSpec)
	if enc.err != nil {
		return enc.err
	}

	_, err := s.exec(ctx, s.db, `
		INSERT INTO module_runs (`+runColumns+`)
		VALUES (`+placeholders(38)+`)
	`, run.ID, run.ModuleID, run.EnvironmentID, nullString(run.EnvironmentRunID), string(run.Operation),
		string(run.Mode), string(run.Status), string(run.Priority), run.Priority.Rank(), nullInt(run.QueuePosition),
		string(run.TriggerSource), run.TriggeredBy, run.ArtifactNamespace, run.ArtifactName, run.Version,
		variables, envVars, backend, outputs, summary, nullInt(run.ResourceCount), run.JobName, run.JobNamespace,
		spec, run.CallbackTokenHash, nullInt(run.ExitCode), run.ErrorMessage, run.SkipReason, run.LogRef,
		nullTime(run.CancelRequestedAt), utc(run.CreatedAt), nullTime(run.QueuedAt), nullTime(run.StartedAt),
		nullTime(run.PlannedAt), nullTime(run.ConfirmedAt), run.ConfirmedBy, nullTime(run.ApplyStartedAt),
		nullTime(run.CompletedAt))
	if err != nil {
		return insertError("module run", run.ID, err)
	}
	return nil
}

func scanModuleRun(row scanner) (*engine.ModuleRun, error) {
	var (
		run                                                 engine.ModuleRun
		envRunID                                            sql.NullString
		operation, mode, status, priority, trigger          string
		rank                                                int
		queuePosition, resourceCount, exitCode              sql.NullInt64
		variables, envVars, backend, outputs, summary, spec []byte
		cancelRequestedAt, queuedAt, startedAt, plannedAt   sql.NullTime
		confirmedAt, applyStartedAt, completedAt            sql.NullTime
	)
	err := row.Scan(&run.ID, &run.ModuleID, &run.EnvironmentID, &envRunID, &operation, &mode, &status,
		&priority, &rank, &queuePosition, &trigger, &run.TriggeredBy, &run.ArtifactNamespace,
		&run.ArtifactName, &run.Version, &variables, &envVars, &backend, &outputs, &summary,
		&resourceCount, &run.JobName, &run.JobNamespace, &spec, &run.CallbackTokenHash, &exitCode,
		&run.ErrorMessage, &run.SkipReason, &run.LogRef, &cancelRequestedAt, &run.CreatedAt, &queuedAt, &startedAt,
		&plannedAt, &confirmedAt, &run.ConfirmedBy, &applyStartedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.EnvironmentRunID = envRunID.String
	run.Operation = engine.Operation(operation)
	run.Mode = engine.RunMode(mode)
	run.Status = engine.RunStatus(status)
	run.Priority = engine.Priority(priority)
	run.TriggerSource = engine.TriggerSource(trigger)
	run.QueuePosition = intPtr(queuePosition)
	run.ResourceCount = intPtr(resourceCount)
	run.ExitCode = intPtr(exitCode)
	run.CreatedAt = run.CreatedAt.UTC()
	run.CancelRequestedAt = timePtr(cancelRequestedAt)
	run.QueuedAt = timePtr(queuedAt)
	run.StartedAt = timePtr(startedAt)
	run.PlannedAt = timePtr(plannedAt)
	run.ConfirmedAt = timePtr(confirmedAt)
	run.ApplyStartedAt = timePtr(applyStartedAt)
	run.CompletedAt = timePtr(completedAt)
	if len(spec) > 0 {
		run.JobSpec = append([]byte(nil), spec...)
	}

	var dec jsonDecoder
	dec.decode(variables, &run.Variables)
	dec.decode(envVars, &run.EnvVars)
	dec.decode(backend, &run.StateBackend)
	dec.decode(outputs, &run.Outputs)
	dec.decode(summary, &run.PlanSummary)
	if dec.err != nil {
		return nil, dec.err
	}
	return &run, nil
}

func (s *SQLStore) listModuleRuns(ctx context.Context, q querier, query string, args ...any) ([]engine.ModuleRun, error) {
	rows, err := s.query(ctx, q, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list module runs: %w", err)
	}
	defer rows.Close()

	var runs []engine.ModuleRun
	for rows.Next() {
		run, err := scanModuleRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating module runs: %w", err)
	}
	return runs, nil
}

// GetModuleRun retrieves a run by ID.
func (s *SQLStore) GetModuleRun(ctx context.Context, id string) (*engine.ModuleRun, error) {
	run, err := scanModuleRun(s.queryRow(ctx, s.db, `SELECT `+runColumns+` FROM module_runs WHERE id = ?`, id))
	if err != nil {
		return nil, getError("module run", id, err)
	}
	return run, nil
}

// runFilterClause renders the WHERE clause of a RunFilter.
func runFilterClause(filter engine.RunFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.ModuleID != "" {
		conds = append(conds, "module_id = ?")
		args = append(args, filter.ModuleID)
	}
	if filter.EnvironmentID != "" {
		conds = append(conds, "environment_id = ?")
		args = append(args, filter.EnvironmentID)
	}
	if filter.EnvironmentRunID != "" {
		conds = append(conds, "environment_run_id = ?")
		args = append(args, filter.EnvironmentRunID)
	}
	if filter.Mode != "" {
		conds = append(conds, "mode = ?")
		args = append(args, string(filter.Mode))
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListModuleRuns lists runs matching filter, oldest first.
func (s *SQLStore) ListModuleRuns(ctx context.Context, filter engine.RunFilter) ([]engine.ModuleRun, error) {
	where, args := runFilterClause(filter)
	query := `SELECT ` + runColumns + ` FROM module_runs` + where + ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.listModuleRuns(ctx, s.db, query, args...)
}

// CountModuleRuns counts runs matching filter.
func (s *SQLStore) CountModuleRuns(ctx context.Context, filter engine.RunFilter) (int, error) {
	where, args := runFilterClause(filter)
	var count int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM module_runs`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count module runs: %w", err)
	}
	return count, nil
}

// UpdateModuleRun writes the mutable fields of run if its stored status equals expected.
func (s *SQLStore) UpdateModuleRun(ctx context.Context, run *engine.ModuleRun, expected engine.RunStatus) error {
	var enc jsonEncoder
	outputs := enc.encode(run.Outputs)
	summary := enc.encode(run.PlanSummary)
	spec := enc.encode(run.JobSpec)
	variables := enc.encode(run.Variables)
	if enc.err != nil {
		return enc.err
	}

	result, err := s.exec(ctx, s.db, `
		UPDATE module_runs SET
			status = ?, queue_position = ?, variables = ?, outputs = ?, plan_summary = ?,
			resource_count = ?, job_name = ?, job_namespace = ?, job_spec = ?, callback_token_hash = ?,
			exit_code = ?, error_message = ?, skip_reason = ?, log_ref = ?, cancel_requested_at = ?,
			queued_at = ?, started_at = ?, planned_at = ?, confirmed_at = ?, confirmed_by = ?,
			apply_started_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, string(run.Status), nullInt(run.QueuePosition), variables, outputs, summary,
		nullInt(run.ResourceCount), run.JobName, run.JobNamespace, spec, run.CallbackTokenHash,
		nullInt(run.ExitCode), run.ErrorMessage, run.SkipReason, run.LogRef, nullTime(run.CancelRequestedAt),
		nullTime(run.QueuedAt), nullTime(run.StartedAt), nullTime(run.PlannedAt), nullTime(run.ConfirmedAt),
		run.ConfirmedBy, nullTime(run.ApplyStartedAt), nullTime(run.CompletedAt),
		run.ID, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update module run: %w", err)
	}

	return s.casResult(ctx, result, "module_runs", "module run", run.ID, string(expected))
}

// casResult turns a zero-row compare-and-set update into a not-found or conflict error.
func (s *SQLStore) casResult(ctx context.Context, result sql.Result, table, kind, id, expected string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.queryRow(ctx, s.db, `SELECT status FROM `+table+` WHERE id = ?`, id).Scan(&current)
	if err != nil {
		return getError(kind, id, err)
	}
	return engine.NewConflictError(
		fmt.Sprintf("%s %s is %s, expected %s", kind, id, current, expected), nil,
	).WithCode(engine.ErrCodeInvalidState).WithResource(id)
}

// RecomputeQueuePositions renumbers the queued runs of a module from 1.
func (s *SQLStore) RecomputeQueuePositions(ctx context.Context, moduleID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `
			SELECT id FROM module_runs
			WHERE module_id = ? AND status = ?
			ORDER BY priority_rank, created_at, id
		`, moduleID, string(engine.RunStatusQueued))
		if err != nil {
			return fmt.Errorf("failed to list queued runs: %w", err)
		}

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan queued run: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating queued runs: %w", err)
		}

		for i, id := range ids {
			if _, err := s.exec(ctx, tx, `
				UPDATE module_runs SET queue_position = ? WHERE id = ? AND status = ?
			`, i+1, id, string(engine.RunStatusQueued)); err != nil {
				return fmt.Errorf("failed to update queue position: %w", err)
			}
		}

		_, err = s.exec(ctx, tx, `
			UPDATE module_runs SET queue_position = NULL
			WHERE module_id = ? AND status <> ? AND queue_position IS NOT NULL
		`, moduleID, string(engine.RunStatusQueued))
		if err != nil {
			return fmt.Errorf("failed to clear queue positions: %w", err)
		}
		return nil
	})
}

// ListEligibleQueuedRuns returns the queue heads of the given mode, or of every
// mode when mode is empty, whose module has no run holding its slot.
func (s *SQLStore) ListEligibleQueuedRuns(ctx context.Context, mode engine.RunMode, limit int) ([]engine.ModuleRun, error) {
	args := []any{string(engine.RunStatusQueued)}
	modeCond := ""
	if mode != "" {
		modeCond = " AND r.mode = ?"
		args = append(args, string(mode))
	}

	query := `
		SELECT ` + qualify("r", runColumns) + `
		FROM module_runs r
		WHERE r.status = ?` + modeCond + `
		  AND NOT EXISTS (
			SELECT 1 FROM module_runs h
			WHERE h.module_id = r.module_id AND h.status IN (?, ?, ?, ?)
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM module_runs q
			WHERE q.module_id = r.module_id AND q.status = ? AND q.id <> r.id
			  AND (q.priority_rank < r.priority_rank
				OR (q.priority_rank = r.priority_rank AND q.created_at < r.created_at)
				OR (q.priority_rank = r.priority_rank AND q.created_at = r.created_at AND q.id < r.id))
		  )
		ORDER BY r.priority_rank, r.created_at, r.id`
	args = append(args,
		string(engine.RunStatusRunning), string(engine.RunStatusPlanned),
		string(engine.RunStatusConfirmed), string(engine.RunStatusApplying),
		string(engine.RunStatusQueued),
	)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.listModuleRuns(ctx, s.db, query, args...)
}

const envRunColumns = `id, environment_id, operation, status, mode, total_modules, completed_modules,
	failed_modules, skipped_modules, execution_order, triggered_by, created_at, started_at,
	completed_at, duration_ms`

// CreateEnvironmentRun inserts an environment run.
func (s *SQLStore) CreateEnvironmentRun(ctx context.Context, run *engine.EnvironmentRun) error {
	order, err := encodeJSON(run.ExecutionOrder)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, s.db, `
		INSERT INTO environment_runs (`+envRunColumns+`)
		VALUES (`+placeholders(15)+`)
	`, run.ID, run.EnvironmentID, string(run.Operation), string(run.Status), string(run.Mode),
		run.TotalModules, run.CompletedModules, run.FailedModules, run.SkippedModules, order,
		run.TriggeredBy, utc(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt),
		run.Duration.Milliseconds())
	if err != nil {
		return insertError("environment run", run.ID, err)
	}
	return nil
}

func scanEnvironmentRun(row scanner) (*engine.EnvironmentRun, error) {
	var (
		run                     engine.EnvironmentRun
		operation, status, mode string
		order                   []byte
		startedAt, completedAt  sql.NullTime
		durationMS              int64
	)
	err := row.Scan(&run.ID, &run.EnvironmentID, &operation, &status, &mode, &run.TotalModules,
		&run.CompletedModules, &run.FailedModules, &run.SkippedModules, &order, &run.TriggeredBy,
		&run.CreatedAt, &startedAt, &completedAt, &durationMS)
	if err != nil {
		return nil, err
	}

	run.Operation = engine.EnvironmentOperation(operation)
	run.Status = engine.EnvironmentRunStatus(status)
	run.Mode = engine.RunMode(mode)
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	if err := decodeJSON(order, &run.ExecutionOrder); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetEnvironmentRun retrieves an environment run by ID.
func (s *SQLStore) GetEnvironmentRun(ctx context.Context, id string) (*engine.EnvironmentRun, error) {
	run, err := scanEnvironmentRun(s.queryRow(ctx, s.db, `SELECT `+envRunColumns+` FROM environment_runs WHERE id = ?`, id))
	if err != nil {
		return nil, getError("environment run", id, err)
	}
	return run, nil
}

// ListEnvironmentRuns lists environment runs matching filter, newest first.
func (s *SQLStore) ListEnvironmentRuns(ctx context.Context, filter engine.EnvironmentRunFilter) ([]engine.EnvironmentRun, error) {
	var (
		conds []string
		args  []any
	)
	if filter.EnvironmentID != "" {
		conds = append(conds, "environment_id = ?")
		args = append(args, filter.EnvironmentID)
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + envRunColumns + ` FROM environment_runs`
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
		return nil, fmt.Errorf("failed to list environment runs: %w", err)
	}
	defer rows.Close()

	var runs []engine.EnvironmentRun
	for rows.Next() {
		run, err := scanEnvironmentRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environment runs: %w", err)
	}
	return runs, nil
}

// UpdateEnvironmentRun writes status and timing fields if the stored status equals expected.
func (s *SQLStore) UpdateEnvironmentRun(ctx context.Context, run *engine.EnvironmentRun, expected engine.EnvironmentRunStatus) error {
	result, err := s.exec(ctx, s.db, `
		UPDATE environment_runs SET status = ?, started_at = ?, completed_at = ?, duration_ms = ?
		WHERE id = ? AND status = ?
	`, string(run.Status), nullTime(run.StartedAt), nullTime(run.CompletedAt), run.Duration.Milliseconds(),
		run.ID, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update environment run: %w", err)
	}
	return s.casResult(ctx, result, "environment_runs", "environment run", run.ID, string(expected))
}

// AddEnvironmentRunProgress atomically increments the counters and returns the updated run.
func (s *SQLStore) AddEnvironmentRunProgress(ctx context.Context, id string, completed, failed, skipped int) (*engine.EnvironmentRun, error) {
	var run *engine.EnvironmentRun
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := s.exec(ctx, tx, `
			UPDATE environment_runs SET
				completed_modules = completed_modules + ?,
				failed_modules = failed_modules + ?,
				skipped_modules = skipped_modules + ?
			WHERE id = ?
		`, completed, failed, skipped, id)
		if err != nil {
			return fmt.Errorf("failed to update environment run progress: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return notFound("environment run", id)
		}

		run, err = scanEnvironmentRun(s.queryRow(ctx, tx, `SELECT `+envRunColumns+` FROM environment_runs WHERE id = ?`, id))
		if err != nil {
			return getError("environment run", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// AppendEvent persists an audit event.
func (s *SQLStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO events (id, type, timestamp, run_id, environment_run_id, module_id, actor,
			from_status, to_status, message, level)
		VALUES (`+placeholders(11)+`)
	`, event.ID, string(event.Type), utc(event.Timestamp), event.RunID, event.EnvironmentRunID, event.ModuleID,
		event.Actor, event.From, event.To, event.Message, event.Level)
	if err != nil {
		return insertError("event", event.ID, err)
	}
	return nil
}

// EventFilter selects events. Zero fields are ignored.
type EventFilter struct {
	RunID            string
	EnvironmentRunID string
	Limit            int
}

// ListEvents lists events matching filter, oldest first.
func (s *SQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]engine.Event, error) {
	var (
		conds []string
		args  []any
	)
	if filter.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.EnvironmentRunID != "" {
		conds = append(conds, "environment_run_id = ?")
		args = append(args, filter.EnvironmentRunID)
	}

	query := `SELECT id, type, timestamp, run_id, environment_run_id, module_id, actor, from_status,
		to_status, message, level FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []engine.Event
	for rows.Next() {
		var (
			e         engine.Event
			eventType string
		)
		if err := rows.Scan(&e.ID, &eventType, &e.Timestamp, &e.RunID, &e.EnvironmentRunID, &e.ModuleID,
			&e.Actor, &e.From, &e.To, &e.Message, &e.Level); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = engine.EventType(eventType)
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
