// Package stores provides the persistence layer for modvault.
//
// SQLStore implements engine.Store, policy.Store and registry.Store over
// database/sql with two dialects:
//
//   - sqlite: a single database file opened through modernc.org/sqlite with
//     WAL journaling, foreign keys and BEGIN IMMEDIATE transactions.
//   - postgres: a pgx connection pool; approvals take row locks with
//     SELECT ... FOR UPDATE.
//
// Schema changes are embedded golang-migrate migrations, one directory per
// dialect, applied by Migrate.
//
// # Compare-and-set
//
// Status writes name the status they expect to replace:
//
//	UPDATE module_runs SET status = 'running', ... WHERE id = ? AND status = 'queued'
//
// A write that matches no row is reported as a conflict when the row exists
// and as not found otherwise. Two writers racing for the same transition
// therefore never both succeed.
//
// # Uniqueness
//
// A partial unique index on module_runs(environment_run_id, module_id) keeps
// an environment run from creating two runs for one module, and a partial
// unique index on versions(artifact_id) WHERE is_latest keeps at most one
// latest version per artifact. Unique violations surface as conflict errors.
package stores
