package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modvault/modvault/pkg/engine"
	"github.com/modvault/modvault/pkg/policy"
	"github.com/modvault/modvault/pkg/registry"
)

const artifactColumns = `id, team_id, namespace, name, policy, created_at`

// CreateArtifact inserts an artifact.
func (s *SQLStore) CreateArtifact(ctx context.Context, a *registry.Artifact) error {
	rules, err := encodeJSON(a.Policy)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, s.db, `
		INSERT INTO artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.TeamID, a.Namespace, a.Name, rules, utc(a.CreatedAt))
	if err != nil {
		return insertError("artifact", a.ID, err)
	}
	return nil
}

func scanArtifact(row scanner) (*registry.Artifact, error) {
	var (
		a     registry.Artifact
		rules []byte
	)
	if err := row.Scan(&a.ID, &a.TeamID, &a.Namespace, &a.Name, &rules, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	if len(rules) > 0 {
		a.Policy = &policy.Rules{}
		if err := decodeJSON(rules, a.Policy); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

// GetArtifact retrieves an artifact by ID.
func (s *SQLStore) GetArtifact(ctx context.Context, id string) (*registry.Artifact, error) {
	a, err := scanArtifact(s.queryRow(ctx, s.db, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id))
	if err != nil {
		return nil, getError("artifact", id, err)
	}
	return a, nil
}

// GetArtifactByName retrieves an artifact by namespace and name.
func (s *SQLStore) GetArtifactByName(ctx context.Context, namespace, name string) (*registry.Artifact, error) {
	a, err := scanArtifact(s.queryRow(ctx, s.db, `
		SELECT `+artifactColumns+` FROM artifacts WHERE namespace = ? AND name = ?
	`, namespace, name))
	if err != nil {
		return nil, getError("artifact", namespace+"/"+name, err)
	}
	return a, nil
}

const versionColumns = `id, artifact_id, version, approval_status, is_latest, published_by, scan_grade,
	tests_passed, validate_passed, approved_by, approved_at, rejected_by, rejected_at,
	rejection_reason, created_at`

// CreateVersion inserts a version.
func (s *SQLStore) CreateVersion(ctx context.Context, v *registry.Version) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO versions (`+versionColumns+`) VALUES (`+placeholders(15)+`)
	`, v.ID, v.ArtifactID, v.Version, string(v.ApprovalStatus), v.IsLatest, v.PublishedBy, v.ScanGrade,
		nullBool(v.TestsPassed), nullBool(v.ValidatePassed), v.ApprovedBy, nullTime(v.ApprovedAt),
		v.RejectedBy, nullTime(v.RejectedAt), v.RejectionReason, utc(v.CreatedAt))
	if err != nil {
		return insertError("version", v.ID, err)
	}
	return nil
}

func scanVersion(row scanner) (*registry.Version, error) {
	var (
		v                      registry.Version
		status                 string
		tests, validate        sql.NullBool
		approvedAt, rejectedAt sql.NullTime
	)
	err := row.Scan(&v.ID, &v.ArtifactID, &v.Version, &status, &v.IsLatest, &v.PublishedBy, &v.ScanGrade,
		&tests, &validate, &v.ApprovedBy, &approvedAt, &v.RejectedBy, &rejectedAt,
		&v.RejectionReason, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.ApprovalStatus = registry.ApprovalStatus(status)
	v.TestsPassed = boolPtr(tests)
	v.ValidatePassed = boolPtr(validate)
	v.ApprovedAt = timePtr(approvedAt)
	v.RejectedAt = timePtr(rejectedAt)
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

// GetVersion retrieves a version by ID.
func (s *SQLStore) GetVersion(ctx context.Context, id string) (*registry.Version, error) {
	v, err := scanVersion(s.queryRow(ctx, s.db, `SELECT `+versionColumns+` FROM versions WHERE id = ?`, id))
	if err != nil {
		return nil, getError("version", id, err)
	}
	return v, nil
}

// GetLatestVersion returns the version of an artifact holding is_latest.
func (s *SQLStore) GetLatestVersion(ctx context.Context, artifactID string) (*registry.Version, error) {
	v, err := scanVersion(s.queryRow(ctx, s.db, `
		SELECT `+versionColumns+` FROM versions WHERE artifact_id = ? AND is_latest = ?
	`, artifactID, true))
	if err != nil {
		return nil, getError("latest version of artifact", artifactID, err)
	}
	return v, nil
}

// ListVersions lists the versions of an artifact, oldest first.
func (s *SQLStore) ListVersions(ctx context.Context, artifactID string) ([]registry.Version, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT `+versionColumns+` FROM versions WHERE artifact_id = ? ORDER BY created_at, id
	`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []registry.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}
	return versions, nil
}

// RecordVote records an approver's vote. Repeated votes are ignored.
func (s *SQLStore) RecordVote(ctx context.Context, vote *registry.Vote) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO version_votes (version_id, approver, comment, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (version_id, approver) DO NOTHING
	`, vote.VersionID, vote.Approver, vote.Comment, utc(vote.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record vote: %w", err)
	}
	return nil
}

// ListVotes lists the votes of a version, oldest first.
func (s *SQLStore) ListVotes(ctx context.Context, versionID string) ([]registry.Vote, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT version_id, approver, comment, created_at
		FROM version_votes WHERE version_id = ? ORDER BY created_at, approver
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	var votes []registry.Vote
	for rows.Next() {
		var v registry.Vote
		if err := rows.Scan(&v.VersionID, &v.Approver, &v.Comment, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		v.CreatedAt = v.CreatedAt.UTC()
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating votes: %w", err)
	}
	return votes, nil
}

// lockPendingVersion reads a version inside tx, holding its row lock on
// Postgres, and fails with a conflict unless it is pending.
func (s *SQLStore) lockPendingVersion(ctx context.Context, tx *sql.Tx, versionID string) (*registry.Version, error) {
	v, err := scanVersion(s.queryRow(ctx, tx, `
		SELECT `+versionColumns+` FROM versions WHERE id = ?`+s.forUpdate(), versionID))
	if err != nil {
		return nil, getError("version", versionID, err)
	}
	if v.ApprovalStatus != registry.ApprovalPending {
		return nil, engine.NewConflictError(
			fmt.Sprintf("version %s is already %s", v.Version, v.ApprovalStatus), nil,
		).WithCode(engine.ErrCodeInvalidState).WithResource(versionID)
	}
	return v, nil
}

// ApproveVersion marks a pending version approved and latest. The row lock on
// the version serializes concurrent approvals, and the is_latest flag moves in
// the same transaction.
func (s *SQLStore) ApproveVersion(ctx context.Context, versionID, approver string, at time.Time) (*registry.Version, error) {
	var approved *registry.Version
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		v, err := s.lockPendingVersion(ctx, tx, versionID)
		if err != nil {
			return err
		}

		// Approvals of sibling versions also contend for is_latest, so they
		// serialize on the artifact row.
		var artifactID string
		if err := s.queryRow(ctx, tx, `SELECT id FROM artifacts WHERE id = ?`+s.forUpdate(), v.ArtifactID).Scan(&artifactID); err != nil {
			return getError("artifact", v.ArtifactID, err)
		}

		if _, err := s.exec(ctx, tx, `
			UPDATE versions SET is_latest = ? WHERE artifact_id = ? AND is_latest = ?
		`, false, v.ArtifactID, true); err != nil {
			return fmt.Errorf("failed to clear latest version: %w", err)
		}

		if _, err := s.exec(ctx, tx, `
			UPDATE versions SET approval_status = ?, is_latest = ?, approved_by = ?, approved_at = ?
			WHERE id = ?
		`, string(registry.ApprovalApproved), true, approver, utc(at), versionID); err != nil {
			return fmt.Errorf("failed to approve version: %w", err)
		}

		approved, err = scanVersion(s.queryRow(ctx, tx, `SELECT `+versionColumns+` FROM versions WHERE id = ?`, versionID))
		if err != nil {
			return getError("version", versionID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

// RejectVersion marks a pending version rejected.
func (s *SQLStore) RejectVersion(ctx context.Context, versionID, actor, reason string, at time.Time) (*registry.Version, error) {
	var rejected *registry.Version
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.lockPendingVersion(ctx, tx, versionID); err != nil {
			return err
		}

		if _, err := s.exec(ctx, tx, `
			UPDATE versions SET approval_status = ?, rejected_by = ?, rejected_at = ?, rejection_reason = ?
			WHERE id = ?
		`, string(registry.ApprovalRejected), actor, utc(at), reason, versionID); err != nil {
			return fmt.Errorf("failed to reject version: %w", err)
		}

		var err error
		rejected, err = scanVersion(s.queryRow(ctx, tx, `SELECT `+versionColumns+` FROM versions WHERE id = ?`, versionID))
		if err != nil {
			return getError("version", versionID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// AppendAudit persists an audit entry.
func (s *SQLStore) AppendAudit(ctx context.Context, entry *registry.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	details, err := encodeJSON(entry.Details)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, s.db, `
		INSERT INTO audit (id, action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Action, entry.Actor, entry.TargetID, details, utc(entry.Timestamp))
	if err != nil {
		return insertError("audit entry", entry.ID, err)
	}
	return nil
}

// ListAudit lists the audit entries of a target, oldest first.
func (s *SQLStore) ListAudit(ctx context.Context, targetID string) ([]registry.AuditEntry, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit WHERE target_id = ? ORDER BY timestamp, id
	`, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []registry.AuditEntry
	for rows.Next() {
		var (
			e       registry.AuditEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.TargetID, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := decodeJSON(details, &e.Details); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
