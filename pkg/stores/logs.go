package stores

import (
	"context"
	"fmt"
	"time"
)

// SaveRunLog stores the log text of a run, replacing any previous log.
func (s *SQLStore) SaveRunLog(ctx context.Context, runID, content string, truncated bool) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO run_logs (run_id, content, truncated, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			content = excluded.content,
			truncated = excluded.truncated,
			updated_at = excluded.updated_at
	`, runID, content, truncated, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save run log: %w", err)
	}
	return nil
}

// GetRunLog returns the stored log text of a run and whether it was truncated.
func (s *SQLStore) GetRunLog(ctx context.Context, runID string) (string, bool, error) {
	var (
		content   string
		truncated bool
	)
	err := s.queryRow(ctx, s.db, `SELECT content, truncated FROM run_logs WHERE run_id = ?`, runID).Scan(&content, &truncated)
	if err != nil {
		return "", false, getError("run log", runID, err)
	}
	return content, truncated, nil
}
