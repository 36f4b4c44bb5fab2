package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BatchRecord is the persisted summary of one applied graph batch.
type BatchRecord struct {
	ID                   string     `json:"id"`
	WorkspaceID          string     `json:"workspaceId"`
	ChangeCount          int        `json:"changeCount"`
	Success              bool       `json:"success"`
	Error                string     `json:"error,omitempty"`
	NodesAffected        int        `json:"nodesAffected"`
	RelationshipsUpdated int        `json:"relationshipsUpdated"`
	DepthReached         int        `json:"depthReached"`
	CreatedAt            time.Time  `json:"createdAt"`
	AppliedAt            *time.Time `json:"appliedAt,omitempty"`
}

// batchTimeLayout is fixed width so created_at sorts chronologically as text.
const batchTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RecordBatch persists a batch outcome.
func (db *DB) RecordBatch(ctx context.Context, r BatchRecord) error {
	var applied interface{}
	if r.AppliedAt != nil {
		applied = r.AppliedAt.UTC().Format(batchTimeLayout)
	}
	var errText interface{}
	if r.Error != "" {
		errText = r.Error
	}

	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO batch_log (
			id, workspace_id, change_count, success, error,
			nodes_affected, relationships_updated, depth_reached, created_at, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.WorkspaceID, r.ChangeCount, boolToInt(r.Success), errText,
		r.NodesAffected, r.RelationshipsUpdated, r.DepthReached,
		r.CreatedAt.UTC().Format(batchTimeLayout), applied)
	if err != nil {
		return fmt.Errorf("failed to record batch: %w", err)
	}
	return nil
}

// RecentBatches returns the newest batch records for a workspace.
func (db *DB) RecentBatches(ctx context.Context, workspaceID string, limit int) ([]BatchRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, workspace_id, change_count, success, error,
			nodes_affected, relationships_updated, depth_reached, created_at, applied_at
		FROM batch_log
		WHERE workspace_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []BatchRecord
	for rows.Next() {
		var (
			r                  BatchRecord
			success            int
			errText, appliedAt sql.NullString
			createdAt          string
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.ChangeCount, &success, &errText,
			&r.NodesAffected, &r.RelationshipsUpdated, &r.DepthReached, &createdAt, &appliedAt); err != nil {
			return nil, err
		}
		r.Success = success == 1
		r.Error = errText.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if appliedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, appliedAt.String)
			if err == nil {
				r.AppliedAt = &t
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PruneBatches keeps only the newest keep records for a workspace.
func (db *DB) PruneBatches(ctx context.Context, workspaceID string, keep int) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM batch_log
		WHERE workspace_id = ? AND id NOT IN (
			SELECT id FROM batch_log WHERE workspace_id = ?
			ORDER BY created_at DESC LIMIT ?
		)
	`, workspaceID, workspaceID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune batch log: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
