package database

import (
	"context"
	"fmt"
	"time"

	"kptv-player/work/types"
)

// FixRow is one stored corrective action.
type FixRow struct {
	ID         int64     `json:"id"`
	Channel    string    `json:"channel"`
	Trigger    string    `json:"trigger"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Manual     bool      `json:"manual"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// RecordFix appends a finished fix attempt to the history.
func (db *DB) RecordFix(ctx context.Context, a types.FixAttempt) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO fix_history (channel, trigger_kind, action, outcome, manual, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.Channel, a.Trigger.String(), a.Action.String(), a.Outcome.String(), a.Manual, a.At.UnixMilli(), a.Finished.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record fix: %w", err)
	}
	return nil
}

// RecentFixes returns up to limit fixes, newest first.
func (db *DB) RecentFixes(ctx context.Context, limit int) ([]FixRow, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, channel, trigger_kind, action, outcome, manual, started_at, finished_at
		FROM fix_history ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load fixes: %w", err)
	}
	defer rows.Close()

	fixes := []FixRow{}
	for rows.Next() {
		var f FixRow
		var started, finished int64
		if err := rows.Scan(&f.ID, &f.Channel, &f.Trigger, &f.Action, &f.Outcome, &f.Manual, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan fix: %w", err)
		}
		f.StartedAt = time.UnixMilli(started)
		f.FinishedAt = time.UnixMilli(finished)
		fixes = append(fixes, f)
	}
	return fixes, rows.Err()
}

// PruneFixes deletes history older than cutoff and returns how many rows went.
func (db *DB) PruneFixes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM fix_history WHERE started_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune fixes: %w", err)
	}
	return res.RowsAffected()
}
