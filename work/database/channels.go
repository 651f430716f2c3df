package database

import (
	"context"
	"fmt"
	"time"

	"kptv-player/work/types"
)

// SaveCatalog replaces the stored catalog with categories and channels in one
// transaction. Channel order is kept in the position column.
func (db *DB) SaveCatalog(ctx context.Context, categories []types.Category, channels []types.Channel, sources int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM channels"); err != nil {
		return fmt.Errorf("failed to clear channels: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM categories"); err != nil {
		return fmt.Errorf("failed to clear categories: %w", err)
	}

	catStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO categories (id, name, sort_order, active) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare category insert: %w", err)
	}
	defer catStmt.Close()

	for _, c := range categories {
		if _, err := catStmt.ExecContext(ctx, c.ID, c.Name, c.SortOrder, c.Active); err != nil {
			return fmt.Errorf("failed to save category %s: %w", c.Name, err)
		}
	}

	chStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO channels (id, name, category_id, stream_url, backup_stream_url, logo_url, description, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare channel insert: %w", err)
	}
	defer chStmt.Close()

	for i, ch := range channels {
		if _, err := chStmt.ExecContext(ctx, ch.ID, ch.Name, ch.CategoryID, ch.StreamURL, ch.BackupStreamURL, ch.LogoURL, ch.Description, i); err != nil {
			return fmt.Errorf("failed to save channel %s: %w", ch.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO import_history (imported_at, sources, channels, categories) VALUES (?, ?, ?, ?)
	`, time.Now().UnixMilli(), sources, len(channels), len(categories)); err != nil {
		return fmt.Errorf("failed to record import: %w", err)
	}

	return tx.Commit()
}

// LoadCatalog returns the stored categories (by sort order, then insertion) and
// channels (in the order they were saved).
func (db *DB) LoadCatalog(ctx context.Context) ([]types.Category, []types.Channel, error) {
	catRows, err := db.QueryContext(ctx, `
		SELECT id, name, sort_order, active FROM categories ORDER BY sort_order, rowid
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load categories: %w", err)
	}
	defer catRows.Close()

	var categories []types.Category
	for catRows.Next() {
		var c types.Category
		if err := catRows.Scan(&c.ID, &c.Name, &c.SortOrder, &c.Active); err != nil {
			return nil, nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	if err := catRows.Err(); err != nil {
		return nil, nil, err
	}

	chRows, err := db.QueryContext(ctx, `
		SELECT id, name, category_id, stream_url, backup_stream_url, logo_url, description
		FROM channels ORDER BY position
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load channels: %w", err)
	}
	defer chRows.Close()

	var channels []types.Channel
	for chRows.Next() {
		var ch types.Channel
		if err := chRows.Scan(&ch.ID, &ch.Name, &ch.CategoryID, &ch.StreamURL, &ch.BackupStreamURL, &ch.LogoURL, &ch.Description); err != nil {
			return nil, nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return categories, channels, chRows.Err()
}

// LastImport returns when the catalog was last saved, or the zero time.
func (db *DB) LastImport(ctx context.Context) (time.Time, error) {
	var ms int64
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(imported_at), 0) FROM import_history").Scan(&ms)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
