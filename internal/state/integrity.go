package state

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CheckIntegrity runs SQLite's integrity check on the database
func (db *DB) CheckIntegrity() error {
	if db == nil || db.SQL == nil {
		return fmt.Errorf("database not open")
	}

	var result string
	err := db.SQL.QueryRow("PRAGMA integrity_check").Scan(&result)
	if err != nil {
		return fmt.Errorf("integrity check failed to run: %w", err)
	}

	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}

	return nil
}

// CheckOrphans counts page snapshots that lost their metadata entry.
func (db *DB) CheckOrphans() (orphanedSnapshots int, err error) {
	if db == nil || db.SQL == nil {
		return 0, fmt.Errorf("database not open")
	}

	err = db.SQL.QueryRow(`
		SELECT COUNT(*) FROM page_snapshots p
		WHERE NOT EXISTS (
			SELECT 1 FROM cache_metadata m WHERE m.key = p.key
		)
	`).Scan(&orphanedSnapshots)

	if err != nil {
		return 0, fmt.Errorf("failed to count orphaned snapshots: %w", err)
	}

	return orphanedSnapshots, nil
}

// RepairOrphans removes orphaned page snapshots
func (db *DB) RepairOrphans() (int, error) {
	if db == nil || db.SQL == nil {
		return 0, fmt.Errorf("database not open")
	}

	result, err := db.SQL.Exec(`
		DELETE FROM page_snapshots WHERE NOT EXISTS (
			SELECT 1 FROM cache_metadata m WHERE m.key = page_snapshots.key
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned snapshots: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected), nil
}

// Vacuum optimizes the database by reclaiming unused space
func (db *DB) Vacuum() error {
	if db == nil || db.SQL == nil {
		return fmt.Errorf("database not open")
	}

	_, err := db.SQL.Exec("VACUUM")
	if err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}

	return nil
}

// Backup creates a copy of the database at destPath
func (db *DB) Backup(destPath string) error {
	if db == nil || db.SQL == nil {
		return fmt.Errorf("database not open")
	}
	if strings.ContainsRune(destPath, '\'') {
		return fmt.Errorf("backup path must not contain quotes: %s", destPath)
	}

	query := fmt.Sprintf("VACUUM INTO '%s'", destPath)
	_, err := db.SQL.Exec(query)
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	return nil
}

// DBStats summarises what the store currently holds.
type DBStats struct {
	DatabaseSize      int64 // Size in bytes
	Documents         int
	Assets            int
	Favorites         int
	Downloaded        int
	CacheEntries      int
	ExpiredEntries    int
	HistoryEntries    int
	ActiveTasks       int
	CompletedTasks    int
	FailedTasks       int
	OrphanedSnapshots int
}

// GetStats retrieves database statistics
func (db *DB) GetStats(ctx context.Context, now time.Time) (*DBStats, error) {
	if db == nil || db.SQL == nil {
		return nil, fmt.Errorf("database not open")
	}

	stats := &DBStats{}

	var pageCount, pageSize int64
	if err := db.SQL.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := db.SQL.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.DatabaseSize = pageCount * pageSize
		}
	}

	counts := []struct {
		dst   *int
		what  string
		query string
		args  []any
	}{
		{&stats.Documents, "documents", `SELECT COUNT(*) FROM records WHERE kind='document'`, nil},
		{&stats.Assets, "assets", `SELECT COUNT(*) FROM records WHERE kind='asset'`, nil},
		{&stats.Favorites, "favorites", `SELECT COUNT(*) FROM records WHERE favorite=1`, nil},
		{&stats.Downloaded, "downloaded", `SELECT COUNT(*) FROM records WHERE downloaded=1`, nil},
		{&stats.CacheEntries, "cache entries", `SELECT COUNT(*) FROM cache_metadata`, nil},
		{&stats.ExpiredEntries, "expired entries", `SELECT COUNT(*) FROM cache_metadata WHERE expiry_time < ?`, []any{toNanos(now)}},
		{&stats.HistoryEntries, "history", `SELECT COUNT(*) FROM search_history`, nil},
		{&stats.ActiveTasks, "active tasks", `SELECT COUNT(*) FROM download_tasks WHERE status IN ('pending','downloading')`, nil},
		{&stats.CompletedTasks, "completed tasks", `SELECT COUNT(*) FROM download_tasks WHERE status='completed'`, nil},
		{&stats.FailedTasks, "failed tasks", `SELECT COUNT(*) FROM download_tasks WHERE status='failed'`, nil},
	}
	for _, c := range counts {
		if err := db.SQL.QueryRowContext(ctx, c.query, c.args...).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.what, err)
		}
	}

	orphans, err := db.CheckOrphans()
	if err != nil {
		return nil, err
	}
	stats.OrphanedSnapshots = orphans

	return stats, nil
}
