// Package state is the Entity Store: cached records, cache bookkeeping,
// search history, download tasks and the persisted session, all in one
// SQLite file under general.data_root.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jxwalker/maintsync/internal/config"
	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/model"
)

type DB struct {
	SQL  *sql.DB
	Path string

	hot   *expirable.LRU[string, model.Record]
	locks *keyLocks
}

func Open(cfg *config.Config) (*DB, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if cfg.General.DataRoot == "" {
		return nil, errors.New("general.data_root required")
	}
	if err := os.MkdirAll(cfg.General.DataRoot, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.General.DataRoot, "state.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=5000&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := initSchema(sqldb); err != nil {
		_ = sqldb.Close()
		return nil, apperrors.DatabaseError("state.open", err)
	}
	db := &DB{SQL: sqldb, Path: path, locks: newKeyLocks()}
	if n := cfg.Cache.HotRecords; n > 0 {
		ttl := cfg.Cache.PageTTL.Std()
		if ttl <= 0 {
			ttl = config.DefaultPageTTL
		}
		db.hot = expirable.NewLRU[string, model.Record](n, nil, ttl)
	}
	return db, nil
}

func (db *DB) Close() error {
	if db == nil || db.SQL == nil {
		return nil
	}
	if db.hot != nil {
		db.hot.Purge()
	}
	return db.SQL.Close()
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			kind TEXT NOT NULL,
			id INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			tag TEXT NOT NULL DEFAULT '',
			server_updated_at INTEGER NOT NULL DEFAULT 0,
			body TEXT NOT NULL DEFAULT '{}',
			favorite INTEGER NOT NULL DEFAULT 0,
			downloaded INTEGER NOT NULL DEFAULT 0,
			local_path TEXT NOT NULL DEFAULT '',
			last_sync_time INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(kind, id)
		);`,
		`CREATE INDEX IF NOT EXISTS records_updated ON records(kind, server_updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS cache_metadata (
			key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			created_time INTEGER NOT NULL,
			expiry_time INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS cache_metadata_accessed ON cache_metadata(last_accessed DESC);`,
		`CREATE TABLE IF NOT EXISTS page_snapshots (
			key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			ids TEXT NOT NULL DEFAULT '[]',
			next_cursor TEXT NOT NULL DEFAULT '',
			total INTEGER NOT NULL DEFAULT -1
		);`,
		`CREATE TABLE IF NOT EXISTS search_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			query TEXT NOT NULL,
			ts INTEGER NOT NULL,
			result_count INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			voice INTEGER NOT NULL DEFAULT 0,
			degraded INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS search_history_ts ON search_history(ts);`,
		`CREATE TABLE IF NOT EXISTS download_tasks (
			id TEXT PRIMARY KEY,
			source_kind TEXT NOT NULL,
			source_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			downloaded_size INTEGER NOT NULL DEFAULT 0,
			total_size INTEGER,
			progress INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			local_path TEXT NOT NULL DEFAULT '',
			sha256 TEXT NOT NULL DEFAULT '',
			created_time INTEGER NOT NULL,
			updated_time INTEGER NOT NULL
		);`,
		// at most one non-terminal task per source
		`CREATE UNIQUE INDEX IF NOT EXISTS download_tasks_active
			ON download_tasks(source_kind, source_id)
			WHERE status IN ('pending','downloading');`,
		`CREATE TABLE IF NOT EXISTS session (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL DEFAULT 0,
			subject TEXT NOT NULL DEFAULT ''
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Timestamps are stored as unix nanoseconds; zero means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (db *DB) ready() error {
	if db == nil || db.SQL == nil {
		return errors.New("database not open")
	}
	return nil
}
