package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/model"
)

// RecordEntryKey is the cache metadata key for a single record.
func RecordEntryKey(kind model.Kind, id int64) string {
	return string(model.EntryRecord) + ":" + model.RecordKey(kind, id)
}

const entryCols = `key, kind, created_time, expiry_time, last_accessed, access_count`

func scanEntry(s rowScanner) (model.CacheEntry, error) {
	var (
		e                        model.CacheEntry
		kind                     string
		created, expiry, touched int64
	)
	if err := s.Scan(&e.Key, &kind, &created, &expiry, &touched, &e.AccessCount); err != nil {
		return model.CacheEntry{}, err
	}
	e.Kind = model.EntryKind(kind)
	e.CreatedTime = fromNanos(created)
	e.ExpiryTime = fromNanos(expiry)
	e.LastAccessed = fromNanos(touched)
	return e, nil
}

// PutEntry creates or refreshes a metadata entry. created_time is kept from
// the first write and last_accessed never moves backwards.
func (db *DB) PutEntry(ctx context.Context, e model.CacheEntry) error {
	if err := db.ready(); err != nil {
		return apperrors.Store("store.put_entry", err)
	}
	if e.Key == "" {
		return apperrors.Store("store.put_entry", errors.New("empty cache key"))
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = e.CreatedTime
	}
	_, err := db.SQL.ExecContext(ctx, `INSERT INTO cache_metadata(`+entryCols+`)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET
			kind=excluded.kind,
			expiry_time=excluded.expiry_time,
			last_accessed=MAX(cache_metadata.last_accessed, excluded.last_accessed),
			access_count=cache_metadata.access_count + 1`,
		e.Key, string(e.Kind), toNanos(e.CreatedTime), toNanos(e.ExpiryTime), toNanos(e.LastAccessed), max(e.AccessCount, 1))
	if err != nil {
		return apperrors.Store("store.put_entry", err)
	}
	return nil
}

// TouchEntry records an access at now. Missing keys are ignored.
func (db *DB) TouchEntry(ctx context.Context, key string, now time.Time) error {
	if err := db.ready(); err != nil {
		return apperrors.Store("store.touch", err)
	}
	_, err := db.SQL.ExecContext(ctx, `UPDATE cache_metadata
		SET last_accessed = MAX(last_accessed, ?), access_count = access_count + 1
		WHERE key = ?`, toNanos(now), key)
	if err != nil {
		return apperrors.Store("store.touch", err)
	}
	return nil
}

func (db *DB) GetEntry(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	if err := db.ready(); err != nil {
		return model.CacheEntry{}, false, apperrors.Store("store.get_entry", err)
	}
	e, err := scanEntry(db.SQL.QueryRowContext(ctx, `SELECT `+entryCols+` FROM cache_metadata WHERE key=?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, apperrors.Store("store.get_entry", err)
	}
	return e, true, nil
}

// ListEntries returns every entry, most recently accessed first.
func (db *DB) ListEntries(ctx context.Context) ([]model.CacheEntry, error) {
	if err := db.ready(); err != nil {
		return nil, apperrors.Store("store.list_entries", err)
	}
	rows, err := db.SQL.QueryContext(ctx, `SELECT `+entryCols+` FROM cache_metadata ORDER BY last_accessed DESC, key ASC`)
	if err != nil {
		return nil, apperrors.Store("store.list_entries", err)
	}
	defer rows.Close()
	var out []model.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apperrors.Store("store.list_entries", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Store("store.list_entries", err)
	}
	return out, nil
}

// DeleteExpiredEntries removes entries whose expiry_time is before now and
// returns them. Page and search snapshots go with their entries.
func (db *DB) DeleteExpiredEntries(ctx context.Context, now time.Time) ([]model.CacheEntry, error) {
	return db.deleteEntriesWhere(ctx, "store.delete_expired", `expiry_time < ?`, toNanos(now))
}

// EnforceLRU keeps the keep most recently accessed entries and deletes the
// rest, returning the evicted entries.
func (db *DB) EnforceLRU(ctx context.Context, keep int) ([]model.CacheEntry, error) {
	if keep < 0 {
		keep = 0
	}
	return db.deleteEntriesWhere(ctx, "store.enforce_lru",
		`key NOT IN (SELECT key FROM cache_metadata ORDER BY last_accessed DESC, key ASC LIMIT ?)`, keep)
}

func (db *DB) deleteEntriesWhere(ctx context.Context, op, cond string, args ...any) ([]model.CacheEntry, error) {
	if err := db.ready(); err != nil {
		return nil, apperrors.Store(op, err)
	}
	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Store(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT `+entryCols+` FROM cache_metadata WHERE `+cond, args...)
	if err != nil {
		return nil, apperrors.Store(op, err)
	}
	var victims []model.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, apperrors.Store(op, err)
		}
		victims = append(victims, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperrors.Store(op, err)
	}
	for _, e := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_metadata WHERE key=?`, e.Key); err != nil {
			return nil, apperrors.Store(op, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM page_snapshots WHERE key=?`, e.Key); err != nil {
			return nil, apperrors.Store(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Store(op, err)
	}
	return victims, nil
}

// Snapshot is the ordered membership of a cached page or search result.
type Snapshot struct {
	Key        string
	Kind       model.Kind
	IDs        []int64
	NextCursor string
	Total      int64
}

// PutPage stores the page snapshot and its metadata entry together.
func (db *DB) PutPage(ctx context.Context, e model.CacheEntry, snap Snapshot) error {
	if err := db.ready(); err != nil {
		return apperrors.Store("store.put_page", err)
	}
	ids, err := json.Marshal(snap.IDs)
	if err != nil {
		return apperrors.Store("store.put_page", err)
	}
	if _, err := db.SQL.ExecContext(ctx, `INSERT INTO page_snapshots(key, kind, ids, next_cursor, total)
		VALUES(?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET kind=excluded.kind, ids=excluded.ids, next_cursor=excluded.next_cursor, total=excluded.total`,
		e.Key, string(snap.Kind), string(ids), snap.NextCursor, snap.Total); err != nil {
		return apperrors.Store("store.put_page", err)
	}
	return db.PutEntry(ctx, e)
}

func (db *DB) GetSnapshot(ctx context.Context, key string) (Snapshot, bool, error) {
	if err := db.ready(); err != nil {
		return Snapshot{}, false, apperrors.Store("store.get_snapshot", err)
	}
	var (
		s         = Snapshot{Key: key}
		kind, ids string
	)
	err := db.SQL.QueryRowContext(ctx, `SELECT kind, ids, next_cursor, total FROM page_snapshots WHERE key=?`, key).
		Scan(&kind, &ids, &s.NextCursor, &s.Total)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, apperrors.Store("store.get_snapshot", err)
	}
	s.Kind = model.Kind(kind)
	if err := json.Unmarshal([]byte(ids), &s.IDs); err != nil {
		return Snapshot{}, false, apperrors.Store("store.get_snapshot", err)
	}
	return s, true, nil
}

// SnapshotRecords loads the records of a snapshot in order, skipping ids that
// have since been deleted.
func (db *DB) SnapshotRecords(ctx context.Context, s Snapshot) ([]model.Record, error) {
	out := make([]model.Record, 0, len(s.IDs))
	for _, id := range s.IDs {
		r, ok, err := db.GetRecord(ctx, s.Kind, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}
