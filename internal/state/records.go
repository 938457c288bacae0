package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/model"
)

// ErrStaleWrite reports an upsert whose last_sync_time is older than the
// stored row's. The stored row is left untouched.
var ErrStaleWrite = errors.New("stale write: stored record is newer")

// MergeFunc builds the row to persist from an incoming record and the
// current stored copy (nil when absent).
type MergeFunc func(incoming model.Record, local *model.Record) model.Record

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type recordBody struct {
	Document *model.DocumentFields `json:"document,omitempty"`
	Asset    *model.AssetFields    `json:"asset,omitempty"`
}

const recordCols = `kind, id, title, summary, location, server_updated_at, body, favorite, downloaded, local_path, last_sync_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (model.Record, error) {
	var (
		r               model.Record
		kind, body      string
		updated, synced int64
		fav, dl         int
	)
	if err := s.Scan(&kind, &r.ID, &r.Title, &r.Summary, &r.Location, &updated, &body, &fav, &dl, &r.Local.LocalPath, &synced); err != nil {
		return model.Record{}, err
	}
	r.Kind = model.Kind(kind)
	r.ServerUpdatedAt = fromNanos(updated)
	r.LastSyncTime = fromNanos(synced)
	r.Local.Favorite = fav != 0
	r.Local.Downloaded = dl != 0
	var b recordBody
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		return model.Record{}, fmt.Errorf("decode record body %s: %w", r.Key(), err)
	}
	r.Document, r.Asset = b.Document, b.Asset
	return r, nil
}

func getRecord(ctx context.Context, q queryer, kind model.Kind, id int64) (model.Record, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordCols+` FROM records WHERE kind=? AND id=?`, string(kind), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, err
	}
	return r, true, nil
}

// putRecord writes r unless the stored row has a newer last_sync_time.
func putRecord(ctx context.Context, q queryer, r model.Record) error {
	body, err := json.Marshal(recordBody{Document: r.Document, Asset: r.Asset})
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `INSERT INTO records(`+recordCols+`, tag)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(kind, id) DO UPDATE SET
			title=excluded.title, summary=excluded.summary, location=excluded.location,
			server_updated_at=excluded.server_updated_at, body=excluded.body,
			favorite=excluded.favorite, downloaded=excluded.downloaded, local_path=excluded.local_path,
			last_sync_time=excluded.last_sync_time, tag=excluded.tag
		WHERE excluded.last_sync_time >= records.last_sync_time`,
		string(r.Kind), r.ID, r.Title, r.Summary, r.Location, toNanos(r.ServerUpdatedAt), string(body),
		boolInt(r.Local.Favorite), boolInt(r.Local.Downloaded), r.Local.LocalPath, toNanos(r.LastSyncTime), r.Tag())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleWrite
	}
	return nil
}

// GetRecord returns a copy of the stored record, if any.
func (db *DB) GetRecord(ctx context.Context, kind model.Kind, id int64) (model.Record, bool, error) {
	if err := db.ready(); err != nil {
		return model.Record{}, false, apperrors.Store("store.get", err)
	}
	key := model.RecordKey(kind, id)
	if db.hot != nil {
		if r, ok := db.hot.Get(key); ok {
			return r.Clone(), true, nil
		}
		// fill under the write lock so a concurrent writer cannot be undone
		unlock := db.locks.lock(key)
		defer unlock()
	}
	r, ok, err := getRecord(ctx, db.SQL, kind, id)
	if err != nil {
		return model.Record{}, false, apperrors.Store("store.get", err)
	}
	if ok && db.hot != nil {
		db.hot.Add(key, r.Clone())
	}
	return r, ok, nil
}

// UpsertRecord replaces the stored row for r's identity. It is a
// compare-and-swap on last_sync_time: an older write returns ErrStaleWrite.
func (db *DB) UpsertRecord(ctx context.Context, r model.Record) error {
	if err := db.ready(); err != nil {
		return apperrors.Store("store.upsert", err)
	}
	if err := r.Validate(); err != nil {
		return apperrors.Store("store.upsert", err)
	}
	unlock := db.locks.lock(r.Key())
	defer unlock()
	err := putRecord(ctx, db.SQL, r)
	db.invalidate(r.Key())
	if errors.Is(err, ErrStaleWrite) {
		return err
	}
	if err != nil {
		return apperrors.Store("store.upsert", err)
	}
	return nil
}

// UpsertMany writes rs in one transaction and returns how many rows were
// applied; stale writes are skipped.
func (db *DB) UpsertMany(ctx context.Context, rs []model.Record) (int, error) {
	out, err := db.ApplyMany(ctx, rs, func(in model.Record, _ *model.Record) model.Record { return in })
	return len(out), err
}

// ApplyMany persists fn(incoming, stored) for every incoming record inside a
// single transaction, holding each record's write lock throughout. It returns
// the rows actually written, in input order.
func (db *DB) ApplyMany(ctx context.Context, incoming []model.Record, fn MergeFunc) ([]model.Record, error) {
	if err := db.ready(); err != nil {
		return nil, apperrors.Store("store.apply", err)
	}
	if len(incoming) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(incoming))
	seen := make(map[string]bool, len(incoming))
	for _, r := range incoming {
		if err := r.Validate(); err != nil {
			return nil, apperrors.Wrap(apperrors.ParseError, "store.apply", err)
		}
		if !seen[r.Key()] {
			seen[r.Key()] = true
			keys = append(keys, r.Key())
		}
	}
	// fixed lock order across callers
	sort.Strings(keys)
	for _, k := range keys {
		unlock := db.locks.lock(k)
		defer unlock()
	}

	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Store("store.apply", err)
	}
	defer func() { _ = tx.Rollback() }()

	written := make([]model.Record, 0, len(incoming))
	for _, in := range incoming {
		local, ok, err := getRecord(ctx, tx, in.Kind, in.ID)
		if err != nil {
			return nil, apperrors.Store("store.apply", err)
		}
		var lp *model.Record
		if ok {
			lp = &local
		}
		next := fn(in, lp)
		if err := putRecord(ctx, tx, next); err != nil {
			if errors.Is(err, ErrStaleWrite) {
				continue
			}
			return nil, apperrors.Store("store.apply", err)
		}
		written = append(written, next)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Store("store.apply", err)
	}
	for _, k := range keys {
		db.invalidate(k)
	}
	return written, nil
}

// ApplyRecord runs fn against the stored copy under the record's write lock
// and persists its result. fn receives nil when nothing is stored.
func (db *DB) ApplyRecord(ctx context.Context, kind model.Kind, id int64, fn func(local *model.Record) (model.Record, error)) (model.Record, error) {
	if err := db.ready(); err != nil {
		return model.Record{}, apperrors.Store("store.apply", err)
	}
	key := model.RecordKey(kind, id)
	unlock := db.locks.lock(key)
	defer unlock()

	local, ok, err := getRecord(ctx, db.SQL, kind, id)
	if err != nil {
		return model.Record{}, apperrors.Store("store.apply", err)
	}
	var lp *model.Record
	if ok {
		lp = &local
	}
	next, err := fn(lp)
	if err != nil {
		return model.Record{}, err
	}
	if err := next.Validate(); err != nil {
		return model.Record{}, apperrors.Store("store.apply", err)
	}
	err = putRecord(ctx, db.SQL, next)
	db.invalidate(key)
	if errors.Is(err, ErrStaleWrite) {
		return model.Record{}, err
	}
	if err != nil {
		return model.Record{}, apperrors.Store("store.apply", err)
	}
	return next, nil
}

// DeleteRecord removes the record and its cache metadata entry.
func (db *DB) DeleteRecord(ctx context.Context, kind model.Kind, id int64) (bool, error) {
	if err := db.ready(); err != nil {
		return false, apperrors.Store("store.delete", err)
	}
	key := model.RecordKey(kind, id)
	unlock := db.locks.lock(key)
	defer unlock()
	defer db.invalidate(key)

	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return false, apperrors.Store("store.delete", err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE kind=? AND id=?`, string(kind), id)
	if err != nil {
		return false, apperrors.Store("store.delete", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_metadata WHERE key=?`, RecordEntryKey(kind, id)); err != nil {
		return false, apperrors.Store("store.delete", err)
	}
	if err := tx.Commit(); err != nil {
		return false, apperrors.Store("store.delete", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EvictRecord deletes a record only if nothing on this device still needs
// it: not a favorite, not downloaded, no pending or downloading task and no
// cache metadata entry. The checks and the delete are one statement against
// the stored row, never the in-memory copy.
func (db *DB) EvictRecord(ctx context.Context, kind model.Kind, id int64) (bool, error) {
	if err := db.ready(); err != nil {
		return false, apperrors.Store("store.evict", err)
	}
	key := model.RecordKey(kind, id)
	unlock := db.locks.lock(key)
	defer unlock()
	defer db.invalidate(key)
	res, err := db.SQL.ExecContext(ctx, `DELETE FROM records
		WHERE kind=? AND id=? AND favorite=0 AND downloaded=0
		AND NOT EXISTS (SELECT 1 FROM download_tasks
			WHERE source_kind=records.kind AND source_id=records.id AND status IN ('pending','downloading'))
		AND NOT EXISTS (SELECT 1 FROM cache_metadata WHERE key=?)`,
		string(kind), id, RecordEntryKey(kind, id))
	if err != nil {
		return false, apperrors.Store("store.evict", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListDownloaded returns every record flagged as downloaded.
func (db *DB) ListDownloaded(ctx context.Context) ([]model.Record, error) {
	if err := db.ready(); err != nil {
		return nil, apperrors.Store("store.list_downloaded", err)
	}
	rows, err := db.SQL.QueryContext(ctx, `SELECT `+recordCols+` FROM records WHERE downloaded=1 ORDER BY kind, id`)
	if err != nil {
		return nil, apperrors.Store("store.list_downloaded", err)
	}
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Store("store.list_downloaded", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Store("store.list_downloaded", err)
	}
	return out, nil
}

// ClearLocalPath unflags every record whose promoted file is path and
// returns the updated records.
func (db *DB) ClearLocalPath(ctx context.Context, path string) ([]model.Record, error) {
	if path == "" {
		return nil, nil
	}
	all, err := db.ListDownloaded(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Record
	for _, r := range all {
		if r.Local.LocalPath != path {
			continue
		}
		next, err := db.ApplyRecord(ctx, r.Kind, r.ID, func(local *model.Record) (model.Record, error) {
			if local == nil || local.Local.LocalPath != path {
				return model.Record{}, errUnchanged
			}
			n := local.Clone()
			n.Local.Downloaded = false
			n.Local.LocalPath = ""
			return n, nil
		})
		if errors.Is(err, errUnchanged) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, next)
	}
	return out, nil
}

var errUnchanged = errors.New("unchanged")

func (db *DB) invalidate(key string) {
	if db.hot != nil {
		db.hot.Remove(key)
	}
}

// Keyset is the position of a row in ListPage order: rank, then sort key,
// then id, all ascending.
type Keyset struct {
	Rank int    `json:"k"`
	Sort string `json:"s"`
	ID   int64  `json:"i"`
}

// Ranks for query matches; lower sorts first.
const (
	RankExactTitle = iota
	RankTitle
	RankSummary
	RankLocation
	rankNone
)

// RankOf mirrors the SQL ranking for a record against a query.
func RankOf(r model.Record, query string) int {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return RankExactTitle
	}
	title := strings.ToLower(r.Title)
	switch {
	case title == q:
		return RankExactTitle
	case strings.Contains(title, q):
		return RankTitle
	case strings.Contains(strings.ToLower(r.Summary), q):
		return RankSummary
	case strings.Contains(strings.ToLower(r.Location), q):
		return RankLocation
	}
	return rankNone
}

// SortKeyOf mirrors the SQL sort key expression.
func SortKeyOf(r model.Record, s model.Sort) string {
	if s == model.SortTitle {
		return strings.ToLower(r.Title)
	}
	return fmt.Sprintf("%020d", int64(math.MaxInt64)-toNanos(r.ServerUpdatedAt))
}

// KeysetOf returns the ListPage position of r.
func KeysetOf(r model.Record, f model.Filter, s model.Sort) Keyset {
	return Keyset{Rank: RankOf(r, f.Query), Sort: SortKeyOf(r, s), ID: r.ID}
}

func filterSQL(kind model.Kind, f model.Filter, s model.Sort) (inner string, args []any) {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	rankExpr := "0"
	if q != "" {
		rankExpr = `CASE WHEN lower(title) = ? THEN 0
			WHEN instr(lower(title), ?) > 0 THEN 1
			WHEN instr(lower(summary), ?) > 0 THEN 2
			WHEN instr(lower(location), ?) > 0 THEN 3
			ELSE 4 END`
		args = append(args, q, q, q, q)
	}
	sortExpr := `printf('%020d', 9223372036854775807 - server_updated_at)`
	if s == model.SortTitle {
		sortExpr = `lower(title)`
	}
	var where []string
	where = append(where, "kind = ?")
	args = append(args, string(kind))
	if st := strings.TrimSpace(f.Status); st != "" {
		where = append(where, "lower(tag) = ?")
		args = append(args, strings.ToLower(st))
	}
	if f.FavoritesOnly {
		where = append(where, "favorite = 1")
	}
	if f.DownloadedOnly {
		where = append(where, "downloaded = 1")
	}
	inner = `SELECT ` + recordCols + `, ` + rankExpr + ` AS rnk, ` + sortExpr + ` AS sk
		FROM records WHERE ` + strings.Join(where, " AND ")
	return inner, args
}

// ListPage returns up to limit records after the given position, ordered by
// match rank, sort key and id. next is nil when no further rows exist.
func (db *DB) ListPage(ctx context.Context, kind model.Kind, f model.Filter, s model.Sort, after *Keyset, limit int) (items []model.Record, next *Keyset, err error) {
	if err := db.ready(); err != nil {
		return nil, nil, apperrors.Store("store.list_page", err)
	}
	if limit <= 0 {
		limit = 20
	}
	inner, args := filterSQL(kind, f, s)
	query := `SELECT ` + recordCols + `, rnk, sk FROM (` + inner + `) WHERE rnk < 4`
	if after != nil {
		query += ` AND (rnk, sk, id) > (?, ?, ?)`
		args = append(args, after.Rank, after.Sort, after.ID)
	}
	query += ` ORDER BY rnk, sk, id LIMIT ?`
	args = append(args, limit+1)

	rows, err := db.SQL.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, apperrors.Store("store.list_page", err)
	}
	defer rows.Close()
	var keys []Keyset
	for rows.Next() {
		var (
			r  model.Record
			ks Keyset
		)
		r, err = scanRecord(scanTail{rows, &ks})
		if err != nil {
			return nil, nil, apperrors.Store("store.list_page", err)
		}
		ks.ID = r.ID
		items = append(items, r)
		keys = append(keys, ks)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apperrors.Store("store.list_page", err)
	}
	if len(items) > limit {
		items = items[:limit]
		k := keys[limit-1]
		next = &k
	}
	return items, next, nil
}

// scanTail appends the rank and sort key columns to a record scan.
type scanTail struct {
	rows *sql.Rows
	ks   *Keyset
}

func (s scanTail) Scan(dest ...any) error {
	return s.rows.Scan(append(dest, &s.ks.Rank, &s.ks.Sort)...)
}

// Count returns how many records match the filter.
func (db *DB) Count(ctx context.Context, kind model.Kind, f model.Filter) (int64, error) {
	if err := db.ready(); err != nil {
		return 0, apperrors.Store("store.count", err)
	}
	inner, args := filterSQL(kind, f, model.SortRecent)
	var n int64
	if err := db.SQL.QueryRowContext(ctx, `SELECT COUNT(*) FROM (`+inner+`) WHERE rnk < 4`, args...).Scan(&n); err != nil {
		return 0, apperrors.Store("store.count", err)
	}
	return n, nil
}
