package state

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/model"
)

// AppendHistory records one search. History rows are never updated.
func (db *DB) AppendHistory(ctx context.Context, e model.SearchHistoryEntry) (int64, error) {
	if err := db.ready(); err != nil {
		return 0, apperrors.Store("store.append_history", err)
	}
	if strings.TrimSpace(e.Query) == "" {
		return 0, apperrors.Store("store.append_history", errors.New("empty query"))
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	res, err := db.SQL.ExecContext(ctx, `INSERT INTO search_history(kind, query, ts, result_count, latency_ms, voice, degraded)
		VALUES(?,?,?,?,?,?,?)`,
		string(e.Kind), e.Query, toNanos(e.Timestamp), e.ResultCount, e.Latency.Milliseconds(), boolInt(e.Voice), boolInt(e.Degraded))
	if err != nil {
		return 0, apperrors.Store("store.append_history", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// ListHistory returns the newest entries first; limit <= 0 means all.
func (db *DB) ListHistory(ctx context.Context, limit int) ([]model.SearchHistoryEntry, error) {
	if err := db.ready(); err != nil {
		return nil, apperrors.Store("store.list_history", err)
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.SQL.QueryContext(ctx, `SELECT id, kind, query, ts, result_count, latency_ms, voice, degraded
		FROM search_history ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Store("store.list_history", err)
	}
	defer rows.Close()
	var out []model.SearchHistoryEntry
	for rows.Next() {
		var (
			e           model.SearchHistoryEntry
			kind        string
			ts, latency int64
			voice, degr int
		)
		if err := rows.Scan(&e.ID, &kind, &e.Query, &ts, &e.ResultCount, &latency, &voice, &degr); err != nil {
			return nil, apperrors.Store("store.list_history", err)
		}
		e.Kind = model.Kind(kind)
		e.Timestamp = fromNanos(ts)
		e.Latency = time.Duration(latency) * time.Millisecond
		e.Voice = voice != 0
		e.Degraded = degr != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Store("store.list_history", err)
	}
	return out, nil
}

// DeleteHistoryBefore bulk-expires entries older than cutoff.
func (db *DB) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := db.ready(); err != nil {
		return 0, apperrors.Store("store.expire_history", err)
	}
	res, err := db.SQL.ExecContext(ctx, `DELETE FROM search_history WHERE ts < ?`, toNanos(cutoff))
	if err != nil {
		return 0, apperrors.Store("store.expire_history", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (db *DB) ClearHistory(ctx context.Context) error {
	if err := db.ready(); err != nil {
		return apperrors.Store("store.clear_history", err)
	}
	if _, err := db.SQL.ExecContext(ctx, `DELETE FROM search_history`); err != nil {
		return apperrors.Store("store.clear_history", err)
	}
	return nil
}
