package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/model"
)

const taskCols = `id, source_kind, source_id, status, downloaded_size, total_size, progress, reason, local_path, sha256, created_time, updated_time`

func scanTask(s rowScanner) (model.DownloadTask, error) {
	var (
		t                model.DownloadTask
		kind, status     string
		total            sql.NullInt64
		created, updated int64
	)
	if err := s.Scan(&t.ID, &kind, &t.SourceID, &status, &t.DownloadedSize, &total, &t.Progress, &t.Reason, &t.LocalPath, &t.SHA256, &created, &updated); err != nil {
		return model.DownloadTask{}, err
	}
	t.SourceKind = model.Kind(kind)
	t.Status = model.TaskStatus(status)
	if total.Valid {
		v := total.Int64
		t.TotalSize = &v
	}
	t.CreatedTime = fromNanos(created)
	t.UpdatedTime = fromNanos(updated)
	return t, nil
}

func nullSize(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// CreateTask inserts a new task. It fails with a Conflict error when a
// pending or downloading task already exists for the same source.
func (db *DB) CreateTask(ctx context.Context, t model.DownloadTask) error {
	if err := db.ready(); err != nil {
		return apperrors.Store("store.create_task", err)
	}
	if t.ID == "" || !t.SourceKind.Valid() {
		return apperrors.Store("store.create_task", fmt.Errorf("invalid task %q for %s", t.ID, t.SourceKind))
	}
	unlock := db.locks.lock("task:" + model.RecordKey(t.SourceKind, t.SourceID))
	defer unlock()

	if active, ok, err := db.ActiveTaskFor(ctx, t.SourceKind, t.SourceID); err != nil {
		return err
	} else if ok {
		return conflictFor(active)
	}
	now := time.Now()
	if t.CreatedTime.IsZero() {
		t.CreatedTime = now
	}
	if t.UpdatedTime.IsZero() {
		t.UpdatedTime = t.CreatedTime
	}
	_, err := db.SQL.ExecContext(ctx, `INSERT INTO download_tasks(`+taskCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, string(t.SourceKind), t.SourceID, string(t.Status), t.DownloadedSize, nullSize(t.TotalSize), t.Progress,
		t.Reason, t.LocalPath, t.SHA256, toNanos(t.CreatedTime), toNanos(t.UpdatedTime))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.New(apperrors.Conflict, "download.start",
				fmt.Sprintf("a download for %s is already in progress", model.RecordKey(t.SourceKind, t.SourceID)))
		}
		return apperrors.Store("store.create_task", err)
	}
	return nil
}

func conflictFor(active model.DownloadTask) error {
	return apperrors.New(apperrors.Conflict, "download.start",
		fmt.Sprintf("task %s for %s is still %s", active.ID, model.RecordKey(active.SourceKind, active.SourceID), active.Status))
}

// UpdateTask overwrites the mutable columns of an existing task. A terminal
// task is never moved back to a non-terminal status.
func (db *DB) UpdateTask(ctx context.Context, t model.DownloadTask) error {
	if err := db.ready(); err != nil {
		return apperrors.Store("store.update_task", err)
	}
	if t.UpdatedTime.IsZero() {
		t.UpdatedTime = time.Now()
	}
	res, err := db.SQL.ExecContext(ctx, `UPDATE download_tasks SET
			status=?, downloaded_size=?, total_size=?, progress=?, reason=?, local_path=?, sha256=?, updated_time=?
		WHERE id=? AND status NOT IN ('completed','failed')`,
		string(t.Status), t.DownloadedSize, nullSize(t.TotalSize), t.Progress, t.Reason, t.LocalPath, t.SHA256,
		toNanos(t.UpdatedTime), t.ID)
	if err != nil {
		return apperrors.Store("store.update_task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, ok, err := db.GetTask(ctx, t.ID)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.New(apperrors.NotFound, "store.update_task", "no task "+t.ID)
		}
		return apperrors.New(apperrors.Conflict, "store.update_task",
			fmt.Sprintf("task %s is already %s", cur.ID, cur.Status))
	}
	return nil
}

func (db *DB) GetTask(ctx context.Context, id string) (model.DownloadTask, bool, error) {
	if err := db.ready(); err != nil {
		return model.DownloadTask{}, false, apperrors.Store("store.get_task", err)
	}
	t, ok, err := getTask(ctx, db.SQL, id)
	if err != nil {
		return model.DownloadTask{}, false, apperrors.Store("store.get_task", err)
	}
	return t, ok, nil
}

func getTask(ctx context.Context, q queryer, id string) (model.DownloadTask, bool, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskCols+` FROM download_tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DownloadTask{}, false, nil
	}
	if err != nil {
		return model.DownloadTask{}, false, err
	}
	return t, true, nil
}

// ActiveTaskFor returns the pending or downloading task for a source, if any.
func (db *DB) ActiveTaskFor(ctx context.Context, kind model.Kind, id int64) (model.DownloadTask, bool, error) {
	if err := db.ready(); err != nil {
		return model.DownloadTask{}, false, apperrors.Store("store.active_task", err)
	}
	t, err := scanTask(db.SQL.QueryRowContext(ctx, `SELECT `+taskCols+` FROM download_tasks
		WHERE source_kind=? AND source_id=? AND status IN ('pending','downloading')`, string(kind), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DownloadTask{}, false, nil
	}
	if err != nil {
		return model.DownloadTask{}, false, apperrors.Store("store.active_task", err)
	}
	return t, true, nil
}

// ListTasks returns tasks newest first. With no statuses every task is listed.
func (db *DB) ListTasks(ctx context.Context, statuses ...model.TaskStatus) ([]model.DownloadTask, error) {
	if err := db.ready(); err != nil {
		return nil, apperrors.Store("store.list_tasks", err)
	}
	query := `SELECT ` + taskCols + ` FROM download_tasks`
	var args []any
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, s := range statuses {
			ph[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(ph, ",") + `)`
	}
	query += ` ORDER BY created_time DESC, id ASC`
	rows, err := db.SQL.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Store("store.list_tasks", err)
	}
	defer rows.Close()
	var out []model.DownloadTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperrors.Store("store.list_tasks", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Store("store.list_tasks", err)
	}
	return out, nil
}

// DeleteTask removes a completed or failed task. Active tasks are a Conflict.
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	if err := db.ready(); err != nil {
		return apperrors.Store("store.delete_task", err)
	}
	res, err := db.SQL.ExecContext(ctx, `DELETE FROM download_tasks WHERE id=? AND status IN ('completed','failed')`, id)
	if err != nil {
		return apperrors.Store("store.delete_task", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	cur, ok, err := db.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.New(apperrors.NotFound, "download.delete", "no task "+id)
	}
	return apperrors.New(apperrors.Conflict, "download.delete",
		fmt.Sprintf("task %s is still %s; cancel it first", id, cur.Status))
}

// FailActiveTasks marks pending or downloading tasks failed with reason,
// skipping ids in keep. It returns the tasks it changed.
func (db *DB) FailActiveTasks(ctx context.Context, reason string, keep map[string]bool, now time.Time) ([]model.DownloadTask, error) {
	active, err := db.ListTasks(ctx, model.TaskPending, model.TaskDownloading)
	if err != nil {
		return nil, err
	}
	var out []model.DownloadTask
	for _, t := range active {
		if keep[t.ID] {
			continue
		}
		t.Status = model.TaskFailed
		t.Reason = reason
		t.LocalPath = ""
		t.UpdatedTime = now
		if err := db.UpdateTask(ctx, t); err != nil {
			if apperrors.Is(err, apperrors.Conflict) {
				continue
			}
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteTerminalBefore removes completed or failed tasks last updated before cutoff.
func (db *DB) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := db.ready(); err != nil {
		return 0, apperrors.Store("store.prune_tasks", err)
	}
	res, err := db.SQL.ExecContext(ctx, `DELETE FROM download_tasks
		WHERE status IN ('completed','failed') AND updated_time < ?`, toNanos(cutoff))
	if err != nil {
		return 0, apperrors.Store("store.prune_tasks", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CompleteTask moves a downloading task to completed and rewrites its
// source record with fn in one transaction. reveal runs after both writes
// are staged and before commit, so the promoted file only becomes visible
// once the claim is certain; a reveal error rolls everything back. A task
// that is no longer downloading is a Conflict and neither fn nor reveal
// runs.
func (db *DB) CompleteTask(ctx context.Context, t model.DownloadTask, fn func(local *model.Record) (model.Record, error), reveal func() error) (model.Record, error) {
	const op = "store.complete_task"
	if err := db.ready(); err != nil {
		return model.Record{}, apperrors.Store(op, err)
	}
	key := model.RecordKey(t.SourceKind, t.SourceID)
	unlock := db.locks.lock(key)
	defer unlock()
	defer db.invalidate(key)
	if t.UpdatedTime.IsZero() {
		t.UpdatedTime = time.Now()
	}

	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return model.Record{}, apperrors.Store(op, err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `UPDATE download_tasks SET
			status='completed', downloaded_size=?, total_size=?, progress=100, reason='', local_path=?, sha256=?, updated_time=?
		WHERE id=? AND status='downloading'`,
		t.DownloadedSize, nullSize(t.TotalSize), t.LocalPath, t.SHA256, toNanos(t.UpdatedTime), t.ID)
	if err != nil {
		return model.Record{}, apperrors.Store(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, ok, err := getTask(ctx, tx, t.ID)
		if err != nil {
			return model.Record{}, apperrors.Store(op, err)
		}
		if !ok {
			return model.Record{}, apperrors.New(apperrors.NotFound, op, "no task "+t.ID)
		}
		return model.Record{}, apperrors.New(apperrors.Conflict, op,
			fmt.Sprintf("task %s is already %s", cur.ID, cur.Status))
	}

	local, ok, err := getRecord(ctx, tx, t.SourceKind, t.SourceID)
	if err != nil {
		return model.Record{}, apperrors.Store(op, err)
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
		return model.Record{}, apperrors.Store(op, err)
	}
	if err := putRecord(ctx, tx, next); err != nil {
		return model.Record{}, apperrors.Store(op, err)
	}
	if err := reveal(); err != nil {
		return model.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Record{}, apperrors.Store(op, err)
	}
	return next, nil
}
