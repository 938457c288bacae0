// Package downloader runs content downloads as durable tasks. Each task
// moves pending -> downloading -> completed|failed, is persisted in the
// entity store at every step, and never leaves a terminal state; retrying
// creates a new task.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jxwalker/maintsync/internal/config"
	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/logging"
	"github.com/jxwalker/maintsync/internal/metrics"
	"github.com/jxwalker/maintsync/internal/model"
	"github.com/jxwalker/maintsync/internal/pipeline"
	"github.com/jxwalker/maintsync/internal/remote"
	"github.com/jxwalker/maintsync/internal/state"
	"github.com/jxwalker/maintsync/internal/util"
)

// Source opens content streams; *remote.Client satisfies it.
type Source interface {
	OpenDownloadStream(ctx context.Context, kind model.Kind, id int64) (*remote.Stream, error)
}

// Details resolves a record that is not stored yet.
type Details interface {
	GetDetail(ctx context.Context, kind model.Kind, id int64) (model.Detail, error)
}

// DetailsFunc adapts a function to Details.
type DetailsFunc func(ctx context.Context, kind model.Kind, id int64) (model.Detail, error)

func (f DetailsFunc) GetDetail(ctx context.Context, kind model.Kind, id int64) (model.Detail, error) {
	return f(ctx, kind, id)
}

type Options struct {
	Details Details
	Log     *logging.Logger
	Metrics *metrics.Manager
	Now     func() time.Time
}

type Manager struct {
	store        *state.DB
	src          Source
	pipe         *pipeline.Pipeline
	details      Details
	downloadRoot string
	partsRoot    string
	log          *logging.Logger
	metrics      *metrics.Manager
	now          func() time.Time

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	jobs   map[string]*job
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

// job is the in-process handle of a running task. mu serialises the
// worker's final commit against Cancel.
type job struct {
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	finished bool
}

func New(cfg *config.Config, store *state.DB, src Source, pipe *pipeline.Pipeline, opts Options) *Manager {
	base, stop := context.WithCancel(context.Background())
	m := &Manager{
		store:        store,
		src:          src,
		pipe:         pipe,
		details:      opts.Details,
		downloadRoot: cfg.General.DownloadRoot,
		partsRoot:    cfg.General.PartialsRoot,
		log:          opts.Log.With("component", "download"),
		metrics:      opts.Metrics,
		now:          opts.Now,
		base:         base,
		stop:         stop,
		jobs:         make(map[string]*job),
		subs:         make(map[string]map[*subscriber]struct{}),
	}
	if m.partsRoot == "" {
		m.partsRoot = filepath.Join(m.downloadRoot, ".parts")
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Close cancels running downloads and waits for their workers. Cancelled
// tasks end failed with reason "interrupted".
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()
	m.wg.Wait()
}

// Start creates a pending task for the record's content and begins
// downloading it in the background. It fails with Conflict while another
// task for the same record is pending or downloading.
func (m *Manager) Start(ctx context.Context, kind model.Kind, id int64) (model.DownloadTask, error) {
	const op = "download.start"
	if !kind.Valid() || id <= 0 {
		return model.DownloadTask{}, apperrors.New(apperrors.Unexpected, op, "invalid record identity")
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return model.DownloadTask{}, apperrors.New(apperrors.Cancelled, op, "download manager is shut down")
	}
	rec, err := m.lookup(ctx, kind, id)
	if err != nil {
		return model.DownloadTask{}, err
	}

	now := m.now()
	t := model.DownloadTask{
		ID:          uuid.NewString(),
		SourceKind:  kind,
		SourceID:    id,
		Status:      model.TaskPending,
		CreatedTime: now,
		UpdatedTime: now,
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return model.DownloadTask{}, err
	}

	jctx, cancel := context.WithCancel(m.base)
	j := &job{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.jobs[t.ID] = j
	m.mu.Unlock()
	m.metrics.ActiveDownloads(1)
	m.log.Infof("task %s: queued %s", t.ID, rec.Key())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(j.done)
		defer func() {
			m.mu.Lock()
			delete(m.jobs, t.ID)
			m.mu.Unlock()
			m.metrics.ActiveDownloads(-1)
			cancel()
		}()
		m.run(jctx, j, t, rec)
	}()
	return t, nil
}

func (m *Manager) lookup(ctx context.Context, kind model.Kind, id int64) (model.Record, error) {
	rec, ok, err := m.store.GetRecord(ctx, kind, id)
	if err != nil {
		return model.Record{}, err
	}
	if ok {
		return rec, nil
	}
	if m.details == nil {
		return model.Record{}, apperrors.New(apperrors.NotFound, "download.start",
			fmt.Sprintf("%s is not cached locally", model.RecordKey(kind, id)))
	}
	d, err := m.details.GetDetail(ctx, kind, id)
	if err != nil {
		return model.Record{}, err
	}
	return d.Record, nil
}

// Cancel stops a pending or downloading task and marks it failed with
// reason "cancelled". Cancelling a finished task is a Conflict.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	const op = "download.cancel"
	t, ok, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.New(apperrors.NotFound, op, "no task "+taskID)
	}
	if t.Status.Terminal() {
		return apperrors.New(apperrors.Conflict, op, fmt.Sprintf("task %s is already %s", taskID, t.Status))
	}

	m.mu.Lock()
	j := m.jobs[taskID]
	m.mu.Unlock()
	if j != nil {
		j.mu.Lock()
		if j.finished {
			j.mu.Unlock()
			return apperrors.New(apperrors.Conflict, op, fmt.Sprintf("task %s already finished", taskID))
		}
		j.cancel()
		err = m.markFailed(ctx, taskID, model.ReasonCancelled)
		j.mu.Unlock()
		if err != nil {
			return err
		}
		select {
		case <-j.done:
		case <-ctx.Done():
			return apperrors.FromTransport(op, ctx.Err())
		}
		return nil
	}
	// no worker in this process, e.g. a task left behind by a crashed run
	return m.markFailed(ctx, taskID, model.ReasonCancelled)
}

func (m *Manager) markFailed(ctx context.Context, taskID, reason string) error {
	t, ok, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.New(apperrors.NotFound, "download.fail", "no task "+taskID)
	}
	t.Status = model.TaskFailed
	t.Reason = reason
	t.LocalPath = ""
	t.UpdatedTime = m.now()
	if err := m.store.UpdateTask(context.WithoutCancel(ctx), t); err != nil {
		return err
	}
	m.removePartial(taskID)
	m.metrics.DownloadFinished(string(model.TaskFailed))
	m.publish(t.Update())
	m.log.Infof("task %s: failed (%s)", taskID, reason)
	return nil
}

// Get returns a task by id.
func (m *Manager) Get(ctx context.Context, taskID string) (model.DownloadTask, error) {
	t, ok, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return model.DownloadTask{}, err
	}
	if !ok {
		return model.DownloadTask{}, apperrors.New(apperrors.NotFound, "download.get", "no task "+taskID)
	}
	return t, nil
}

// List returns tasks, newest first, optionally restricted to statuses.
func (m *Manager) List(ctx context.Context, statuses ...model.TaskStatus) ([]model.DownloadTask, error) {
	return m.store.ListTasks(ctx, statuses...)
}

// DeleteTerminal removes a completed or failed task. Promoted content stays.
func (m *Manager) DeleteTerminal(ctx context.Context, taskID string) error {
	return m.store.DeleteTask(ctx, taskID)
}

// Retry starts a new task for the source of a finished one.
func (m *Manager) Retry(ctx context.Context, taskID string) (model.DownloadTask, error) {
	t, err := m.Get(ctx, taskID)
	if err != nil {
		return model.DownloadTask{}, err
	}
	if !t.Status.Terminal() {
		return model.DownloadTask{}, apperrors.New(apperrors.Conflict, "download.retry",
			fmt.Sprintf("task %s is still %s", taskID, t.Status))
	}
	return m.Start(ctx, t.SourceKind, t.SourceID)
}

// Active returns the ids of tasks with a live worker in this process.
func (m *Manager) Active() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.jobs))
	for id := range m.jobs {
		out[id] = true
	}
	return out
}

// Reconcile fails tasks that are pending or downloading without a live
// worker, which happens when a previous process died mid-download, and
// removes staged partials that no live task owns.
func (m *Manager) Reconcile(ctx context.Context) ([]model.DownloadTask, error) {
	active := m.Active()
	failed, err := m.store.FailActiveTasks(ctx, model.ReasonInterrupted, active, m.now())
	if err != nil {
		return nil, err
	}
	for _, t := range failed {
		m.publish(t.Update())
		m.log.Warnf("task %s: interrupted", t.ID)
	}
	entries, err := os.ReadDir(m.partsRoot)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return failed, apperrors.PathError(m.partsRoot, err)
	}
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".part")
		if !ok || active[id] {
			continue
		}
		if err := os.Remove(filepath.Join(m.partsRoot, e.Name())); err != nil {
			m.log.Warnf("remove partial %s: %v", e.Name(), err)
		}
	}
	return failed, nil
}

// Verify re-hashes the promoted file of a completed task.
func (m *Manager) Verify(ctx context.Context, taskID string) (bool, string, error) {
	t, err := m.Get(ctx, taskID)
	if err != nil {
		return false, "", err
	}
	if t.Status != model.TaskCompleted || t.LocalPath == "" {
		return false, "", apperrors.New(apperrors.Conflict, "download.verify",
			fmt.Sprintf("task %s has no promoted file", taskID))
	}
	got, err := util.HashFileSHA256(t.LocalPath)
	if err != nil {
		return false, "", apperrors.PathError(t.LocalPath, err)
	}
	return util.EqualSHA(got, t.SHA256), got, nil
}

func (m *Manager) partPath(taskID string) string {
	return filepath.Join(m.partsRoot, taskID+".part")
}

func (m *Manager) removePartial(taskID string) {
	if err := os.Remove(m.partPath(taskID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warnf("remove partial for %s: %v", taskID, err)
	}
}
