// Package janitor keeps the local cache bounded: it expires stale cache
// entries, enforces the LRU bound, fails downloads nobody is running
// anymore, trims search history and repairs orphaned snapshots.
package janitor

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jxwalker/maintsync/internal/config"
	"github.com/jxwalker/maintsync/internal/logging"
	"github.com/jxwalker/maintsync/internal/metrics"
	"github.com/jxwalker/maintsync/internal/model"
	"github.com/jxwalker/maintsync/internal/state"
)

// Tasks reconciles download tasks against live workers; *downloader.Manager
// satisfies it.
type Tasks interface {
	Reconcile(ctx context.Context) ([]model.DownloadTask, error)
}

type Options struct {
	Tasks   Tasks
	Log     *logging.Logger
	Metrics *metrics.Manager
	Now     func() time.Time
}

type Janitor struct {
	store     *state.DB
	tasks     Tasks
	keep      int
	retention time.Duration
	interval  time.Duration
	root      string
	partsRoot string
	log       *logging.Logger
	metrics   *metrics.Manager
	now       func() time.Time
}

// Report counts what one sweep removed or repaired.
type Report struct {
	Expired        int
	Evicted        int
	RecordsDropped int
	TasksFailed    int
	TasksDeleted   int
	HistoryDeleted int
	Orphans        int
	MissingFiles   int
}

func New(cfg *config.Config, store *state.DB, opts Options) *Janitor {
	j := &Janitor{
		store:     store,
		tasks:     opts.Tasks,
		keep:      cfg.Cache.KeepCount,
		retention: cfg.Cache.HistoryRetention.Std(),
		interval:  cfg.Cache.JanitorInterval.Std(),
		root:      cfg.General.DownloadRoot,
		partsRoot: cfg.General.PartialsRoot,
		log:       opts.Log.With("component", "janitor"),
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if j.keep <= 0 {
		j.keep = config.DefaultKeepCount
	}
	if j.retention <= 0 {
		j.retention = config.DefaultHistoryRetention
	}
	if j.interval <= 0 {
		j.interval = config.DefaultJanitorInterval
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j
}

// Sweep runs every maintenance step once. Steps are independent; the first
// error is returned after all of them ran.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	now := j.now()

	expired, err := j.store.DeleteExpiredEntries(ctx, now)
	errs = append(errs, err)
	rep.Expired = len(expired)
	j.metrics.JanitorRemoved("expired", rep.Expired)

	ev, dropped, err := j.evict(ctx)
	errs = append(errs, err)
	rep.Evicted, rep.RecordsDropped = ev, dropped

	if j.tasks != nil {
		failed, err := j.tasks.Reconcile(ctx)
		errs = append(errs, err)
		rep.TasksFailed = len(failed)
		j.metrics.JanitorRemoved("interrupted", rep.TasksFailed)
	}

	cutoff := now.Add(-j.retention)
	rep.HistoryDeleted, err = j.store.DeleteHistoryBefore(ctx, cutoff)
	errs = append(errs, err)
	j.metrics.JanitorRemoved("history", rep.HistoryDeleted)
	rep.TasksDeleted, err = j.store.DeleteTerminalBefore(ctx, cutoff)
	errs = append(errs, err)
	j.metrics.JanitorRemoved("tasks", rep.TasksDeleted)

	rep.Orphans, err = j.store.RepairOrphans()
	errs = append(errs, err)
	j.metrics.JanitorRemoved("orphan", rep.Orphans)

	rep.MissingFiles, err = j.reconcileFiles(ctx)
	errs = append(errs, err)

	if err := j.metrics.Write(); err != nil {
		j.log.Warnf("write metrics: %v", err)
	}
	j.log.Infof("sweep: expired=%d evicted=%d dropped=%d tasks_failed=%d history=%d orphans=%d missing=%d",
		rep.Expired, rep.Evicted, rep.RecordsDropped, rep.TasksFailed, rep.HistoryDeleted, rep.Orphans, rep.MissingFiles)
	return rep, errors.Join(errs...)
}

// Evict enforces only the LRU bound. The sync coordinator calls it after
// writing a remote page.
func (j *Janitor) Evict(ctx context.Context) error {
	_, _, err := j.evict(ctx)
	return err
}

func (j *Janitor) evict(ctx context.Context) (evicted, dropped int, err error) {
	gone, err := j.store.EnforceLRU(ctx, j.keep)
	if err != nil {
		return 0, 0, err
	}
	j.metrics.JanitorRemoved("lru", len(gone))
	for _, e := range gone {
		if e.Kind != model.EntryRecord {
			continue
		}
		kind, id, ok := parseRecordKey(e.Key)
		if !ok {
			continue
		}
		did, err := j.store.EvictRecord(ctx, kind, id)
		if err != nil {
			return len(gone), dropped, err
		}
		if did {
			dropped++
		}
	}
	return len(gone), dropped, nil
}

// reconcileFiles unflags downloaded records whose promoted file is gone.
func (j *Janitor) reconcileFiles(ctx context.Context) (int, error) {
	recs, err := j.store.ListDownloaded(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if r.Local.LocalPath == "" {
			continue
		}
		if _, err := os.Stat(r.Local.LocalPath); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		cleared, err := j.store.ClearLocalPath(ctx, r.Local.LocalPath)
		if err != nil {
			return n, err
		}
		n += len(cleared)
	}
	j.metrics.JanitorRemoved("missing_file", n)
	return n, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	sweep := func() {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.log.Errorf("sweep failed: %v", err)
		}
	}
	sweep()
	timer := time.NewTimer(j.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			j.log.Infof("stopping: %v", ctx.Err())
			return nil
		case <-timer.C:
			sweep()
			timer.Reset(j.interval)
		}
	}
}

// parseRecordKey splits "record:<kind>:<id>".
func parseRecordKey(key string) (model.Kind, int64, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != string(model.EntryRecord) {
		return "", 0, false
	}
	kind := model.Kind(parts[1])
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || !kind.Valid() {
		return "", 0, false
	}
	return kind, id, true
}
