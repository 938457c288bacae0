// Package syncer is the Sync Coordinator: it decides between serving from
// the store and refreshing from the server, merges remote results with local
// state, and degrades to stale local data when the server is unreachable.
package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/jxwalker/maintsync/internal/config"
	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/logging"
	"github.com/jxwalker/maintsync/internal/merge"
	"github.com/jxwalker/maintsync/internal/metrics"
	"github.com/jxwalker/maintsync/internal/model"
	"github.com/jxwalker/maintsync/internal/pipeline"
	"github.com/jxwalker/maintsync/internal/remote"
	"github.com/jxwalker/maintsync/internal/state"
)

// Remote is the slice of the API client the coordinator calls.
type Remote interface {
	FetchPage(ctx context.Context, kind model.Kind, q remote.PageQuery) (remote.Page, error)
	Search(ctx context.Context, kind model.Kind, q remote.PageQuery) (remote.Page, error)
	FetchDetail(ctx context.Context, kind model.Kind, id int64) (model.Record, error)
}

// Evictor bounds the cache after new remote data is written; the janitor
// satisfies it.
type Evictor interface {
	Evict(ctx context.Context) error
}

type Options struct {
	Evictor    Evictor
	Thresholds merge.Thresholds
	PageTTL    time.Duration
	PageSize   int
	Log        *logging.Logger
	Metrics    *metrics.Manager
	Now        func() time.Time
}

// OptionsFromConfig maps the cache section onto coordinator options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Thresholds: merge.Thresholds{
			model.KindDocument: cfg.Cache.DocumentTTL.Std(),
			model.KindAsset:    cfg.Cache.AssetTTL.Std(),
		},
		PageTTL:  cfg.Cache.PageTTL.Std(),
		PageSize: cfg.API.PageSize,
	}
}

type Coordinator struct {
	store   *state.DB
	remote  Remote
	pipe    *pipeline.Pipeline
	evictor Evictor
	thr     merge.Thresholds
	pageTTL time.Duration
	size    int
	log     *logging.Logger
	metrics *metrics.Manager
	now     func() time.Time
}

func New(store *state.DB, rc Remote, pipe *pipeline.Pipeline, opts Options) *Coordinator {
	c := &Coordinator{
		store:   store,
		remote:  rc,
		pipe:    pipe,
		evictor: opts.Evictor,
		thr:     opts.Thresholds,
		pageTTL: opts.PageTTL,
		size:    opts.PageSize,
		log:     opts.Log.With("component", "sync"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if c.thr == nil {
		c.thr = merge.DefaultThresholds()
	}
	if c.pageTTL <= 0 {
		c.pageTTL = config.DefaultPageTTL
	}
	if c.size <= 0 {
		c.size = config.DefaultPageSize
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Store exposes the underlying entity store to collaborators.
func (c *Coordinator) Store() *state.DB { return c.store }

func mergeAt(now time.Time) state.MergeFunc {
	return func(in model.Record, local *model.Record) model.Record { return merge.Merge(in, local, now) }
}

// GetPage returns one page of a listing. A fresh cached page is served as
// is; otherwise the server is asked and the result merged into the store.
// When the server is unreachable a stale local page is served instead, with
// Origin set to OriginStale.
func (c *Coordinator) GetPage(ctx context.Context, kind model.Kind, f model.Filter, s model.Sort, rawCursor string) (model.Page, error) {
	if !kind.Valid() {
		return model.Page{}, apperrors.New(apperrors.Unexpected, "get_page", "invalid kind "+string(kind))
	}
	cur, err := decodeCursor(rawCursor)
	if err != nil {
		return model.Page{}, err
	}
	now := c.now()

	// favorites and downloads are device state the server knows nothing about
	if f.LocalOnly() {
		return c.localPage(ctx, kind, f, s, cur, model.OriginCache, nil)
	}

	key := pageKey(kind, f, s, rawCursor)
	if p, ok, err := c.freshPage(ctx, kind, key, now); err != nil {
		return model.Page{}, err
	} else if ok {
		c.metrics.CacheHit(string(kind))
		return p, nil
	}
	c.metrics.CacheMiss(string(kind))

	rp, err := pipeline.Do(ctx, c.pipe, remote.EndpointList, func(ctx context.Context) (remote.Page, error) {
		return c.remote.FetchPage(ctx, kind, remote.PageQuery{
			Filter: f, Sort: s, Cursor: cur.Remote, Page: cur.remotePage(), PageSize: c.size,
		})
	})
	if err != nil {
		return c.degradePage(ctx, "get_page", key, kind, f, s, cur, err)
	}
	items, err := c.persist(ctx, rp.Items, now)
	if err != nil {
		return model.Page{}, err
	}
	next := nextCursor(cur, rp.NextCursor, rp.HasMore(), items, f, s)
	if err := c.putSnapshot(ctx, key, model.EntryPage, kind, items, next, rp.Total, now); err != nil {
		return model.Page{}, err
	}
	return model.Page{Kind: kind, Items: items, NextCursor: next, Total: rp.Total, Origin: model.OriginRemote}, nil
}

// freshPage serves a cached page when its entry is unexpired, every member
// is still stored and none of them needs a sync.
func (c *Coordinator) freshPage(ctx context.Context, kind model.Kind, key string, now time.Time) (model.Page, bool, error) {
	e, ok, err := c.store.GetEntry(ctx, key)
	if err != nil || !ok || e.Expired(now) {
		return model.Page{}, false, err
	}
	snap, ok, err := c.store.GetSnapshot(ctx, key)
	if err != nil || !ok {
		return model.Page{}, false, err
	}
	items, err := c.store.SnapshotRecords(ctx, snap)
	if err != nil {
		return model.Page{}, false, err
	}
	if len(items) != len(snap.IDs) || c.thr.AnyStale(items, now) {
		return model.Page{}, false, nil
	}
	if err := c.store.TouchEntry(ctx, key, now); err != nil {
		return model.Page{}, false, err
	}
	return model.Page{Kind: kind, Items: items, NextCursor: snap.NextCursor, Total: snap.Total, Origin: model.OriginCache}, true, nil
}

// persist merges remote records into the store and returns them as stored,
// in server order.
func (c *Coordinator) persist(ctx context.Context, remoteItems []model.Record, now time.Time) ([]model.Record, error) {
	written, err := c.store.ApplyMany(ctx, remoteItems, mergeAt(now))
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]model.Record, len(written))
	for _, r := range written {
		byKey[r.Key()] = r
	}
	out := make([]model.Record, 0, len(remoteItems))
	for _, in := range remoteItems {
		r, ok := byKey[in.Key()]
		if !ok {
			// a newer concurrent write won; report what is stored
			stored, found, err := c.store.GetRecord(ctx, in.Kind, in.ID)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			r = stored
		}
		out = append(out, r)
		if err := c.putRecordEntry(ctx, r, now); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Coordinator) putRecordEntry(ctx context.Context, r model.Record, now time.Time) error {
	return c.store.PutEntry(ctx, model.CacheEntry{
		Key:          state.RecordEntryKey(r.Kind, r.ID),
		Kind:         model.EntryRecord,
		CreatedTime:  now,
		ExpiryTime:   r.LastSyncTime.Add(c.thr.For(r.Kind)),
		LastAccessed: now,
	})
}

func (c *Coordinator) putSnapshot(ctx context.Context, key string, ek model.EntryKind, kind model.Kind, items []model.Record, next string, total int64, now time.Time) error {
	ids := make([]int64, len(items))
	for i, r := range items {
		ids[i] = r.ID
	}
	err := c.store.PutPage(ctx,
		model.CacheEntry{Key: key, Kind: ek, CreatedTime: now, ExpiryTime: now.Add(c.pageTTL), LastAccessed: now},
		state.Snapshot{Kind: kind, IDs: ids, NextCursor: next, Total: total})
	if err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Coordinator) evict(ctx context.Context) {
	if c.evictor == nil {
		return
	}
	if err := c.evictor.Evict(context.WithoutCancel(ctx)); err != nil {
		c.log.Warnf("evict: %v", err)
	}
}

// degradePage absorbs a retryable remote failure by serving what the store
// has: the last snapshot for this key, else a local query. Other failures,
// and retryable ones with nothing stored, propagate.
func (c *Coordinator) degradePage(ctx context.Context, op, key string, kind model.Kind, f model.Filter, s model.Sort, cur cursor, remoteErr error) (model.Page, error) {
	if !apperrors.IsRetryable(remoteErr) {
		return model.Page{}, remoteErr
	}
	if snap, ok, err := c.store.GetSnapshot(ctx, key); err != nil {
		return model.Page{}, errors.Join(remoteErr, err)
	} else if ok {
		items, err := c.store.SnapshotRecords(ctx, snap)
		if err != nil {
			return model.Page{}, errors.Join(remoteErr, err)
		}
		if len(items) > 0 {
			c.noteDegraded(op, remoteErr)
			return model.Page{Kind: kind, Items: items, NextCursor: snap.NextCursor, Total: snap.Total, Origin: model.OriginStale, FallbackErr: remoteErr}, nil
		}
	}
	p, err := c.localPage(ctx, kind, f, s, cur, model.OriginStale, remoteErr)
	if err != nil {
		return model.Page{}, errors.Join(remoteErr, err)
	}
	if len(p.Items) == 0 {
		return model.Page{}, remoteErr
	}
	c.noteDegraded(op, remoteErr)
	return p, nil
}

func (c *Coordinator) noteDegraded(op string, err error) {
	c.metrics.ServedFromCache(op)
	c.log.Warnf("%s: serving cached data: %v", op, err)
}

// localPage answers from the store alone using keyset pagination.
func (c *Coordinator) localPage(ctx context.Context, kind model.Kind, f model.Filter, s model.Sort, cur cursor, origin model.Origin, fallback error) (model.Page, error) {
	items, after, err := c.store.ListPage(ctx, kind, f, s, cur.After, c.size)
	if err != nil {
		return model.Page{}, err
	}
	var next string
	if after != nil {
		next = encodeCursor(cursor{After: after, Page: cur.remotePage() + 1})
	}
	total := int64(-1)
	if cur.zero() {
		if n, err := c.store.Count(ctx, kind, f); err == nil {
			total = n
		}
	}
	if origin == model.OriginCache {
		c.metrics.CacheHit(string(kind))
	}
	return model.Page{Kind: kind, Items: items, NextCursor: next, Total: total, Origin: origin, FallbackErr: fallback}, nil
}

// GetDetail returns one record using the same two-tier policy as GetPage.
func (c *Coordinator) GetDetail(ctx context.Context, kind model.Kind, id int64) (model.Detail, error) {
	if !kind.Valid() || id <= 0 {
		return model.Detail{}, apperrors.New(apperrors.Unexpected, "get_detail", "invalid record identity")
	}
	now := c.now()
	local, have, err := c.store.GetRecord(ctx, kind, id)
	if err != nil {
		return model.Detail{}, err
	}
	if have && !c.thr.NeedsSync(local, now) {
		c.metrics.CacheHit(string(kind))
		if err := c.store.TouchEntry(ctx, state.RecordEntryKey(kind, id), now); err != nil {
			return model.Detail{}, err
		}
		return model.Detail{Record: local, Origin: model.OriginCache}, nil
	}
	c.metrics.CacheMiss(string(kind))

	rr, err := pipeline.Do(ctx, c.pipe, remote.EndpointDetail, func(ctx context.Context) (model.Record, error) {
		return c.remote.FetchDetail(ctx, kind, id)
	})
	if err != nil {
		if have && apperrors.IsRetryable(err) {
			c.noteDegraded("get_detail", err)
			return model.Detail{Record: local, Origin: model.OriginStale, FallbackErr: err}, nil
		}
		return model.Detail{}, err
	}
	merged, err := c.store.ApplyRecord(ctx, kind, id, func(l *model.Record) (model.Record, error) {
		return merge.Merge(rr, l, now), nil
	})
	if errors.Is(err, state.ErrStaleWrite) {
		stored, _, gerr := c.store.GetRecord(ctx, kind, id)
		if gerr != nil {
			return model.Detail{}, gerr
		}
		return model.Detail{Record: stored, Origin: model.OriginRemote}, nil
	}
	if err != nil {
		return model.Detail{}, err
	}
	if err := c.putRecordEntry(ctx, merged, now); err != nil {
		return model.Detail{}, err
	}
	return model.Detail{Record: merged, Origin: model.OriginRemote}, nil
}
