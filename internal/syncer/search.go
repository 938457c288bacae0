package syncer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/model"
	"github.com/jxwalker/maintsync/internal/pipeline"
	"github.com/jxwalker/maintsync/internal/remote"
)

type SearchOptions struct {
	Cursor string
	// Voice marks queries that came from speech input; it is only recorded.
	Voice bool
}

// Search runs a remote search. When the server cannot be reached the query
// is answered by a substring match over stored records, and the page is
// always marked stale, even when nothing matched locally.
func (c *Coordinator) Search(ctx context.Context, kind model.Kind, query string, opts SearchOptions) (model.Page, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return c.GetPage(ctx, kind, model.Filter{}, model.SortRecent, opts.Cursor)
	}
	if !kind.Valid() {
		return model.Page{}, apperrors.New(apperrors.Unexpected, "search", "invalid kind "+string(kind))
	}
	cur, err := decodeCursor(opts.Cursor)
	if err != nil {
		return model.Page{}, err
	}
	start := c.now()
	p, err := c.search(ctx, kind, query, opts.Cursor, cur, start)
	if err != nil {
		return model.Page{}, err
	}
	if cur.zero() {
		c.record(ctx, model.SearchHistoryEntry{
			Kind:        kind,
			Query:       query,
			Timestamp:   start,
			ResultCount: len(p.Items),
			Latency:     c.now().Sub(start),
			Voice:       opts.Voice,
			Degraded:    p.Degraded(),
		})
	}
	return p, nil
}

func (c *Coordinator) search(ctx context.Context, kind model.Kind, query, rawCursor string, cur cursor, now time.Time) (model.Page, error) {
	f := model.Filter{Query: query}
	key := searchKey(kind, query, rawCursor)
	if p, ok, err := c.freshPage(ctx, kind, key, now); err != nil {
		return model.Page{}, err
	} else if ok {
		c.metrics.CacheHit(string(kind))
		return p, nil
	}
	c.metrics.CacheMiss(string(kind))

	rp, err := pipeline.Do(ctx, c.pipe, remote.EndpointSearch, func(ctx context.Context) (remote.Page, error) {
		return c.remote.Search(ctx, kind, remote.PageQuery{
			Filter: f, Sort: model.SortRecent, Cursor: cur.Remote, Page: cur.remotePage(), PageSize: c.size,
		})
	})
	if err != nil {
		if !apperrors.IsRetryable(err) {
			return model.Page{}, err
		}
		return c.degradeSearch(ctx, kind, key, f, cur, err)
	}
	items, err := c.persist(ctx, rp.Items, now)
	if err != nil {
		return model.Page{}, err
	}
	next := nextCursor(cur, rp.NextCursor, rp.HasMore(), items, f, model.SortRecent)
	if err := c.putSnapshot(ctx, key, model.EntrySearch, kind, items, next, rp.Total, now); err != nil {
		return model.Page{}, err
	}
	return model.Page{Kind: kind, Items: items, NextCursor: next, Total: rp.Total, Origin: model.OriginRemote}, nil
}

func (c *Coordinator) degradeSearch(ctx context.Context, kind model.Kind, key string, f model.Filter, cur cursor, remoteErr error) (model.Page, error) {
	c.noteDegraded("search", remoteErr)
	if snap, ok, err := c.store.GetSnapshot(ctx, key); err != nil {
		return model.Page{}, errors.Join(remoteErr, err)
	} else if ok {
		items, err := c.store.SnapshotRecords(ctx, snap)
		if err != nil {
			return model.Page{}, errors.Join(remoteErr, err)
		}
		if len(items) > 0 {
			return model.Page{Kind: kind, Items: items, NextCursor: snap.NextCursor, Total: snap.Total, Origin: model.OriginStale, FallbackErr: remoteErr}, nil
		}
	}
	p, err := c.localPage(ctx, kind, f, model.SortRecent, cur, model.OriginStale, remoteErr)
	if err != nil {
		return model.Page{}, errors.Join(remoteErr, err)
	}
	if p.Items == nil {
		p.Items = []model.Record{}
	}
	return p, nil
}

func (c *Coordinator) record(ctx context.Context, e model.SearchHistoryEntry) {
	// history must never fail the search that produced it
	if _, err := c.store.AppendHistory(context.WithoutCancel(ctx), e); err != nil {
		c.log.Warnf("search history: %v", err)
	}
}

// History returns past searches, newest first.
func (c *Coordinator) History(ctx context.Context, limit int) ([]model.SearchHistoryEntry, error) {
	return c.store.ListHistory(ctx, limit)
}

func (c *Coordinator) ClearHistory(ctx context.Context) error {
	return c.store.ClearHistory(ctx)
}

// Suggest ranks distinct past queries against prefix, closest match first and
// most recent first among equals. An empty prefix returns the most recent
// queries.
func (c *Coordinator) Suggest(ctx context.Context, prefix string, limit int) ([]string, error) {
	hist, err := c.store.ListHistory(ctx, 0)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(hist))
	var queries []string
	for _, h := range hist {
		k := strings.ToLower(h.Query)
		if seen[k] {
			continue
		}
		seen[k] = true
		queries = append(queries, h.Query)
	}
	prefix = strings.TrimSpace(prefix)
	var out []string
	if prefix == "" {
		out = queries
	} else {
		ranks := fuzzy.RankFindNormalizedFold(prefix, queries)
		sort.SliceStable(ranks, func(i, j int) bool {
			if ranks[i].Distance != ranks[j].Distance {
				return ranks[i].Distance < ranks[j].Distance
			}
			return ranks[i].OriginalIndex < ranks[j].OriginalIndex
		})
		out = make([]string, 0, len(ranks))
		for _, r := range ranks {
			out = append(out, r.Target)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
