// Package merge reconciles freshly fetched records with their cached copies
// and decides when a cached copy is stale.
package merge

import (
	"time"

	"github.com/jxwalker/maintsync/internal/model"
)

// Default freshness thresholds. Assets carry volatile health/status fields.
const (
	DefaultDocumentThreshold = 24 * time.Hour
	DefaultAssetThreshold    = 5 * time.Minute
)

// Merge starts from remote, carries the locally-owned fields of local forward
// and stamps LastSyncTime with now. Passing the result back in as local with
// the same remote yields an identical record.
func Merge(remote model.Record, local *model.Record, now time.Time) model.Record {
	out := remote.Clone()
	out.Local = model.LocalFields{}
	if local != nil {
		out.Local = local.Local
	}
	out.LastSyncTime = now
	return out
}

// Thresholds maps each kind to its maximum age.
type Thresholds map[model.Kind]time.Duration

func DefaultThresholds() Thresholds {
	return Thresholds{
		model.KindDocument: DefaultDocumentThreshold,
		model.KindAsset:    DefaultAssetThreshold,
	}
}

func (t Thresholds) For(kind model.Kind) time.Duration {
	if d, ok := t[kind]; ok && d > 0 {
		return d
	}
	if kind == model.KindAsset {
		return DefaultAssetThreshold
	}
	return DefaultDocumentThreshold
}

// NeedsSync is true once now - LastSyncTime exceeds threshold. A record that
// was never synced always needs it.
func NeedsSync(r model.Record, threshold time.Duration, now time.Time) bool {
	if r.LastSyncTime.IsZero() {
		return true
	}
	return now.Sub(r.LastSyncTime) > threshold
}

// NeedsSync applies the kind's threshold.
func (t Thresholds) NeedsSync(r model.Record, now time.Time) bool {
	return NeedsSync(r, t.For(r.Kind), now)
}

// AnyStale reports whether any record in rs fails the freshness check.
func (t Thresholds) AnyStale(rs []model.Record, now time.Time) bool {
	for _, r := range rs {
		if t.NeedsSync(r, now) {
			return true
		}
	}
	return false
}
