package model

import "time"

// EntryKind tags what a cache metadata entry describes.
type EntryKind string

const (
	EntryRecord EntryKind = "record"
	EntryPage   EntryKind = "page"
	EntrySearch EntryKind = "search"
)

// CacheEntry is the bookkeeping row for a cached record, page or query result.
type CacheEntry struct {
	Key          string    `json:"key"`
	Kind         EntryKind `json:"kind"`
	CreatedTime  time.Time `json:"created_time"`
	ExpiryTime   time.Time `json:"expiry_time"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
}

// Expired reports whether the entry is eligible for removal at now.
func (e CacheEntry) Expired(now time.Time) bool { return e.ExpiryTime.Before(now) }

// SearchHistoryEntry is an append-only record of one search.
type SearchHistoryEntry struct {
	ID          int64         `json:"id"`
	Kind        Kind          `json:"kind"`
	Query       string        `json:"query"`
	Timestamp   time.Time     `json:"timestamp"`
	ResultCount int           `json:"result_count"`
	Latency     time.Duration `json:"latency"`
	Voice       bool          `json:"voice"`
	Degraded    bool          `json:"degraded"`
}
