package model

import (
	"fmt"
	"strings"
)

// Filter narrows a listing. Query is a case-insensitive substring match over
// title, summary and location.
type Filter struct {
	Query          string `json:"q,omitempty"`
	Status         string `json:"status,omitempty"`
	FavoritesOnly  bool   `json:"favorites_only,omitempty"`
	DownloadedOnly bool   `json:"downloaded_only,omitempty"`
}

// Key is a canonical form used in cache keys.
func (f Filter) Key() string {
	return fmt.Sprintf("q=%s|status=%s|fav=%t|dl=%t",
		strings.ToLower(strings.TrimSpace(f.Query)),
		strings.ToLower(strings.TrimSpace(f.Status)),
		f.FavoritesOnly, f.DownloadedOnly)
}

// LocalOnly reports whether the filter depends on locally-owned fields the
// server knows nothing about.
func (f Filter) LocalOnly() bool { return f.FavoritesOnly || f.DownloadedOnly }

type Sort string

const (
	// SortRecent orders by server update time, newest first.
	SortRecent Sort = "recent"
	// SortTitle orders alphabetically (case-insensitive).
	SortTitle Sort = "title"
)

func ParseSort(s string) (Sort, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "recent":
		return SortRecent, nil
	case "title", "name":
		return SortTitle, nil
	default:
		return "", fmt.Errorf("unknown sort: %q", s)
	}
}

// Origin says where a page or detail result came from.
type Origin int

const (
	OriginRemote Origin = iota
	// OriginCache means the local copy was fresh enough to serve directly.
	OriginCache
	// OriginStale means the remote call failed and a stale local copy was served.
	OriginStale
)

func (o Origin) String() string {
	switch o {
	case OriginCache:
		return "cache"
	case OriginStale:
		return "stale-cache"
	default:
		return "remote"
	}
}

// Page is one slice of a listing or search.
type Page struct {
	Kind       Kind     `json:"kind"`
	Items      []Record `json:"items"`
	NextCursor string   `json:"next_cursor,omitempty"`
	// Total is the remote total when known, otherwise -1.
	Total  int64  `json:"total"`
	Origin Origin `json:"origin"`
	// FallbackErr is the absorbed remote error when Origin is OriginStale.
	FallbackErr error `json:"-"`
}

func (p Page) ServedFromCache() bool { return p.Origin != OriginRemote }

func (p Page) Degraded() bool { return p.Origin == OriginStale }

// Detail is a single-record result with the same provenance rules as Page.
type Detail struct {
	Record      Record `json:"record"`
	Origin      Origin `json:"origin"`
	FallbackErr error  `json:"-"`
}

func (d Detail) ServedFromCache() bool { return d.Origin != OriginRemote }

func (d Detail) Degraded() bool { return d.Origin == OriginStale }
