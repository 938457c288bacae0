package syncer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/model"
	"github.com/jxwalker/maintsync/internal/state"
)

// cursor is the opaque continuation token handed to callers. It carries the
// server's own cursor (or page number) for remote continuation and the local
// keyset position for serving the next page from the store.
type cursor struct {
	Remote string        `json:"r,omitempty"`
	Page   int           `json:"p,omitempty"`
	After  *state.Keyset `json:"a,omitempty"`
}

func (c cursor) zero() bool { return c.Remote == "" && c.Page == 0 && c.After == nil }

// remotePage is the page number to request when the server has no cursor.
func (c cursor) remotePage() int {
	if c.Page < 1 {
		return 1
	}
	return c.Page
}

func encodeCursor(c cursor) string {
	if c.zero() {
		return ""
	}
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	if s == "" {
		return c, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, apperrors.New(apperrors.ParseError, "cursor", "invalid page cursor")
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, apperrors.New(apperrors.ParseError, "cursor", "invalid page cursor")
	}
	return c, nil
}

// nextCursor builds the continuation after items, or "" when hasMore is false.
func nextCursor(prev cursor, remoteNext string, hasMore bool, items []model.Record, f model.Filter, s model.Sort) string {
	if !hasMore || len(items) == 0 {
		return ""
	}
	last := state.KeysetOf(items[len(items)-1], f, s)
	nc := cursor{After: &last, Remote: remoteNext}
	if remoteNext == "" {
		nc.Page = prev.remotePage() + 1
	}
	return encodeCursor(nc)
}

func pageKey(kind model.Kind, f model.Filter, s model.Sort, rawCursor string) string {
	return fmt.Sprintf("%s:%s:%s|sort=%s|cursor=%s", model.EntryPage, kind, f.Key(), s, rawCursor)
}

func searchKey(kind model.Kind, query, rawCursor string) string {
	return fmt.Sprintf("%s:%s:%s|cursor=%s", model.EntrySearch, kind, model.Filter{Query: query}.Key(), rawCursor)
}
