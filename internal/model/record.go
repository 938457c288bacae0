// Package model holds the cached entity shapes shared by the store, the
// remote client and the sync layer.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind tags a cached record variant.
type Kind string

const (
	KindDocument Kind = "document"
	KindAsset    Kind = "asset"
)

// Kinds lists every record kind in a stable order.
var Kinds = []Kind{KindDocument, KindAsset}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "document", "documents", "doc", "docs":
		return KindDocument, nil
	case "asset", "assets":
		return KindAsset, nil
	default:
		return "", fmt.Errorf("unknown record kind: %q", s)
	}
}

func (k Kind) Valid() bool { return k == KindDocument || k == KindAsset }

// Collection is the plural path segment the remote API uses for the kind.
func (k Kind) Collection() string { return string(k) + "s" }

// DocumentFields are the server-authoritative fields specific to documents.
type DocumentFields struct {
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	Category string `json:"category,omitempty"`
	Author   string `json:"author,omitempty"`
	Revision string `json:"revision,omitempty"`
}

// AssetFields are the server-authoritative fields specific to assets. Status
// and HealthScore change often, which is why assets go stale quickly.
type AssetFields struct {
	SerialNumber   string     `json:"serial_number,omitempty"`
	Model          string     `json:"model,omitempty"`
	Manufacturer   string     `json:"manufacturer,omitempty"`
	Status         string     `json:"status,omitempty"`
	HealthScore    int        `json:"health_score,omitempty"`
	LastInspection *time.Time `json:"last_inspection,omitempty"`
}

// LocalFields are owned by this device and never come from the server.
type LocalFields struct {
	Favorite   bool   `json:"favorite"`
	Downloaded bool   `json:"downloaded"`
	LocalPath  string `json:"local_path,omitempty"`
}

// LocalFlag names a toggleable locally-owned field.
type LocalFlag string

const (
	FlagFavorite   LocalFlag = "favorite"
	FlagDownloaded LocalFlag = "downloaded"
)

// Record is one cached document or asset. Exactly one of Document/Asset is
// set, matching Kind.
type Record struct {
	Kind            Kind            `json:"kind"`
	ID              int64           `json:"id"`
	Title           string          `json:"title"`
	Summary         string          `json:"summary,omitempty"`
	Location        string          `json:"location,omitempty"`
	ServerUpdatedAt time.Time       `json:"server_updated_at"`
	Document        *DocumentFields `json:"document,omitempty"`
	Asset           *AssetFields    `json:"asset,omitempty"`
	Local           LocalFields     `json:"local"`
	LastSyncTime    time.Time       `json:"last_sync_time"`
}

func RecordKey(kind Kind, id int64) string { return fmt.Sprintf("%s:%d", kind, id) }

func (r Record) Key() string { return RecordKey(r.Kind, r.ID) }

// Tag is the value the status filter matches: document category or asset status.
func (r Record) Tag() string {
	switch {
	case r.Document != nil:
		return r.Document.Category
	case r.Asset != nil:
		return r.Asset.Status
	}
	return ""
}

func (r Record) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid kind %q", r.Kind)
	}
	if r.ID <= 0 {
		return errors.New("record id must be positive")
	}
	switch r.Kind {
	case KindDocument:
		if r.Asset != nil {
			return fmt.Errorf("document %d carries asset fields", r.ID)
		}
	case KindAsset:
		if r.Document != nil {
			return fmt.Errorf("asset %d carries document fields", r.ID)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can never alias a stored record.
func (r Record) Clone() Record {
	out := r
	if r.Document != nil {
		d := *r.Document
		out.Document = &d
	}
	if r.Asset != nil {
		a := *r.Asset
		if r.Asset.LastInspection != nil {
			t := *r.Asset.LastInspection
			a.LastInspection = &t
		}
		out.Asset = &a
	}
	return out
}
