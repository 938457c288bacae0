package remote

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jxwalker/maintsync/internal/model"
)

type wireRecord struct {
	ID        int64                 `json:"id"`
	Title     string                `json:"title"`
	Summary   string                `json:"summary"`
	Location  string                `json:"location"`
	UpdatedAt *time.Time            `json:"updated_at"`
	Document  *model.DocumentFields `json:"document"`
	Asset     *model.AssetFields    `json:"asset"`
}

type wirePage struct {
	Items      []json.RawMessage `json:"items"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	Total      *int64            `json:"total"`
	NextCursor *string           `json:"next_cursor"`
}

type wireToken struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int64           `json:"expires_in"`
	UserID       json.RawMessage `json:"user_id"`
}

// toRecord maps a payload onto the record shape for kind. Local fields are
// never read from the wire.
func (w wireRecord) toRecord(kind model.Kind) (model.Record, error) {
	r := model.Record{
		Kind:     kind,
		ID:       w.ID,
		Title:    w.Title,
		Summary:  w.Summary,
		Location: w.Location,
	}
	if w.UpdatedAt != nil {
		r.ServerUpdatedAt = w.UpdatedAt.UTC()
	}
	switch kind {
	case model.KindDocument:
		if w.Asset != nil {
			return model.Record{}, fmt.Errorf("document %d carries asset fields", w.ID)
		}
		r.Document = w.Document
		if r.Document == nil {
			r.Document = &model.DocumentFields{}
		}
	case model.KindAsset:
		if w.Document != nil {
			return model.Record{}, fmt.Errorf("asset %d carries document fields", w.ID)
		}
		r.Asset = w.Asset
		if r.Asset == nil {
			r.Asset = &model.AssetFields{}
		}
	}
	return r, r.Validate()
}

func (w wireToken) toPair() model.TokenPair {
	return model.TokenPair{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		TokenType:    w.TokenType,
		ExpiresIn:    time.Duration(w.ExpiresIn) * time.Second,
		UserID:       userIDString(w.UserID),
	}
}

// userIDString accepts the id as either a JSON string or number.
func userIDString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}
