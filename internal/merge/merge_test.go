package merge

import (
	"reflect"
	"testing"
	"time"

	"github.com/jxwalker/maintsync/internal/model"
)

func remoteDoc(id int64, title string) model.Record {
	return model.Record{
		Kind:            model.KindDocument,
		ID:              id,
		Title:           title,
		ServerUpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Document:        &model.DocumentFields{FileName: "manual.pdf", Category: "manual"},
	}
}

func TestMerge_NoLocal(t *testing.T) {
	now := time.Now()
	got := Merge(remoteDoc(1, "Pump manual"), nil, now)
	if !got.LastSyncTime.Equal(now) {
		t.Fatalf("LastSyncTime = %v, want %v", got.LastSyncTime, now)
	}
	if got.Local != (model.LocalFields{}) {
		t.Fatalf("expected zero local fields, got %+v", got.Local)
	}
	if got.Title != "Pump manual" {
		t.Fatalf("Title = %q", got.Title)
	}
}

func TestMerge_RemoteLocalFieldsIgnored(t *testing.T) {
	remote := remoteDoc(1, "x")
	remote.Local = model.LocalFields{Favorite: true, Downloaded: true, LocalPath: "/tmp/evil"}
	got := Merge(remote, nil, time.Now())
	if got.Local != (model.LocalFields{}) {
		t.Fatalf("remote must not seed local fields, got %+v", got.Local)
	}
}

func TestMerge_PreservesLocalFields(t *testing.T) {
	t0 := time.Now().Add(-time.Hour)
	local := remoteDoc(5, "old title")
	local.Local = model.LocalFields{Favorite: true, Downloaded: true, LocalPath: "/data/5.pdf"}
	local.LastSyncTime = t0

	now := time.Now()
	got := Merge(remoteDoc(5, "new title"), &local, now)
	if got.Title != "new title" {
		t.Errorf("Title = %q, want remote value", got.Title)
	}
	if !got.Local.Favorite || !got.Local.Downloaded || got.Local.LocalPath != "/data/5.pdf" {
		t.Errorf("local fields not carried forward: %+v", got.Local)
	}
	if !got.LastSyncTime.After(t0) {
		t.Errorf("LastSyncTime %v not after %v", got.LastSyncTime, t0)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	now := time.Now()
	remote := remoteDoc(7, "r")
	locals := []*model.Record{
		nil,
		{Kind: model.KindDocument, ID: 7, Local: model.LocalFields{Favorite: true}},
		{Kind: model.KindDocument, ID: 7, Local: model.LocalFields{Downloaded: true, LocalPath: "/p"}},
	}
	for i, local := range locals {
		once := Merge(remote, local, now)
		twice := Merge(remote, &once, now)
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("case %d: merge not idempotent:\n once=%+v\ntwice=%+v", i, once, twice)
		}
	}
}

func TestMerge_FavoriteSurvivesRepeatedMerges(t *testing.T) {
	local := remoteDoc(3, "a")
	local.Local.Favorite = true
	cur := local
	for i := 0; i < 10; i++ {
		r := remoteDoc(3, "a")
		r.Title = r.Title + string(rune('a'+i))
		cur = Merge(r, &cur, time.Now())
	}
	if !cur.Local.Favorite {
		t.Fatal("favorite lost after repeated merges")
	}
}

func TestMerge_DoesNotAliasRemote(t *testing.T) {
	remote := remoteDoc(2, "a")
	got := Merge(remote, nil, time.Now())
	got.Document.Category = "changed"
	if remote.Document.Category != "manual" {
		t.Fatal("merge result aliases remote document fields")
	}
}

func TestNeedsSync(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	th := DefaultThresholds()
	tests := []struct {
		name string
		rec  model.Record
		want bool
	}{
		{"never synced", model.Record{Kind: model.KindDocument}, true},
		{"fresh document", model.Record{Kind: model.KindDocument, LastSyncTime: now.Add(-23 * time.Hour)}, false},
		{"stale document", model.Record{Kind: model.KindDocument, LastSyncTime: now.Add(-25 * time.Hour)}, true},
		{"fresh asset", model.Record{Kind: model.KindAsset, LastSyncTime: now.Add(-4 * time.Minute)}, false},
		{"stale asset", model.Record{Kind: model.KindAsset, LastSyncTime: now.Add(-6 * time.Minute)}, true},
		{"exactly at threshold", model.Record{Kind: model.KindAsset, LastSyncTime: now.Add(-5 * time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := th.NeedsSync(tt.rec, now); got != tt.want {
				t.Fatalf("NeedsSync = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThresholds_ForFallsBack(t *testing.T) {
	th := Thresholds{model.KindDocument: time.Hour}
	if th.For(model.KindDocument) != time.Hour {
		t.Fatal("configured threshold ignored")
	}
	if th.For(model.KindAsset) != DefaultAssetThreshold {
		t.Fatal("missing asset threshold should fall back to default")
	}
}
