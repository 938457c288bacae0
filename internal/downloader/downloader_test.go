package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jxwalker/maintsync/internal/auth"
	"github.com/jxwalker/maintsync/internal/config"
	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/logging"
	"github.com/jxwalker/maintsync/internal/model"
	"github.com/jxwalker/maintsync/internal/pipeline"
	"github.com/jxwalker/maintsync/internal/remote"
	"github.com/jxwalker/maintsync/internal/state"
	"github.com/jxwalker/maintsync/internal/testutil"
)

type harness struct {
	ms    *testutil.MockHTTPServer
	cfg   *config.Config
	store *state.DB
	mgr   *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{ms: testutil.NewMockHTTPServer()}
	t.Cleanup(h.ms.Close)
	h.ms.AddJSONResponse("/api/v1/auth/login", 200, testutil.TokenJSON("tok", "r1", 3600, "7"))

	h.cfg = testutil.WriteConfig(t, h.ms.URL, "")
	h.store = testutil.OpenStore(t, h.cfg)
	client, err := remote.New(h.cfg, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	creds := auth.NewManager(client, auth.Options{})
	if _, err := creds.Login(context.Background(), model.Credentials{Username: "u", Password: "p"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	pipe := pipeline.New(creds, pipeline.Options{PublicEndpoints: h.cfg.API.PublicEndpoints, Timeout: h.cfg.Timeout()})
	h.mgr = New(h.cfg, h.store, client, pipe, Options{Log: logging.Discard()})
	t.Cleanup(h.mgr.Close)

	for _, id := range []int64{9, 10} {
		r := model.Record{
			Kind:         model.KindDocument,
			ID:           id,
			Title:        "Manual " + strconv.FormatInt(id, 10),
			Document:     &model.DocumentFields{FileName: "manual.pdf"},
			LastSyncTime: time.Now(),
		}
		if err := h.store.UpsertRecord(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	return h
}

func contentPath(id int64) string {
	return "/api/v1/documents/" + strconv.FormatInt(id, 10) + "/content"
}

func (h *harness) serveContent(id int64, body []byte, sum string) {
	h.ms.Handle(contentPath(id), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Content-Disposition", `attachment; filename="pump manual.pdf"`)
		if sum != "" {
			w.Header().Set("X-Content-SHA256", sum)
		}
		_, _ = w.Write(body)
	})
}

// waitDone observes the task until its channel closes and returns the last
// update.
func waitDone(t *testing.T, m *Manager, id string) model.ProgressUpdate {
	t.Helper()
	ch, unsub, err := m.Observe(context.Background(), id)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer unsub()
	timeout := time.After(5 * time.Second)
	var last model.ProgressUpdate
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return last
			}
			if u.Progress < last.Progress {
				t.Errorf("progress went backwards: %d -> %d", last.Progress, u.Progress)
			}
			last = u
		case <-timeout:
			t.Fatalf("task %s did not finish; last %+v", id, last)
		}
	}
}

func sha(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func TestDownloadCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	body := []byte("pump maintenance manual, revision C")
	h.serveContent(10, body, sha(body))

	task, err := h.mgr.Start(ctx, model.KindDocument, 10)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if task.Status != model.TaskPending {
		t.Fatalf("new task status = %s", task.Status)
	}
	last := waitDone(t, h.mgr, task.ID)
	if last.Status != model.TaskCompleted || last.Progress != 100 {
		t.Fatalf("final update %+v", last)
	}

	got, err := h.mgr.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(h.cfg.General.DownloadRoot, "pump-manual.pdf")
	if got.LocalPath != want || got.SHA256 != sha(body) || got.DownloadedSize != int64(len(body)) {
		t.Fatalf("task %+v", got)
	}
	b, err := os.ReadFile(want)
	if err != nil || string(b) != string(body) {
		t.Fatalf("promoted file %q, %v", b, err)
	}
	rec, _, err := h.store.GetRecord(ctx, model.KindDocument, 10)
	if err != nil || !rec.Local.Downloaded || rec.Local.LocalPath != want {
		t.Fatalf("record local fields %+v, %v", rec.Local, err)
	}
	if _, err := os.Stat(h.mgr.partPath(task.ID)); !os.IsNotExist(err) {
		t.Errorf("partial left behind: %v", err)
	}
	ok, _, err := h.mgr.Verify(ctx, task.ID)
	if err != nil || !ok {
		t.Errorf("verify = %v, %v", ok, err)
	}
}

func TestStreamErrorFailsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ms.Handle(contentPath(9), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write(make([]byte, 40))
		w.(http.Flusher).Flush()
		// returning early truncates the body
	})

	task, err := h.mgr.Start(ctx, model.KindDocument, 9)
	if err != nil {
		t.Fatal(err)
	}
	last := waitDone(t, h.mgr, task.ID)
	if last.Status != model.TaskFailed || last.Reason != model.ReasonNetwork {
		t.Fatalf("final update %+v", last)
	}
	got, err := h.mgr.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 40 || got.LocalPath != "" {
		t.Fatalf("failed task %+v", got)
	}
	rec, _, _ := h.store.GetRecord(ctx, model.KindDocument, 9)
	if rec.Local.Downloaded || rec.Local.LocalPath != "" {
		t.Fatalf("record flagged after failure: %+v", rec.Local)
	}

	body := []byte("ok")
	h.serveContent(9, body, "")
	next, err := h.mgr.Start(ctx, model.KindDocument, 9)
	if err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
	if next.ID == task.ID {
		t.Fatal("restart reused the failed task")
	}
	if last := waitDone(t, h.mgr, next.ID); last.Status != model.TaskCompleted {
		t.Fatalf("restart final %+v", last)
	}
}

func TestStartConflictsWhileActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release := make(chan struct{})
	h.ms.Handle(contentPath(10), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4")
		<-release
		_, _ = w.Write([]byte("done"))
	})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	first, err := h.mgr.Start(ctx, model.KindDocument, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Start(ctx, model.KindDocument, 10); !apperrors.Is(err, apperrors.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if err := h.mgr.DeleteTerminal(ctx, first.ID); !apperrors.Is(err, apperrors.Conflict) {
		t.Fatalf("deleting an active task: %v", err)
	}
	close(release)
	if last := waitDone(t, h.mgr, first.ID); last.Status != model.TaskCompleted {
		t.Fatalf("final %+v", last)
	}
	if _, err := h.mgr.Start(ctx, model.KindDocument, 10); err != nil {
		t.Fatalf("start after completion: %v", err)
	}
}

func TestChecksumMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.serveContent(10, []byte("tampered"), sha([]byte("original")))

	task, err := h.mgr.Start(ctx, model.KindDocument, 10)
	if err != nil {
		t.Fatal(err)
	}
	last := waitDone(t, h.mgr, task.ID)
	if last.Status != model.TaskFailed || last.Reason != model.ReasonChecksumMismatch {
		t.Fatalf("final %+v", last)
	}
	entries, _ := os.ReadDir(h.cfg.General.DownloadRoot)
	for _, e := range entries {
		if !e.IsDir() {
			t.Errorf("unexpected promoted file %s", e.Name())
		}
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	started := make(chan struct{})
	var once sync.Once
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.ms.Handle(contentPath(10), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write(make([]byte, 10))
		w.(http.Flusher).Flush()
		once.Do(func() { close(started) })
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})

	task, err := h.mgr.Start(ctx, model.KindDocument, 10)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never opened")
	}
	if err := h.mgr.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := h.mgr.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.TaskFailed || got.Reason != model.ReasonCancelled {
		t.Fatalf("cancelled task %+v", got)
	}
	if err := h.mgr.Cancel(ctx, task.ID); !apperrors.Is(err, apperrors.Conflict) {
		t.Fatalf("second cancel: %v", err)
	}
	if len(h.mgr.Active()) != 0 {
		t.Errorf("worker still registered: %v", h.mgr.Active())
	}
	if _, err := os.Stat(h.mgr.partPath(task.ID)); !os.IsNotExist(err) {
		t.Errorf("partial left behind: %v", err)
	}

	retry, err := h.mgr.Retry(ctx, task.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.ID == task.ID || retry.SourceID != 10 {
		t.Fatalf("retry task %+v", retry)
	}
	if err := h.mgr.Cancel(ctx, retry.ID); err != nil && !apperrors.Is(err, apperrors.Conflict) {
		t.Fatalf("cancel retry: %v", err)
	}
	if err := h.mgr.DeleteTerminal(ctx, task.ID); err != nil {
		t.Fatalf("delete terminal: %v", err)
	}
}

func TestReconcileFailsOrphanedTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()
	orphan := model.DownloadTask{
		ID: "left-behind", SourceKind: model.KindDocument, SourceID: 9,
		Status: model.TaskDownloading, DownloadedSize: 5, CreatedTime: now, UpdatedTime: now,
	}
	if err := h.store.CreateTask(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(h.cfg.General.PartialsRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(h.mgr.partPath(orphan.ID), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	failed, err := h.mgr.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ID != orphan.ID {
		t.Fatalf("reconciled %+v", failed)
	}
	got, _ := h.mgr.Get(ctx, orphan.ID)
	if got.Status != model.TaskFailed || got.Reason != model.ReasonInterrupted {
		t.Fatalf("orphan %+v", got)
	}
	if _, err := os.Stat(h.mgr.partPath(orphan.ID)); !os.IsNotExist(err) {
		t.Errorf("partial not removed: %v", err)
	}
}

func TestStartUnknownRecord(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Start(context.Background(), model.KindDocument, 404); !apperrors.Is(err, apperrors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestFileNameFor(t *testing.T) {
	doc := model.Record{Kind: model.KindDocument, ID: 3, Document: &model.DocumentFields{FileName: "Pump Manual.pdf", Revision: "B"}}
	if name, hint := fileNameFor(doc, ""); name != "Pump-Manual.pdf" || hint != "B" {
		t.Errorf("document: %q %q", name, hint)
	}
	if name, _ := fileNameFor(doc, "../server.pdf"); name != "server.pdf" {
		t.Errorf("server name: %q", name)
	}
	asset := model.Record{Kind: model.KindAsset, ID: 7, Asset: &model.AssetFields{}}
	if name, hint := fileNameFor(asset, ""); name != "asset-7" || hint != "" {
		t.Errorf("asset: %q %q", name, hint)
	}
}

// failElsewhere marks every active task cancelled through a second store
// handle, the way `maintsync cancel` does from another process.
func failElsewhere(t *testing.T, other *state.DB) {
	t.Helper()
	if _, err := other.FailActiveTasks(context.Background(), model.ReasonCancelled, nil, time.Now()); err != nil {
		t.Errorf("fail from second handle: %v", err)
	}
}

func assertNothingPromoted(t *testing.T, h *harness, id int64) {
	t.Helper()
	entries, err := os.ReadDir(h.cfg.General.DownloadRoot)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			t.Errorf("promoted file %s left in download root", e.Name())
		}
	}
	rec, _, err := h.store.GetRecord(context.Background(), model.KindDocument, id)
	if err != nil || rec.Local.Downloaded || rec.Local.LocalPath != "" {
		t.Errorf("record local fields %+v, %v", rec.Local, err)
	}
}

func TestCancelledElsewhereMidCopy(t *testing.T) {
	h := newHarness(t)
	other := testutil.OpenStore(t, h.cfg)
	h.ms.Handle(contentPath(10), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write(make([]byte, 10))
		w.(http.Flusher).Flush()
		time.Sleep(50 * time.Millisecond)
		failElsewhere(t, other)
		for i := 0; i < 9; i++ {
			_, _ = w.Write(make([]byte, 10))
			w.(http.Flusher).Flush()
		}
	})

	task, err := h.mgr.Start(context.Background(), model.KindDocument, 10)
	if err != nil {
		t.Fatal(err)
	}
	last := waitDone(t, h.mgr, task.ID)
	if last.Status != model.TaskFailed || last.Reason != model.ReasonCancelled {
		t.Fatalf("observer ended with %+v", last)
	}
	assertNothingPromoted(t, h, 10)
	if _, err := os.Stat(h.mgr.partPath(task.ID)); !os.IsNotExist(err) {
		t.Errorf("partial left behind: %v", err)
	}
}

func TestCancelledElsewhereBeforePromotion(t *testing.T) {
	h := newHarness(t)
	other := testutil.OpenStore(t, h.cfg)
	body := []byte("pump maintenance manual")
	h.ms.Handle(contentPath(10), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
		w.(http.Flusher).Flush()
		// let the worker persist its last progress before the body ends
		time.Sleep(100 * time.Millisecond)
		failElsewhere(t, other)
	})

	task, err := h.mgr.Start(context.Background(), model.KindDocument, 10)
	if err != nil {
		t.Fatal(err)
	}
	last := waitDone(t, h.mgr, task.ID)
	if last.Status != model.TaskFailed || last.Reason != model.ReasonCancelled {
		t.Fatalf("observer ended with %+v", last)
	}
	got, err := h.mgr.Get(context.Background(), task.ID)
	if err != nil || got.Status != model.TaskFailed || got.LocalPath != "" {
		t.Fatalf("stored task %+v, %v", got, err)
	}
	assertNothingPromoted(t, h, 10)
}

func TestOpenFailureNeverDownloading(t *testing.T) {
	h := newHarness(t)
	h.ms.AddJSONResponse(contentPath(9), 404, `{"error":"gone"}`)

	task, err := h.mgr.Start(context.Background(), model.KindDocument, 9)
	if err != nil {
		t.Fatal(err)
	}
	ch, unsub, err := h.mgr.Observe(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return
			}
			if u.Status == model.TaskDownloading {
				t.Fatalf("task reported downloading although the stream never opened: %+v", u)
			}
		case <-timeout:
			t.Fatal("task did not finish")
		}
	}
}
