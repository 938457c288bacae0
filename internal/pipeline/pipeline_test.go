package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jxwalker/maintsync/internal/auth"
	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/logging"
	"github.com/jxwalker/maintsync/internal/model"
	"github.com/jxwalker/maintsync/internal/remote"
	"github.com/jxwalker/maintsync/internal/testutil"
)

var updated = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	ms       *testutil.MockHTTPServer
	client   *remote.Client
	creds    *auth.Manager
	refresh  atomic.Int32
	validTok atomic.Value
}

// newHarness serves document 1 only to the currently valid token. Refresh
// rotates the valid token to "new".
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{ms: testutil.NewMockHTTPServer()}
	t.Cleanup(h.ms.Close)
	h.validTok.Store("old")

	h.ms.AddJSONResponse("/api/v1/auth/login", 200, testutil.TokenJSON("old", "r1", 3600, "7"))
	h.ms.AddJSONResponse("/api/v1/health", 200, `{"status":"ok"}`)
	h.ms.Handle("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		h.refresh.Add(1)
		time.Sleep(20 * time.Millisecond)
		h.validTok.Store("new")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testutil.TokenJSON("new", "r2", 3600, "7")))
	})
	h.ms.Handle("/api/v1/documents/1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+h.validTok.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"expired"}`))
			return
		}
		_, _ = w.Write([]byte(testutil.DocumentJSON(1, "Pump", updated)))
	})

	cfg := testutil.WriteConfig(t, h.ms.URL, "")
	c, err := remote.New(cfg, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	h.client = c
	h.creds = auth.NewManager(c, auth.Options{})
	return h
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	if _, err := h.creds.Login(context.Background(), model.Credentials{Username: "u", Password: "p"}); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func (h *harness) pipeline(opts Options) *Pipeline {
	if opts.PublicEndpoints == nil {
		opts.PublicEndpoints = []string{"health", "version", "login"}
	}
	return New(h.creds, opts)
}

func (h *harness) fetch(ctx context.Context, p *Pipeline) (model.Record, error) {
	return Do(ctx, p, remote.EndpointDetail, func(ctx context.Context) (model.Record, error) {
		return h.client.FetchDetail(ctx, model.KindDocument, 1)
	})
}

func TestPublicEndpointCarriesNoCredential(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	p := h.pipeline(Options{})
	_, err := Do(context.Background(), p, remote.EndpointHealth, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.client.Health(ctx)
	})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	for _, r := range h.ms.Requests() {
		if r.Path == "/api/v1/health" && r.Authorization != "" {
			t.Fatalf("health carried %q", r.Authorization)
		}
	}
}

func TestAnonymousProtectedCallFailsFast(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(Options{})
	if _, err := h.fetch(context.Background(), p); !apperrors.Is(err, apperrors.Unauthenticated) {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	if n := h.ms.CountPath("/api/v1/documents/1"); n != 0 {
		t.Fatalf("anonymous call reached the server %d times", n)
	}
}

func TestRenewAndReplayOnce(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.validTok.Store("rotated-server-side")
	p := h.pipeline(Options{})

	// server now wants "new", which refresh hands out
	h.ms.Handle("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		h.refresh.Add(1)
		h.validTok.Store("new")
		_, _ = w.Write([]byte(testutil.TokenJSON("new", "r2", 3600, "7")))
	})
	r, err := h.fetch(context.Background(), p)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if r.ID != 1 || h.refresh.Load() != 1 || h.creds.AccessToken() != "new" {
		t.Fatalf("record=%+v refreshes=%d token=%q", r, h.refresh.Load(), h.creds.AccessToken())
	}
	if n := h.ms.CountPath("/api/v1/documents/1"); n != 2 {
		t.Fatalf("expected original + one replay, got %d calls", n)
	}
}

func TestConcurrentUnauthorizedShareOneRenewal(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.validTok.Store("new") // "old" is now rejected
	p := h.pipeline(Options{})

	const k = 10
	var wg sync.WaitGroup
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.fetch(context.Background(), p)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if n := h.refresh.Load(); n != 1 {
		t.Fatalf("refresh endpoint called %d times, want 1", n)
	}
}

func TestFailedRenewalSignsOut(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.validTok.Store("never")
	h.ms.Handle("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		h.refresh.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"refresh token revoked"}`))
	})
	events, cancel := h.creds.SignedOut()
	defer cancel()
	p := h.pipeline(Options{})

	_, err := h.fetch(context.Background(), p)
	if !apperrors.Is(err, apperrors.Unauthenticated) {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	if h.creds.IsAuthenticated() {
		t.Fatal("expected anonymous after failed renewal")
	}
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("no sign-out signal")
	}
}

func TestServerErrorDoesNotRenew(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.ms.Handle("/api/v1/documents/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	p := h.pipeline(Options{})
	_, err := h.fetch(context.Background(), p)
	if !apperrors.Is(err, apperrors.ServerError) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if h.refresh.Load() != 0 {
		t.Fatal("server error must not trigger renewal")
	}
}

func TestPerCallDeadline(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.ms.Handle("/api/v1/documents/1", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	p := h.pipeline(Options{Timeout: 50 * time.Millisecond})
	_, err := h.fetch(context.Background(), p)
	if !apperrors.Is(err, apperrors.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
}

type downProbe struct{ calls atomic.Int32 }

func (d *downProbe) Check(context.Context) error {
	d.calls.Add(1)
	return apperrors.Wrap(apperrors.NoConnectivity, "connectivity", errors.New("offline"))
}

func TestConnectivityPrecondition(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	probe := &downProbe{}
	p := h.pipeline(Options{Probe: probe})
	_, err := h.fetch(context.Background(), p)
	if !apperrors.Is(err, apperrors.NoConnectivity) {
		t.Fatalf("expected NoConnectivity, got %v", err)
	}
	if probe.calls.Load() != 1 || h.ms.CountPath("/api/v1/documents/1") != 0 {
		t.Fatal("request dispatched despite failed precondition")
	}
}

func TestProactiveRenewal(t *testing.T) {
	h := newHarness(t)
	h.ms.AddJSONResponse("/api/v1/auth/login", 200, testutil.TokenJSON("old", "r1", 10, "7"))
	h.login(t)
	h.validTok.Store("new")
	p := h.pipeline(Options{RefreshSkew: time.Minute})
	if _, err := h.fetch(context.Background(), p); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if h.refresh.Load() != 1 {
		t.Fatalf("refreshes = %d", h.refresh.Load())
	}
	// renewed before dispatch, so the server never saw the old token
	for _, r := range h.ms.Requests() {
		if r.Path == "/api/v1/documents/1" && r.Authorization != "Bearer new" {
			t.Fatalf("sent %q", r.Authorization)
		}
	}
}
