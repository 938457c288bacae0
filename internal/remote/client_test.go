package remote

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/logging"
	"github.com/jxwalker/maintsync/internal/model"
	"github.com/jxwalker/maintsync/internal/testutil"
)

var updated = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) (*Client, *testutil.MockHTTPServer) {
	t.Helper()
	ms := testutil.NewMockHTTPServer()
	t.Cleanup(ms.Close)
	cfg := testutil.WriteConfig(t, ms.URL, "")
	c, err := New(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, ms
}

func TestFetchPageDecodesAndSendsQuery(t *testing.T) {
	c, ms := newTestClient(t)
	ms.AddJSONResponse("/api/v1/documents", 200, testutil.PageJSON(1, 2, 5, "abc",
		testutil.DocumentJSON(1, "Pump manual", updated),
		testutil.DocumentJSON(2, "Valve guide", updated)))

	ctx := WithBearer(context.Background(), "tok-1")
	p, err := c.FetchPage(ctx, model.KindDocument, PageQuery{
		Filter: model.Filter{Query: "pump", Status: "manual"}, Sort: model.SortTitle, Page: 1, PageSize: 2,
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(p.Items) != 2 || p.Total != 5 || p.NextCursor != "abc" || !p.HasMore() {
		t.Fatalf("unexpected page: %+v", p)
	}
	r := p.Items[0]
	if r.Kind != model.KindDocument || r.ID != 1 || r.Document == nil || r.Document.FileName != "doc-1.pdf" {
		t.Fatalf("unexpected record: %+v", r)
	}
	if !r.ServerUpdatedAt.Equal(updated) || r.Local != (model.LocalFields{}) {
		t.Fatalf("server time or local fields wrong: %+v", r)
	}
	reqs := ms.Requests()
	if len(reqs) != 1 || reqs[0].Authorization != "Bearer tok-1" {
		t.Fatalf("requests = %+v", reqs)
	}
	for _, want := range []string{"q=pump", "status=manual", "sort=title", "page=1", "page_size=2"} {
		if !strings.Contains(reqs[0].Query, want) {
			t.Errorf("query %q missing %q", reqs[0].Query, want)
		}
	}
}

func TestPayloadValidation(t *testing.T) {
	c, ms := newTestClient(t)
	ms.AddJSONResponse("/api/v1/assets", 200, `{"items":[{"title":"no id"}]}`)
	ms.AddJSONResponse("/api/v1/assets/3", 200, `{"id":3,"title":"x","document":{"file_name":"a"}}`)
	ms.AddJSONResponse("/api/v1/assets/4", 200, `not json`)
	ms.AddJSONResponse("/api/v1/assets/5", 200, `{"id":6,"title":"wrong"}`)

	ctx := context.Background()
	if _, err := c.FetchPage(ctx, model.KindAsset, PageQuery{}); !apperrors.Is(err, apperrors.ParseError) {
		t.Errorf("missing id: expected ParseError, got %v", err)
	}
	for _, id := range []int64{3, 4, 5} {
		if _, err := c.FetchDetail(ctx, model.KindAsset, id); !apperrors.Is(err, apperrors.ParseError) {
			t.Errorf("asset %d: expected ParseError, got %v", id, err)
		}
	}
}

func TestStatusClassification(t *testing.T) {
	c, ms := newTestClient(t)
	ms.AddJSONResponse("/api/v1/documents/1", 401, `{"error":"token expired"}`)
	ms.AddJSONResponse("/api/v1/documents/2", 404, `{}`)
	ms.AddJSONResponse("/api/v1/documents/3", 503, `{"message":"maintenance"}`)
	ms.AddResponse("/api/v1/documents/4", testutil.MockResponse{StatusCode: 429, Headers: map[string]string{"Retry-After": "7"}})

	ctx := WithBearer(context.Background(), "t")
	cases := []struct {
		id   int64
		kind apperrors.Kind
		msg  string
	}{
		{1, apperrors.Unauthenticated, "token rejected: token expired"},
		{2, apperrors.NotFound, "404"},
		{3, apperrors.ServerError, "maintenance"},
		{4, apperrors.ServerError, "retry after 7s"},
	}
	for _, tc := range cases {
		_, err := c.FetchDetail(ctx, model.KindDocument, tc.id)
		if apperrors.KindOf(err) != tc.kind {
			t.Errorf("id %d: kind %v, want %v (%v)", tc.id, apperrors.KindOf(err), tc.kind, err)
			continue
		}
		if !strings.Contains(err.Error(), tc.msg) {
			t.Errorf("id %d: %q does not mention %q", tc.id, err.Error(), tc.msg)
		}
	}
}

func TestTransportFailureIsNoConnectivity(t *testing.T) {
	c, ms := newTestClient(t)
	ms.Close()
	_, err := c.FetchDetail(context.Background(), model.KindDocument, 1)
	if !apperrors.Is(err, apperrors.NoConnectivity) {
		t.Fatalf("expected NoConnectivity, got %v", err)
	}
}

func TestDeadlineIsTimeout(t *testing.T) {
	c, ms := newTestClient(t)
	ms.Handle("/api/v1/documents/1", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.FetchDetail(ctx, model.KindDocument, 1)
	if !apperrors.Is(err, apperrors.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
}

func TestLoginAndRefresh(t *testing.T) {
	c, ms := newTestClient(t)
	ms.AddJSONResponse("/api/v1/auth/login", 200, testutil.TokenJSON("a1", "r1", 900, "42"))
	ms.AddJSONResponse("/api/v1/auth/refresh", 200, `{"access_token":"a2","expires_in":60,"user_id":42}`)

	pair, err := c.Login(context.Background(), model.Credentials{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if pair.AccessToken != "a1" || pair.RefreshToken != "r1" || pair.ExpiresIn != 15*time.Minute || pair.UserID != "42" {
		t.Fatalf("pair = %+v", pair)
	}
	pair, err = c.Refresh(context.Background(), "r1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pair.AccessToken != "a2" || pair.RefreshToken != "" || pair.UserID != "42" {
		t.Fatalf("refreshed pair = %+v", pair)
	}
	for _, r := range ms.Requests() {
		if r.Authorization != "" {
			t.Fatalf("auth endpoints must not carry a bearer: %+v", r)
		}
	}
}

func TestOpenDownloadStream(t *testing.T) {
	c, ms := newTestClient(t)
	ms.AddResponse("/api/v1/documents/9/content", testutil.MockResponse{
		StatusCode: 200,
		Body:       "hello",
		Headers: map[string]string{
			"Content-Type":        "application/pdf",
			"Content-Disposition": `attachment; filename="manual.pdf"`,
			"X-Content-SHA256":    "ABC",
		},
	})
	s, err := c.OpenDownloadStream(context.Background(), model.KindDocument, 9)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Body.Close()
	b, _ := io.ReadAll(s.Body)
	if string(b) != "hello" || s.Size == nil || *s.Size != 5 || s.FileName != "manual.pdf" || s.SHA256 != "abc" {
		t.Fatalf("stream = %+v body=%q", s, b)
	}
}

func TestHealthAndVersion(t *testing.T) {
	c, ms := newTestClient(t)
	ms.AddJSONResponse("/api/v1/health", 200, `{"status":"ok"}`)
	ms.AddJSONResponse("/api/v1/version", 200, `{"version":"2.3.1"}`)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	v, err := c.ServerVersion(context.Background())
	if err != nil || v != "2.3.1" {
		t.Fatalf("version = %q err=%v", v, err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("12"); d != 12*time.Second {
		t.Fatalf("got %v", d)
	}
	if d := parseRetryAfter("soon"); d != 0 {
		t.Fatalf("got %v", d)
	}
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(future); d <= 0 || d > time.Minute {
		t.Fatalf("got %v", d)
	}
}
