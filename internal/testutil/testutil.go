package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jxwalker/maintsync/internal/config"
	"github.com/jxwalker/maintsync/internal/state"
)

// MockHTTPServer creates a test HTTP server that serves canned responses
// or delegates to per-path handlers, and records every request it sees.
type MockHTTPServer struct {
	*httptest.Server
	Responses map[string]MockResponse
	Handlers  map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []RecordedRequest
}

// MockResponse represents a canned HTTP response
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// RecordedRequest is what the server saw for one call.
type RecordedRequest struct {
	Method        string
	Path          string
	Query         string
	Authorization string
}

// NewMockHTTPServer creates a new mock HTTP server
func NewMockHTTPServer() *MockHTTPServer {
	ms := &MockHTTPServer{
		Responses: make(map[string]MockResponse),
		Handlers:  make(map[string]http.HandlerFunc),
	}

	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		ms.requests = append(ms.requests, RecordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
		})
		h, hasHandler := ms.Handlers[r.URL.Path]
		key := r.URL.Path
		if r.URL.RawQuery != "" {
			key += "?" + r.URL.RawQuery
		}
		resp, ok := ms.Responses[key]
		if !ok {
			// Try without query parameters
			resp, ok = ms.Responses[r.URL.Path]
		}
		ms.mu.Unlock()

		if hasHandler {
			h(w, r)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprintf(w, `{"error":"no mock response configured for %s"}`, key)
			return
		}

		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = fmt.Fprint(w, resp.Body)
	}))

	return ms
}

// AddResponse adds a canned response for a specific path
func (ms *MockHTTPServer) AddResponse(path string, response MockResponse) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.Responses[path] = response
}

// AddJSONResponse adds a JSON response for a specific path
func (ms *MockHTTPServer) AddJSONResponse(path string, statusCode int, body string) {
	ms.AddResponse(path, MockResponse{
		StatusCode: statusCode,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	})
}

// Handle routes path to h, taking precedence over canned responses.
func (ms *MockHTTPServer) Handle(path string, h http.HandlerFunc) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.Handlers[path] = h
}

// Requests returns a copy of the requests seen so far.
func (ms *MockHTTPServer) Requests() []RecordedRequest {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]RecordedRequest(nil), ms.requests...)
}

// CountPath returns how many requests hit path.
func (ms *MockHTTPServer) CountPath(path string) int {
	n := 0
	for _, r := range ms.Requests() {
		if r.Path == path {
			n++
		}
	}
	return n
}

// WriteConfig writes a minimal valid YAML config pointing at baseURL, plus
// any extra YAML appended verbatim, and loads it.
func WriteConfig(t *testing.T, baseURL string, extra string) *config.Config {
	t.Helper()
	root := t.TempDir()
	data := filepath.Join(root, "data")
	dl := filepath.Join(root, "downloads")
	yml := strings.Join([]string{
		"version: 1",
		"general:",
		"  data_root: " + data,
		"  download_root: " + dl,
		"api:",
		"  base_url: " + baseURL,
		"network:",
		"  timeout_seconds: 5",
		"logging:",
		"  level: error",
	}, "\n") + "\n" + extra
	p := filepath.Join(root, "config.yml")
	if err := os.WriteFile(p, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(p)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

// OpenStore opens the state database for cfg and closes it when the test ends.
func OpenStore(t *testing.T, cfg *config.Config) *state.DB {
	t.Helper()
	db, err := state.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return db
}

// DocumentJSON renders a document payload as the API would send it.
func DocumentJSON(id int64, title string, updated time.Time) string {
	return fmt.Sprintf(`{"id":%d,"title":%q,"summary":"","location":"","updated_at":%q,"document":{"file_name":"doc-%d.pdf","mime_type":"application/pdf","category":"manual"}}`,
		id, title, updated.UTC().Format(time.RFC3339), id)
}

// PageJSON wraps items into a page envelope. An empty next renders null.
func PageJSON(page, pageSize int, total int64, next string, items ...string) string {
	nc := "null"
	if next != "" {
		nc = fmt.Sprintf("%q", next)
	}
	return fmt.Sprintf(`{"items":[%s],"page":%d,"page_size":%d,"total":%d,"next_cursor":%s}`,
		strings.Join(items, ","), page, pageSize, total, nc)
}

// TokenJSON renders a login/refresh response.
func TokenJSON(access, refresh string, expiresIn int, userID string) string {
	return fmt.Sprintf(`{"access_token":%q,"refresh_token":%q,"token_type":"Bearer","expires_in":%d,"user_id":%q}`,
		access, refresh, expiresIn, userID)
}
