package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jxwalker/maintsync/internal/testutil"
)

// run executes the root command with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

type cli struct {
	ms     *testutil.MockHTTPServer
	cfg    string
	status atomic.Int32
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	c := &cli{ms: testutil.NewMockHTTPServer()}
	t.Cleanup(c.ms.Close)
	c.status.Store(200)
	updated := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	body := testutil.PageJSON(1, 20, 2, "",
		testutil.DocumentJSON(1, "Pump manual", updated),
		testutil.DocumentJSON(2, "Valve datasheet", updated.Add(-time.Hour)))
	c.ms.AddJSONResponse("/api/v1/auth/login", 200, testutil.TokenJSON("tok", "r1", 3600, "7"))
	serve := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if code := int(c.status.Load()); code != 200 {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":"unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(body))
	}
	c.ms.Handle("/api/v1/documents", serve)
	c.ms.Handle("/api/v1/documents/search", serve)

	cfg := testutil.WriteConfig(t, c.ms.URL, "")
	c.cfg = filepath.Join(filepath.Dir(cfg.General.DataRoot), "config.yml")
	return c
}

func (c *cli) run(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, append([]string{"--config", c.cfg}, args...)...)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out
}

func TestLoginPersistsSession(t *testing.T) {
	c := newCLI(t)
	if out := c.run(t, "login", "--user", "tech", "--password", "pw"); !strings.Contains(out, "signed in as 7") {
		t.Fatalf("login output %q", out)
	}
	if out := c.run(t, "whoami"); !strings.Contains(out, "7") {
		t.Fatalf("whoami output %q", out)
	}
	c.run(t, "logout")
	if _, err := run(t, "--config", c.cfg, "download", "document", "1"); err == nil {
		t.Fatal("download without a session succeeded")
	}
}

func TestListThenOfflineSearch(t *testing.T) {
	c := newCLI(t)
	c.run(t, "login", "--user", "tech", "--password", "pw")

	var page struct {
		Items []struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
		} `json:"items"`
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal([]byte(c.run(t, "--json", "list", "documents")), &page); err != nil {
		t.Fatal(err)
	}
	if page.Origin != "remote" || len(page.Items) != 2 || page.Items[0].Title != "Pump manual" {
		t.Fatalf("page = %+v", page)
	}

	c.status.Store(503)
	out := c.run(t, "search", "documents", "pump")
	if !strings.Contains(out, "Pump manual") || strings.Contains(out, "Valve") {
		t.Fatalf("offline search output:\n%s", out)
	}
	if !strings.Contains(out, "offline copy") {
		t.Fatalf("offline search not marked degraded:\n%s", out)
	}

	c.run(t, "favorite", "documents", "2")
	out = c.run(t, "list", "documents", "--favorites")
	if !strings.Contains(out, "Valve datasheet") || strings.Contains(out, "Pump manual") {
		t.Fatalf("favorites output:\n%s", out)
	}

	out = c.run(t, "history")
	if !strings.Contains(out, `"pump"`) || !strings.Contains(out, "[offline]") {
		t.Fatalf("history output:\n%s", out)
	}
}

func TestUnknownKind(t *testing.T) {
	c := newCLI(t)
	if _, err := run(t, "--config", c.cfg, "list", "widgets"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRenderBar(t *testing.T) {
	cases := map[int]string{
		0:   "[>         ]",
		50:  "[=====>    ]",
		100: "[==========]",
		140: "[==========]",
	}
	for pct, want := range cases {
		if got := renderBar(pct, 10); got != want {
			t.Errorf("renderBar(%d) = %q, want %q", pct, got, want)
		}
	}
}
