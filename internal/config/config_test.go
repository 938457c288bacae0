package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, lines ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(p, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_AppliesDefaults(t *testing.T) {
	p := writeConfig(t,
		"version: 1",
		"general:",
		"  data_root: /tmp/ms/data",
		"  download_root: /tmp/ms/dl",
		"api:",
		"  base_url: https://api.example.com",
	)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if c.API.PageSize != DefaultPageSize {
		t.Errorf("page_size = %d, want %d", c.API.PageSize, DefaultPageSize)
	}
	if c.Cache.AssetTTL.Std() != 5*time.Minute {
		t.Errorf("asset_ttl = %v", c.Cache.AssetTTL.Std())
	}
	if c.Cache.DocumentTTL.Std() != 24*time.Hour {
		t.Errorf("document_ttl = %v", c.Cache.DocumentTTL.Std())
	}
	if c.General.PartialsRoot != filepath.Join("/tmp/ms/dl", ".parts") {
		t.Errorf("partials_root = %q", c.General.PartialsRoot)
	}
	if len(c.API.PublicEndpoints) != 3 {
		t.Errorf("public endpoints = %v", c.API.PublicEndpoints)
	}
	if !c.PersistSession() {
		t.Error("persist_session should default to true")
	}
	if c.Timeout() != 30*time.Second {
		t.Errorf("timeout = %v", c.Timeout())
	}
}

func TestLoad_ParsesDurationsAndEnv(t *testing.T) {
	t.Setenv("MS_API", "http://127.0.0.1:9000")
	p := writeConfig(t,
		"version: 1",
		"general:",
		"  data_root: /tmp/ms/data",
		"  download_root: /tmp/ms/dl",
		"api:",
		"  base_url: ${MS_API}",
		"cache:",
		"  asset_ttl: 90s",
		"  keep_count: 10",
		"auth:",
		"  persist_session: false",
	)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.API.BaseURL != "http://127.0.0.1:9000" {
		t.Errorf("base_url = %q", c.API.BaseURL)
	}
	if c.Cache.AssetTTL.Std() != 90*time.Second {
		t.Errorf("asset_ttl = %v", c.Cache.AssetTTL.Std())
	}
	if c.Cache.KeepCount != 10 {
		t.Errorf("keep_count = %d", c.Cache.KeepCount)
	}
	if c.PersistSession() {
		t.Error("persist_session false ignored")
	}
}

func TestLoad_Invalid(t *testing.T) {
	base := []string{
		"general:",
		"  data_root: /tmp/d",
		"  download_root: /tmp/dl",
	}
	tests := []struct {
		name  string
		extra []string
	}{
		{"bad version", []string{"version: 2", "api:", "  base_url: https://x.example"}},
		{"missing base url", []string{"version: 1"}},
		{"bad scheme", []string{"version: 1", "api:", "  base_url: ftp://x.example"}},
		{"bad duration", []string{"version: 1", "api:", "  base_url: https://x.example", "cache:", "  page_ttl: soon"}},
		{"bad level", []string{"version: 1", "api:", "  base_url: https://x.example", "logging:", "  level: loud"}},
		{"page size", []string{"version: 1", "api:", "  base_url: https://x.example", "  page_size: 500"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeConfig(t, append(append([]string{}, base...), tt.extra...)...)
			if _, err := Load(p); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDefaultPath_Env(t *testing.T) {
	t.Setenv("MAINTSYNC_CONFIG", "/etc/maintsync.yml")
	if got := DefaultPath(); got != "/etc/maintsync.yml" {
		t.Fatalf("DefaultPath = %q", got)
	}
}
