package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSafeFileName(t *testing.T) {
	cases := map[string]string{
		"pump manual.pdf":      "pump-manual.pdf",
		"../../etc/passwd":     "passwd",
		"foo\\bar.txt":         "bar.txt",
		"  spaced name  ":      "spaced-name",
		"report?rev=3&x=1.pdf": "report-rev-3-x-1.pdf",
		"":                     "download",
		"***":                  "download",
	}
	for in, want := range cases {
		if got := SafeFileName(in, ""); got != want {
			t.Errorf("SafeFileName(%q)=%q want %q", in, got, want)
		}
	}
	if got := SafeFileName("", "document-9"); got != "document-9" {
		t.Errorf("fallback not used: %q", got)
	}
}

func TestUniquePath(t *testing.T) {
	d := t.TempDir()
	p1, err := UniquePath(d, "manual.pdf", "")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p1) != "manual.pdf" {
		t.Fatalf("got %s", filepath.Base(p1))
	}
	if err := os.WriteFile(p1, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	p2, err := UniquePath(d, "manual.pdf", "rev B")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p2) != "manual (rev-B).pdf" {
		t.Fatalf("unexpected p2: %s", filepath.Base(p2))
	}
	if err := os.WriteFile(p2, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	p3, err := UniquePath(d, "manual.pdf", "rev B")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p3) != "manual (2).pdf" {
		t.Fatalf("unexpected p3: %s", filepath.Base(p3))
	}
}

func TestRenameOrCopy(t *testing.T) {
	d := t.TempDir()
	src := filepath.Join(d, "a.part")
	dst := filepath.Join(d, "a.pdf")
	if err := os.WriteFile(src, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RenameOrCopy(src, dst); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source still present: %v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "content" {
		t.Fatalf("dst = %q, %v", b, err)
	}
}

func TestHashFileSHA256(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(p, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := HashFileSHA256(p)
	if err != nil {
		t.Fatal(err)
	}
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("got %s", got)
	}
}
