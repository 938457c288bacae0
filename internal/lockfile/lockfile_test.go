package lockfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
)

func TestAcquireRelease(t *testing.T) {
	p := ForDataRoot(t.TempDir())
	l, err := Acquire(p)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := Acquire(p); !apperrors.Is(err, apperrors.Conflict) {
		t.Fatalf("second acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("lock file still present: %v", err)
	}
	l2, err := Acquire(p)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = l2.Release()
}

func TestAcquireClearsStaleLock(t *testing.T) {
	p := filepath.Join(t.TempDir(), "data", Name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	// PIDs this large are never assigned
	if err := os.WriteFile(p, []byte(strconv.Itoa(1<<30)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := Acquire(p)
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	b, _ := os.ReadFile(p)
	if string(b) != strconv.Itoa(os.Getpid())+"\n" {
		t.Errorf("lock content %q", b)
	}
	_ = l.Release()
}

func TestAcquireRejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), Name)
	if err := os.WriteFile(p, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Acquire(p); err == nil {
		t.Fatal("expected an error for a corrupt lock file")
	}
}
