// Package util holds small filesystem helpers shared by the downloader and
// the CLI.
package util

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// SafeFileName keeps [A-Za-z0-9._-] and the extension, collapsing every other
// run of runes into a single '-'. Empty results become fallback.
func SafeFileName(name, fallback string) string {
	if fallback == "" {
		fallback = "download"
	}
	name = filepath.Base(strings.TrimSpace(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return fallback
	}
	ext := cleanPart(filepath.Ext(name))
	if ext != "" {
		ext = "." + strings.TrimLeft(ext, ".")
	}
	base := cleanPart(strings.TrimSuffix(name, filepath.Ext(name)))
	if base == "" {
		base = fallback
	}
	return base + ext
}

func cleanPart(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range s {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
		if ok {
			b.WriteRune(r)
			prevDash = false
		} else if !prevDash {
			b.WriteByte('-')
			prevDash = true
		}
	}
	return strings.Trim(b.String(), "-.")
}

// UniquePath returns a path inside dir for base that does not exist yet. It
// tries base, then "name (<hint>).ext" when hint is set, then "name (2).ext",
// "name (3).ext" and so on.
func UniquePath(dir, base, hint string) (string, error) {
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	free := func(p string) (bool, error) {
		_, err := os.Lstat(p)
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	p := filepath.Join(dir, base)
	if ok, err := free(p); err != nil || ok {
		return p, err
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		cand := filepath.Join(dir, fmt.Sprintf("%s (%s)%s", name, cleanPart(hint), ext))
		if ok, err := free(cand); err != nil || ok {
			return cand, err
		}
	}
	for i := 2; ; i++ {
		cand := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", name, i, ext))
		if ok, err := free(cand); err != nil || ok {
			return cand, err
		}
	}
}

// RenameOrCopy moves src to dst, copying when they sit on different devices.
func RenameOrCopy(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = sf.Close() }()
	df, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(df, sf); err != nil {
		_ = df.Close()
		return err
	}
	if err := df.Sync(); err != nil {
		_ = df.Close()
		return err
	}
	return df.Close()
}

// FsyncDir flushes directory entries so a rename survives a crash.
func FsyncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = df.Close() }()
	return df.Sync()
}
