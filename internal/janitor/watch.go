package janitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
)

// Watch clears the downloaded flag of records whose promoted file is
// removed or renamed away from the download root. ready, when non-nil, is
// closed once the watch is established. Watch returns when ctx is done.
func (j *Janitor) Watch(ctx context.Context, ready chan<- struct{}) error {
	if err := os.MkdirAll(j.root, 0o755); err != nil {
		return apperrors.PathError(j.root, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return apperrors.Wrap(apperrors.Unexpected, "janitor.watch", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(j.root); err != nil {
		return apperrors.PathError(j.root, err)
	}
	if ready != nil {
		close(ready)
	}
	j.log.Infof("watching %s", j.root)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if j.staged(ev.Name) {
				continue
			}
			cleared, err := j.store.ClearLocalPath(ctx, filepath.Clean(ev.Name))
			if err != nil {
				j.log.Warnf("clear %s: %v", ev.Name, err)
				continue
			}
			for _, r := range cleared {
				j.log.Infof("%s: content file removed, no longer downloaded", r.Key())
			}
			j.metrics.JanitorRemoved("missing_file", len(cleared))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			j.log.Warnf("watch: %v", err)
		}
	}
}

func (j *Janitor) staged(name string) bool {
	if j.partsRoot == "" {
		return false
	}
	rel, err := filepath.Rel(j.partsRoot, name)
	return err == nil && !strings.HasPrefix(rel, "..")
}
