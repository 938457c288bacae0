package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/model"
	"github.com/jxwalker/maintsync/internal/pipeline"
	"github.com/jxwalker/maintsync/internal/remote"
	"github.com/jxwalker/maintsync/internal/system"
	"github.com/jxwalker/maintsync/internal/util"
)

// persist progress at least this often when the total is unknown
const progressStep = 4 << 20

// failure carries the task reason alongside the underlying error.
type failure struct {
	reason string
	err    error
}

func (f *failure) Error() string { return f.reason + ": " + f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func fail(reason string, err error) error { return &failure{reason: reason, err: err} }

func (m *Manager) run(ctx context.Context, j *job, t model.DownloadTask, rec model.Record) {
	t, err := m.transfer(ctx, j, t, rec)
	if err == nil {
		return
	}
	if apperrors.Is(err, apperrors.Conflict) {
		// made terminal elsewhere, e.g. cancelled from another process
		m.settled(t.ID)
		return
	}
	reason := model.ReasonIO
	var f *failure
	if errors.As(err, &f) {
		reason = f.reason
	}
	if ctx.Err() != nil {
		if m.base.Err() == nil {
			// Cancel already recorded the outcome
			m.removePartial(t.ID)
			return
		}
		reason = model.ReasonInterrupted
	}
	m.log.Warnf("task %s: %v", t.ID, err)
	t.Status = model.TaskFailed
	t.Reason = reason
	t.LocalPath = ""
	t.UpdatedTime = m.now()
	if uerr := m.store.UpdateTask(context.WithoutCancel(ctx), t); uerr != nil {
		m.log.Debugf("task %s: %v", t.ID, uerr)
		m.settled(t.ID)
		return
	}
	m.removePartial(t.ID)
	m.metrics.DownloadFinished(string(model.TaskFailed))
	m.publish(t.Update())
}

// settled is the exit path for a worker whose task was finished by someone
// else: it drops the partial and hands observers the stored outcome.
func (m *Manager) settled(taskID string) {
	m.removePartial(taskID)
	stored, ok, err := m.store.GetTask(context.Background(), taskID)
	if err != nil || !ok {
		m.log.Warnf("task %s: reread after conflict: %v", taskID, err)
		return
	}
	m.log.Infof("task %s: already %s (%s), worker stopped", taskID, stored.Status, stored.Reason)
	m.publish(stored.Update())
}

// transfer streams the content into a staged partial, verifies it and
// promotes it. The returned task carries the last persisted progress.
func (m *Manager) transfer(ctx context.Context, j *job, t model.DownloadTask, rec model.Record) (model.DownloadTask, error) {
	st, err := pipeline.Stream(ctx, m.pipe, remote.EndpointContent, func(ctx context.Context) (*remote.Stream, error) {
		return m.src.OpenDownloadStream(ctx, t.SourceKind, t.SourceID)
	})
	if err != nil {
		return t, fail(model.ReasonNetwork, err)
	}
	defer func() { _ = st.Body.Close() }()

	t.Status = model.TaskDownloading
	t.UpdatedTime = m.now()
	if err := m.store.UpdateTask(ctx, t); err != nil {
		return t, err
	}
	m.publish(t.Update())

	t.TotalSize = st.Size
	if st.Size != nil && *st.Size > 0 {
		need := uint64(*st.Size)
		if err := system.EnsureSpace(m.partsRoot, need); err != nil {
			return t, fail(model.ReasonInsufficientSpace, err)
		}
		if err := system.EnsureSpace(m.downloadRoot, need); err != nil {
			return t, fail(model.ReasonInsufficientSpace, err)
		}
	}
	if err := os.MkdirAll(m.partsRoot, 0o755); err != nil {
		return t, fail(model.ReasonIO, apperrors.PathError(m.partsRoot, err))
	}
	part := m.partPath(t.ID)
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return t, fail(model.ReasonIO, apperrors.PathError(part, err))
	}
	h := sha256.New()
	t, err = m.copy(ctx, t, f, h, st.Body)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fail(model.ReasonIO, cerr)
	}
	if err != nil {
		return t, err
	}
	if t.TotalSize != nil && t.DownloadedSize != *t.TotalSize {
		return t, fail(model.ReasonNetwork, fmt.Errorf("short body: got %d of %d bytes", t.DownloadedSize, *t.TotalSize))
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if st.SHA256 != "" && !util.EqualSHA(st.SHA256, sum) {
		return t, fail(model.ReasonChecksumMismatch, fmt.Errorf("sha256 mismatch: expected=%s actual=%s", st.SHA256, sum))
	}
	t.SHA256 = sum
	return m.promote(ctx, j, t, rec, part, st.FileName)
}

func (m *Manager) copy(ctx context.Context, t model.DownloadTask, w io.Writer, h hash.Hash, r io.Reader) (model.DownloadTask, error) {
	buf := make([]byte, 32<<10)
	var lastSaved int64
	for {
		if err := ctx.Err(); err != nil {
			return t, fail(model.ReasonCancelled, err)
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return t, fail(model.ReasonIO, err)
			}
			_, _ = h.Write(buf[:n])
			t.DownloadedSize += int64(n)
			m.metrics.AddBytes(int64(n))
			p := model.PercentOf(t.DownloadedSize, t.TotalSize)
			if p > t.Progress || (t.TotalSize == nil && t.DownloadedSize-lastSaved >= progressStep) {
				t.Progress = max(t.Progress, p)
				t.UpdatedTime = m.now()
				if err := m.store.UpdateTask(ctx, t); err != nil {
					return t, err
				}
				lastSaved = t.DownloadedSize
				m.publish(t.Update())
			}
		}
		if errors.Is(rerr, io.EOF) {
			return t, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return t, fail(model.ReasonCancelled, ctx.Err())
			}
			return t, fail(model.ReasonNetwork, apperrors.FromTransport("download.read", rerr))
		}
	}
}

// promote claims completion and reveals the staged file in one store
// transaction, so a task cancelled anywhere, in this process or another,
// never leaves a promoted file or a downloaded flag behind. The job lock
// makes an in-process Cancel either win entirely or not at all.
func (m *Manager) promote(ctx context.Context, j *job, t model.DownloadTask, rec model.Record, part, serverName string) (model.DownloadTask, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return t, fail(model.ReasonCancelled, err)
	}
	if err := os.MkdirAll(m.downloadRoot, 0o755); err != nil {
		return t, fail(model.ReasonIO, apperrors.PathError(m.downloadRoot, err))
	}
	name, hint := fileNameFor(rec, serverName)
	dest, err := util.UniquePath(m.downloadRoot, name, hint)
	if err != nil {
		return t, fail(model.ReasonIO, err)
	}

	t.Status = model.TaskCompleted
	t.Progress = 100
	t.Reason = ""
	t.LocalPath = dest
	t.UpdatedTime = m.now()
	var previous string
	revealed := false
	_, err = m.store.CompleteTask(context.WithoutCancel(ctx), t, func(local *model.Record) (model.Record, error) {
		next := rec.Clone()
		if local != nil {
			next = local.Clone()
		}
		previous = next.Local.LocalPath
		next.Local.Downloaded = true
		next.Local.LocalPath = dest
		return next, nil
	}, func() error {
		if err := util.RenameOrCopy(part, dest); err != nil {
			return fail(model.ReasonIO, apperrors.PathError(dest, err))
		}
		revealed = true
		return nil
	})
	if err != nil {
		if revealed {
			// the commit failed after the rename
			_ = os.Remove(dest)
		}
		t.Status = model.TaskDownloading
		t.LocalPath = ""
		return t, err
	}
	if err := util.FsyncDir(m.downloadRoot); err != nil {
		m.log.Debugf("fsync %s: %v", m.downloadRoot, err)
	}
	j.finished = true
	if previous != "" && previous != dest {
		if err := os.Remove(previous); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.Warnf("remove superseded %s: %v", previous, err)
		}
	}
	m.metrics.DownloadFinished(string(model.TaskCompleted))
	m.publish(t.Update())
	m.log.Infof("task %s: saved %s (%s)", t.ID, dest, humanize.Bytes(uint64(t.DownloadedSize)))
	return t, nil
}

// fileNameFor prefers the server-announced name, then the document's file
// name, then "<kind>-<id>". The revision disambiguates clashes.
func fileNameFor(rec model.Record, serverName string) (name, hint string) {
	fallback := fmt.Sprintf("%s-%d", rec.Kind, rec.ID)
	candidate := serverName
	if rec.Document != nil {
		if candidate == "" {
			candidate = rec.Document.FileName
		}
		hint = rec.Document.Revision
	}
	name = util.SafeFileName(filepath.Base(candidate), fallback)
	return name, hint
}
