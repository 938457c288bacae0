package syncer

import (
	"context"
	"errors"
	"os"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/model"
	"github.com/jxwalker/maintsync/internal/state"
)

// testHookToggleRead runs after ToggleLocalFlag has read the stored record
// and before it writes the change back.
var testHookToggleRead func(attempt int)

// ToggleLocalFlag sets a device-owned field on a stored record. Marking a
// record downloaded only happens through a completed download; clearing it
// removes the promoted file.
func (c *Coordinator) ToggleLocalFlag(ctx context.Context, kind model.Kind, id int64, flag model.LocalFlag, on bool) (model.Record, error) {
	const op = "toggle_local_flag"
	var removePath string
	attempt := 0
	apply := func(local *model.Record) (model.Record, error) {
		attempt++
		if testHookToggleRead != nil {
			testHookToggleRead(attempt)
		}
		if local == nil {
			return model.Record{}, apperrors.New(apperrors.NotFound, op, "record is not cached locally")
		}
		next := local.Clone()
		switch flag {
		case model.FlagFavorite:
			next.Local.Favorite = on
		case model.FlagDownloaded:
			if on {
				return model.Record{}, apperrors.New(apperrors.Conflict, op, "use download to fetch content")
			}
			removePath = next.Local.LocalPath
			next.Local.Downloaded = false
			next.Local.LocalPath = ""
		default:
			return model.Record{}, apperrors.New(apperrors.Unexpected, op, "unknown flag "+string(flag))
		}
		return next, nil
	}
	r, err := c.store.ApplyRecord(ctx, kind, id, apply)
	if errors.Is(err, state.ErrStaleWrite) {
		// another writer refreshed the row between read and write
		r, err = c.store.ApplyRecord(ctx, kind, id, apply)
	}
	if errors.Is(err, state.ErrStaleWrite) {
		return model.Record{}, apperrors.Wrap(apperrors.Conflict, op, err)
	}
	if err != nil {
		return model.Record{}, err
	}
	if removePath != "" {
		if err := os.Remove(removePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warnf("remove %s: %v", removePath, err)
		}
	}
	return r, nil
}

// Forget deletes a record and its cache bookkeeping from this device.
func (c *Coordinator) Forget(ctx context.Context, kind model.Kind, id int64) (bool, error) {
	return c.store.DeleteRecord(ctx, kind, id)
}
