package state

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/model"
)

// SaveSession replaces the single persisted session row.
func (db *DB) SaveSession(ctx context.Context, s model.Session) error {
	if err := db.ready(); err != nil {
		return apperrors.Store("store.save_session", err)
	}
	_, err := db.SQL.ExecContext(ctx, `INSERT INTO session(id, access_token, refresh_token, token_type, expires_at, subject)
		VALUES(1,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET access_token=excluded.access_token, refresh_token=excluded.refresh_token,
			token_type=excluded.token_type, expires_at=excluded.expires_at, subject=excluded.subject`,
		s.AccessToken, s.RefreshToken, s.TokenType, toNanos(s.ExpiresAt), s.Subject)
	if err != nil {
		return apperrors.Store("store.save_session", err)
	}
	return nil
}

func (db *DB) LoadSession(ctx context.Context) (model.Session, bool, error) {
	if err := db.ready(); err != nil {
		return model.Session{}, false, apperrors.Store("store.load_session", err)
	}
	var (
		s   model.Session
		exp int64
	)
	err := db.SQL.QueryRowContext(ctx, `SELECT access_token, refresh_token, token_type, expires_at, subject FROM session WHERE id=1`).
		Scan(&s.AccessToken, &s.RefreshToken, &s.TokenType, &exp, &s.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, apperrors.Store("store.load_session", err)
	}
	s.ExpiresAt = fromNanos(exp)
	return s, true, nil
}

func (db *DB) ClearSession(ctx context.Context) error {
	if err := db.ready(); err != nil {
		return apperrors.Store("store.clear_session", err)
	}
	if _, err := db.SQL.ExecContext(ctx, `DELETE FROM session`); err != nil {
		return apperrors.Store("store.clear_session", err)
	}
	return nil
}
