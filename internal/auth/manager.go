// Package auth holds the process-wide credential state. Reads are lock-free
// through an atomically swapped snapshot; renewal is single-flight.
package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/logging"
	"github.com/jxwalker/maintsync/internal/metrics"
	"github.com/jxwalker/maintsync/internal/model"
)

// TokenSource is the slice of the remote client the manager needs.
type TokenSource interface {
	Login(ctx context.Context, creds model.Credentials) (model.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (model.TokenPair, error)
}

// SessionStore persists the active session across restarts.
type SessionStore interface {
	SaveSession(ctx context.Context, s model.Session) error
	LoadSession(ctx context.Context) (model.Session, bool, error)
	ClearSession(ctx context.Context) error
}

// SignOutReason says why the session ended.
type SignOutReason string

const (
	ReasonLogout        SignOutReason = "logout"
	ReasonRenewalFailed SignOutReason = "renewal_failed"
)

type SignOutEvent struct {
	Reason SignOutReason
	Err    error
}

type Options struct {
	// Store is optional; nil keeps the session in memory only.
	Store   SessionStore
	Log     *logging.Logger
	Metrics *metrics.Manager
	// RenewTimeout bounds one refresh call independent of any waiting caller.
	RenewTimeout time.Duration
	Now          func() time.Time
}

type Manager struct {
	src     TokenSource
	store   SessionStore
	log     *logging.Logger
	metrics *metrics.Manager
	timeout time.Duration
	now     func() time.Time

	snap atomic.Pointer[model.Session]
	sf   singleflight.Group

	subMu sync.Mutex
	subs  map[int]chan SignOutEvent
	subID int
}

func NewManager(src TokenSource, opts Options) *Manager {
	m := &Manager{
		src:     src,
		store:   opts.Store,
		log:     opts.Log.With("component", "auth"),
		metrics: opts.Metrics,
		timeout: opts.RenewTimeout,
		now:     opts.Now,
		subs:    make(map[int]chan SignOutEvent),
	}
	if m.timeout <= 0 {
		m.timeout = 30 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Restore loads a persisted session, if any. It reports whether one was found.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	if m.store == nil {
		return false, nil
	}
	s, ok, err := m.store.LoadSession(ctx)
	if err != nil || !ok {
		return false, err
	}
	m.snap.Store(&s)
	m.log.Debugf("restored session for subject %q", s.Subject)
	return true, nil
}

// Snapshot returns the current session. ok is false while anonymous.
func (m *Manager) Snapshot() (model.Session, bool) {
	s := m.snap.Load()
	if s == nil {
		return model.Session{}, false
	}
	return *s, true
}

func (m *Manager) IsAuthenticated() bool { return m.snap.Load() != nil }

// CurrentUserID is the subject of the active session, "" when anonymous.
func (m *Manager) CurrentUserID() string {
	if s := m.snap.Load(); s != nil {
		return s.Subject
	}
	return ""
}

// AccessToken returns the current bearer value, "" when anonymous.
func (m *Manager) AccessToken() string {
	if s := m.snap.Load(); s != nil {
		return s.AccessToken
	}
	return ""
}

// ExpiresWithin reports whether the active token expires within skew.
func (m *Manager) ExpiresWithin(skew time.Duration) bool {
	s := m.snap.Load()
	return s != nil && s.ExpiresWithin(m.now(), skew)
}

// Login exchanges credentials and installs the resulting session.
func (m *Manager) Login(ctx context.Context, creds model.Credentials) (model.Session, error) {
	if creds.Username == "" || creds.Password == "" {
		return model.Session{}, apperrors.New(apperrors.Unauthenticated, "login", "username and password are required")
	}
	pair, err := m.src.Login(ctx, creds)
	if err != nil {
		return model.Session{}, err
	}
	s := m.sessionFrom(pair, nil)
	if err := m.install(ctx, s); err != nil {
		return model.Session{}, err
	}
	m.log.Infof("signed in as %q", s.Subject)
	return s, nil
}

// Logout clears the session locally and in the store.
func (m *Manager) Logout(ctx context.Context) error {
	had := m.snap.Swap(nil) != nil
	var err error
	if m.store != nil {
		err = m.store.ClearSession(ctx)
	}
	if had {
		m.notify(SignOutEvent{Reason: ReasonLogout})
	}
	return err
}

// Renew replaces the access token using the refresh token. stale is the
// token the caller saw rejected: if the active token already differs,
// another renewal won and its token is returned without a new refresh.
// Concurrent callers share one refresh call. When the server rejects the
// refresh the session is cleared and an Unauthenticated error returned.
func (m *Manager) Renew(ctx context.Context, stale string) (string, error) {
	ch := m.sf.DoChan("renew", func() (any, error) {
		cur := m.snap.Load()
		if cur == nil {
			return "", apperrors.New(apperrors.Unauthenticated, "renew", "not signed in")
		}
		if stale != "" && cur.AccessToken != stale {
			m.metrics.TokenRenewal("skipped")
			return cur.AccessToken, nil
		}
		if cur.RefreshToken == "" {
			m.signOut(ReasonRenewalFailed, errors.New("no refresh token"))
			return "", apperrors.New(apperrors.Unauthenticated, "renew", "session expired and cannot be renewed")
		}
		// the flight outlives any single waiter's cancellation
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		pair, err := m.src.Refresh(rctx, cur.RefreshToken)
		if err != nil {
			m.metrics.TokenRenewal("failure")
			if apperrors.IsRetryable(err) || apperrors.Is(err, apperrors.Cancelled) {
				m.log.Warnf("token renewal failed, keeping session: %v", err)
				return "", err
			}
			m.signOut(ReasonRenewalFailed, err)
			return "", &apperrors.Error{
				Kind:       apperrors.Unauthenticated,
				Op:         "renew",
				Message:    "session expired",
				Suggestion: "Sign in again: maintsync login",
				Err:        err,
			}
		}
		next := m.sessionFrom(pair, cur)
		if !m.snap.CompareAndSwap(cur, &next) {
			// logged out while refreshing
			return "", apperrors.New(apperrors.Unauthenticated, "renew", "signed out during renewal")
		}
		if m.store != nil {
			if err := m.store.SaveSession(rctx, next); err != nil {
				m.log.Errorf("persist renewed session: %v", err)
			}
		}
		m.metrics.TokenRenewal("success")
		m.log.Debugf("access token renewed, expires %s", next.ExpiresAt.Format(time.RFC3339))
		return next.AccessToken, nil
	})
	select {
	case <-ctx.Done():
		return "", apperrors.FromTransport("renew", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// sessionFrom builds a session from a token pair. On refresh, prev supplies
// the refresh token and subject when the server does not rotate them.
func (m *Manager) sessionFrom(p model.TokenPair, prev *model.Session) model.Session {
	s := model.Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		Subject:      p.UserID,
	}
	if s.TokenType == "" {
		s.TokenType = "Bearer"
	}
	sub, exp := tokenClaims(p.AccessToken)
	if p.ExpiresIn > 0 {
		s.ExpiresAt = m.now().Add(p.ExpiresIn).UTC()
	} else {
		s.ExpiresAt = exp
	}
	if s.Subject == "" {
		s.Subject = sub
	}
	if prev != nil {
		if s.RefreshToken == "" {
			s.RefreshToken = prev.RefreshToken
		}
		if s.Subject == "" {
			s.Subject = prev.Subject
		}
	}
	return s
}

func (m *Manager) install(ctx context.Context, s model.Session) error {
	m.snap.Store(&s)
	if m.store == nil {
		return nil
	}
	return m.store.SaveSession(ctx, s)
}

func (m *Manager) signOut(reason SignOutReason, cause error) {
	if m.snap.Swap(nil) == nil {
		return
	}
	if m.store != nil {
		if err := m.store.ClearSession(context.Background()); err != nil {
			m.log.Errorf("clear session: %v", err)
		}
	}
	m.log.Warnf("signed out (%s): %v", reason, cause)
	m.notify(SignOutEvent{Reason: reason, Err: cause})
}

// SignedOut subscribes to sign-out events. The returned func unsubscribes.
// Slow subscribers miss events rather than block the manager.
func (m *Manager) SignedOut() (<-chan SignOutEvent, func()) {
	ch := make(chan SignOutEvent, 1)
	m.subMu.Lock()
	id := m.subID
	m.subID++
	m.subs[id] = ch
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notify(ev SignOutEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
