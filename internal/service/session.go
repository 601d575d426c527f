package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"transit_fetcher/internal/domain"
)

// SessionManager hands out the access token for a capture day. The login
// response is persisted as an artifact so later runs on the same day reuse
// it until it expires.
type SessionManager struct {
	auth   Authenticator
	store  Gateway
	creds  domain.Credentials
	group  singleflight.Group
	now    func() time.Time
	logger *slog.Logger
}

func NewSessionManager(auth Authenticator, store Gateway, creds domain.Credentials, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		auth:   auth,
		store:  store,
		creds:  creds,
		now:    time.Now,
		logger: logger,
	}
}

// Token returns a usable token for the capture day, logging in when no login
// artifact exists or the cached one has expired. Concurrent callers in this
// process share a single login per day.
func (m *SessionManager) Token(ctx context.Context, capture domain.Capture) (domain.Token, error) {
	key := capture.LoginKey()

	// The shared login outlives any single caller; each caller stops waiting
	// on its own context.
	ch := m.group.DoChan(key, func() (any, error) {
		return m.token(context.WithoutCancel(ctx), key)
	})

	select {
	case <-ctx.Done():
		return domain.Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Token{}, res.Err
		}
		return res.Val.(domain.Token), nil
	}
}

func (m *SessionManager) token(ctx context.Context, key string) (domain.Token, error) {
	body, found, err := m.store.Read(ctx, key)
	if err != nil {
		return domain.Token{}, fmt.Errorf("read login artifact: %w", err)
	}
	if !found {
		m.logger.Debug("no login artifact for today, logging in", "key", key)
		return m.login(ctx, key)
	}

	token, err := m.auth.DecodeLogin(body)
	if err != nil {
		m.logger.Warn("cached login artifact unreadable, logging in again", "key", key, "error", err)
		return m.login(ctx, key)
	}

	// The upstream sometimes omits the expiry; a fresh login is the fix.
	if token.ExpiresAt.IsZero() {
		m.logger.Error("login artifact has no token expiration, logging in again", "key", key)
		return m.login(ctx, key)
	}

	if !token.Valid(m.now()) {
		m.logger.Info("token expired, renewing", "expired_at", token.ExpiresAt)
		return m.login(ctx, key)
	}

	return token, nil
}

func (m *SessionManager) login(ctx context.Context, key string) (domain.Token, error) {
	token, body, err := m.auth.Login(ctx, m.creds)
	if err != nil {
		return domain.Token{}, fmt.Errorf("login: %w", err)
	}

	// A token that could not be cached is still good for this run.
	if err := m.store.WriteMany(ctx, map[string][]byte{key: body}); err != nil {
		m.logger.Error("failed to persist login artifact", "key", key, "error", err)
	}

	m.logger.Info("logged in", "mode", m.creds.Mode(), "expires_at", token.ExpiresAt)
	return token, nil
}
