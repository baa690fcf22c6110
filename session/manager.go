// Package session owns the cart session lifecycle: creation, resumption by
// token, sliding expiry and explicit deactivation. It is the only writer of
// session state transitions.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/feastly/cartsync/cart"
	"github.com/feastly/cartsync/store"
	"github.com/google/uuid"
)

// Manager implements create-or-resume semantics over a session store.
type Manager struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the sliding expiry window (default cart.DefaultTTL).
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store: st,
		ttl:   cart.DefaultTTL,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL reports the sliding expiry window in effect.
func (m *Manager) TTL() time.Duration { return m.ttl }

// CreateOrResume returns the active session identified by token after
// sliding its expiry, or a brand-new session when the token is empty,
// unknown, expired or deactivated. A stale token is never an error: guest
// carts must not hard-fail on stale local storage.
func (m *Manager) CreateOrResume(ctx context.Context, token string) (*cart.Session, error) {
	if token != "" {
		sess, err := m.store.GetSessionByToken(ctx, token)
		switch {
		case err == nil && sess.Resumable(m.now()):
			if err := m.Touch(ctx, sess.ID); err != nil {
				return nil, err
			}
			now := m.now()
			sess.LastActivityAt = now
			sess.ExpiresAt = now.Add(m.ttl)
			m.log.DebugContext(ctx, "resumed cart session", slog.String("session_id", sess.ID))
			return sess, nil
		case err == nil:
			// Expired or deactivated; fall through to creation.
		case errors.Is(err, store.ErrSessionNotFound):
			// Unknown token; fall through to creation.
		default:
			return nil, fmt.Errorf("resume session: %w", err)
		}
	}
	return m.create(ctx)
}

// Touch slides the session's expiry window out to now+TTL. Called by every
// successful mutation.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	now := m.now()
	if err := m.store.TouchSession(ctx, sessionID, now, now.Add(m.ttl)); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Expire marks the session inactive, e.g. on checkout submission.
// Idempotent: expiring an already-inactive or missing session is a no-op.
func (m *Manager) Expire(ctx context.Context, sessionID string) error {
	if err := m.store.DeactivateSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("expire session: %w", err)
	}
	return nil
}

func (m *Manager) create(ctx context.Context) (*cart.Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	sess := &cart.Session{
		ID:             uuid.NewString(),
		Token:          token,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.ttl),
		Active:         true,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.log.InfoContext(ctx, "created cart session", slog.String("session_id", sess.ID))
	return sess, nil
}

// newToken returns 128 bits from crypto/rand, hex encoded. The token is a
// bearer credential and is never derived from user-controllable input.
func newToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
