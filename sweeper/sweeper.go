// Package sweeper purges expired cart sessions and everything they own.
// It runs off the request path and is safe to run concurrently with itself,
// e.g. one instance per node in a horizontally scaled deployment.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/feastly/cartsync/store"
)

const (
	defaultInterval  = 15 * time.Minute
	defaultBatchSize = 500
)

type Sweeper struct {
	store    store.Store
	interval time.Duration
	batch    int
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval overrides the sweep cadence (default 15m).
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithBatchSize bounds how many sessions one pass inspects.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batch = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Sweeper) { s.log = log }
}

func New(st store.Store, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    st,
		interval: defaultInterval,
		batch:    defaultBatchSize,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on a fixed interval until ctx is cancelled. Pass failures are
// logged, never fatal to the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.WarnContext(ctx, "cart sweep finished with errors", slog.Any("error", err))
			}
		}
	}
}

// Sweep performs one pass: every session past its expiry is purged, line
// items and activities before the session record. A failure on one session
// never aborts the rest; errors are collected and returned joined.
func (s *Sweeper) Sweep(ctx context.Context) error {
	ids, err := s.store.ExpiredSessions(ctx, s.now(), s.batch)
	if err != nil {
		return fmt.Errorf("list expired sessions: %w", err)
	}

	var errs []error
	purged := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.store.PurgeSession(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("purge session %s: %w", id, err))
			continue
		}
		purged++
	}

	if purged > 0 {
		s.log.InfoContext(ctx, "purged expired cart sessions", slog.Int("count", purged))
	}
	return errors.Join(errs...)
}
