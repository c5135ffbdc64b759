// Package sweeper runs the periodic claims cleanup and rate-limit pruning.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"coursegate.org/internal/auth"
)

// ClaimsCleaner refreshes claims that have not been touched for maxAge.
type ClaimsCleaner interface {
	CleanupExpiredClaims(ctx context.Context, maxAge time.Duration) (auth.CleanupResult, error)
}

// Purger drops rate-limit state older than cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Report summarizes one pass.
type Report struct {
	Claims auth.CleanupResult
	Purged int64
}

// Sweeper runs cleanup passes.
type Sweeper struct {
	claims  ClaimsCleaner
	purger  Purger
	maxAge  time.Duration
	rateTTL time.Duration
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// Option configures Sweeper.
type Option func(*Sweeper)

// WithPurger prunes rate-limit windows older than ttl on every pass.
func WithPurger(p Purger, ttl time.Duration) Option {
	return func(s *Sweeper) {
		s.purger = p
		if ttl > 0 {
			s.rateTTL = ttl
		}
	}
}

// WithLogger sets the pass logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// WithTimeout bounds each scheduled pass.
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Sweeper) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New constructs a Sweeper refreshing claims older than maxAge.
func New(claims ClaimsCleaner, maxAge time.Duration, opts ...Option) (*Sweeper, error) {
	if claims == nil {
		return nil, errors.New("sweeper: claims cleaner is required")
	}
	s := &Sweeper{
		claims:  claims,
		maxAge:  maxAge,
		rateTTL: 24 * time.Hour,
		timeout: 5 * time.Minute,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run performs a single pass. A purge failure does not hide the claims result.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	var rep Report
	res, err := s.claims.CleanupExpiredClaims(ctx, s.maxAge)
	if err != nil {
		return rep, fmt.Errorf("cleanup claims: %w", err)
	}
	rep.Claims = res
	if s.purger != nil {
		n, err := s.purger.Purge(ctx, s.now().Add(-s.rateTTL))
		if err != nil {
			return rep, fmt.Errorf("purge rate limits: %w", err)
		}
		rep.Purged = n
	}
	return rep, nil
}

// Schedule registers Run on the cron expression expr and returns the unstarted scheduler.
func (s *Sweeper) Schedule(ctx context.Context, expr string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(expr, func() {
		passCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		s.pass(passCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", expr, err)
	}
	return c, nil
}

func (s *Sweeper) pass(ctx context.Context) {
	start := s.now()
	rep, err := s.Run(ctx)
	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Error().Err(err)
	}
	ev.Int("processed", rep.Claims.Processed).
		Int("updated", rep.Claims.Updated).
		Int("errors", rep.Claims.Errors).
		Int64("purged", rep.Purged).
		Dur("elapsed", s.now().Sub(start)).
		Msg("sweep complete")
}
