// Package bootstrap assembles stores and managers from Config for the
// service binaries.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"coursegate.org/internal/audit"
	"coursegate.org/internal/auth"
	"coursegate.org/internal/config"
	"coursegate.org/internal/ratelimit"
	"coursegate.org/internal/store/memory"
	"coursegate.org/internal/store/pg"
)

type backingStore interface {
	auth.IdentityStore
	auth.UserStore
	auth.AuditStore
}

// Services is the assembled service graph.
type Services struct {
	DB         *sql.DB
	Identities auth.IdentityStore
	Audit      *audit.Logger
	Claims     *auth.ClaimsManager
	Roles      *auth.RoleManager
	Limiter    ratelimit.Store
	// Purger is set when the rate limiter keeps rows that need periodic pruning.
	Purger *ratelimit.Postgres

	closers []func() error
}

// Open builds Services for cfg.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Services, error) {
	svc := &Services{}
	var store backingStore
	switch cfg.StoreBackend {
	case config.BackendMemory:
		store = memory.New()
	default:
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		svc.DB = pgStore.DB()
		svc.closers = append(svc.closers, pgStore.Close)
		store = pgStore
	}

	limiter, err := svc.openLimiter(ctx, cfg)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}
	svc.Limiter = limiter

	svc.Identities = store
	svc.Audit = audit.NewLogger(store)
	opts := []auth.Option{auth.WithLogger(logger), auth.WithAuditSink(svc.Audit)}
	svc.Claims, err = auth.NewClaimsManager(store, store, opts...)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}
	svc.Roles, err = auth.NewRoleManager(store, store, svc.Claims, opts...)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}

func (s *Services) openLimiter(ctx context.Context, cfg config.Config) (ratelimit.Store, error) {
	switch cfg.RateLimitBackend {
	case config.BackendMemory:
		return ratelimit.NewMemory(), nil
	case config.BackendRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opt)
		s.closers = append(s.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return ratelimit.NewRedis(client, cfg.RateLimitPrefix), nil
	default:
		db := s.DB
		if db == nil {
			pgStore, err := pg.Open(cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("open postgres: %w", err)
			}
			db = pgStore.DB()
			s.DB = db
			s.closers = append(s.closers, pgStore.Close)
		}
		s.Purger = ratelimit.NewPostgres(db)
		return s.Purger, nil
	}
}

// EnsureAdmin makes uid an unscoped admin, creating its identity if needed.
func (s *Services) EnsureAdmin(ctx context.Context, uid string) error {
	if uid == "" {
		return nil
	}
	_, err := s.Identities.GetUser(ctx, uid)
	if errors.Is(err, auth.ErrNotFound) {
		err = s.Identities.CreateUser(ctx, &auth.Identity{UID: uid, EmailVerified: true})
		if errors.Is(err, auth.ErrConflict) {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("bootstrap identity %s: %w", uid, err)
	}
	if role, ok := s.Roles.GetUserRole(ctx, uid); ok && role == auth.RoleAdmin {
		return nil
	}
	return s.Roles.SetUserRole(ctx, uid, auth.RoleAdmin, auth.Scope{}, "")
}

// Close releases every opened connection.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
