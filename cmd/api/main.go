package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coursegate.org/internal/auth"
	"coursegate.org/internal/bootstrap"
	"coursegate.org/internal/config"
	"coursegate.org/internal/guard"
	"coursegate.org/internal/httpapi"
	"coursegate.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo("coursegate-api", version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open services")
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("close services")
		}
	}()
	if err := svc.EnsureAdmin(ctx, cfg.BootstrapAdmin); err != nil {
		log.Fatal().Err(err).Msg("bootstrap admin")
	}

	tokenOpts := []auth.TokenOption{
		auth.WithTokenIssuer(cfg.TokenIssuer),
		auth.WithTokenTTL(cfg.TokenTTL),
	}
	if cfg.TokenPrivateKey != "" {
		tokenOpts = append(tokenOpts, auth.WithRS256Keys(cfg.TokenPrivateKey, cfg.TokenPublicKey))
	}
	if cfg.TokenKeyID != "" {
		tokenOpts = append(tokenOpts, auth.WithKeyID(cfg.TokenKeyID))
	}
	tokens, err := auth.NewTokenIssuer(cfg.TokenSecret, tokenOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("token issuer")
	}

	g, err := guard.New(svc.Roles,
		guard.WithRateLimiter(svc.Limiter),
		guard.WithAudit(svc.Audit),
		guard.WithLogger(log),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("guard")
	}

	deps := httpapi.Deps{
		Roles:  svc.Roles,
		Claims: svc.Claims,
		Guard:  g,
		Audit:  svc.Audit,
		Tokens: tokens,
		Ready:  httpapi.ReadyProbe{DB: svc.DB},
	}
	if cfg.DevTokens {
		deps.Identities = svc.Identities
		log.Warn().Msg("development token endpoint enabled")
	}
	api, err := httpapi.New(deps, version,
		httpapi.WithIPRate(cfg.IPRateBurst, cfg.IPRatePerSecond),
		httpapi.WithAdminIPs(cfg.AdminIPs),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("http api")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).
			Str("store", cfg.StoreBackend).Str("ratelimit", cfg.RateLimitBackend).
			Msg("starting coursegate-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("stopped")
}
