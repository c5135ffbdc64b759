package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"coursegate.org/internal/bootstrap"
	"coursegate.org/internal/config"
	"coursegate.org/internal/obs"
	"coursegate.org/internal/sweeper"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var runOnce = flag.Bool("run-once", false, "Run a single sweep and exit")

func main() {
	flag.Parse()
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo("coursegate-claims-sweeper", version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open services")
	}
	defer svc.Close()

	opts := []sweeper.Option{sweeper.WithLogger(log)}
	if svc.Purger != nil {
		opts = append(opts, sweeper.WithPurger(svc.Purger, cfg.RateLimitTTL))
	}
	sw, err := sweeper.New(svc.Claims, cfg.SweepMaxAge, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("sweeper")
	}

	if *runOnce {
		rep, err := sw.Run(ctx)
		if err != nil {
			log.Error().Err(err).Msg("sweep failed")
			return
		}
		log.Info().Int("processed", rep.Claims.Processed).Int("updated", rep.Claims.Updated).
			Int("errors", rep.Claims.Errors).Int64("purged", rep.Purged).Msg("sweep complete")
		return
	}

	c, err := sw.Schedule(ctx, cfg.SweepSchedule)
	if err != nil {
		log.Fatal().Err(err).Msg("schedule sweep")
	}
	c.Start()
	log.Info().Str("schedule", cfg.SweepSchedule).Dur("max_age", cfg.SweepMaxAge).Msg("claims sweeper started")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	<-c.Stop().Done()
	log.Info().Msg("stopped")
}
