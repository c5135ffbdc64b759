package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"coursegate.org/internal/migrate"
	"coursegate.org/internal/obs"
	"coursegate.org/internal/store/pg"
)

func main() {
	_ = godotenv.Load()
	log := obs.Logger()

	var (
		dsn       = flag.String("dsn", os.Getenv("COURSEGATE_DATABASE_URL"), "PostgreSQL DSN")
		seedsPath = flag.String("seeds", "", "Directory of SQL seed files")
		timeout   = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or COURSEGATE_DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal().Msg("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	opts := []migrate.Option{migrate.WithLogger(log)}
	if *seedsPath != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(*seedsPath)))
	}
	mgr := migrate.NewManager(db, pg.Migrations(), opts...)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var applied, pending []string
		if applied, err = mgr.Status(ctx); err != nil {
			break
		}
		if pending, err = mgr.Pending(ctx); err != nil {
			break
		}
		for _, item := range applied {
			fmt.Printf("applied  %s\n", item)
		}
		for _, item := range pending {
			fmt.Printf("pending  %s\n", item)
		}
	default:
		log.Fatal().Str("command", flag.Arg(0)).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("migrate failed")
	}
}
