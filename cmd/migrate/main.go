package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"opsforge.io/internal/migrate"
	"opsforge.io/internal/obs"
)

const usage = "usage: migrate [flags] <up|down|seed|status>"

func main() {
	var (
		dsn        = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		schemaDir  = flag.String("migrations", "ops/migrations/sql", "directory with .up.sql/.down.sql files")
		seedDir    = flag.String("seeds", "ops/migrations/seeds", "directory with seed .sql files")
		timeoutSec = flag.Int("timeout", 60, "overall timeout in seconds")
	)
	flag.Parse()

	log := obs.InitLogger(os.Getenv("APP_ENV"))
	defer func() { _ = log.Sync() }()

	if *dsn == "" {
		log.Fatal("missing DSN", zap.String("hint", "set -dsn or DATABASE_URL"))
	}
	cmd := flag.Arg(0)
	if cmd == "" {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutSec)*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal("ping database", zap.Error(err))
	}

	runner := migrate.NewRunner(db, *schemaDir, *seedDir, log)

	switch cmd {
	case "up":
		err = runner.Apply(ctx)
	case "down":
		err = runner.Rollback(ctx)
	case "seed":
		err = runner.Seed(ctx)
	case "status":
		var names []string
		if names, err = runner.Applied(ctx); err == nil {
			for _, n := range names {
				fmt.Println(n)
			}
		}
	default:
		log.Fatal(usage, zap.String("command", cmd))
	}
	if err != nil {
		log.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}
