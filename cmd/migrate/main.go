package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"ms-registration/internal/config"
	"ms-registration/internal/database"
	"ms-registration/internal/database/migrations"
	"ms-registration/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	opts := migrations.DefaultOptions()
	flag.StringVar(&opts.Dir, "dir", opts.Dir, "directory holding the *.sql migrations")
	flag.BoolVar(&opts.Seed, "seed", false, "also apply fest seed data (capacity targets, receipt sequence)")
	down := flag.Bool("down", false, "roll back every migration")
	flag.Parse()

	log := logger.NewLogger()
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}

	cfg := config.Load()
	if cfg.Database.Driver != "postgres" {
		log.Fatal("MIGRATE", fmt.Sprintf("migrations target postgres, not %q", cfg.Database.Driver))
	}
	if cfg.Database.DSN == "" {
		log.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer db.Close()

	runner := migrations.NewRunner(db, opts, log)
	defer func() {
		if err := runner.Close(); err != nil {
			log.Warn("MIGRATE", fmt.Sprintf("Failed to close migrator: %v", err))
		}
	}()

	if *down {
		if err := runner.Down(); err != nil {
			log.Fatal("MIGRATE", err.Error())
		}
		log.Info("MIGRATE", "✅ All migrations rolled back")
		return
	}
	if err := runner.Run(); err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
	log.Info("MIGRATE", "✅ Migrations applied")
}
