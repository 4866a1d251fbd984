// cmd/migrate applies the embedded schema migrations against the target database.
//
// Usage:
//
//	go run ./cmd/migrate
//	go run ./cmd/migrate status
//	DATABASE_URL=postgres://... go run ./cmd/migrate
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/changerawr/domains/internal/config"
	"github.com/changerawr/domains/internal/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to database")

	if len(os.Args) > 1 && os.Args[1] == "status" {
		return migrations.Status(ctx, db, logger)
	}
	if err := migrations.Migrate(ctx, db, logger); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}
