package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"licensehub.org/internal/migrate"
	"licensehub.org/internal/obs"
	"licensehub.org/internal/store/pg"
)

func main() {
	var (
		dsn            = flag.String("dsn", os.Getenv("LICENSEHUB_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds")
	)
	flag.Parse()

	if err := run(*dsn, *migrationsPath, *seedsPath, flag.Arg(0)); err != nil {
		obs.Logger().Fatal("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
}

func run(dsn, migrationsPath, seedsPath, command string) error {
	if dsn == "" {
		return errors.New("missing DSN: provide via -dsn or LICENSEHUB_PG_DSN")
	}
	if command == "" {
		return errors.New("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	migrations := pg.Migrations()
	if migrationsPath != "" {
		migrations = os.DirFS(migrationsPath)
	}
	var seeds fs.FS
	if seedsPath != "" {
		seeds = os.DirFS(seedsPath)
	}
	mgr := migrate.NewManager(db, migrations, seeds)

	switch command {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		return err
	}
	obs.Logger().Info("migrate done", zap.String("command", command))
	return nil
}
