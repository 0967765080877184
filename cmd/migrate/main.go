package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/kiwari-pos/ledger/internal/config"
	"github.com/kiwari-pos/ledger/internal/logger"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const usage = `usage: migrate [-path dir] <command>

commands:
  up          apply all pending migrations
  down [n]    roll back n migrations (default 1)
  version     print the current schema version
  force <v>   set the version without running migrations`

func main() {
	dir := flag.String("path", "migrations", "migrations directory")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Config(cfg.Log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg.DatabaseURL, *dir, flag.Args(), log); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}
}

func run(dbURL, dir string, args []string, log *zap.Logger) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		n := 1
		if len(args) > 1 {
			if n, err = strconv.Atoi(args[1]); err != nil || n < 1 {
				return fmt.Errorf("down: invalid step count %q", args[1])
			}
		}
		err = m.Steps(-n)
	case "force":
		if len(args) < 2 {
			return errors.New("force: version required")
		}
		v, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			return fmt.Errorf("force: invalid version %q", args[1])
		}
		err = m.Force(v)
	case "version":
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("no change")
		err = nil
	}
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Info("schema has no migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	log.Info("schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}
