package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mstanton/engram/cache"
	"github.com/mstanton/engram/config"
	"github.com/mstanton/engram/engine"
	engramlogger "github.com/mstanton/engram/logger"
	"github.com/mstanton/engram/migrations"
	"github.com/mstanton/engram/runtime"
	"github.com/mstanton/engram/store"
	"github.com/mstanton/engram/vector"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		logFile  = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty   = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		dbPath   = flag.String("db", "", "Path to SQLite database file (overrides config)")
		sweepNow = flag.Bool("sweep", false, "Run one maintenance sweep immediately at startup")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	appConfig, err := config.Load(config.GetConfigPath())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *dbPath != "" {
		appConfig.Database.Path = *dbPath
	}
	if *logFile == "" && !*pretty {
		*logFile = appConfig.Log.File
	}

	logger, err := engramlogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info().
		Str("db", appConfig.Database.Path).
		Str("schedule", appConfig.Schedule.Maintenance).
		Msg("engramd starting")

	if dir := filepath.Dir(appConfig.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", appConfig.Database.Path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // no remedy for close error at shutdown

	if err := migrations.RunMigrations(db, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	memStore, err := store.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	llmClient, err := config.NewLLMClient(appConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	embedder, err := config.NewEmbedder(appConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	descCache, err := cache.NewRistretto(appConfig.CacheSize)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	defer descCache.Close()

	index := vector.NewSQLiteIndex(memStore, logger)
	eng := engine.New(memStore, embedder, index, llmClient, descCache, appConfig.Engine, logger)
	defer eng.Close()

	scheduler, err := runtime.NewScheduler(eng, appConfig.Schedule.Maintenance, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer scheduler.Stop()

	if *sweepNow {
		scheduler.RunNow()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Msg("engramd ready")
	<-ctx.Done()
	logger.Info().Msg("engramd shutting down")
	return nil
}
