package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/greymass/dualsink/libraries/config"
	"github.com/greymass/dualsink/libraries/logger"
	"github.com/greymass/dualsink/libraries/profiler"
	"github.com/greymass/dualsink/libraries/server"
	"github.com/greymass/dualsink/services/dualsink/internal"
	"github.com/greymass/dualsink/services/dualsink/internal/api"
	"github.com/greymass/dualsink/services/dualsink/internal/database"
	"github.com/greymass/dualsink/services/dualsink/internal/filestore"
	"github.com/greymass/dualsink/services/dualsink/internal/hotdb"
	"github.com/greymass/dualsink/services/dualsink/internal/mapping"
	"github.com/greymass/dualsink/services/dualsink/internal/source"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Version = "dev"

var (
	productionCategories = []string{"startup", "sync", "commit", "flush", "rollback", "pebble", "http", "metrics", "profiler", "enforce"}
	debugCategories      = []string{"debug", "debug-sql", "debug-pebble", "debug-entities", "debug-trace"}
	allCategories        = append(append([]string{}, productionCategories...), debugCategories...)
)

func main() {
	config.CheckVersion(Version)

	cfg := &internal.Config{}
	if err := config.Load(cfg, os.Args[1:]); err != nil {
		logger.Fatal("Config error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Config error: %v", err)
	}

	logger.RegisterCategories(allCategories...)
	if cfg.Profile {
		cfg.LogFilter = append(cfg.LogFilter, "profiler")
	}
	if cfg.Debug {
		logger.SetMinLevel(logger.LevelDebug)
		logger.SetCategoryFilter(nil)
		logger.Printf("debug", "Debug logging enabled - all categories active")
	} else if cfg.DebugSQL {
		logger.SetMinLevel(logger.LevelDebug)
		logger.SetCategoryFilter(append(append([]string{}, cfg.LogFilter...), "debug-sql"))
	} else {
		logger.SetCategoryFilter(cfg.LogFilter)
	}

	if cfg.LogFile != "" {
		if err := logger.SetLogFile(cfg.LogFile); err != nil {
			logger.Fatal("Failed to open log file %s: %v", cfg.LogFile, err)
		}
		defer logger.Close()
		logger.Printf("startup", "Logging to file: %s", cfg.LogFile)
	}

	logger.Printf("startup", "dualsink %s starting...", Version)

	logger.Printf("startup", "Relational sink:")
	logger.Printf("startup", "  relational-backend: %s", cfg.RelationalBackend)
	if cfg.RelationalBackend == "postgres" {
		logger.Printf("startup", "  schema: %s", cfg.Schema)
		logger.Printf("startup", "  max-conns: %d", cfg.MaxConns)
	} else {
		logger.Printf("startup", "  pebble-path: %s", cfg.PebblePath)
		logger.Printf("startup", "  pebble-cache-size: %d MB", cfg.PebbleCacheSizeMB)
	}
	logger.Printf("startup", "  commit-retries: %d", cfg.CommitRetries)

	logger.Printf("startup", "File sink:")
	logger.Printf("startup", "  output-dir: %s", cfg.OutputDir)
	logger.Printf("startup", "  chunk-size: %d MB", cfg.ChunkSizeMB)
	logger.Printf("startup", "  sync-interval: %d blocks", cfg.SyncInterval)
	logger.Printf("startup", "  table-format: %s", cfg.TableFormat)
	if cfg.CompressionLevel > 0 {
		logger.Printf("startup", "  compression-level: %d (zstd)", cfg.CompressionLevel)
	}

	logger.Printf("startup", "Sync:")
	logger.Printf("startup", "  source: %s", cfg.Source)
	logger.Printf("startup", "  batch-size: %d", cfg.BatchSize)
	logger.Printf("startup", "  finality-confirmation: %d", cfg.FinalityConfirmation)
	logger.Printf("startup", "  hot-blocks: %v", cfg.HotBlocks)

	logger.Printf("startup", "Logging:")
	logger.Printf("startup", "  log-filter: %s", strings.Join(cfg.LogFilter, ", "))
	logger.Println("startup", "")

	if cfg.Profile {
		prof := profiler.Start(profiler.Config{Name: "dualsink", Interval: cfg.ProfileInterval})
		defer prof.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var driver hotdb.Driver
	switch cfg.RelationalBackend {
	case "postgres":
		pg, err := hotdb.OpenPostgres(ctx, hotdb.PostgresOptions{
			URL:      cfg.DatabaseURL,
			Schema:   cfg.Schema,
			MaxConns: int32(cfg.MaxConns),
		})
		if err != nil {
			logger.Fatal("Failed to connect to postgres: %v", err)
		}
		defer pg.Close()
		driver = pg
	default:
		pb, err := hotdb.OpenPebble(cfg.PebblePath, hotdb.PebbleOptions{CacheSizeMB: cfg.PebbleCacheSizeMB})
		if err != nil {
			logger.Fatal("Failed to open pebble: %v", err)
		}
		defer pb.Close()
		driver = pb
	}

	format, _ := filestore.ParseFormat(cfg.TableFormat)
	tables := mapping.NewTables(format, cfg.CompressionLevel)
	dest, err := filestore.NewLocalDest(cfg.OutputDir)
	if err != nil {
		logger.Fatal("Failed to open output directory: %v", err)
	}
	files, err := filestore.NewStore(dest, tables.All(),
		filestore.WithChunkSizeMB(cfg.ChunkSizeMB),
		filestore.WithSyncInterval(cfg.SyncInterval),
	)
	if err != nil {
		logger.Fatal("Invalid table registry: %v", err)
	}

	dbOpts := []database.Option{database.WithRetry(cfg.CommitRetries, 0)}
	if !server.Disabled(cfg.HTTPListen) {
		dbOpts = append(dbOpts, database.WithTracing())
	}
	db := database.New(driver, files, dbOpts...)
	if _, err := db.Connect(ctx); err != nil {
		logger.Fatal("Failed to connect sinks: %v", err)
	}

	src, err := source.Open(ctx, cfg.Source)
	if err != nil {
		logger.Fatal("Failed to open source: %v", err)
	}
	defer src.Close()

	if !server.Disabled(cfg.MetricsListen) {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		l, err := server.SocketListen(cfg.MetricsListen)
		if err != nil {
			logger.Fatal("%v", err)
		}
		logger.Printf("startup", "Metrics listening on %s", cfg.MetricsListen)
		go func() {
			if err := server.Serve(ctx, l, metricsMux, "metrics"); err != nil {
				logger.Printf("metrics", "Metrics server failed: %v", err)
			}
		}()
	}

	if !server.Disabled(cfg.HTTPListen) {
		mux, err := api.NewHandler(db, Version)
		if err != nil {
			logger.Fatal("%v", err)
		}
		l, err := server.SocketListen(cfg.HTTPListen)
		if err != nil {
			logger.Fatal("%v", err)
		}
		logger.Printf("startup", "Status endpoint listening on %s", cfg.HTTPListen)
		go func() {
			if err := server.Serve(ctx, l, mux, "http"); err != nil {
				logger.Printf("http", "Status server failed: %v", err)
			}
		}()
	}

	syncer := internal.NewSyncer(db, src, mapping.New(tables), cfg)
	if err := syncer.Start(); err != nil {
		logger.Fatal("Failed to start syncer: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Printf("startup", "Received %v, shutting down...", sig)
		syncer.Stop()
	case <-syncer.Done():
	}
	cancel()

	if err := syncer.Err(); err != nil {
		logger.Error("Exiting after sync failure: %v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Printf("startup", "Shutdown complete at %s", db.State().Checkpoint)
}
