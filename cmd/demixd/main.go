// Command demixd serves H/He miscibility gap queries over HTTP.
//
// Configuration comes from the environment:
//
//	DEMIX_TABLE      demixing table file; when unset the table stored in DEMIX_DB is used
//	DEMIX_DB         SQLite database path (default data/demix.db, "none" disables it)
//	DEMIX_PORT       HTTP port (default 8080)
//	DEMIX_TUNING     YAML cleaning constants (default: Lorenzen et al. 2011)
//	DEMIX_WORKERS    goroutines for node construction and profiles (default 0 = unbounded)
//	DEMIX_ADMIN_KEY  bearer token for POST /api/v1/snapshot
//	DEMIX_LOG_LEVEL  debug, info, warn or error (default info)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/talgya/hhe-demix/internal/api"
	"github.com/talgya/hhe-demix/internal/persistence"
	"github.com/talgya/hhe-demix/internal/phase"
	"github.com/talgya/hhe-demix/internal/table"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(envOrDefault("DEMIX_LOG_LEVEL", "info")),
	}))
	slog.SetDefault(logger)

	tablePath := os.Getenv("DEMIX_TABLE")
	dbPath := envOrDefault("DEMIX_DB", "data/demix.db")
	port := envIntOrDefault("DEMIX_PORT", 8080)
	workers := envIntOrDefault("DEMIX_WORKERS", 0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Tuning ───────────────────────────────────────────────────────
	cfg := phase.DefaultConfig()
	cfg.Workers = workers
	if path := os.Getenv("DEMIX_TUNING"); path != "" {
		tu, err := phase.LoadTuning(path)
		if err != nil {
			slog.Error("failed to load tuning", "error", err)
			os.Exit(1)
		}
		cfg.Tuning = tu
		slog.Info("tuning loaded", "path", path, "nodes", len(tu.Nodes))
	}

	// ── Database ─────────────────────────────────────────────────────
	var db *persistence.DB
	if dbPath != "none" {
		if dir := filepath.Dir(dbPath); dir != "." {
			os.MkdirAll(dir, 0755)
		}
		var err error
		db, err = persistence.Open(dbPath)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		slog.Info("database opened", "path", dbPath)
	}

	// ── Table ────────────────────────────────────────────────────────
	samples, source, err := loadSamples(tablePath, db)
	if err != nil {
		slog.Error("no demixing table", "error", err)
		os.Exit(1)
	}

	// ── Phase diagram ────────────────────────────────────────────────
	start := time.Now()
	engine, err := phase.New(ctx, samples, cfg)
	if err != nil {
		var nodeErr *phase.NodeError
		if errors.As(err, &nodeErr) {
			slog.Error("phase diagram construction failed",
				"pressure", nodeErr.Pressure, "stage", nodeErr.Stage, "error", nodeErr.Err)
		} else {
			slog.Error("phase diagram construction failed", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("phase diagram built", "source", source, "elapsed", time.Since(start).Round(time.Millisecond))

	// Store a table read from a file so later starts can run without it.
	if db != nil && tablePath != "" {
		if err := db.SaveDiagram(samples, engine, source); err != nil {
			slog.Error("initial save failed", "error", err)
		}
	}

	// ── HTTP API ─────────────────────────────────────────────────────
	adminKey := os.Getenv("DEMIX_ADMIN_KEY")
	if adminKey == "" {
		slog.Warn("DEMIX_ADMIN_KEY not set, snapshot endpoint disabled")
	}

	apiServer := &api.Server{
		Engine:   engine,
		Samples:  samples,
		Source:   source,
		DB:       db,
		Port:     port,
		AdminKey: adminKey,
		Workers:  workers,
	}
	srv := apiServer.Start()

	pmin, pmax := engine.PressureRange()
	fmt.Printf("\nPhase diagram ready: %d nodes over %g to %g Mbar.\n", len(engine.Pressures()), pmin, pmax)
	fmt.Printf("API: http://localhost:%d/api/v1/status\n", port)

	<-ctx.Done()
	slog.Info("received signal, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx, srv); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
	fmt.Println("Server stopped.")
}

// loadSamples reads the table file when one is given, else the table
// stored in the database.
func loadSamples(path string, db *persistence.DB) ([]table.Sample, string, error) {
	if path != "" {
		samples, err := table.Load(path)
		if err != nil {
			return nil, "", err
		}
		slog.Info("table loaded", "path", path, "samples", len(samples))
		return samples, path, nil
	}
	if db == nil {
		return nil, "", errors.New("DEMIX_TABLE not set and no database configured")
	}
	samples, err := db.LoadSamples()
	if err != nil {
		return nil, "", fmt.Errorf("load stored table: %w", err)
	}
	if len(samples) == 0 {
		return nil, "", errors.New("DEMIX_TABLE not set and the database holds no table")
	}
	source := "db"
	if s, err := db.GetMeta("source"); err == nil {
		source = s
	}
	slog.Info("table restored from database", "samples", len(samples), "source", source)
	return samples, source, nil
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
