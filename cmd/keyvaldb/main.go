// KeyvalDB - a persistent key-value server with typed values and expiry
//
// Usage:
//
//	keyvaldb [flags]
//
// Flags:
//
//	-config string     Path to YAML config file (default "keyvaldb.yaml")
//	-addr string       Server address (overrides config)
//	-data string       Data directory (overrides config)
//	-webaddr string    Admin API address (overrides config)
//	-noweb             Disable the admin API
//	-version           Show version and exit
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anirudhdahiya9/keyval-db/internal/config"
	"github.com/anirudhdahiya9/keyval-db/internal/engine"
	"github.com/anirudhdahiya9/keyval-db/internal/journal"
	"github.com/anirudhdahiya9/keyval-db/internal/server"
	"github.com/anirudhdahiya9/keyval-db/internal/version"
	"github.com/anirudhdahiya9/keyval-db/internal/web"
)

func main() {
	configPath := flag.String("config", "keyvaldb.yaml", "Path to YAML config file")
	addr := flag.String("addr", "", "Server address (overrides config)")
	dataDir := flag.String("data", "", "Data directory (overrides config)")
	webAddr := flag.String("webaddr", "", "Admin API address (overrides config)")
	noWeb := flag.Bool("noweb", false, "Disable the admin API")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("KeyvalDB v%s (built %s)\n", version.Version, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *webAddr != "" {
		cfg.AdminAddr = *webAddr
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("keyvaldb starting",
		"version", version.Version,
		"addr", cfg.Addr,
		"data_dir", cfg.DataDir,
		"databases", cfg.Databases,
		"journal_mode", cfg.Journal.Mode)

	e, err := engine.New(engine.Options{
		Databases:        cfg.Databases,
		JournalPath:      cfg.JournalPath(),
		Journal:          journalOptions(cfg),
		SnapshotDir:      cfg.SnapshotDir(),
		SnapshotInterval: cfg.Snapshot.Interval,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("failed to start engine", "err", err)
		os.Exit(1)
	}

	srv := server.New(e, server.Options{
		Addr:       cfg.Addr,
		MaxClients: cfg.MaxClients,
		Logger:     logger,
	})
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "err", err)
		e.Close()
		os.Exit(1)
	}

	var admin *web.Server
	if !*noWeb {
		admin = web.New(e, web.Options{Addr: cfg.AdminAddr, Logger: logger})
		if err := admin.Start(); err != nil {
			logger.Error("failed to start admin api", "err", err)
			srv.Close()
			e.Close()
			os.Exit(1)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	if admin != nil {
		admin.Close()
	}
	srv.Close()
	if err := e.Close(); err != nil {
		logger.Error("engine shutdown failed", "err", err)
	}
	logger.Info("keyvaldb shutdown complete")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func journalOptions(cfg *config.Config) journal.Options {
	opts := journal.Options{Mode: journal.ModeSync}
	if cfg.Journal.Mode == "batched" {
		opts.Mode = journal.ModeBatched
		opts.BatchSize = cfg.Journal.BatchSize
		opts.FlushInterval = cfg.Journal.FlushInterval
	}
	return opts
}
