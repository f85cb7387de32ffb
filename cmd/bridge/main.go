// Command bridge exposes a Q-SYS Core as MCP tools over stdio, with an
// operator HTTP listener for health and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/qsys-tools/mcp-bridge/internal/bridge"
	"github.com/qsys-tools/mcp-bridge/internal/config"
	"github.com/qsys-tools/mcp-bridge/internal/persist"
)

// version is injected at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	// MCP owns stdout; all logging goes to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not load .env", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		return 1
	}

	logger.Info("bridge starting",
		"version", version,
		"core", fmt.Sprintf("%s:%d", cfg.Core.Host, cfg.Core.Port),
		"auth", cfg.Auth.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bridge.New(cfg, logger)

	var store *persist.Store
	if cfg.Persist.Enabled {
		store = persist.NewStore(persist.Options{
			Path:     cfg.Persist.Path,
			Backups:  cfg.Persist.Backups,
			Interval: time.Duration(cfg.Persist.SnapshotIntervalMs) * time.Millisecond,
			MaxAge:   cfg.Cache.TTL(),
		}, b.Cache(), logger.With("component", "persist"))
		if err := store.Restore(); err != nil {
			logger.Warn("snapshot restore failed", "error", err)
		}
		go store.Run(ctx)
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      b.HTTPHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http listener starting", "addr", cfg.HTTP.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	go b.Run(ctx)

	server := bridge.NewMCPServer(b, version)
	mcpDone := make(chan error, 1)
	go func() {
		mcpDone <- server.Run(ctx, &mcp.StdioTransport{})
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErr:
		logger.Error("http listener failed", "error", err)
		exitCode = 2
		stop()
	case err := <-mcpDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mcp session ended", "error", err)
			exitCode = 2
		} else {
			logger.Info("mcp session closed")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	logger.Info("bridge stopped")
	return exitCode
}

func parseLevel(s string) slog.Level {
	switch s {
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
