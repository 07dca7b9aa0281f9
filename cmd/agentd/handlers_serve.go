package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// runServe implements the serve command: load configuration, wire the
// runtime, start every configured transport, and block until a shutdown
// signal arrives or ctx is cancelled, following
// cmd/nexus/handlers_serve.go's runServe shape.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	logger := slog.Default()

	logger.Info("starting agentd", "version", version, "commit", commit, "config", configPath, "debug", debug)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("agentd: load config: %w", err)
	}

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("agentd: wire runtime: %w", err)
	}

	watcher := NewWatcher(configPath, func(newCfg *Config, err error) {
		if err != nil {
			logger.Warn("config reload failed, keeping previous configuration", "error", err)
			return
		}
		logger.Info("config file changed; restart agentd to apply changes",
			"provider_default", newCfg.Providers.Default)
	})
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watch disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("agentd: start runtime: %w", err)
	}

	logger.Info("agentd started",
		"stdio", cfg.Server.Stdio,
		"http_addr", cfg.Server.HTTPAddr,
		"ws_addr", cfg.Server.WSAddr,
		"scheduler", cfg.Scheduler.Enabled,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := timeoutCtx()
	defer shutdownCancel()
	if err := rt.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("agentd: shutdown: %w", err)
	}

	logger.Info("agentd stopped gracefully")
	return nil
}
