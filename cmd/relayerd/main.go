package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"confbal/go-backend/internal/composition/relayerd"
	"confbal/go-backend/internal/config"
	"confbal/go-backend/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to relayer.yaml (optional)")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address override")
	target := flag.String("target", "", "Deployment target override: localnet | devnet | mainnet")
	flag.Parse()
	if *showVersion {
		fmt.Printf("relayerd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *apiAddr != "" {
		_ = os.Setenv("CBAL_API_ADDR", *apiAddr)
	}
	if *target != "" {
		_ = os.Setenv("CBAL_TARGET", *target)
	}

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		log.Fatalf("relayerd failed to load config: %v", err)
	}
	logger := privacylog.NewLogger(os.Stdout, parseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	daemon, err := relayerd.Build(ctx, cfg, logger, relayerd.Overrides{})
	if err != nil {
		log.Fatalf("relayerd failed to initialize: %v", err)
	}
	defer func() {
		if err := daemon.Close(); err != nil {
			log.Printf("relayerd close: %v", err)
		}
	}()

	log.Println("relayerd starting")
	if err := daemon.Run(ctx); err != nil {
		log.Fatalf("relayerd failed: %v", err)
	}
	log.Println("relayerd stopped")
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
