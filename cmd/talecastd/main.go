package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talecast-labs/talecast-core/internal/config"
	"github.com/talecast-labs/talecast-core/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "talecast.yaml", "Path to the talecast YAML configuration")
	flag.BoolVar(&showVersion, "version", false, "Print the talecastd version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("talecastd %s\n", version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("path", configPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("starting talecastd",
		slog.String("version", version),
		slog.String("config", configPath),
		slog.String("synth_kind", cfg.Synth.Kind))

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("talecastd exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("talecastd shutdown complete")
}
