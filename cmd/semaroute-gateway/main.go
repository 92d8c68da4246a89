package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/meridian-labs/llmgate/internal/config"
	"github.com/meridian-labs/llmgate/internal/observability"
	"github.com/meridian-labs/llmgate/internal/server"
)

var (
	version   = "dev"
	commitSHA = "unknown"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "config.toml", "Path to TOML configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("semaroute-gateway version %s\n", version)
		fmt.Printf("Commit: %s\n", commitSHA)
		fmt.Printf("Built: %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer observability.SyncLogger(logger)

	holder := config.NewHolder(cfg)
	config.WatchAndReload(*configFile, holder, logger)

	srv, err := server.New(holder, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	srv.WaitForShutdown()
}
