package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/arnvptl/BlueLock/internal/bootstrap"
	"github.com/arnvptl/BlueLock/internal/server"
	"github.com/arnvptl/BlueLock/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	envFile := flag.String("env", ".env", "Optional .env file with BLUELOCK_* overrides")
	debugMode := flag.Bool("debug", false, "Enable debug mode with verbose logging")
	flag.Parse()

	logger := bootstrap.InitLogger(*debugMode)
	if !*debugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := config.LoadEnvFiles(*envFile); err != nil {
		logger.WithError(err).Fatal("Failed to load environment file")
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.Output.Verbose && !*debugMode {
		logger.SetLevel(logrus.DebugLevel)
	}

	analyzer, err := bootstrap.Analyzer(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create analyzer")
	}
	publisher, err := bootstrap.Publisher(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create publisher")
	}
	defer publisher.Close()

	srv := server.New(cfg, analyzer, bootstrap.Ledger(cfg, logger), publisher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"address":    cfg.Server.Address,
		"classifier": cfg.Classifier.Enabled,
		"ledger":     cfg.Ledger.Enabled,
		"publish":    cfg.Publish.Enabled,
	}).Info("Starting drone analysis server")

	if err := srv.Run(ctx); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		os.Exit(1)
	}
	logger.Info("Server shut down gracefully")
}
