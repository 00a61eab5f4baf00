// Command bridge receives trading alerts over HTTP and places the matching
// index-option order with the broker.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/eddiefleurent/scrip_bridge/internal/config"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	var configPath, envPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&envPath, "env", ".env", "Optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.WithError(err).Fatalf("Failed to load %s", envPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	logger := newLogger(cfg)
	logger.Infof("Starting scrip bridge in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Info("PAPER TRADING MODE - orders are filled in memory")
	} else {
		logger.Warn("LIVE TRADING MODE - orders go to the broker")
	}

	bridge, err := newBridge(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize bridge")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil {
		logger.WithError(err).Fatal("Bridge error")
	}

	logger.Info("Bridge stopped successfully")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if cfg.Environment.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level := logrus.InfoLevel
	if cfg.Environment.LogLevel != "" {
		if parsed, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			level = parsed
		} else {
			logger.Warnf("Unknown log level %q, using info", cfg.Environment.LogLevel)
		}
	}
	logger.SetLevel(level)
	return logger
}
