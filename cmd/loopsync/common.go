package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goodtune/loopsync/internal/config"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/goodtune/loopsync/internal/storage/redis"
	"github.com/rs/zerolog"
)

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(out).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// clipDuration returns the configured default clip length in seconds
func clipDuration(cfg *config.Config) float64 {
	d := config.Duration(cfg.Clip.DefaultDuration, time.Duration(playback.DefaultClipDuration)*time.Second)
	return d.Seconds()
}

// loadClient loads configuration and opens storage for the one-shot commands.
// Their logs go to stderr so stdout stays readable.
func loadClient() (*config.Config, storage.Store, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := cfg.Logging
	logCfg.Format = "text"
	if logCfg.Level == "info" {
		logCfg.Level = "warn"
	}
	logger := newLogger(logCfg, os.Stderr)

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, logger, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return cfg, store, logger, nil
}
