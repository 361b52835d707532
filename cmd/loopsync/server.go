package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/goodtune/loopsync/internal/config"
	"github.com/goodtune/loopsync/internal/gateway"
	"github.com/goodtune/loopsync/internal/metrics"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/presence"
	"github.com/goodtune/loopsync/internal/stats"
	"github.com/goodtune/loopsync/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start loopsync server",
	Long:  `Start the loopsync gateway (HTTP API and change stream), the stats poller, the presence reaper, and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	reloads := make(chan *config.Config, 1)

	cfg, err := config.Watch(configPath, func(next *config.Config) {
		select {
		case <-reloads:
		default:
		}
		reloads <- next
	}, func(err error) {
		log.Error().Err(err).Msg("Ignoring invalid configuration change")
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting loopsync")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("key_prefix", cfg.Storage.KeyPrefix).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	clock := playback.RealClock{}

	// Initialize Presence Reaper
	departed := presence.NewDepartedLog(
		cfg.Session.DepartedCacheSize,
		config.Duration(cfg.Session.DepartedTTL, 10*time.Minute),
	)
	reaper := presence.NewReaper(store.Presence(), departed, presence.Config{
		LeaseTTL:     config.Duration(cfg.Session.LeaseTTL, presence.DefaultLeaseTTL),
		ReapInterval: config.Duration(cfg.Session.ReapInterval, presence.DefaultReapInterval),
	}, clock, logger)
	reaper.Start()

	// Initialize Stats Poller, triggered by every presence change
	poller := stats.NewPoller(
		store.Presence(),
		config.Duration(cfg.Stats.PollInterval, stats.DefaultPollInterval),
		clock,
		logger,
	)
	poller.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := store.Subscribe(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to subscribe to changes; stats will refresh on the poll interval only")
	} else {
		defer func() { _ = sub.Close() }()
		poller.Watch(sub.Events())
	}

	// Initialize Gateway
	gatewayConfig := gateway.Config{
		ListenAddr:     fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ClipDuration:   clipDuration(cfg),
	}

	gatewayServer, err := gateway.NewServer(gatewayConfig, store, reaper, poller, clock, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.API != nil {
		gatewayServer.SetListener(sdListeners.API)
	}

	if err := gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	// Log startup complete
	logger.Info().Msg("loopsync startup complete")
	logger.Info().Msgf("API: http://%s", gatewayConfig.ListenAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown) or configuration changes
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	running := true
	for running {
		select {
		case next := <-reloads:
			_ = systemd.NotifyReloading()
			applyReload(cfg, next, poller, logger)
			cfg = next
			_ = systemd.NotifyReady()

		case <-sigChan:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			running = false
		}
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop servers
	if err := gatewayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping gateway")
	}

	cancel()
	poller.Stop()
	reaper.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("loopsync stopped")

	return nil
}

// applyReload applies the settings that can change without a restart
func applyReload(prev, next *config.Config, poller *stats.Poller, logger zerolog.Logger) {
	if next.Logging.Level != prev.Logging.Level {
		zerolog.SetGlobalLevel(parseLevel(next.Logging.Level))
		logger.Info().Str("level", next.Logging.Level).Msg("Log level changed")
	}

	if next.Stats.PollInterval != prev.Stats.PollInterval {
		interval := config.Duration(next.Stats.PollInterval, stats.DefaultPollInterval)
		poller.SetInterval(interval)
		logger.Info().Dur("interval", interval).Msg("Stats poll interval changed")
	}

	if !reflect.DeepEqual(next.Server, prev.Server) || next.Storage != prev.Storage || next.Session != prev.Session {
		logger.Warn().Msg("Listener and store settings take effect after a restart")
	}
}
