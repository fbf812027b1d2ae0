package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/kbilling/internal/api"
	"github.com/goodtune/kbilling/internal/config"
	"github.com/goodtune/kbilling/internal/device"
	"github.com/goodtune/kbilling/internal/enforce"
	"github.com/goodtune/kbilling/internal/metrics"
	"github.com/goodtune/kbilling/internal/notify"
	"github.com/goodtune/kbilling/internal/poll"
	"github.com/goodtune/kbilling/internal/push"
	"github.com/goodtune/kbilling/internal/reconcile"
	"github.com/goodtune/kbilling/internal/session"
	"github.com/goodtune/kbilling/internal/storage"
	"github.com/goodtune/kbilling/internal/storage/bolt"
	"github.com/goodtune/kbilling/internal/storage/redis"
	"github.com/goodtune/kbilling/internal/systemd"
	"github.com/goodtune/kbilling/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the billing agent",
	Long:  `Run the session agent: push channel, poller, countdown, enforcement, notifications and journal.`,
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	identity := device.New(cfg.Device.ID, cfg.Device.Prefix, cfg.Device.Name, cfg.Device.Location)

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("device_id", identity.ID).
		Msg("Starting kbilling")

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
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close storage")
			}
		}()
		logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")
	} else {
		logger.Warn().Msg("Session journal disabled")
	}

	// Everything is built before the first goroutine starts.
	ag, err := newAgent(cfg, identity, store, logger)
	if err != nil {
		return err
	}

	watchdog, err := systemd.NewWatchdog(logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read systemd watchdog settings")
	} else if watchdog != nil {
		ag.workers = append(ag.workers, watchdog.Run)
	}

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// Status API
	var statusServer *api.Server
	if cfg.StatusAPI.Enabled {
		statusAddr := fmt.Sprintf("%s:%d", cfg.StatusAPI.BindAddress, cfg.StatusAPI.Port)
		statusServer = api.NewServer(statusAddr, ag.engine, ag.usage, ag.controller, logger)
		if sdListeners.Status != nil {
			statusServer.SetListener(sdListeners.Status)
		}
		if err := statusServer.Start(); err != nil {
			if metricsServer != nil {
				_ = metricsServer.Stop()
			}
			return fmt.Errorf("failed to start status API: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	for _, run := range ag.workers {
		run := run
		g.Go(func() error { return run(ctx) })
	}

	logger.Info().Msg("kbilling startup complete")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	_ = systemd.NotifyStatus("Station " + identity.ID + " locked, waiting for a session")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	err = g.Wait()

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := statusServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping status API")
		}
		cancel()
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("kbilling stopped")
	return err
}

// agent holds the wired components of a running station. Nothing runs until
// workers are started.
type agent struct {
	controller *enforce.Controller
	engine     *reconcile.Engine
	usage      api.UsageSource
	workers    []func(context.Context) error
}

// newAgent builds every long-running component without starting any of them.
func newAgent(cfg *config.Config, identity device.Identity, store storage.Store, logger zerolog.Logger) (*agent, error) {
	// Enforcement
	controller := enforce.NewController(
		enforce.NewCommandEnforcement(enforce.CommandConfig{
			LockdownOn:       cfg.Enforcement.LockdownOn,
			LockdownOff:      cfg.Enforcement.LockdownOff,
			ForegroundReturn: cfg.Enforcement.ForegroundReturn,
			ForegroundProbe:  cfg.Enforcement.ForegroundProbe,
			Timeout:          config.ParseDuration(cfg.Enforcement.CommandTimeout, 5*time.Second),
		}, logger),
		enforce.Config{
			RetryInterval:   config.ParseDuration(cfg.Enforcement.RetryInterval, enforce.DefaultRetryInterval),
			MonitorInterval: config.ParseDuration(cfg.Enforcement.MonitorInterval, enforce.DefaultMonitorInterval),
		},
		logger,
	)

	// Notifications
	notifier, err := newNotifier(cfg.Notify, logger)
	if err != nil {
		return nil, err
	}
	sink := notify.NewSink(notifier, notify.Config{
		Throttle:        config.ParseDuration(cfg.Notify.Throttle, notify.DefaultThrottle),
		DuplicateWindow: config.ParseDuration(cfg.Notify.DuplicateWindow, notify.DefaultDuplicateWindow),
	}, nil, logger)

	collab := reconcile.Collaborators{Enforcer: controller, Notifier: sink}

	ag := &agent{controller: controller}
	ag.workers = append(ag.workers, controller.Run)

	// Session journal
	if store != nil {
		recorder := usage.NewRecorder(store.Sessions(), identity.ID, usage.Config{
			BufferSize: cfg.Retention.BufferSize,
		}, nil, logger)
		collab.Recorder = recorder
		ag.usage = recorder

		retention, err := usage.NewRetentionScheduler(store.Sessions(), cfg.Retention.CleanupTime, cfg.Retention.Days, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize retention scheduler: %w", err)
		}
		ag.workers = append(ag.workers, recorder.Run, retention.Run)
	}

	// Reconciliation
	pollFast := config.ParseDuration(cfg.Session.PollFastInterval, reconcile.DefaultPollFastInterval)
	machine := session.NewMachine(session.Config{
		Thresholds:           cfg.Session.WarningThresholds,
		DriftTolerance:       config.ParseDuration(cfg.Session.DriftTolerance, session.DefaultDriftTolerance),
		AbsenceConfirmations: cfg.Session.AbsenceConfirmations,
		AbsenceWindow:        pollFast,
		TopUpGrace:           config.ParseDuration(cfg.Session.TopUpGrace, session.DefaultTopUpGrace),
	})
	engine, err := reconcile.New(reconcile.Config{
		DedupWindow:      config.ParseDuration(cfg.Session.DedupWindow, reconcile.DefaultDedupWindow),
		DedupCacheSize:   cfg.Session.DedupCacheSize,
		PollFastInterval: pollFast,
		PollSlowInterval: config.ParseDuration(cfg.Session.PollSlowInterval, reconcile.DefaultPollSlowInterval),
	}, machine, identity, collab, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize reconciliation engine: %w", err)
	}
	ag.engine = engine

	ticker := reconcile.NewTicker(engine, config.ParseDuration(cfg.Session.TickInterval, reconcile.DefaultTickInterval), logger)

	pollTimeout := config.ParseDuration(cfg.Session.PollTimeout, reconcile.DefaultPollTimeout)
	pollClient := poll.NewClient(cfg.Server.APIURL, pollTimeout, logger)
	poller := reconcile.NewPoller(engine, pollClient, identity, pollTimeout, logger)
	ag.workers = append(ag.workers, engine.Run, ticker.Run, poller.Run)

	if cfg.Heartbeat.Enabled {
		heartbeater := poll.NewHeartbeater(pollClient, identity, config.ParseDuration(cfg.Heartbeat.Interval, poll.DefaultHeartbeatInterval), logger)
		ag.workers = append(ag.workers, heartbeater.Run)
	}

	if cfg.Push.Enabled {
		pushClient := push.NewClient(push.Config{
			URL:               cfg.Server.WSURL,
			Identity:          identity,
			AppVersion:        cfg.Push.AppVersion,
			DeviceType:        cfg.Push.DeviceType,
			ReconnectDelay:    config.ParseDuration(cfg.Push.ReconnectDelay, push.DefaultReconnectDelay),
			ReconnectMaxDelay: config.ParseDuration(cfg.Push.ReconnectMaxDelay, push.DefaultReconnectMaxDelay),
			ReconnectAttempts: cfg.Push.ReconnectAttempts,
			HandshakeTimeout:  config.ParseDuration(cfg.Push.HandshakeTimeout, push.DefaultHandshakeTimeout),
		}, engine, logger)
		ag.workers = append(ag.workers, pushClient.Run)
	} else {
		logger.Warn().Msg("Push channel disabled, relying on polling only")
	}

	return ag, nil
}

// openStorage returns nil when the journal is disabled.
func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func newNotifier(cfg config.NotifyConfig, logger zerolog.Logger) (notify.Notifier, error) {
	if len(cfg.Command) == 0 {
		return notify.NewLogNotifier(logger), nil
	}
	n, err := notify.NewCommandNotifier(cfg.Command, config.ParseDuration(cfg.CommandTimeout, 5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}
	return n, nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
