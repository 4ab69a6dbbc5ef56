package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/toolrelay/internal/buildinfo"
	"github.com/nugget/toolrelay/internal/collab"
	"github.com/nugget/toolrelay/internal/config"
	"github.com/nugget/toolrelay/internal/currency"
	"github.com/nugget/toolrelay/internal/emulator"
	"github.com/nugget/toolrelay/internal/forge"
	"github.com/nugget/toolrelay/internal/httpkit"
	"github.com/nugget/toolrelay/internal/messaging"
	"github.com/nugget/toolrelay/internal/mqtt"
	"github.com/nugget/toolrelay/internal/pricing"
	"github.com/nugget/toolrelay/internal/tools"
	"github.com/nugget/toolrelay/internal/toolserver"
)

// shutdownTimeout bounds the MQTT goodbye on exit.
const shutdownTimeout = 5 * time.Second

// runServe starts the primary tool server and blocks until SIGINT or
// SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath, true)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("starting toolrelay",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	reg, err := buildPrimaryRegistry(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("tools registered", "count", reg.Len())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := toolserver.New(reg, toolserver.Config{
		Addr:   cfg.Server.Listen,
		Name:   cfg.Server.Name,
		Logger: logger,
	})
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("tool server: %w", err)
	}
	logger.Info("toolrelay stopped")
	return nil
}

// buildPrimaryRegistry registers every general tool whose backing
// service is configured. Unconfigured services are skipped with a log
// line so a partial config still serves what it can.
func buildPrimaryRegistry(cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	reg := tools.NewRegistry(logger)

	if cfg.GitHub.Configured() {
		httpClient := httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithLogger(logger),
		)
		gh, err := forge.NewGitHub(httpClient, cfg.GitHub.Token, cfg.GitHub.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("github: %w", err)
		}
		forge.NewTools(gh, cfg.GitHub.Owner, logger).Register(reg)
	} else {
		logger.Info("github tools disabled (no token configured)")
	}

	if cfg.Currency.Configured() {
		currency.NewClient(cfg.Currency.URL, nil, logger).Register(reg)
	} else {
		logger.Info("exchange rate tool disabled (no url configured)")
	}

	if cfg.Pricing.Configured() {
		exec := tools.NewExecutor(tools.ExecConfig{
			DefaultTimeout: cfg.Pricing.Timeout,
			MaxTimeout:     cfg.Pricing.Timeout,
		})
		pricing.New(pricing.Config{
			Interpreter: cfg.Pricing.Interpreter,
			Script:      cfg.Pricing.Script,
			Timeout:     cfg.Pricing.Timeout,
		}, exec, logger).Register(reg)
	} else {
		logger.Info("budget tool disabled (no script configured)")
	}

	if cfg.Messaging.Configured() {
		messaging.NewSender(messaging.Config{
			URL:     cfg.Messaging.URL,
			Token:   cfg.Messaging.Token,
			Timeout: cfg.Messaging.Timeout,
		}, nil, logger).Register(reg)
	} else {
		logger.Info("messaging tool disabled (no url configured)")
	}

	if cfg.Reviews.Configured() {
		collab.NewReviewClient(cfg.Reviews.URL, cfg.Reviews.Token, nil, logger).RegisterTools(reg)
	}
	if cfg.Tickets.Configured() {
		collab.NewTicketClient(cfg.Tickets.URL, cfg.Tickets.Token, nil, logger).RegisterTools(reg)
	}

	return reg, nil
}

// runServeDevice starts the device tool server with the emulator
// workflow and, when a broker is configured, the MQTT step publisher.
func runServeDevice(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath, true)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("starting toolrelay device server",
		"version", buildinfo.Version,
		"config", cfgPath,
		"data_dir", cfg.DataDir,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := openDevice(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer dev.store.Close()

	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		pub := mqtt.New(cfg.MQTT, instanceID, cfg.DeviceServer.Name, logger)
		dev.workflow.SetPublisher(pub)
		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
		}()
		logger.Info("mqtt step publishing enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	}

	srv := toolserver.New(dev.registry, toolserver.Config{
		Addr:   cfg.DeviceServer.Listen,
		Name:   cfg.DeviceServer.Name,
		Logger: logger,
	})
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("device server: %w", err)
	}
	logger.Info("device server stopped")
	return nil
}

// deviceServer is everything the device tool server needs.
type deviceServer struct {
	store    *emulator.Store
	workflow *emulator.Workflow
	registry *tools.Registry
}

// openDevice opens the recording index under the data directory and
// wires the workflow to the emulator tooling. A nil driver means the
// real adb, emulator and avdmanager binaries from cfg.
func openDevice(cfg *config.Config, driver emulator.Device, logger *slog.Logger) (*deviceServer, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := emulator.OpenStore(filepath.Join(cfg.DataDir, "recordings.db"))
	if err != nil {
		return nil, fmt.Errorf("open recording index: %w", err)
	}

	em := cfg.DeviceServer.Emulator
	if driver == nil {
		driver = emulator.NewADB(emulator.ADBConfig{
			ADBPath:        em.ADBPath,
			EmulatorPath:   em.EmulatorPath,
			AVDManagerPath: em.AVDManagerPath,
		}, nil, logger)
	}

	wf := emulator.NewWorkflow(emulator.Config{
		AVDName:           em.AVDName,
		SystemImage:       em.SystemImage,
		PackageName:       em.PackageName,
		RecordingDir:      em.RecordingDir,
		RecordingDuration: time.Duration(em.RecordingDuration) * time.Second,
		Retention:         time.Duration(em.RetentionDays) * 24 * time.Hour,
		BootTimeout:       em.BootTimeout,
		WarmupDelay:       em.WarmupDelay,
		AwaitDelay:        em.AwaitDelay,
		RunTimeout:        em.RunTimeout,
	}, driver, store, logger)

	reg := tools.NewRegistry(logger)
	wf.Register(reg)

	return &deviceServer{store: store, workflow: wf, registry: reg}, nil
}
