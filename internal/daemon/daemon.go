// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/capmux/internal/command"
	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/diag"
	logpkg "firestige.xyz/capmux/internal/log"
	"firestige.xyz/capmux/internal/metrics"
	"firestige.xyz/capmux/internal/pipeline"
)

// Version is reported in the startup log.
const Version = "0.1.0"

// defaultStopTimeout bounds how long Stop waits for sinks to drain.
const defaultStopTimeout = 10 * time.Second

// Daemon manages the capmux daemon process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// StopTimeout bounds the pipeline drain on shutdown.
	StopTimeout time.Duration

	// Core components
	bus           *diag.Bus
	pipeline      *pipeline.Pipeline
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal // promoted from Run() local for cleanup in Stop()
	stopOnce     sync.Once
}

// New creates a new Daemon instance. Empty socketPath and pidFile fall back
// to the control section of the configuration.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		StopTimeout:  defaultStopTimeout,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Pipeline returns the running pipeline, nil before Start.
func (d *Daemon) Pipeline() *pipeline.Pipeline { return d.pipeline }

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting capmux daemon",
		"version", Version,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Diagnostics bus: every event is logged and counted
	d.bus = diag.New(d.config.Diag.Partitions, d.config.Diag.QueueSize)
	d.bus.Subscribe(diag.All, diag.LogHandler(nil))
	d.bus.Subscribe(diag.All, metrics.DiagHandler())

	// 5. Build and start the pipeline
	p, err := pipeline.Build(d.ctx, d.config, d.bus)
	if err != nil {
		d.Stop()
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	d.pipeline = p
	if err := p.Start(d.ctx); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	// 6. Control plane
	d.cmdHandler = command.NewCommandHandler(p, d.config.Fanout)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon.shutdown command")
		d.TriggerShutdown()
	})
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	if err := d.udsServer.Listen(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start control socket: %w", err)
	}
	go func() {
		if err := d.udsServer.Serve(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("uds server failed", "error", err)
		}
	}()

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once and after a failed Start.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop UDS server (no new commands)
	if d.udsServer != nil {
		d.udsServer.Stop()
	}

	// 2. Drain the pipeline into the sinks
	if d.pipeline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.StopTimeout)
		if err := d.pipeline.Stop(ctx); err != nil {
			slog.Error("pipeline did not drain in time", "error", err)
		}
		cancel()
	}

	// 3. Stop metrics server
	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(context.Background()); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 4. Diagnostics last, so shutdown problems are still reported
	if d.bus != nil {
		d.bus.Close()
	}

	// 5. Cancel context to signal all goroutines
	d.cancel()

	// 6. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 7. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")

	// 8. Release the rotated log file
	logpkg.Close()
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon.shutdown command via UDS
//
// SIGHUP re-reads the logging configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log level/format/outputs.
// Cold (requires restart or the control plane): sources, sinks, stage
// settings, listen addresses.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}
	old := d.config
	d.config = newConfig
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
		d.config = old
		return err
	}
	if newConfig.Log != old.Log {
		hotReloaded = append(hotReloaded, "log")
	}

	requiresRestart := []string{}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.Control != old.Control {
		requiresRestart = append(requiresRestart, "control")
	}
	if len(newConfig.Sources) != len(old.Sources) || len(newConfig.Sinks) != len(old.Sinks) {
		requiresRestart = append(requiresRestart, "sources/sinks")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown triggers graceful shutdown from an external caller.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
		// already pending
	}
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	srv := metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := srv.Start(d.ctx); err != nil {
		return err
	}
	d.metricsServer = srv
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
