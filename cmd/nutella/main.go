// Package main implements nutella, a command-line Nutella component.
//
// It joins an application run over MQTT, NATS or libp2p and either runs as a
// long-lived component (logging subscribed channels, echoing requests,
// optionally serving metrics and a WebSocket tap) or performs a single
// publish or request and exits.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aperritano/Nutella/config"
	"github.com/aperritano/Nutella/engine"
	"github.com/aperritano/Nutella/health"
	"github.com/aperritano/Nutella/metric"
	"github.com/aperritano/Nutella/tap"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "nutella"
)

const healthInterval = 5 * time.Second

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, format := cfg.Log.Level, cfg.Log.Format
	if cliCfg.LogLevel != "" {
		level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		format = cliCfg.LogFormat
	}
	// Logs go to stderr so -request output on stdout stays machine readable.
	logger := setupLogger(stderr, level, format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting Nutella component",
		"version", Version,
		"mode", cliCfg.Mode(),
		"transport", cfg.Transport.Kind,
		"app_id", cfg.Nutella.AppID,
		"run_id", cfg.Nutella.RunID,
		"component_id", cfg.Nutella.ComponentID)

	switch cliCfg.Mode() {
	case modePublish:
		return runOneShot(ctx, cfg, cliCfg, logger, func(ctx context.Context, eng *engine.Engine, payload json.RawMessage) error {
			if err := eng.Publish(ctx, cliCfg.PublishChannel, payload); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			logger.Info("Published", "channel", cliCfg.PublishChannel)
			return nil
		})
	case modeRequest:
		return runOneShot(ctx, cfg, cliCfg, logger, func(ctx context.Context, eng *engine.Engine, payload json.RawMessage) error {
			reqCtx, cancel := context.WithTimeout(ctx, cliCfg.RequestTimeout)
			defer cancel()
			resp, err := eng.Request(reqCtx, cliCfg.RequestChannel, payload)
			if err != nil {
				return fmt.Errorf("request: %w", err)
			}
			_, err = fmt.Fprintln(stdout, string(resp.Payload))
			return err
		})
	default:
		return runComponent(ctx, cfg, cliCfg, logger)
	}
}

// runOneShot connects, performs op and closes.
func runOneShot(
	ctx context.Context,
	cfg *config.Config,
	cliCfg *CLIConfig,
	logger *slog.Logger,
	op func(context.Context, *engine.Engine, json.RawMessage) error,
) error {
	if !json.Valid([]byte(cliCfg.Payload)) {
		return fmt.Errorf("payload is not valid JSON: %s", cliCfg.Payload)
	}

	t, err := newTransport(cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	eng, err := engine.New(t, namespace(cfg), &componentHandler{logger: logger}, engineOptions(cfg, nil, logger)...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer closeEngine(eng, cliCfg.ShutdownTimeout, logger)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	return op(ctx, eng, json.RawMessage(cliCfg.Payload))
}

// runComponent runs until ctx ends: the engine, the optional metrics
// endpoint, the optional tap and a health reporter share one errgroup.
func runComponent(ctx context.Context, cfg *config.Config, cliCfg *CLIConfig, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	t, err := newTransport(cfg, registry, logger)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	var handler engine.Handler = &componentHandler{logger: logger}
	var monitorTap *tap.Tap
	if cfg.Tap.Enabled {
		monitorTap, err = tap.New(cfg.Tap.Port, cfg.Tap.Path, handler,
			tap.WithChannels(cfg.Tap.Channels...),
			tap.WithHealth(monitor),
			tap.WithLogger(logger),
			tap.WithMetrics(registry))
		if err != nil {
			return fmt.Errorf("create tap: %w", err)
		}
		handler = monitorTap
	}

	eng, err := engine.New(t, namespace(cfg), handler, engineOptions(cfg, registry, logger)...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer closeEngine(eng, cliCfg.ShutdownTimeout, logger)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	for _, ch := range cliCfg.Subscribe {
		if err := eng.Subscribe(ctx, ch); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	for _, ch := range cliCfg.Echo {
		if err := eng.HandleRequest(ctx, ch); err != nil {
			return fmt.Errorf("handle requests on %s: %w", ch, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
			defer cancel()
			return server.Stop(stopCtx)
		})
		logger.Info("Serving metrics", "address", server.Address())
	}

	if monitorTap != nil {
		g.Go(func() error { return monitorTap.Start(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			return monitorTap.Stop(cliCfg.ShutdownTimeout)
		})
	}

	g.Go(func() error {
		reportHealth(gctx, eng, monitor)
		return nil
	})

	logger.Info("Nutella component running",
		"subscribed", cliCfg.Subscribe,
		"echo", cliCfg.Echo)

	err = g.Wait()
	logger.Info("Received shutdown signal")
	return err
}

// reportHealth copies the engine health into monitor until ctx ends.
func reportHealth(ctx context.Context, eng *engine.Engine, monitor *health.Monitor) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	monitor.Update("engine", eng.Health())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			monitor.Update("engine", eng.Health())
		}
	}
}

func closeEngine(eng *engine.Engine, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		logger.Warn("Engine close failed", "error", err)
	}
}
