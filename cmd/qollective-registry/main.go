// Package main runs the Qollective agent registry against a NATS server, with health,
// metrics and a JSON-RPC view of the registry served over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/qollective/config"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/health"
	"github.com/c360/qollective/metric"
	"github.com/c360/qollective/natsclient"
	"github.com/c360/qollective/registry"
	"github.com/c360/qollective/transport/bus"
	"github.com/c360/qollective/transport/httpx"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "qollective-registry"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("Registry failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cliCfg, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	logger := cfg.Logging.NewLogger().With("service", appName, "version", Version, "pid", os.Getpid())
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	logger.Info("Starting Qollective registry",
		"build_time", BuildTime,
		"nats", cfg.NATS.URL(),
		"prefix", cfg.Registry.Prefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, cliCfg.ShutdownTimeout)
}

func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cliCfg.ConfigPaths {
		loader.AddLayer(path)
	}
	if cliCfg.EnvFile != "" {
		loader.AddEnvFile(cliCfg.EnvFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	metricsRegistry := metric.NewMetricsRegistry()
	metrics := metricsRegistry.CoreMetrics()

	opts := append(cfg.NATS.ClientOptions(cfg.TLS, logger), natsclient.WithMetrics(metrics))
	natsClient, err := natsclient.NewClient(cfg.NATS.URL(), opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := connectToNATS(ctx, natsClient, logger); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := natsClient.Close(closeCtx); err != nil {
			logger.Warn("NATS close failed", "error", err)
		}
	}()

	client := bus.New(natsClient,
		bus.WithConfig(cfg.Bus),
		bus.WithLogger(logger),
		bus.WithMetrics(metrics))

	svcOpts := []registry.ServiceOption{registry.WithLogger(logger), registry.WithMetrics(metrics)}
	if cfg.Registry.KVBucket != "" {
		mirror, err := openMirror(ctx, natsClient, cfg.Registry)
		if err != nil {
			return err
		}
		svcOpts = append(svcOpts, registry.WithMirror(mirror))
		logger.Info("Mirroring registry membership", "bucket", cfg.Registry.KVBucket)
	}

	svc, err := registry.NewService(client, cfg.Registry, svcOpts...)
	if err != nil {
		return fmt.Errorf("create registry service: %w", err)
	}

	mcp := httpx.NewMCP(httpx.Implementation{Name: appName, Version: Version})
	registry.RegisterMCP(mcp, svc.Registry())
	dispatcher := httpx.NewDispatcher(logger)
	mcp.Register(dispatcher)

	server, err := httpx.NewServer(cfg.HTTP.Server,
		httpx.WithDispatcher(dispatcher),
		httpx.WithMetricsRegistry(metricsRegistry),
		httpx.WithHealthCheck(newMonitor(natsClient, svc.Registry()).Check),
		httpx.WithServerLogger(logger))
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start registry service: %w", err)
	}
	logger.Info("Registry started", "subjects", svc.Subjects().Registration, "http", cfg.HTTP.Server.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")
		return svc.Stop(shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("Registry shutdown complete", "agents", svc.Registry().Len(), "events", svc.Seq())
	return nil
}

// connectToNATS establishes the connection and waits for it to be ready
func connectToNATS(ctx context.Context, natsClient *natsclient.Client, logger *slog.Logger) error {
	logger.Info("Connecting to NATS", "url", natsClient.URL())
	if err := natsClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nil
}

func openMirror(ctx context.Context, natsClient *natsclient.Client, cfg registry.Config) (*natsclient.KVStore, error) {
	bucket, err := natsClient.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.KVBucket,
		Description: "Qollective agent registry membership",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open registry bucket %s: %w", cfg.KVBucket, err)
	}
	return natsClient.NewKVStore(bucket), nil
}

// newMonitor reports the NATS connection and the agents the registry currently tracks.
func newMonitor(natsClient *natsclient.Client, reg *registry.Registry) *health.Monitor {
	monitor := health.NewMonitor(appName)
	monitor.AddChecker("nats", func(context.Context) health.Status {
		if !natsClient.IsHealthy() {
			return health.NewStatus("nats", health.Unhealthy, natsClient.Status().String())
		}
		status := health.NewStatus("nats", health.Healthy, "connected")
		if rtt, err := natsClient.RTT(); err == nil {
			status = status.WithDetail("rtt", rtt.String())
		}
		return status
	})
	monitor.AddChecker("registry", func(context.Context) health.Status {
		return registryStatus(reg.Snapshot())
	})
	return monitor
}

// registryStatus is degraded while any tracked agent is unresponsive.
func registryStatus(agents []registry.AgentInfo) health.Status {
	counts := map[registry.Health]int{}
	for _, a := range agents {
		counts[a.Health]++
	}
	state := health.Healthy
	message := fmt.Sprintf("%d agents", len(agents))
	if n := counts[registry.Unresponsive]; n > 0 {
		state = health.Degraded
		message = fmt.Sprintf("%d of %d agents unresponsive", n, len(agents))
	}
	return health.NewStatus("registry", state, message).
		WithDetail("healthy", counts[registry.Healthy]).
		WithDetail("degraded", counts[registry.Degraded]).
		WithDetail("unresponsive", counts[registry.Unresponsive])
}
