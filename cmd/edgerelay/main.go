package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edgerelay/internal/api"
	"edgerelay/internal/config"
	"edgerelay/internal/event"
	"edgerelay/internal/logging"
	"edgerelay/internal/metrics"
	"edgerelay/internal/otel"
	"edgerelay/internal/pack"
	"edgerelay/internal/relay"
	"edgerelay/internal/retriever"
	"edgerelay/internal/store"
	"edgerelay/internal/version"
	"edgerelay/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "edgerelay: %v\n", err)
		return 2
	}
	if cfg.ShowVersion {
		info := version.GetVersionInfo()
		fmt.Fprintf(os.Stdout, "edgerelay %s\n", info.Version)
		return 0
	}

	logger := logging.NewLogger(logging.NewLogBuffer(logging.DefaultBufferSize), cfg.LogLevel)
	config.LogVersionInfo(logger)
	config.LogStartupFlags(logger, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	stopSignals := watchShutdownSignals(logger, cancel, signals)
	defer stopSignals()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("edgerelay stopped", map[string]string{"error": err.Error()})
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	coordinator := newShutdownCoordinator(logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = coordinator.Run(shutdownCtx)
	}()

	otelShutdown, err := otel.SetupSDK(ctx, otel.SDKOptions{
		Enabled:            cfg.OTelEnabled,
		HTTPEndpoint:       cfg.OTelEndpoint,
		ServiceVersion:     version.Version,
		ResourceAttributes: otel.ResourceAttributesFromEnv(),
	})
	if err != nil {
		logger.Warn("otel sdk setup failed", map[string]string{"error": err.Error()})
	} else {
		coordinator.Add("otel", otelShutdown)
	}
	instruments, err := otel.NewRelayInstruments()
	if err != nil {
		logger.Warn("otel instruments unavailable", map[string]string{"error": err.Error()})
	}

	backend, err := store.Open(ctx, cfg.StoreURI)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	keys, err := pack.NewKeyRing(ctx, backend, cfg.StoreKey)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("open key ring: %w", err)
	}

	stateBus := event.NewBus[event.StateEvent](ctx, busOptions("state", cfg, logger))
	relayBus := event.NewBus[event.RelayEvent](ctx, busOptions("relay", cfg, logger))
	relayEvents, unsubscribe := relayBus.Subscribe()
	go logRelayEvents(logger, relayEvents)

	registry := metrics.Default
	relayCtx, err := relay.New(ctx, relay.Options{
		Store:              backend,
		Keys:               keys,
		Label:              "edgerelay",
		Endpoint:           cfg.Endpoint,
		AckGrace:           cfg.AckGrace,
		AutoRequest:        cfg.AutoRequest,
		MediatorInvitation: cfg.MediatorInvitation,
		Retriever: retriever.Config{
			PollInterval:       cfg.PollInterval,
			ConnectTimeout:     cfg.ConnectTimeout,
			StallTimeout:       cfg.StallTimeout,
			BackoffMin:         cfg.BackoffMin,
			BackoffMax:         cfg.BackoffMax,
			OutboundQueueSize:  cfg.OutboundQueueSize,
			ForwardQueueSize:   cfg.ForwardQueueSize,
			ForwardMaxAttempts: cfg.ForwardMaxAttempts,
		},
		Logger:      logger,
		StateBus:    stateBus,
		RelayBus:    relayBus,
		Metrics:     registry,
		Instruments: instruments,
	})
	if err != nil {
		_ = backend.Close()
		return err
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Options{
		Relay:     relayCtx,
		Logger:    logger,
		Metrics:   registry,
		AuthToken: cfg.AdminToken,
		RateLimit: cfg.RateLimit,
		StateBus:  stateBus,
		RelayBus:  relayBus,
	})
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		relayCtx.Close()
		_ = backend.Close()
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	logger.Info("edgerelay listening", map[string]string{
		"addr":     listener.Addr().String(),
		"endpoint": cfg.Endpoint,
	})

	// Phases run in registration order.
	coordinator.Add("http", server.Shutdown)
	coordinator.Add("relay", func(context.Context) error {
		relayCtx.Close()
		return nil
	})
	coordinator.Add("events", func(context.Context) error {
		unsubscribe()
		relayBus.Close()
		stateBus.Close()
		return nil
	})
	coordinator.Add("store", func(context.Context) error {
		return backend.Close()
	})

	if cfg.ConfigPath != "" {
		if stop, err := watchLogLevel(ctx, cfg, logger); err != nil {
			logger.Warn("config watch unavailable", map[string]string{
				"path":  cfg.ConfigPath,
				"error": err.Error(),
			})
		} else {
			defer stop()
		}
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- relayCtx.Run(ctx)
	}()

	select {
	case err := <-runErr:
		return err
	case err, ok := <-serverErr:
		if ok && err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// busOptions configures the state and relay buses. Their events go to the
// OpenTelemetry log pipeline when it is enabled.
func busOptions(name string, cfg config.Config, logger *logging.Logger) event.BusOptions {
	return event.BusOptions{
		Name:        name,
		HistorySize: 100,
		Logger:      logger,
		EmitOTel:    cfg.OTelEnabled,
	}
}

func logRelayEvents(logger *logging.Logger, events <-chan event.RelayEvent) {
	for evt := range events {
		fields := evt.Attributes()
		fields["type"] = evt.Type()
		logger.Debug("relay event", fields)
	}
}

// watchLogLevel publishes config file changes on a config bus and applies
// log-level changes from it while the relay runs.
func watchLogLevel(ctx context.Context, cfg config.Config, logger *logging.Logger) (func(), error) {
	fileWatcher, err := watcher.NewWithOptions(watcher.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	configBus := event.NewBus[event.ConfigEvent](ctx, event.BusOptions{Name: "config", Logger: logger})
	cancel, err := fileWatcher.Watch(cfg.ConfigPath, func(change watcher.Event) {
		configBus.Publish(event.NewConfigEvent(change.Path, change.Op.String()))
	})
	if err != nil {
		configBus.Close()
		_ = fileWatcher.Close()
		return nil, err
	}
	changes, unsubscribe := configBus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range changes {
			reloadLogLevel(cfg, logger)
		}
	}()
	logger.Info("watching config for changes", map[string]string{"path": cfg.ConfigPath})
	return func() {
		cancel()
		_ = fileWatcher.Close()
		unsubscribe()
		configBus.Close()
		<-done
	}, nil
}

func reloadLogLevel(cfg config.Config, logger *logging.Logger) {
	level, ok, err := cfg.ReloadLogLevel()
	if err != nil {
		logger.Warn("config reload failed", map[string]string{
			"path":  cfg.ConfigPath,
			"error": err.Error(),
		})
		return
	}
	if !ok || level == logger.Level() {
		return
	}
	logger.SetLevel(level)
	logger.Info("log level changed", map[string]string{"level": string(level)})
}
