package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fixrelay/fixrelay/pkg/cadence"
	"github.com/fixrelay/fixrelay/pkg/config"
	"github.com/fixrelay/fixrelay/pkg/fix"
	"github.com/fixrelay/fixrelay/pkg/logx"
	"github.com/fixrelay/fixrelay/pkg/metrics"
	"github.com/fixrelay/fixrelay/pkg/producer"
	"github.com/fixrelay/fixrelay/pkg/recovery"
	"github.com/fixrelay/fixrelay/pkg/router"
	"github.com/fixrelay/fixrelay/pkg/transport"
)

const (
	version = "1.0.0-dev"
	appName = "fixrelayd"
)

// logObserver surfaces producer events in the daemon log and the
// delivery-error counter
type logObserver struct {
	logger  *logx.Logger
	metrics *metrics.DeviceServer
}

func (o logObserver) OnFixProduced(f fix.Fix) {
	o.logger.Debug("fix delivered", "seq", f.Sequence, "lat", f.Latitude, "lon", f.Longitude)
}

func (o logObserver) OnFailure(err error) {
	o.logger.Warn("producer failure", "error", err.Error())
	if o.metrics != nil {
		o.metrics.RecordDeliveryError(string(router.KindOf(err)))
	}
}

func (o logObserver) OnRemoteStopReceived() {
	o.logger.Info("tracking stopped remotely")
}

func (o logObserver) OnReachabilityChanged(reachable bool) {
	o.logger.Info("hub reachability changed", "reachable", reachable)
}

func main() {
	var (
		configFile  = flag.String("config", "/etc/fixrelay/device.json", "config file path")
		logLevel    = flag.String("log-level", "", "log level override (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := config.LoadDevice(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logx.New(cfg.LogLevel)
	logger.Info("starting device daemon",
		"version", version,
		"device_id", cfg.DeviceID,
		"config", *configFile,
	)

	link := transport.NewMQTTLink(cfg.MQTT, logger)
	if err := link.Connect(); err != nil {
		logger.Error("failed to connect transport", "error", err.Error())
		os.Exit(1)
	}
	defer link.Disconnect()

	var store recovery.Store
	if cfg.RecoveryDBPath != "" {
		sqlite, err := recovery.OpenSQLite(cfg.RecoveryDBPath)
		if err != nil {
			logger.Error("failed to open recovery store", "error", err.Error(), "path", cfg.RecoveryDBPath)
			os.Exit(1)
		}
		defer sqlite.Close()
		store = sqlite
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineConfig := producer.DefaultConfig()
	engineConfig.DeviceID = cfg.DeviceID

	observer := logObserver{logger: logger}

	engine := producer.New(engineConfig, producer.Deps{
		Link:     link,
		Router:   router.New(link, router.DefaultConfig(), logger),
		Cadence:  cadence.New(cadence.DefaultConfig(), fix.PresetAggressive),
		Source:   producer.NewSimulatedSource(cfg.SimLatitude, cfg.SimLongitude),
		Grant:    producer.NoopGrant{},
		States:   producer.NewFileStateStore(cfg.StatePath),
		Recovery: store,
		Observer: &observer,
		Logger:   logger,
	})

	if cfg.MetricsPort > 0 {
		metricsServer := metrics.NewDeviceServer(engine.Snapshot, logger)
		observer.metrics = metricsServer
		if err := metricsServer.Start(cfg.MetricsPort); err != nil {
			logger.Error("failed to start metrics server", "error", err.Error())
			os.Exit(1)
		}
		defer metricsServer.Stop()

		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					metricsServer.UpdateMetrics()
				}
			}
		}()
	}

	if err := link.SubscribeCommands(engine.HandleCommandPayload); err != nil {
		logger.Error("failed to subscribe to commands", "error", err.Error())
		os.Exit(1)
	}
	link.OnReachabilityChanged(observer.OnReachabilityChanged)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := engine.Start(); err != nil {
		logger.Error("failed to start tracking", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("device daemon started")
	engine.Run(ctx)
	logger.Info("device daemon stopped")
}
