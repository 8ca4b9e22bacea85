package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fixrelay/fixrelay/pkg/config"
	"github.com/fixrelay/fixrelay/pkg/geofence"
	"github.com/fixrelay/fixrelay/pkg/health"
	"github.com/fixrelay/fixrelay/pkg/ingest"
	"github.com/fixrelay/fixrelay/pkg/logx"
	"github.com/fixrelay/fixrelay/pkg/metrics"
	"github.com/fixrelay/fixrelay/pkg/recovery"
	"github.com/fixrelay/fixrelay/pkg/transport"
)

const (
	version = "1.0.0-dev"
	appName = "fixhubd"
)

func main() {
	var (
		configFile  = flag.String("config", "/etc/fixrelay/hub.json", "config file path")
		logLevel    = flag.String("log-level", "", "log level override (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := config.LoadHub(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logx.New(cfg.LogLevel)
	logger.Info("starting hub daemon",
		"version", version,
		"device_id", cfg.DeviceID,
		"config", *configFile,
	)

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

	var zones geofence.Evaluator
	if len(cfg.Zones) > 0 {
		zs := make([]geofence.Zone, 0, len(cfg.Zones))
		for _, z := range cfg.Zones {
			zs = append(zs, geofence.Zone{
				Name:      z.Name,
				Latitude:  z.Latitude,
				Longitude: z.Longitude,
				RadiusM:   z.RadiusM,
			})
		}
		zones = geofence.NewCircleEvaluator(zs, logger, nil)
		logger.Info("geofence zones configured", "count", len(zs))
	}

	pipelineConfig := ingest.DefaultConfig()
	pipelineConfig.Mode = cfg.Mode
	pipelineConfig.DeviceID = cfg.DeviceID
	if cfg.HistoryCapacity > 0 {
		pipelineConfig.HistoryCapacity = cfg.HistoryCapacity
	}

	pipeline := ingest.New(pipelineConfig, store, zones, logger)

	statusServer := health.NewServer(pipeline, version, logger)
	pipeline.SetOnAdmitted(statusServer.Broadcast)

	metricsServer := metrics.NewServer(pipeline, version, logger)

	link := transport.NewMQTTLink(cfg.MQTT, logger)
	if err := link.Connect(); err != nil {
		logger.Error("failed to connect transport", "error", err.Error())
		os.Exit(1)
	}
	defer link.Disconnect()

	statusServer.SetCommandPublisher(link.PublishCommand)

	if err := link.SubscribeTelemetry(pipeline.HandleDelivery); err != nil {
		logger.Error("failed to subscribe to telemetry", "error", err.Error())
		os.Exit(1)
	}
	link.OnReachabilityChanged(func(reachable bool) {
		logger.Info("device reachability changed", "reachable", reachable)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A fix saved through the emergency side channel may be fresher than
	// anything the direct transport delivers for a while.
	pipeline.SeedFromRecovery(ctx)

	if err := statusServer.Start(cfg.StatusPort); err != nil {
		logger.Error("failed to start status server", "error", err.Error())
		os.Exit(1)
	}
	defer statusServer.Stop()

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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("hub daemon started",
		"status_port", cfg.StatusPort,
		"metrics_port", cfg.MetricsPort,
	)
	pipeline.Run(ctx)
	logger.Info("hub daemon stopped")
}
