// Package metrics exposes Prometheus metrics for the hub daemon.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fixrelay/fixrelay/pkg/ingest"
	"github.com/fixrelay/fixrelay/pkg/logx"
)

// Server scrapes the ingestion pipeline into Prometheus metrics
type Server struct {
	pipeline  *ingest.Pipeline
	logger    *logx.Logger
	server    *http.Server
	startTime time.Time
	version   string

	fixesAdmitted  prometheus.Gauge
	fixesRejected  *prometheus.GaugeVec
	decodeFailures prometheus.Gauge
	deliveries     *prometheus.GaugeVec
	historySize    prometheus.Gauge
	syncDegraded   prometheus.Gauge
	linkHealth     *prometheus.GaugeVec
	hubUptime      prometheus.Gauge
	hubVersion     *prometheus.GaugeVec
}

// NewServer creates a metrics server over the given pipeline
func NewServer(pipeline *ingest.Pipeline, version string, logger *logx.Logger) *Server {
	s := &Server{
		pipeline:  pipeline,
		logger:    logger,
		startTime: time.Now(),
		version:   version,
	}
	s.registerMetrics()
	return s
}

// registerMetrics registers all Prometheus metrics
func (s *Server) registerMetrics() {
	s.fixesAdmitted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixrelay_fixes_admitted_total",
		Help: "Total fixes admitted into the hub history",
	})

	s.fixesRejected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fixrelay_fixes_rejected_total",
			Help: "Total fixes rejected, by reason",
		},
		[]string{"reason"},
	)

	s.decodeFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixrelay_decode_failures_total",
		Help: "Total telemetry payloads that failed to decode",
	})

	s.deliveries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fixrelay_deliveries_total",
			Help: "Total telemetry deliveries, by path",
		},
		[]string{"path"},
	)

	s.historySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixrelay_history_size",
		Help: "Fixes currently held in the bounded history",
	})

	s.syncDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixrelay_sync_degraded",
		Help: "Whether repeated decode failures degraded the sync channel (1=degraded)",
	})

	s.linkHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fixrelay_link_health",
			Help: "Connectivity health classification (1 for the active state)",
		},
		[]string{"state"},
	)

	s.hubUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixrelay_hub_uptime_seconds",
		Help: "Hub daemon uptime in seconds",
	})

	s.hubVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fixrelay_hub_version_info",
			Help: "Hub daemon version information",
		},
		[]string{"version"},
	)

	prometheus.MustRegister(
		s.fixesAdmitted,
		s.fixesRejected,
		s.decodeFailures,
		s.deliveries,
		s.historySize,
		s.syncDegraded,
		s.linkHealth,
		s.hubUptime,
		s.hubVersion,
	)
}

// Start starts the metrics server
func (s *Server) Start(port int) error {
	s.logger.Info("starting metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err.Error())
		}
	}()

	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// UpdateMetrics refreshes every metric from the current pipeline snapshot;
// call it on a periodic timer
func (s *Server) UpdateMetrics() {
	stats := s.pipeline.Stats()

	s.fixesAdmitted.Set(float64(stats.Admitted))
	for reason, count := range stats.Rejected {
		s.fixesRejected.With(prometheus.Labels{"reason": string(reason)}).Set(float64(count))
	}
	s.decodeFailures.Set(float64(stats.DecodeFailures))
	for path, count := range stats.Deliveries {
		s.deliveries.With(prometheus.Labels{"path": string(path)}).Set(float64(count))
	}
	s.historySize.Set(float64(stats.HistoryLen))

	if stats.SyncDegraded {
		s.syncDegraded.Set(1)
	} else {
		s.syncDegraded.Set(0)
	}

	for _, state := range []ingest.Health{
		ingest.HealthExcellent, ingest.HealthDegraded, ingest.HealthUnreachable, ingest.HealthUnknown,
	} {
		value := 0.0
		if stats.Health == state {
			value = 1.0
		}
		s.linkHealth.With(prometheus.Labels{"state": string(state)}).Set(value)
	}

	s.hubUptime.Set(time.Since(s.startTime).Seconds())
	s.hubVersion.With(prometheus.Labels{"version": s.version}).Set(1)
}
