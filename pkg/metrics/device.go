package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fixrelay/fixrelay/pkg/logx"
	"github.com/fixrelay/fixrelay/pkg/producer"
)

// DeviceServer exposes producer-side Prometheus metrics
type DeviceServer struct {
	snapshot  func() producer.Snapshot
	logger    *logx.Logger
	server    *http.Server
	startTime time.Time

	producerPhase   *prometheus.GaugeVec
	fixesProduced   prometheus.Gauge
	pendingBatch    prometheus.Gauge
	restartAttempts prometheus.Gauge
	deliveryErrors  *prometheus.CounterVec
	deviceUptime    prometheus.Gauge
}

var producerPhases = []producer.Phase{
	producer.PhaseIdle,
	producer.PhaseTracking,
	producer.PhaseThermalDegraded,
	producer.PhaseThermalStopped,
}

// NewDeviceServer creates a metrics server over the given engine snapshot
func NewDeviceServer(snapshot func() producer.Snapshot, logger *logx.Logger) *DeviceServer {
	s := &DeviceServer{
		snapshot:  snapshot,
		logger:    logger,
		startTime: time.Now(),
	}
	s.registerMetrics()
	return s
}

func (s *DeviceServer) registerMetrics() {
	s.producerPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fixrelay_producer_phase",
			Help: "Producer state machine phase (1 for the active phase)",
		},
		[]string{"phase"},
	)

	s.fixesProduced = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixrelay_fixes_produced_total",
		Help: "Total fixes handed to the delivery router",
	})

	s.pendingBatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixrelay_pending_batch",
		Help: "Fixes buffered on the batched delivery path",
	})

	s.restartAttempts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixrelay_capture_restart_attempts",
		Help: "Consecutive capture restart attempts in the current episode",
	})

	s.deliveryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixrelay_delivery_errors_total",
			Help: "Total delivery failures, by kind",
		},
		[]string{"kind"},
	)

	s.deviceUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fixrelay_device_uptime_seconds",
		Help: "Device daemon uptime in seconds",
	})

	prometheus.MustRegister(
		s.producerPhase,
		s.fixesProduced,
		s.pendingBatch,
		s.restartAttempts,
		s.deliveryErrors,
		s.deviceUptime,
	)
}

// Start starts the device metrics server
func (s *DeviceServer) Start(port int) error {
	s.logger.Info("starting device metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("device metrics server error", "error", err.Error())
		}
	}()

	return nil
}

// Stop stops the device metrics server
func (s *DeviceServer) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// RecordDeliveryError counts one delivery failure; safe from any goroutine
func (s *DeviceServer) RecordDeliveryError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	s.deliveryErrors.With(prometheus.Labels{"kind": kind}).Inc()
}

// UpdateMetrics refreshes the gauges from the engine snapshot; call it on a
// periodic timer
func (s *DeviceServer) UpdateMetrics() {
	snap := s.snapshot()

	for _, phase := range producerPhases {
		value := 0.0
		if snap.Phase == phase {
			value = 1.0
		}
		s.producerPhase.With(prometheus.Labels{"phase": string(phase)}).Set(value)
	}
	s.fixesProduced.Set(float64(snap.Produced))
	s.pendingBatch.Set(float64(snap.PendingBatch))
	s.restartAttempts.Set(float64(snap.RestartAttempts))
	s.deviceUptime.Set(time.Since(s.startTime).Seconds())
}
