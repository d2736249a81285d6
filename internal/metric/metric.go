// Package metric provides the prometheus collectors of the gateway client,
// the edit-session coordinator and the rule store server.
package metric

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rulekeeper"

// Metrics contains every rulekeeper collector.
type Metrics struct {
	// Gateway (client side)
	GatewayRequests *prometheus.CounterVec
	GatewayDuration *prometheus.HistogramVec

	// Edit sessions
	DirtySessions prometheus.Gauge
	Discards      *prometheus.CounterVec

	// Rule store (server side)
	StoreRequests *prometheus.CounterVec
	StoreDuration *prometheus.HistogramVec
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		GatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Rule store requests issued by the gateway",
			},
			[]string{"topic", "outcome"},
		),
		GatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Gateway request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		DirtySessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "dirty",
				Help:      "Rule rows currently holding unsaved changes",
			},
		),
		Discards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "discards_total",
				Help:      "Edit sessions discarded, by trigger",
			},
			[]string{"trigger"},
		),
		StoreRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "requests_total",
				Help:      "Rule store RPCs handled, by gRPC status code",
			},
			[]string{"method", "code"},
		),
		StoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "request_duration_seconds",
				Help:      "Rule store RPC latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.GatewayRequests, m.GatewayDuration,
		m.DirtySessions, m.Discards,
		m.StoreRequests, m.StoreDuration,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return nil
}

// ObserveGateway records one gateway call.
func (m *Metrics) ObserveGateway(topic, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(topic, outcome).Inc()
	m.GatewayDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
}

// ObserveStore records one handled RPC.
func (m *Metrics) ObserveStore(method, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StoreRequests.WithLabelValues(method, code).Inc()
	m.StoreDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// SetDirty records the number of dirty sessions.
func (m *Metrics) SetDirty(n int) {
	if m == nil {
		return
	}
	m.DirtySessions.Set(float64(n))
}

// Discarded counts a discarded session.
func (m *Metrics) Discarded(trigger string) {
	if m == nil {
		return
	}
	m.Discards.WithLabelValues(trigger).Inc()
}

// NewRegistry creates a registry holding m plus Go runtime and process collectors.
func NewRegistry(m *Metrics) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Server exposes a registry over HTTP.
type Server struct {
	server *http.Server
}

// NewServer serves reg on addr at /metrics.
func NewServer(addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until Shutdown. Returns nil after a clean shutdown.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
