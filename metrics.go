package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics tracks vendor traffic and recovery attempts. A nil
// *GatewayMetrics records nothing.
type GatewayMetrics struct {
	Requests           *prometheus.CounterVec
	Duration           *prometheus.HistogramVec
	Recoveries         *prometheus.CounterVec
	FingerprintFetches *prometheus.CounterVec
}

var requestDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// NewGatewayMetrics registers the collectors on reg, or on the default
// registerer when reg is nil.
func NewGatewayMetrics(namespace string, reg prometheus.Registerer) *GatewayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &GatewayMetrics{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vendor_requests_total",
				Help:      "Vendor API requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vendor_request_duration_seconds",
				Help:      "Latency of single vendor API attempts",
				Buckets:   requestDurationBuckets,
			},
			[]string{"endpoint"},
		),
		Recoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vendor_recoveries_total",
				Help:      "Recovery attempts by kind (fingerprint, auth) and outcome",
			},
			[]string{"kind", "outcome"},
		),
		FingerprintFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_fingerprint_fetches_total",
				Help:      "Device fingerprint fetches by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *GatewayMetrics) observeRequest(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(endpoint, outcome).Inc()
	m.Duration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *GatewayMetrics) observeRecovery(kind string, err error) {
	if m == nil {
		return
	}
	m.Recoveries.WithLabelValues(kind, outcomeLabel(err)).Inc()
}

func (m *GatewayMetrics) observeFingerprintFetch(err error) {
	if m == nil {
		return
	}
	m.FingerprintFetches.WithLabelValues(outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// serveMetrics exposes reg on addr under /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Log("Metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log("Metrics server stopped: %v", err)
		}
	}()
}
