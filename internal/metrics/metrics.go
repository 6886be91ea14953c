// Package metrics provides Prometheus metrics for the settlement engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	OpTotal     *prometheus.CounterVec   // op, result
	OpLatencyMS *prometheus.HistogramVec // op

	BatchesProcessed *prometheus.CounterVec // kind
	OpenSupplied     *prometheus.GaugeVec   // kind
	Paused           prometheus.Gauge

	KeeperRuns *prometheus.CounterVec // kind, result
	SinkErrors *prometheus.CounterVec // sink

	registry *prometheus.Registry
}

// New creates the metric set on its own registry so several engines can
// coexist in one process.
func New() *Metrics {
	m := &Metrics{
		OpTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_op_total",
				Help: "Ledger operations by result",
			},
			[]string{"op", "result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_op_latency_ms",
				Help:    "Latency of ledger operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"op"},
		),
		BatchesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_processed_total",
				Help: "Batches transitioned to claimable",
			},
			[]string{"kind"},
		),
		OpenSupplied: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "batch_open_supplied",
				Help: "Supplied total of the current open batch (base units, lossy above 2^53)",
			},
			[]string{"kind"},
		),
		Paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batch_engine_paused",
			Help: "1 while the engine is paused",
		}),
		KeeperRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_keeper_runs_total",
				Help: "Keeper processing attempts by result",
			},
			[]string{"kind", "result"},
		),
		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_event_sink_errors_total",
				Help: "Events a sink failed to deliver",
			},
			[]string{"sink"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.OpTotal,
		m.OpLatencyMS,
		m.BatchesProcessed,
		m.OpenSupplied,
		m.Paused,
		m.KeeperRuns,
		m.SinkErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
