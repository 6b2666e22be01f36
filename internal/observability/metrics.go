package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the reconciler.
type Metrics struct {
	// --- Ingestion ---
	EventsAccepted    prometheus.Counter
	EventsRejected    *prometheus.CounterVec // reason: validation, decode
	EventsDuplicate   prometheus.Counter
	IngestRunDuration prometheus.Histogram
	IngestRunsTotal   prometheus.Counter

	// --- Reconciliation ---
	ClosedPositions  prometheus.Counter
	OpenPositions    prometheus.Gauge
	ReconAnomalies   *prometheus.CounterVec // kind: duplicate_open, close_without_open, oversized_close
	ReconRunDuration prometheus.Histogram

	// --- Persistence ---
	EventLogWrites prometheus.Counter
	MirrorErrors   prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	runBuckets := []float64{
		0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30,
	}

	return &Metrics{
		EventsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recon_ingest_events_accepted_total",
			Help: "Events accepted into the canonical log",
		}),

		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_ingest_events_rejected_total",
			Help: "Events dropped during ingestion",
		}, []string{"reason"}),

		EventsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recon_ingest_events_duplicate_total",
			Help: "Events skipped by the watermark",
		}),

		IngestRunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recon_ingest_run_duration_seconds",
			Help:    "Wall time of one ingestion run",
			Buckets: runBuckets,
		}),

		IngestRunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recon_ingest_runs_total",
			Help: "Ingestion runs executed",
		}),

		ClosedPositions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recon_pnl_closed_positions_total",
			Help: "Closed-position records emitted by the PnL engine",
		}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "recon_pnl_open_positions",
			Help: "Positions still open after the latest replay",
		}),

		ReconAnomalies: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_pnl_anomalies_total",
			Help: "Non-fatal anomalies flagged during replay",
		}, []string{"kind"}),

		ReconRunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recon_pnl_run_duration_seconds",
			Help:    "Wall time of one PnL replay",
			Buckets: runBuckets,
		}),

		EventLogWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recon_eventlog_writes_total",
			Help: "Events appended to the canonical log",
		}),

		MirrorErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recon_eventlog_mirror_errors_total",
			Help: "Failed writes to the Postgres event mirror",
		}),
	}
}
