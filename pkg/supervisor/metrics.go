package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the supervisor's Prometheus collectors on a private registry.
type Metrics struct {
	reclaimedChunks       prometheus.Counter
	reclaimedParticipants prometheus.Counter
	corruptedLedgers      prometheus.Counter
	reclaimErrors         *prometheus.CounterVec
	activeParticipants    prometheus.Gauge
	queueDepth            prometheus.Gauge
	scanDuration          prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "shmipc"
	}
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.reclaimedChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reclaimed_chunks_total",
		Help:      "Chunks returned to their pools on behalf of dead participants.",
	})
	m.reclaimedParticipants = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reclaimed_participants_total",
		Help:      "Dead participants whose resources were reclaimed.",
	})
	m.corruptedLedgers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "corrupted_ledgers_total",
		Help:      "Ledgers found structurally damaged during cleanup.",
	})
	m.reclaimErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reclaim_errors_total",
		Help:      "Reclaim attempts that failed, by reason.",
	}, []string{"reason"})
	m.activeParticipants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_participants",
		Help:      "Participants registered in the table at the last scan.",
	})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reclaim_queue_depth",
		Help:      "Dead participants waiting for cleanup.",
	})
	m.scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scan_duration_seconds",
		Help:      "Duration of participant table scans.",
		Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
	})

	m.registry.MustRegister(
		m.reclaimedChunks,
		m.reclaimedParticipants,
		m.corruptedLedgers,
		m.reclaimErrors,
		m.activeParticipants,
		m.queueDepth,
		m.scanDuration,
	)
	return m
}

// Registry returns the registry the collectors are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
