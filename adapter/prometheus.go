// Package adapter connects shmipc-core to external monitoring systems:
// Prometheus, OpenTelemetry and HTTP health probes.
package adapter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmipc-core/pkg/chunk"
	"github.com/srediag/shmipc-core/pkg/participant"
)

// PoolCollector exports chunk pool and participant table occupancy.
type PoolCollector struct {
	chunks *chunk.Manager
	table  *participant.Table

	free         *prometheus.Desc
	capacity     *prometheus.Desc
	participants *prometheus.Desc
}

// NewPoolCollector creates a collector over a segment's pools and table.
func NewPoolCollector(namespace string, chunks *chunk.Manager, table *participant.Table) *PoolCollector {
	return &PoolCollector{
		chunks: chunks,
		table:  table,
		free: prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", "free_chunks"),
			"Free chunks per chunk size.", []string{"chunk_size"}, nil),
		capacity: prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", "chunks"),
			"Total chunks per chunk size.", []string{"chunk_size"}, nil),
		participants: prometheus.NewDesc(prometheus.BuildFQName(namespace, "table", "participants"),
			"Participant table slots by state.", []string{"state"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.free
	ch <- c.capacity
	ch <- c.participants
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.chunks.Pools() {
		size := strconv.FormatUint(uint64(p.ChunkSize()), 10)
		ch <- prometheus.MustNewConstMetric(c.free, prometheus.GaugeValue, float64(p.Free()), size)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(p.Count()), size)
	}
	counts := map[participant.State]int{
		participant.StateClaimed:    0,
		participant.StateActive:     0,
		participant.StateReclaiming: 0,
	}
	for _, s := range c.table.Slots() {
		counts[s.State]++
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.participants, prometheus.GaugeValue, float64(n), state.String())
	}
}
