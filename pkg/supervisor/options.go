package supervisor

import (
	"time"

	"github.com/srediag/shmipc-core/api"
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithScanInterval sets how often the participant table is scanned.
func WithScanInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.scanInterval = d
	}
}

// WithWorkers sets the size of the cleanup worker pool.
func WithWorkers(n int) Option {
	return func(s *Supervisor) {
		s.workers = n
	}
}

// WithLivenessProbe replaces the process liveness check.
func WithLivenessProbe(alive func(pid uint32) bool) Option {
	return func(s *Supervisor) {
		s.alive = alive
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithReclaimer replaces the chunk manager as the destination of reclaimed
// handles.
func WithReclaimer(r api.Reclaimer) Option {
	return func(s *Supervisor) {
		s.reclaimer = r
	}
}
