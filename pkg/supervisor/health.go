package supervisor

import (
	"errors"

	"github.com/heptiolabs/healthcheck"
)

const maxGoroutines = 10000

// HealthHandler returns /live and /ready endpoints. Check results are also
// exported as gauges on the supervisor's metrics registry.
//
// Liveness: the scan loop progressed recently. Readiness: the segment is
// mapped and formatted.
func (s *Supervisor) HealthHandler() healthcheck.Handler {
	s.healthOnce.Do(func() { s.health = s.newHealthHandler() })
	return s.health
}

func (s *Supervisor) newHealthHandler() healthcheck.Handler {
	h := healthcheck.NewMetricsHandler(s.metrics.registry, "shmipc")
	h.AddLivenessCheck("scan-loop", s.Healthy)
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	h.AddReadinessCheck("segment", func() error {
		if s.views.Segment.Bytes() == nil {
			return errors.New("segment unmapped")
		}
		return nil
	})
	return h
}
