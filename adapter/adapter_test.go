//go:build linux

package adapter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/srediag/shmipc-core/pkg/chunk"
	"github.com/srediag/shmipc-core/pkg/relptr"
	"github.com/srediag/shmipc-core/pkg/shm"
)

type AdapterTestSuite struct {
	suite.Suite
	seg   *shm.Segment
	views *shm.Views
}

func (s *AdapterTestSuite) SetupTest() {
	ctx := context.Background()
	meter, tracer := Instrumentation()
	seg, err := shm.Open(ctx, shm.OpenOptions{
		Path:     filepath.Join(s.T().TempDir(), "segment"),
		ID:       5,
		Size:     1 << 16,
		Create:   true,
		Registry: relptr.NewRegistry(),
		Meter:    meter,
		Tracer:   tracer,
	})
	s.Require().NoError(err)
	s.seg = seg
	s.views, err = shm.FormatSegment(seg, shm.LayoutConfig{
		Classes:         []chunk.SizeCountPair{{Size: 64, Count: 4}, {Size: 512, Count: 2}},
		LedgerCapacity:  4,
		MaxParticipants: 2,
	})
	s.Require().NoError(err)
}

func (s *AdapterTestSuite) TearDownTest() {
	s.views.Close()
	s.Require().NoError(s.seg.Close(context.Background()))
}

func (s *AdapterTestSuite) TestPoolCollector() {
	_, err := s.views.Chunks.Loan(10)
	s.Require().NoError(err)
	_, err = s.views.Table.Claim(99, "p")
	s.Require().NoError(err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPoolCollector("shmipc", s.views.Chunks, s.views.Table))
	families, err := reg.Gather()
	s.Require().NoError(err)

	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			values[key] = m.GetGauge().GetValue()
		}
	}
	s.Require().Equal(float64(3), values["shmipc_pool_free_chunks/64"])
	s.Require().Equal(float64(2), values["shmipc_pool_free_chunks/512"])
	s.Require().Equal(float64(4), values["shmipc_pool_chunks/64"])
	s.Require().Equal(float64(1), values["shmipc_table_participants/claimed"])
	s.Require().Equal(float64(0), values["shmipc_table_participants/active"])
}

func (s *AdapterTestSuite) TestRegisterPoolGauges() {
	reg, err := RegisterPoolGauges(metricnoop.NewMeterProvider().Meter("test"), s.views.Chunks)
	s.Require().NoError(err)
	s.Require().NoError(reg.Unregister())
}

func (s *AdapterTestSuite) TestMux() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPoolCollector("shmipc", s.views.Chunks, s.views.Table))
	health := healthcheck.NewHandler()
	health.AddReadinessCheck("always", func() error { return nil })
	srv := httptest.NewServer(NewMux(reg, health))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	s.Require().NoError(err)
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	_ = resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().Contains(string(body), `shmipc_pool_free_chunks{chunk_size="64"} 4`)

	for _, path := range []string{"/live", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		s.Require().NoError(err)
		_ = resp.Body.Close()
		s.Require().Equal(http.StatusOK, resp.StatusCode, path)
	}
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}
