//go:build linux

package endpoint

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmipc-core/pkg/chunk"
	"github.com/srediag/shmipc-core/pkg/ledger"
	"github.com/srediag/shmipc-core/pkg/participant"
	"github.com/srediag/shmipc-core/pkg/relptr"
	"github.com/srediag/shmipc-core/pkg/shm"
)

type EndpointTestSuite struct {
	suite.Suite
	seg   *shm.Segment
	views *shm.Views
}

func (s *EndpointTestSuite) SetupTest() {
	ctx := context.Background()
	seg, err := shm.Open(ctx, shm.OpenOptions{
		Path:     filepath.Join(s.T().TempDir(), "segment"),
		ID:       2,
		Size:     1 << 16,
		Create:   true,
		Registry: relptr.NewRegistry(),
	})
	s.Require().NoError(err)
	s.seg = seg
	s.views, err = shm.FormatSegment(seg, shm.LayoutConfig{
		Classes:         []chunk.SizeCountPair{{Size: 64, Count: 6}},
		LedgerCapacity:  3,
		MaxParticipants: 2,
	})
	s.Require().NoError(err)
}

func (s *EndpointTestSuite) TearDownTest() {
	s.views.Close()
	s.Require().NoError(s.seg.Close(context.Background()))
}

func (s *EndpointTestSuite) free() int {
	return s.views.Chunks.Stats()[64]
}

func (s *EndpointTestSuite) TestRegistersInTable() {
	e, err := New(s.views, "producer")
	s.Require().NoError(err)
	s.Require().Equal("producer", e.Name())

	slot, err := s.views.Table.Get(e.Slot())
	s.Require().NoError(err)
	s.Require().Equal(participant.StateActive, slot.State)
	s.Require().False(slot.Ledger.IsNull())

	addr, err := s.seg.Registry().Decode(slot.Ledger)
	s.Require().NoError(err)
	s.Require().Equal(uintptr(s.views.Layout.LedgerOffset), addr-s.seg.Registry().Segments()[0].Base)

	s.Require().NoError(e.Close())
	s.Require().Empty(s.views.Table.Slots())
	s.Require().ErrorIs(e.Close(), ErrEndpointClosed)
}

func (s *EndpointTestSuite) TestLoanRelease() {
	e, err := New(s.views, "producer")
	s.Require().NoError(err)
	defer e.Close()

	c, err := e.Loan(32)
	s.Require().NoError(err)
	s.Require().Equal([]relptr.Handle{c.Handle}, e.Held())
	s.Require().Equal(5, s.free())

	s.Require().NoError(e.Release(c))
	s.Require().Empty(e.Held())
	s.Require().Equal(6, s.free())
	s.Require().ErrorIs(e.Release(c), ErrChunkNotTracked)
	s.Require().Equal(6, s.free())
}

func (s *EndpointTestSuite) TestLedgerFullIsBackpressure() {
	e, err := New(s.views, "producer")
	s.Require().NoError(err)
	defer e.Close()

	for i := 0; i < 3; i++ {
		_, err := e.Loan(8)
		s.Require().NoError(err)
	}
	_, err = e.Loan(8)
	s.Require().ErrorIs(err, ErrTooManyChunksHeld)
	s.Require().Equal(3, s.free())
	s.Require().Len(e.Held(), 3)
}

func (s *EndpointTestSuite) TestReceiveSharesOwnership() {
	producer, err := New(s.views, "producer")
	s.Require().NoError(err)
	consumer, err := New(s.views, "consumer")
	s.Require().NoError(err)
	_, err = New(s.views, "third")
	s.Require().ErrorIs(err, participant.ErrTableFull)

	c, err := producer.Loan(16)
	s.Require().NoError(err)
	copy(c.Payload, "sample")

	got, err := consumer.Receive(c.Handle)
	s.Require().NoError(err)
	s.Require().Equal("sample", string(got.Payload[:6]))

	s.Require().NoError(producer.Release(c))
	s.Require().Equal(5, s.free())
	s.Require().NoError(consumer.Release(got))
	s.Require().Equal(6, s.free())

	s.Require().NoError(producer.Close())
	s.Require().NoError(consumer.Close())
}

func (s *EndpointTestSuite) TestCloseReturnsHeldChunks() {
	e, err := New(s.views, "producer")
	s.Require().NoError(err)
	for i := 0; i < 3; i++ {
		_, err := e.Loan(8)
		s.Require().NoError(err)
	}
	s.Require().Equal(3, s.free())
	s.Require().NoError(e.Close())
	s.Require().Equal(6, s.free())

	_, err = e.Loan(8)
	s.Require().ErrorIs(err, ErrEndpointClosed)
}

func (s *EndpointTestSuite) TestCloseWhileLoaning() {
	for iter := 0; iter < 50; iter++ {
		e, err := New(s.views, "producer")
		s.Require().NoError(err)

		var wg sync.WaitGroup
		failures := make(chan error, 2)
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					c, err := e.Loan(8)
					if errors.Is(err, ErrEndpointClosed) {
						return
					}
					if err != nil {
						failures <- err
						return
					}
					if err := e.Release(c); err != nil {
						if !errors.Is(err, ErrEndpointClosed) {
							failures <- err
						}
						return
					}
				}
			}()
		}
		s.Require().NoError(e.Close())
		wg.Wait()
		close(failures)
		for err := range failures {
			s.Require().NoError(err)
		}

		s.Require().Equal(6, s.free(), "iteration %d", iter)
		l, err := ledger.Attach(s.views.LedgerBytes(e.Slot()))
		s.Require().NoError(err)
		s.Require().Empty(l.Handles(), "iteration %d", iter)
		s.Require().Empty(s.views.Table.Slots())
	}
}

func TestEndpointTestSuite(t *testing.T) {
	suite.Run(t, new(EndpointTestSuite))
}
