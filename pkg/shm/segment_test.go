//go:build linux

package shm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shmipc-core/pkg/chunk"
	"github.com/srediag/shmipc-core/pkg/ipcmutex"
	"github.com/srediag/shmipc-core/pkg/relptr"
)

type SegmentTestSuite struct {
	suite.Suite
	ctx  context.Context
	path string
	reg  *relptr.Registry
}

func (s *SegmentTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.path = filepath.Join(s.T().TempDir(), "segment")
	s.reg = relptr.NewRegistry()
}

func (s *SegmentTestSuite) layoutConfig() LayoutConfig {
	return LayoutConfig{
		Classes:         []chunk.SizeCountPair{{Size: 128, Count: 8}, {Size: 4096, Count: 2}},
		LedgerCapacity:  4,
		MaxParticipants: 3,
	}
}

func (s *SegmentTestSuite) create(size int) *Segment {
	seg, err := Open(s.ctx, OpenOptions{
		Path:     s.path,
		ID:       7,
		Size:     size,
		Create:   true,
		Registry: s.reg,
		Meter:    metricnoop.NewMeterProvider().Meter("test"),
		Tracer:   tracenoop.NewTracerProvider().Tracer("test"),
	})
	s.Require().NoError(err)
	return seg
}

func (s *SegmentTestSuite) TestOpenRegistersAndCloseDeregisters() {
	seg := s.create(1 << 16)
	s.Require().Equal(uint16(7), seg.ID())
	s.Require().Equal(1<<16, seg.Size())
	s.Require().Equal(s.path, seg.Path())

	got, ok := s.reg.Lookup(7)
	s.Require().True(ok)
	s.Require().Equal(uintptr(1<<16), got.Size)

	s.Require().NoError(seg.Close(s.ctx))
	_, ok = s.reg.Lookup(7)
	s.Require().False(ok)
	s.Require().ErrorIs(seg.Close(s.ctx), ErrSegmentClosed)
	s.Require().NoError(seg.Remove())
}

func (s *SegmentTestSuite) TestOpenErrors() {
	_, err := Open(s.ctx, OpenOptions{Path: s.path, ID: 1, Create: true, Registry: s.reg})
	s.Require().ErrorIs(err, ErrInvalidSegmentSize)

	_, err = Open(s.ctx, OpenOptions{Path: s.path, ID: 1, Size: 1 << 62, Create: true, Registry: s.reg})
	s.Require().ErrorIs(err, ErrShareMemoryHadNotLeftSpace)

	seg := s.create(4096)
	defer func() { _ = seg.Close(s.ctx) }()
	_, err = Open(s.ctx, OpenOptions{Path: filepath.Join(s.T().TempDir(), "other"), ID: 7, Size: 4096, Create: true, Registry: s.reg})
	s.Require().ErrorIs(err, relptr.ErrSegmentIDInUse)
}

func (s *SegmentTestSuite) TestLayout() {
	l, err := ComputeLayout(s.layoutConfig())
	s.Require().NoError(err)
	s.Require().Len(l.Pools, 2)
	s.Require().Equal(HeaderSize, l.Pools[0].Offset)
	s.Require().Zero(l.Pools[1].Offset % regionAlign)
	s.Require().Greater(l.TableOffset, l.Pools[1].Offset)
	s.Require().Greater(l.LedgerOffset, l.TableOffset)
	s.Require().Equal(l.LedgerOffset+3*l.LedgerStride, l.Total)

	_, err = ComputeLayout(LayoutConfig{LedgerCapacity: 1, MaxParticipants: 1})
	s.Require().ErrorIs(err, ErrInvalidLayout)
	cfg := s.layoutConfig()
	cfg.LedgerCapacity = 0
	_, err = ComputeLayout(cfg)
	s.Require().ErrorIs(err, ErrInvalidLayout)
}

func (s *SegmentTestSuite) TestFormatAndAttachInSecondMapping() {
	seg := s.create(1 << 16)
	defer func() { _ = seg.Close(s.ctx) }()
	views, err := FormatSegment(seg, s.layoutConfig())
	s.Require().NoError(err)
	defer views.Close()

	_, err = FormatSegment(seg, s.layoutConfig())
	s.Require().ErrorIs(err, ErrInvalidLayout)

	c, err := views.Chunks.Loan(100)
	s.Require().NoError(err)
	copy(c.Payload, "across mappings")

	// another process: same file, its own registry and base address
	otherReg := relptr.NewRegistry()
	other, err := Open(s.ctx, OpenOptions{Path: s.path, ID: 7, Registry: otherReg})
	s.Require().NoError(err)
	defer func() { _ = other.Close(s.ctx) }()
	otherViews, err := AttachSegment(other)
	s.Require().NoError(err)
	defer otherViews.Close()

	s.Require().Equal(views.Layout, otherViews.Layout)
	s.Require().Equal(3, otherViews.Table.Len())
	s.Require().Len(otherViews.LedgerBytes(2), len(views.LedgerBytes(2)))

	resolved, err := otherViews.Chunks.Resolve(c.Handle)
	s.Require().NoError(err)
	s.Require().Equal("across mappings", string(resolved.Payload[:15]))
	s.Require().NoError(otherViews.Chunks.ReleaseHandle(c.Handle))
	s.Require().Equal(8, views.Chunks.Stats()[128])
}

func (s *SegmentTestSuite) TestAttachUnformatted() {
	seg := s.create(1 << 16)
	defer func() { _ = seg.Close(s.ctx) }()
	_, err := AttachSegment(seg)
	s.Require().ErrorIs(err, ErrSegmentNotFormatted)
}

func (s *SegmentTestSuite) TestFormatTooSmall() {
	seg := s.create(1024)
	defer func() { _ = seg.Close(s.ctx) }()
	_, err := FormatSegment(seg, s.layoutConfig())
	s.Require().ErrorIs(err, ErrSegmentTooSmall)
}

func (s *SegmentTestSuite) TestFailedFormatClosesPools() {
	seg := s.create(1 << 16)
	defer func() { _ = seg.Close(s.ctx) }()
	l, err := ComputeLayout(s.layoutConfig())
	s.Require().NoError(err)
	// leftover state where the second pool's mutex goes
	second := seg.Bytes()[l.Pools[1].Offset : l.Pools[1].Offset+ipcmutex.StateSize]
	for i := range second {
		second[i] = 0xff
	}

	before := ipcmutex.OpenHandles()
	_, err = FormatSegment(seg, s.layoutConfig())
	s.Require().ErrorIs(err, ipcmutex.ErrMutexAlreadyInitialized)
	s.Require().Equal(before, ipcmutex.OpenHandles())
	_, err = AttachSegment(seg)
	s.Require().ErrorIs(err, ErrSegmentNotFormatted)
}

func TestSegmentTestSuite(t *testing.T) {
	suite.Run(t, new(SegmentTestSuite))
}
