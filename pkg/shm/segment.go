package shm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shmipc-core/internal/logging"
	internalshm "github.com/srediag/shmipc-core/internal/shm"
	"github.com/srediag/shmipc-core/pkg/relptr"
)

const instrumentationName = "github.com/srediag/shmipc-core/pkg/shm"

var (
	// ErrShareMemoryHadNotLeftSpace is returned when the backing filesystem cannot hold the segment.
	ErrShareMemoryHadNotLeftSpace = errors.New("share memory had not left space")
	ErrInvalidSegmentSize         = errors.New("invalid segment size")
	ErrSegmentClosed              = errors.New("segment closed")
)

var log = logging.New("shm")

// OpenOptions defines options for creating or opening a shared-memory segment.
type OpenOptions struct {
	// Name is the identifier of the region below /dev/shm.
	Name string
	// Path overrides Name with an explicit backing file.
	Path string
	// ID is the segment id handles use; every participant must agree on it.
	ID uint16
	// Size is the segment size in bytes. Zero when attaching means the file size.
	Size int
	// Create creates the backing file; it must not exist yet.
	Create bool
	// Registry receives the mapping. Defaults to relptr.Default.
	Registry *relptr.Registry
	Meter    metric.Meter
	Tracer   trace.Tracer
}

// Segment is one mapped and registered shared-memory segment.
type Segment struct {
	id     uint16
	region *internalshm.MappedRegion
	reg    *relptr.Registry
	tracer trace.Tracer
	mapped metric.Int64UpDownCounter
	attrs  metric.MeasurementOption
	closed bool
}

// Open maps a segment and registers it under opts.ID.
func Open(ctx context.Context, opts OpenOptions) (seg *Segment, err error) {
	if opts.Meter == nil {
		opts.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if opts.Registry == nil {
		opts.Registry = relptr.Default
	}
	ctx, span := opts.Tracer.Start(ctx, "shm.Open", trace.WithAttributes(
		attribute.String("shm.name", opts.Name),
		attribute.String("shm.path", opts.Path),
		attribute.Int("shm.id", int(opts.ID)),
		attribute.Int("shm.size", opts.Size),
		attribute.Bool("shm.create", opts.Create),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if opts.Size < 0 || (opts.Create && opts.Size == 0) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSegmentSize, opts.Size)
	}
	mapOpts := internalshm.MapOptions{Name: opts.Name, Path: opts.Path, Size: opts.Size, Create: opts.Create}
	if opts.Create {
		if err = checkSpace(ctx, mapOpts, opts.Size); err != nil {
			return nil, err
		}
	}
	region, err := internalshm.MapRegion(ctx, mapOpts)
	if err != nil {
		return nil, err
	}
	if err = opts.Registry.RegisterBytes(opts.ID, region.Addr); err != nil {
		_ = internalshm.UnmapRegion(ctx, region)
		if opts.Create {
			_ = internalshm.Unlink(region)
		}
		return nil, fmt.Errorf("register segment %d: %w", opts.ID, err)
	}

	mapped, err := opts.Meter.Int64UpDownCounter("shm.segment.mapped_bytes",
		metric.WithDescription("Bytes of shared memory currently mapped"),
		metric.WithUnit("By"))
	if err != nil {
		log.Warnf("create mapped bytes counter: %v", err)
		mapped, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64UpDownCounter("shm.segment.mapped_bytes")
		err = nil
	}
	seg = &Segment{
		id:     opts.ID,
		region: region,
		reg:    opts.Registry,
		tracer: opts.Tracer,
		mapped: mapped,
		attrs:  metric.WithAttributes(attribute.String("shm.path", region.Path)),
	}
	seg.mapped.Add(ctx, int64(region.Size), seg.attrs)
	log.Infof("mapped segment %d at %s (%d bytes, create=%v)", opts.ID, region.Path, region.Size, opts.Create)
	return seg, nil
}

func checkSpace(ctx context.Context, opts internalshm.MapOptions, size int) error {
	dir := internalshm.DevShmDir
	if opts.Path != "" {
		dir = filepath.Dir(opts.Path)
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		log.Warnf("could not stat %s, skipping free space check: %v", dir, err)
		return nil
	}
	if usage.Free < uint64(size) {
		return fmt.Errorf("%w: %s has %d bytes free, need %d", ErrShareMemoryHadNotLeftSpace, dir, usage.Free, size)
	}
	return nil
}

// ID returns the segment id.
func (s *Segment) ID() uint16 { return s.id }

// Bytes returns the mapped memory.
func (s *Segment) Bytes() []byte { return s.region.Addr }

// Size returns the mapped size in bytes.
func (s *Segment) Size() int { return s.region.Size }

// Path returns the backing file.
func (s *Segment) Path() string { return s.region.Path }

// Registry returns the registry the segment is registered in.
func (s *Segment) Registry() *relptr.Registry { return s.reg }

// Close deregisters and unmaps the segment. The backing file is kept.
func (s *Segment) Close(ctx context.Context) error {
	if s.closed {
		return ErrSegmentClosed
	}
	ctx, span := s.tracer.Start(ctx, "shm.Close", trace.WithAttributes(attribute.Int("shm.id", int(s.id))))
	defer span.End()
	s.closed = true
	if err := s.reg.DeregisterSegment(s.id); err != nil {
		log.Warnf("deregister segment %d: %v", s.id, err)
	}
	s.mapped.Add(ctx, -int64(s.region.Size), s.attrs)
	if err := internalshm.UnmapRegion(ctx, s.region); err != nil {
		span.RecordError(err)
		return fmt.Errorf("unmap segment %d: %w", s.id, err)
	}
	return nil
}

// Remove unlinks the backing file. Existing mappings stay valid.
func (s *Segment) Remove() error {
	return internalshm.Unlink(s.region)
}
