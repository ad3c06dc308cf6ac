package shm

import (
	"errors"
	"fmt"
	"unsafe"

	internalshm "github.com/srediag/shmipc-core/internal/shm"
	"github.com/srediag/shmipc-core/pkg/chunk"
	"github.com/srediag/shmipc-core/pkg/ledger"
	"github.com/srediag/shmipc-core/pkg/participant"
)

const (
	segmentMagic   uint32 = 0x434d4853 // "SHMC"
	segmentVersion uint32 = 1

	// MaxPools is the number of chunk pools a segment header can describe.
	MaxPools = 8

	// HeaderSize is the size of the segment header.
	HeaderSize = 256

	regionAlign = 64

	hdrMagicOffset        = 0
	hdrVersionOffset      = 4
	hdrSizeOffset         = 8
	hdrPoolCountOffset    = 16
	hdrLedgerCapOffset    = 20
	hdrParticipantsOffset = 24
	hdrTableOffset        = 32
	hdrLedgersOffset      = 40
	hdrLedgerStrideOffset = 48
	hdrPoolsOffset        = 56
	poolDescSize          = 16
)

var (
	ErrInvalidLayout       = errors.New("invalid segment layout")
	ErrSegmentTooSmall     = errors.New("segment too small for layout")
	ErrSegmentNotFormatted = errors.New("segment not formatted")
	ErrLayoutMismatch      = errors.New("segment header does not match layout")
)

// LayoutConfig is what every participant must agree on to share a segment.
type LayoutConfig struct {
	Classes         []chunk.SizeCountPair
	LedgerCapacity  uint32
	MaxParticipants uint32
}

// PoolLayout locates one chunk pool.
type PoolLayout struct {
	Offset    int
	Size      int
	ChunkSize uint32
	Count     uint32
}

// Layout gives the offset of every shared structure in a segment.
type Layout struct {
	Pools           []PoolLayout
	TableOffset     int
	TableSize       int
	LedgerOffset    int
	LedgerStride    int
	LedgerCapacity  uint32
	MaxParticipants uint32
	Total           int
}

func align(n int) int {
	return (n + regionAlign - 1) &^ (regionAlign - 1)
}

// ComputeLayout places the header, the pools, the participant table and the
// ledgers one after another, each 64-byte aligned.
func ComputeLayout(cfg LayoutConfig) (Layout, error) {
	if len(cfg.Classes) == 0 || len(cfg.Classes) > MaxPools {
		return Layout{}, fmt.Errorf("%w: %d chunk classes, want 1..%d", ErrInvalidLayout, len(cfg.Classes), MaxPools)
	}
	if cfg.LedgerCapacity == 0 || cfg.LedgerCapacity > ledger.MaxCapacity {
		return Layout{}, fmt.Errorf("%w: ledger capacity %d", ErrInvalidLayout, cfg.LedgerCapacity)
	}
	if cfg.MaxParticipants == 0 || cfg.MaxParticipants > participant.MaxSlots {
		return Layout{}, fmt.Errorf("%w: %d participants", ErrInvalidLayout, cfg.MaxParticipants)
	}
	l := Layout{LedgerCapacity: cfg.LedgerCapacity, MaxParticipants: cfg.MaxParticipants}
	off := HeaderSize
	for _, c := range cfg.Classes {
		if c.Size == 0 || c.Size > chunk.MaxChunkSize || c.Count == 0 {
			return Layout{}, fmt.Errorf("%w: chunk class %d x %d", ErrInvalidLayout, c.Count, c.Size)
		}
		size := chunk.PoolSize(c.Size, c.Count)
		l.Pools = append(l.Pools, PoolLayout{Offset: off, Size: size, ChunkSize: c.Size, Count: c.Count})
		off = align(off + size)
	}
	l.TableOffset = off
	l.TableSize = participant.Size(cfg.MaxParticipants)
	off = align(off + l.TableSize)
	l.LedgerOffset = off
	l.LedgerStride = align(ledger.Size(cfg.LedgerCapacity))
	l.Total = off + l.LedgerStride*int(cfg.MaxParticipants)
	return l, nil
}

// Views are the shared structures of a formatted segment as seen by this process.
type Views struct {
	Segment *Segment
	Layout  Layout
	Chunks  *chunk.Manager
	Table   *participant.Table
}

// LedgerBytes returns the memory of the ledger that belongs to table slot i.
func (v *Views) LedgerBytes(i int) []byte {
	start := v.Layout.LedgerOffset + i*v.Layout.LedgerStride
	return v.Segment.Bytes()[start : start+ledger.Size(v.Layout.LedgerCapacity)]
}

// Close drops the process-local pool handles. The segment stays mapped.
func (v *Views) Close() {
	v.Chunks.Close()
}

func hdr32(mem []byte, off uintptr) unsafe.Pointer { return internalshm.At(mem, off) }

// FormatSegment lays out cfg in a freshly created segment. The header magic is
// written last so attachers never see a partially formatted segment.
func FormatSegment(seg *Segment, cfg LayoutConfig) (*Views, error) {
	l, err := ComputeLayout(cfg)
	if err != nil {
		return nil, err
	}
	mem := seg.Bytes()
	if l.Total > len(mem) {
		return nil, fmt.Errorf("%w: layout needs %d bytes, segment has %d", ErrSegmentTooSmall, l.Total, len(mem))
	}
	if internalshm.AtomicLoadUint32(hdr32(mem, hdrMagicOffset)) == segmentMagic {
		return nil, fmt.Errorf("%w: segment %d is already formatted", ErrInvalidLayout, seg.ID())
	}

	pools := make([]*chunk.Pool, 0, len(l.Pools))
	for _, pl := range l.Pools {
		p, err := chunk.NewPool(mem[pl.Offset:pl.Offset+pl.Size], seg.Registry(), pl.ChunkSize, pl.Count)
		if err != nil {
			closePools(pools)
			return nil, fmt.Errorf("format pool of %d byte chunks: %w", pl.ChunkSize, err)
		}
		pools = append(pools, p)
	}
	table, err := participant.NewTable(mem[l.TableOffset:l.TableOffset+l.TableSize], l.MaxParticipants)
	if err != nil {
		closePools(pools)
		return nil, err
	}
	manager, err := chunk.NewManager(seg.Registry(), pools...)
	if err != nil {
		closePools(pools)
		return nil, err
	}

	internalshm.AtomicStoreUint32(hdr32(mem, hdrVersionOffset), segmentVersion)
	internalshm.AtomicStoreUint64(hdr32(mem, hdrSizeOffset), uint64(len(mem)))
	internalshm.AtomicStoreUint32(hdr32(mem, hdrPoolCountOffset), uint32(len(l.Pools)))
	internalshm.AtomicStoreUint32(hdr32(mem, hdrLedgerCapOffset), l.LedgerCapacity)
	internalshm.AtomicStoreUint32(hdr32(mem, hdrParticipantsOffset), l.MaxParticipants)
	internalshm.AtomicStoreUint64(hdr32(mem, hdrTableOffset), uint64(l.TableOffset))
	internalshm.AtomicStoreUint64(hdr32(mem, hdrLedgersOffset), uint64(l.LedgerOffset))
	internalshm.AtomicStoreUint64(hdr32(mem, hdrLedgerStrideOffset), uint64(l.LedgerStride))
	for i, pl := range l.Pools {
		base := uintptr(hdrPoolsOffset + i*poolDescSize)
		internalshm.AtomicStoreUint64(hdr32(mem, base), uint64(pl.Offset))
		internalshm.AtomicStoreUint32(hdr32(mem, base+8), pl.ChunkSize)
		internalshm.AtomicStoreUint32(hdr32(mem, base+12), pl.Count)
	}
	internalshm.AtomicStoreUint32(hdr32(mem, hdrMagicOffset), segmentMagic)
	log.Infof("formatted segment %d: %d pools, %d participants, ledger capacity %d, %d of %d bytes used",
		seg.ID(), len(l.Pools), l.MaxParticipants, l.LedgerCapacity, l.Total, len(mem))
	return &Views{Segment: seg, Layout: l, Chunks: manager, Table: table}, nil
}

// ReadLayout recovers the layout recorded in a formatted segment's header and
// checks it against a fresh computation.
func ReadLayout(mem []byte) (Layout, error) {
	if len(mem) < HeaderSize || internalshm.AtomicLoadUint32(hdr32(mem, hdrMagicOffset)) != segmentMagic {
		return Layout{}, ErrSegmentNotFormatted
	}
	if v := internalshm.AtomicLoadUint32(hdr32(mem, hdrVersionOffset)); v != segmentVersion {
		return Layout{}, fmt.Errorf("%w: version %d, want %d", ErrLayoutMismatch, v, segmentVersion)
	}
	if size := internalshm.AtomicLoadUint64(hdr32(mem, hdrSizeOffset)); size != uint64(len(mem)) {
		return Layout{}, fmt.Errorf("%w: header size %d, mapped %d", ErrLayoutMismatch, size, len(mem))
	}
	n := internalshm.AtomicLoadUint32(hdr32(mem, hdrPoolCountOffset))
	if n == 0 || n > MaxPools {
		return Layout{}, fmt.Errorf("%w: %d pools", ErrLayoutMismatch, n)
	}
	cfg := LayoutConfig{
		LedgerCapacity:  internalshm.AtomicLoadUint32(hdr32(mem, hdrLedgerCapOffset)),
		MaxParticipants: internalshm.AtomicLoadUint32(hdr32(mem, hdrParticipantsOffset)),
	}
	offsets := make([]int, n)
	for i := range offsets {
		base := uintptr(hdrPoolsOffset + i*poolDescSize)
		offsets[i] = int(internalshm.AtomicLoadUint64(hdr32(mem, base)))
		cfg.Classes = append(cfg.Classes, chunk.SizeCountPair{
			Size:  internalshm.AtomicLoadUint32(hdr32(mem, base+8)),
			Count: internalshm.AtomicLoadUint32(hdr32(mem, base+12)),
		})
	}
	l, err := ComputeLayout(cfg)
	if err != nil {
		return Layout{}, fmt.Errorf("%w: %v", ErrLayoutMismatch, err)
	}
	for i, pl := range l.Pools {
		if pl.Offset != offsets[i] {
			return Layout{}, fmt.Errorf("%w: pool %d at %d, expected %d", ErrLayoutMismatch, i, offsets[i], pl.Offset)
		}
	}
	if int(internalshm.AtomicLoadUint64(hdr32(mem, hdrTableOffset))) != l.TableOffset ||
		int(internalshm.AtomicLoadUint64(hdr32(mem, hdrLedgersOffset))) != l.LedgerOffset ||
		int(internalshm.AtomicLoadUint64(hdr32(mem, hdrLedgerStrideOffset))) != l.LedgerStride {
		return Layout{}, fmt.Errorf("%w: table or ledger offsets", ErrLayoutMismatch)
	}
	if l.Total > len(mem) {
		return Layout{}, fmt.Errorf("%w: layout needs %d bytes, segment has %d", ErrSegmentTooSmall, l.Total, len(mem))
	}
	return l, nil
}

// AttachSegment opens the shared structures of a segment formatted by
// FormatSegment, possibly in another process.
func AttachSegment(seg *Segment) (*Views, error) {
	mem := seg.Bytes()
	l, err := ReadLayout(mem)
	if err != nil {
		return nil, err
	}
	pools := make([]*chunk.Pool, 0, len(l.Pools))
	for _, pl := range l.Pools {
		p, err := chunk.AttachPool(mem[pl.Offset:pl.Offset+pl.Size], seg.Registry())
		if err != nil {
			closePools(pools)
			return nil, fmt.Errorf("attach pool of %d byte chunks: %w", pl.ChunkSize, err)
		}
		pools = append(pools, p)
	}
	manager, err := chunk.NewManager(seg.Registry(), pools...)
	if err != nil {
		closePools(pools)
		return nil, err
	}
	table, err := participant.AttachTable(mem[l.TableOffset : l.TableOffset+l.TableSize])
	if err != nil {
		manager.Close()
		return nil, err
	}
	return &Views{Segment: seg, Layout: l, Chunks: manager, Table: table}, nil
}

// closePools drops the mutex handles of pools a failed format or attach
// already opened.
func closePools(pools []*chunk.Pool) {
	for _, p := range pools {
		p.Close()
	}
}
