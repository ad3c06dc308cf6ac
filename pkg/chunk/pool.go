// Package chunk provides fixed-size chunk pools laid out in shared memory.
// Chunks are loaned, shared through an ownership counter and returned when the
// counter drops to zero. Chunk handles denote the chunk's control block.
package chunk

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/srediag/shmipc-core/internal/logging"
	internalshm "github.com/srediag/shmipc-core/internal/shm"
	"github.com/srediag/shmipc-core/pkg/ipcmutex"
	"github.com/srediag/shmipc-core/pkg/relptr"
)

const (
	// pool header
	poolMutexOffset     = 0
	poolMagicOffset     = ipcmutex.StateSize
	poolChunkSizeOffset = poolMagicOffset + 4
	poolCountOffset     = poolMagicOffset + 8
	poolFreeHeadOffset  = poolMagicOffset + 12
	poolFreeCountOffset = poolMagicOffset + 16
	poolSequenceOffset  = poolMagicOffset + 24
	poolHeaderSize      = 128

	// chunk control block
	refCountOffset    = 0
	nextOffset        = 4
	payloadSizeOffset = 8
	chunkSizeOffset   = 12
	indexOffset       = 16
	sequenceOffset    = 24
	// ControlSize is the size of the control block preceding each payload.
	ControlSize = 32

	poolMagic uint32 = 0x4c4f4f50 // "POOL"

	// MaxChunkSize bounds a single chunk's payload.
	MaxChunkSize = 1 << 30
)

var (
	ErrChunkTooLarge   = errors.New("requested size exceeds chunk size")
	ErrPoolExhausted   = errors.New("no free chunk in pool")
	ErrChunkNotLoaned  = errors.New("chunk is not loaned")
	ErrInvalidHandle   = errors.New("handle does not denote a chunk")
	ErrInvalidPool     = errors.New("invalid pool configuration")
	ErrPoolNotFormated = errors.New("pool not initialized")
)

var log = logging.New("chunk")

// PoolSize returns the bytes a pool of count chunks of chunkSize occupies.
func PoolSize(chunkSize, count uint32) int {
	return poolHeaderSize + int(count)*stride(chunkSize)
}

func stride(chunkSize uint32) int {
	return ControlSize + (int(chunkSize)+7)&^7
}

// Chunk is a loaned chunk as seen by this process.
type Chunk struct {
	Handle  relptr.Handle
	Payload []byte
	index   uint32
	pool    *Pool
}

// Sequence returns the loan sequence number stamped on the chunk.
func (c Chunk) Sequence() uint64 {
	if c.pool == nil {
		return 0
	}
	return internalshm.AtomicLoadUint64(c.pool.control(c.index, sequenceOffset))
}

// Pool is a view onto one pool in shared memory.
type Pool struct {
	mem       []byte
	reg       *relptr.Registry
	chunkSize uint32
	count     uint32
	stride    uintptr

	// local serializes this process's users; mu arbitrates between processes.
	local sync.Mutex
	mu    *ipcmutex.Mutex
}

// NewPool formats a pool at the start of mem. mem must lie inside a segment
// registered in reg for the chunk handles to encode.
func NewPool(mem []byte, reg *relptr.Registry, chunkSize, count uint32) (*Pool, error) {
	if chunkSize == 0 || chunkSize > MaxChunkSize || count == 0 {
		return nil, fmt.Errorf("%w: chunk size %d count %d", ErrInvalidPool, chunkSize, count)
	}
	if len(mem) < PoolSize(chunkSize, count) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidPool, PoolSize(chunkSize, count), len(mem))
	}
	mu, err := ipcmutex.NewBuilder().Type(ipcmutex.Normal).Create(mem[poolMutexOffset:poolMagicOffset])
	if err != nil {
		return nil, fmt.Errorf("pool mutex: %w", err)
	}
	p := newView(mem, reg, chunkSize, count, mu)
	internalshm.AtomicStoreUint32(p.ptr(poolChunkSizeOffset), chunkSize)
	internalshm.AtomicStoreUint32(p.ptr(poolCountOffset), count)
	internalshm.AtomicStoreUint64(p.ptr(poolSequenceOffset), 0)
	for i := uint32(0); i < count; i++ {
		internalshm.AtomicStoreUint32(p.control(i, refCountOffset), 0)
		internalshm.AtomicStoreUint32(p.control(i, chunkSizeOffset), chunkSize)
		internalshm.AtomicStoreUint32(p.control(i, indexOffset), i)
	}
	p.rebuildFreeList()
	internalshm.AtomicStoreUint32(p.ptr(poolMagicOffset), poolMagic)
	return p, nil
}

// AttachPool opens a pool formatted by NewPool, possibly in another process.
func AttachPool(mem []byte, reg *relptr.Registry) (*Pool, error) {
	if len(mem) < poolHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPool, len(mem))
	}
	if internalshm.AtomicLoadUint32(internalshm.At(mem, poolMagicOffset)) != poolMagic {
		return nil, ErrPoolNotFormated
	}
	chunkSize := internalshm.AtomicLoadUint32(internalshm.At(mem, poolChunkSizeOffset))
	count := internalshm.AtomicLoadUint32(internalshm.At(mem, poolCountOffset))
	if len(mem) < PoolSize(chunkSize, count) {
		return nil, fmt.Errorf("%w: pool of %d x %d does not fit %d bytes", ErrInvalidPool, count, chunkSize, len(mem))
	}
	mu, err := ipcmutex.Open(mem[poolMutexOffset:poolMagicOffset])
	if err != nil {
		return nil, fmt.Errorf("pool mutex: %w", err)
	}
	return newView(mem, reg, chunkSize, count, mu), nil
}

func newView(mem []byte, reg *relptr.Registry, chunkSize, count uint32, mu *ipcmutex.Mutex) *Pool {
	return &Pool{
		mem:       mem[:PoolSize(chunkSize, count)],
		reg:       reg,
		chunkSize: chunkSize,
		count:     count,
		stride:    uintptr(stride(chunkSize)),
		mu:        mu,
	}
}

func (p *Pool) ptr(off uintptr) unsafe.Pointer { return internalshm.At(p.mem, off) }

func (p *Pool) controlOffset(i uint32) uintptr {
	return poolHeaderSize + uintptr(i)*p.stride
}

func (p *Pool) control(i uint32, field uintptr) unsafe.Pointer {
	return p.ptr(p.controlOffset(i) + field)
}

func (p *Pool) payload(i uint32, size uint32) []byte {
	start := p.controlOffset(i) + ControlSize
	return p.mem[start : start+uintptr(size) : start+uintptr(p.chunkSize)]
}

// ChunkSize returns the payload capacity of each chunk.
func (p *Pool) ChunkSize() uint32 { return p.chunkSize }

// Count returns the number of chunks.
func (p *Pool) Count() uint32 { return p.count }

// Free returns the number of chunks on the free list.
func (p *Pool) Free() int {
	return int(internalshm.AtomicLoadUint32(p.ptr(poolFreeCountOffset)))
}

func (p *Pool) lock() error {
	p.local.Lock()
	err := p.mu.Lock()
	if err == nil {
		return nil
	}
	if errors.Is(err, ipcmutex.ErrOwnerDied) {
		log.Warnf("pool of %d byte chunks: previous lock holder died, rebuilding free list", p.chunkSize)
		p.rebuildFreeList()
		p.mu.MakeConsistent()
		return nil
	}
	p.local.Unlock()
	return err
}

func (p *Pool) unlock() {
	if err := p.mu.Unlock(); err != nil {
		log.Errorf("pool unlock: %v", err)
	}
	p.local.Unlock()
}

// rebuildFreeList derives the free list from the ownership counters. It runs
// at format time and when a lock holder died mid-update.
func (p *Pool) rebuildFreeList() {
	head, free := p.count, uint32(0)
	for i := p.count; i > 0; i-- {
		idx := i - 1
		if internalshm.AtomicLoadUint32(p.control(idx, refCountOffset)) != 0 {
			continue
		}
		internalshm.AtomicStoreUint32(p.control(idx, nextOffset), head)
		head = idx
		free++
	}
	internalshm.AtomicStoreUint32(p.ptr(poolFreeHeadOffset), head)
	internalshm.AtomicStoreUint32(p.ptr(poolFreeCountOffset), free)
}

// Loan takes a free chunk and sets its ownership counter to one.
func (p *Pool) Loan(size uint32) (Chunk, error) {
	if size > p.chunkSize {
		return Chunk{}, fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, size, p.chunkSize)
	}
	if err := p.lock(); err != nil {
		return Chunk{}, err
	}
	idx := internalshm.AtomicLoadUint32(p.ptr(poolFreeHeadOffset))
	if idx >= p.count {
		p.unlock()
		return Chunk{}, ErrPoolExhausted
	}
	seq := internalshm.AtomicLoadUint64(p.ptr(poolSequenceOffset)) + 1
	internalshm.AtomicStoreUint64(p.ptr(poolSequenceOffset), seq)
	internalshm.AtomicStoreUint32(p.control(idx, refCountOffset), 1)
	internalshm.AtomicStoreUint32(p.control(idx, payloadSizeOffset), size)
	internalshm.AtomicStoreUint64(p.control(idx, sequenceOffset), seq)
	internalshm.AtomicStoreUint32(p.ptr(poolFreeHeadOffset), internalshm.AtomicLoadUint32(p.control(idx, nextOffset)))
	internalshm.AtomicAddUint32(p.ptr(poolFreeCountOffset), -1)
	p.unlock()

	h, err := p.reg.EncodePointer(p.control(idx, 0))
	if err != nil {
		_ = p.releaseIndex(idx)
		return Chunk{}, fmt.Errorf("encode chunk %d: %w", idx, err)
	}
	return Chunk{Handle: h, Payload: p.payload(idx, size), index: idx, pool: p}, nil
}

// Acquire adds an owner to a loaned chunk, e.g. a subscriber receiving it.
func (p *Pool) Acquire(c Chunk) error {
	ref := p.control(c.index, refCountOffset)
	for {
		n := internalshm.AtomicLoadUint32(ref)
		if n == 0 {
			return ErrChunkNotLoaned
		}
		if internalshm.AtomicCompareAndSwapUint32(ref, n, n+1) {
			return nil
		}
	}
}

// Release drops one owner. The last owner returns the chunk to the free list.
func (p *Pool) Release(c Chunk) error {
	return p.releaseIndex(c.index)
}

func (p *Pool) releaseIndex(idx uint32) error {
	if idx >= p.count {
		return ErrInvalidHandle
	}
	if err := p.lock(); err != nil {
		return err
	}
	defer p.unlock()
	ref := p.control(idx, refCountOffset)
	var n uint32
	for {
		n = internalshm.AtomicLoadUint32(ref)
		if n == 0 {
			return fmt.Errorf("%w: chunk %d", ErrChunkNotLoaned, idx)
		}
		if internalshm.AtomicCompareAndSwapUint32(ref, n, n-1) {
			break
		}
	}
	if n > 1 {
		return nil
	}
	internalshm.AtomicStoreUint32(p.control(idx, payloadSizeOffset), 0)
	internalshm.AtomicStoreUint32(p.control(idx, nextOffset), internalshm.AtomicLoadUint32(p.ptr(poolFreeHeadOffset)))
	internalshm.AtomicStoreUint32(p.ptr(poolFreeHeadOffset), idx)
	internalshm.AtomicAddUint32(p.ptr(poolFreeCountOffset), 1)
	return nil
}

// RefCount returns the ownership counter of c.
func (p *Pool) RefCount(c Chunk) uint32 {
	return internalshm.AtomicLoadUint32(p.control(c.index, refCountOffset))
}

// indexOf reports whether addr is the control block of one of p's chunks
// and returns its index.
func (p *Pool) indexOf(addr uintptr) (uint32, bool) {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(p.mem))) + poolHeaderSize
	if addr < base {
		return 0, false
	}
	off := addr - base
	if off%p.stride != 0 || off/p.stride >= uintptr(p.count) {
		return 0, false
	}
	return uint32(off / p.stride), true
}

// chunkAt rebuilds the process-local view of a loaned chunk.
func (p *Pool) chunkAt(idx uint32, h relptr.Handle) Chunk {
	size := internalshm.AtomicLoadUint32(p.control(idx, payloadSizeOffset))
	if size > p.chunkSize {
		size = p.chunkSize
	}
	return Chunk{Handle: h, Payload: p.payload(idx, size), index: idx, pool: p}
}

// Close drops this view's mutex handle.
func (p *Pool) Close() {
	p.mu.Close()
}
