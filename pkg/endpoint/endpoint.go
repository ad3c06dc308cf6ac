// Package endpoint is the per-process loan and release flow: every chunk an
// endpoint holds is recorded in its ledger so a supervisor can return the
// chunks if the process dies.
package endpoint

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/srediag/shmipc-core/internal/logging"
	"github.com/srediag/shmipc-core/pkg/chunk"
	"github.com/srediag/shmipc-core/pkg/ledger"
	"github.com/srediag/shmipc-core/pkg/relptr"
	"github.com/srediag/shmipc-core/pkg/shm"
)

var (
	// ErrTooManyChunksHeld is returned when the ledger is full; the chunk is
	// handed back to its pool.
	ErrTooManyChunksHeld = errors.New("too many chunks held in parallel")
	// ErrChunkNotTracked is returned when releasing a chunk this endpoint does not hold.
	ErrChunkNotTracked = errors.New("chunk not held by endpoint")
	ErrEndpointClosed  = errors.New("endpoint closed")
)

var log = logging.New("endpoint")

// Endpoint is one participant in a segment. Its methods may be called from
// several goroutines.
type Endpoint struct {
	name   string
	views  *shm.Views
	slot   int
	ledger *ledger.Ledger

	// mu is held shared by Loan, Receive and Release and exclusively by
	// Close, so the ledger has no mutator when Close drains it.
	mu     sync.RWMutex
	closed bool
}

// New claims a participant slot, formats its ledger and publishes it.
func New(views *shm.Views, name string) (*Endpoint, error) {
	return newWithPID(views, name, uint32(os.Getpid()))
}

func newWithPID(views *shm.Views, name string, pid uint32) (*Endpoint, error) {
	slot, err := views.Table.Claim(pid, name)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", name, err)
	}
	mem := views.LedgerBytes(slot)
	l, err := ledger.New(mem, views.Layout.LedgerCapacity)
	if err != nil {
		_ = views.Table.Free(slot)
		return nil, fmt.Errorf("endpoint %q ledger: %w", name, err)
	}
	h, err := views.Segment.Registry().EncodePointer(unsafe.Pointer(unsafe.SliceData(mem)))
	if err != nil {
		_ = views.Table.Free(slot)
		return nil, fmt.Errorf("endpoint %q ledger handle: %w", name, err)
	}
	if err := views.Table.Activate(slot, h); err != nil {
		_ = views.Table.Free(slot)
		return nil, err
	}
	log.Debugf("endpoint %q registered in slot %d, ledger %s", name, slot, h)
	return &Endpoint{name: name, views: views, slot: slot, ledger: l}, nil
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// Slot returns the participant table slot the endpoint occupies.
func (e *Endpoint) Slot() int { return e.slot }

// Loan takes a chunk of at least size bytes and records it.
func (e *Endpoint) Loan(size uint32) (chunk.Chunk, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return chunk.Chunk{}, ErrEndpointClosed
	}
	c, err := e.views.Chunks.Loan(size)
	if err != nil {
		return chunk.Chunk{}, err
	}
	if !e.ledger.Insert(c.Handle) {
		if err := e.views.Chunks.Release(c); err != nil {
			log.Errorf("endpoint %q: return chunk %s after full ledger: %v", e.name, c.Handle, err)
		}
		log.Warnf("endpoint %q holds %d chunks, the maximum", e.name, e.ledger.Capacity())
		return chunk.Chunk{}, ErrTooManyChunksHeld
	}
	return c, nil
}

// Receive takes shared ownership of a chunk another endpoint published.
func (e *Endpoint) Receive(h relptr.Handle) (chunk.Chunk, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return chunk.Chunk{}, ErrEndpointClosed
	}
	c, err := e.views.Chunks.Resolve(h)
	if err != nil {
		return chunk.Chunk{}, err
	}
	if err := e.views.Chunks.Acquire(c); err != nil {
		return chunk.Chunk{}, err
	}
	if !e.ledger.Insert(c.Handle) {
		if err := e.views.Chunks.Release(c); err != nil {
			log.Errorf("endpoint %q: drop received chunk %s: %v", e.name, h, err)
		}
		return chunk.Chunk{}, ErrTooManyChunksHeld
	}
	return c, nil
}

// Release drops this endpoint's ownership of c.
func (e *Endpoint) Release(c chunk.Chunk) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEndpointClosed
	}
	if !e.ledger.RemoveHandle(c.Handle) {
		return fmt.Errorf("%w: %s", ErrChunkNotTracked, c.Handle)
	}
	return e.views.Chunks.Release(c)
}

// Held returns the handles of the chunks the endpoint currently holds.
func (e *Endpoint) Held() []relptr.Handle {
	return e.ledger.Handles()
}

// Close waits for in-flight Loan, Receive and Release calls, returns every
// held chunk and frees the participant slot.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEndpointClosed
	}
	e.closed = true
	var released int
	err := e.ledger.Cleanup(func(h relptr.Handle) {
		released++
		e.views.Chunks.Reclaim(h)
	})
	if released > 0 {
		log.Infof("endpoint %q closed holding %d chunks, returned them", e.name, released)
	}
	if ferr := e.views.Table.Free(e.slot); ferr != nil && err == nil {
		err = ferr
	}
	return err
}
