// Package ledger implements the used-chunk list: a fixed-capacity record,
// living in shared memory, of the chunk handles an endpoint currently holds.
//
// Insert and Remove are called by the owning endpoint and serialize through a
// spin flag stored in the ledger itself. Cleanup is called by a supervisor
// only after the owning process is known to be dead; it takes no lock, so a
// flag left set by the dead owner can never block it.
package ledger

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/srediag/shmipc-core/internal/logging"
	internalshm "github.com/srediag/shmipc-core/internal/shm"
	"github.com/srediag/shmipc-core/pkg/relptr"
)

const (
	syncOffset     = 0
	capacityOffset = 4
	usedHeadOffset = 8
	freeHeadOffset = 12
	magicOffset    = 16
	headerSize     = 24
	nodesOffset    = headerSize

	magic uint32 = 0x5244474c // "LGDR"

	// MaxCapacity bounds a ledger so its links fit a uint32 with room for the
	// INVALID sentinel.
	MaxCapacity = 1 << 20

	spinsBeforeYield = 64
)

var (
	ErrInvalidCapacity = errors.New("invalid ledger capacity")
	ErrBufferTooSmall  = errors.New("buffer too small for ledger")
	ErrNotInitialized  = errors.New("ledger not initialized")
	ErrMisaligned      = errors.New("ledger buffer not 8-byte aligned")
	// ErrCorrupted means a list link left [0, capacity] or a list did not
	// terminate. The shared memory is damaged; callers treat it as fatal.
	ErrCorrupted = errors.New("ledger corrupted")
)

var log = logging.New("ledger")

// Size returns the bytes a ledger of capacity slots occupies.
func Size(capacity uint32) int {
	return dataOffset(capacity) + 8*int(capacity)
}

func dataOffset(capacity uint32) int {
	return (nodesOffset + 4*int(capacity) + 7) &^ 7
}

// Ledger is a view onto a ledger in shared memory. Several views in several
// processes may refer to the same bytes.
type Ledger struct {
	mem      []byte
	capacity uint32
	invalid  uint32
	dataOff  uintptr
}

// New initializes a ledger of the given capacity at the start of mem.
func New(mem []byte, capacity uint32) (*Ledger, error) {
	l, err := view(mem, capacity)
	if err != nil {
		return nil, err
	}
	internalshm.AtomicStoreUint32(l.ptr(capacityOffset), capacity)
	l.init()
	internalshm.AtomicStoreUint32(l.ptr(syncOffset), 0)
	internalshm.AtomicStoreUint32(l.ptr(magicOffset), magic)
	return l, nil
}

// Attach opens a ledger previously initialized by New, possibly in another
// process.
func Attach(mem []byte) (*Ledger, error) {
	if len(mem) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBufferTooSmall, len(mem))
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%8 != 0 {
		return nil, ErrMisaligned
	}
	if internalshm.AtomicLoadUint32(internalshm.At(mem, magicOffset)) != magic {
		return nil, ErrNotInitialized
	}
	return view(mem, internalshm.AtomicLoadUint32(internalshm.At(mem, capacityOffset)))
}

func view(mem []byte, capacity uint32) (*Ledger, error) {
	if capacity == 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if len(mem) < Size(capacity) {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrBufferTooSmall, Size(capacity), len(mem))
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%8 != 0 {
		return nil, ErrMisaligned
	}
	return &Ledger{
		mem:      mem[:Size(capacity)],
		capacity: capacity,
		invalid:  capacity,
		dataOff:  uintptr(dataOffset(capacity)),
	}, nil
}

// init puts every slot on the free list in index order and clears the data.
func (l *Ledger) init() {
	for i := uint32(0); i < l.capacity; i++ {
		l.storeData(i, relptr.NullHandle)
		l.setNext(i, i+1)
	}
	l.setUsedHead(l.invalid)
	l.setFreeHead(0)
}

func (l *Ledger) ptr(off uintptr) unsafe.Pointer { return internalshm.At(l.mem, off) }

func (l *Ledger) usedHead() uint32 { return internalshm.AtomicLoadUint32(l.ptr(usedHeadOffset)) }
func (l *Ledger) freeHead() uint32 { return internalshm.AtomicLoadUint32(l.ptr(freeHeadOffset)) }
func (l *Ledger) setUsedHead(i uint32) {
	internalshm.AtomicStoreUint32(l.ptr(usedHeadOffset), i)
}
func (l *Ledger) setFreeHead(i uint32) {
	internalshm.AtomicStoreUint32(l.ptr(freeHeadOffset), i)
}

func (l *Ledger) next(i uint32) uint32 {
	return internalshm.AtomicLoadUint32(l.ptr(nodesOffset + 4*uintptr(i)))
}

func (l *Ledger) setNext(i, next uint32) {
	internalshm.AtomicStoreUint32(l.ptr(nodesOffset+4*uintptr(i)), next)
}

func (l *Ledger) loadData(i uint32) relptr.Handle {
	return relptr.Handle(internalshm.AtomicLoadUint64(l.ptr(l.dataOff + 8*uintptr(i))))
}

func (l *Ledger) storeData(i uint32, h relptr.Handle) {
	internalshm.AtomicStoreUint64(l.ptr(l.dataOff+8*uintptr(i)), uint64(h))
}

func (l *Ledger) syncFlag() uint32 {
	return internalshm.AtomicLoadUint32(l.ptr(syncOffset))
}

func (l *Ledger) lock() {
	p := l.ptr(syncOffset)
	for spins := 0; !internalshm.AtomicCompareAndSwapUint32(p, 0, 1); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

func (l *Ledger) unlock() {
	internalshm.AtomicStoreUint32(l.ptr(syncOffset), 0)
}

// Capacity returns the number of slots.
func (l *Ledger) Capacity() int {
	return int(l.capacity)
}

// Insert records h. It returns false, leaving the ledger unchanged, when
// every slot is in use or h is null. A full ledger is a capacity
// misconfiguration to report, not something to retry.
func (l *Ledger) Insert(h relptr.Handle) bool {
	if h.IsNull() {
		return false
	}
	l.lock()
	defer l.unlock()

	slot := l.freeHead()
	if slot == l.invalid {
		return false
	}
	if slot > l.invalid {
		log.Errorf("free list head %d outside capacity %d", slot, l.capacity)
		return false
	}
	nextFree := l.next(slot)
	// The data cell is written before the slot is linked, so a supervisor
	// sweeping cells after a crash here still sees the handle.
	l.storeData(slot, h)
	l.setNext(slot, l.usedHead())
	l.setUsedHead(slot)
	l.setFreeHead(nextFree)
	return true
}

// Remove unlinks the first used entry for which match returns true and
// returns it. match runs under the spin flag and must not block.
func (l *Ledger) Remove(match func(relptr.Handle) bool) (relptr.Handle, bool) {
	l.lock()
	defer l.unlock()

	prev := l.invalid
	cur := l.usedHead()
	for steps := uint32(0); cur != l.invalid; steps++ {
		if cur > l.invalid || steps >= l.capacity {
			log.Errorf("used list broken at slot %d after %d steps", cur, steps)
			return relptr.NullHandle, false
		}
		h := l.loadData(cur)
		next := l.next(cur)
		if match(h) {
			if prev == l.invalid {
				l.setUsedHead(next)
			} else {
				l.setNext(prev, next)
			}
			l.storeData(cur, relptr.NullHandle)
			l.setNext(cur, l.freeHead())
			l.setFreeHead(cur)
			return h, true
		}
		prev = cur
		cur = next
	}
	return relptr.NullHandle, false
}

// RemoveHandle removes h. False means h was not tracked, which callers
// surface as a double release.
func (l *Ledger) RemoveHandle(h relptr.Handle) bool {
	_, ok := l.Remove(func(c relptr.Handle) bool { return c == h })
	return ok
}

// Cleanup hands every held handle to reclaim and leaves the ledger empty.
//
// It must only run once the owner is confirmed dead: it takes no lock and
// does not coordinate with Insert or Remove. It walks the used list, then
// sweeps the data cells for handles written by an insert or remove the owner
// did not finish. Each held handle is reclaimed exactly once. ErrCorrupted is
// returned if the used list is damaged; the sweep still runs.
func (l *Ledger) Cleanup(reclaim func(relptr.Handle)) error {
	var err error
	cur := l.usedHead()
	for steps := uint32(0); cur != l.invalid; steps++ {
		if cur > l.invalid {
			err = fmt.Errorf("%w: used link %d outside capacity %d", ErrCorrupted, cur, l.capacity)
			break
		}
		if steps >= l.capacity {
			err = fmt.Errorf("%w: used list does not terminate", ErrCorrupted)
			break
		}
		if h := l.loadData(cur); !h.IsNull() {
			reclaim(h)
			l.storeData(cur, relptr.NullHandle)
		}
		cur = l.next(cur)
	}
	for i := uint32(0); i < l.capacity; i++ {
		if h := l.loadData(i); !h.IsNull() {
			log.Warnf("reclaiming unlinked entry %s in slot %d", h, i)
			reclaim(h)
			l.storeData(i, relptr.NullHandle)
		}
	}
	l.init()
	internalshm.AtomicStoreUint32(l.ptr(syncOffset), 0)
	return err
}

// Handles returns the handles currently recorded. It reads the data cells
// with atomic loads and takes no lock, so it is safe against a peer that died
// mid-operation; the result is a snapshot.
func (l *Ledger) Handles() []relptr.Handle {
	var out []relptr.Handle
	for i := uint32(0); i < l.capacity; i++ {
		if h := l.loadData(i); !h.IsNull() {
			out = append(out, h)
		}
	}
	return out
}

// Used returns the length of the used list. Like Free and Check it takes
// the spin flag, so only the owning endpoint may call it; use Verify, Handles
// or Dump on a ledger whose owner may have died.
func (l *Ledger) Used() int {
	l.lock()
	defer l.unlock()
	n, _ := l.walk(l.usedHead(), nil)
	return n
}

// Free returns the length of the free list.
func (l *Ledger) Free() int {
	l.lock()
	defer l.unlock()
	n, _ := l.walk(l.freeHead(), nil)
	return n
}

// Check verifies that every slot is on exactly one list.
func (l *Ledger) Check() error {
	l.lock()
	defer l.unlock()
	return l.verify()
}

// Verify is Check without the spin flag, for a ledger whose owner is dead.
// Against a live owner the result may reflect a half-finished operation.
func (l *Ledger) Verify() error {
	return l.verify()
}

func (l *Ledger) verify() error {
	seen := make([]uint8, l.capacity)
	if _, err := l.walk(l.usedHead(), seen); err != nil {
		return fmt.Errorf("used list: %w", err)
	}
	if _, err := l.walk(l.freeHead(), seen); err != nil {
		return fmt.Errorf("free list: %w", err)
	}
	for i, n := range seen {
		if n != 1 {
			return fmt.Errorf("%w: slot %d on %d lists", ErrCorrupted, i, n)
		}
	}
	return nil
}

func (l *Ledger) walk(head uint32, seen []uint8) (int, error) {
	n := 0
	for cur := head; cur != l.invalid; cur = l.next(cur) {
		if cur > l.invalid {
			return n, fmt.Errorf("%w: link %d outside capacity %d", ErrCorrupted, cur, l.capacity)
		}
		if n >= int(l.capacity) {
			return n, fmt.Errorf("%w: list does not terminate", ErrCorrupted)
		}
		if seen != nil {
			seen[cur]++
		}
		n++
	}
	return n, nil
}
