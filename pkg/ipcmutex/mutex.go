// Package ipcmutex provides a robust mutex that lives in shared memory and
// can be locked from several processes. When a holder dies, the next locker
// gets the lock together with ErrOwnerDied instead of blocking forever, and
// repairs the guarded data before calling MakeConsistent.
//
// The unit of ownership is a *Mutex handle. Goroutines that must exclude each
// other use separate handles, created with Open.
package ipcmutex

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/shmipc-core/internal/logging"
	internalshm "github.com/srediag/shmipc-core/internal/shm"
)

// StateSize is the number of bytes a mutex occupies in shared memory.
const StateSize = 64

// shared state layout
const (
	ownerOffset       = 0 // uint64 pid<<32 | tag, 0 when unlocked
	countOffset       = 8
	flagsOffset       = 12
	typeOffset        = 16
	protocolOffset    = 20
	ceilingOffset     = 24
	terminationOffset = 28
	creatorOffset     = 32
	magicOffset       = 36
)

const (
	flagInterProcess uint32 = 1 << iota
	flagHasCeiling
	flagInconsistent
	flagNotRecoverable
)

const (
	magicInitializing uint32 = 0x4d545849 // "IXTM"
	magicReady        uint32 = 0x4d545852 // "RXTM"

	maxRecursiveLocks = math.MaxInt32
	spinsBeforeSleep  = 32
)

// TryLockResult is the outcome of a TryLock that did not fail.
type TryLockResult int

const (
	Acquired TryLockResult = iota
	WouldBlock
)

func (r TryLockResult) String() string {
	if r == Acquired {
		return "Acquired"
	}
	return "WouldBlock"
}

var (
	log     = logging.New("ipcmutex")
	selfPID = uint32(os.Getpid())
	nextTag atomic.Uint32

	// live holds the tags of open handles in this process. A same-process
	// owner whose tag is gone has been closed and counts as dead.
	live = cmap.NewWithCustomShardingFunction[uint32, *Mutex](func(tag uint32) uint32 { return tag })
)

type state struct {
	mem []byte
}

func (s state) ptr(off uintptr) unsafe.Pointer { return internalshm.At(s.mem, off) }

func (s state) load32(off uintptr) uint32 { return internalshm.AtomicLoadUint32(s.ptr(off)) }

func (s state) owner() uint64 { return internalshm.AtomicLoadUint64(s.ptr(ownerOffset)) }

func (s state) flags() uint32 { return s.load32(flagsOffset) }

func (s state) config() Config {
	cfg := Config{
		InterProcessCapable:       s.flags()&flagInterProcess != 0,
		Type:                      MutexType(s.load32(typeOffset)),
		PriorityInheritance:       PriorityInheritance(s.load32(protocolOffset)),
		ThreadTerminationBehavior: ThreadTerminationBehavior(s.load32(terminationOffset)),
	}
	if s.flags()&flagHasCeiling != 0 {
		c := int32(s.load32(ceilingOffset))
		cfg.PriorityCeiling = &c
	}
	return cfg
}

func (s state) zero() {
	for off := uintptr(0); off < StateSize; off += 8 {
		internalshm.AtomicStoreUint64(s.ptr(off), 0)
	}
}

// Mutex is a handle onto a mutex state in shared memory.
type Mutex struct {
	st       state
	tag      uint32
	id       uint64
	cfg      Config
	priority atomic.Int32
	closed   atomic.Bool
}

func newHandle(st state) *Mutex {
	tag := nextTag.Add(1)
	m := &Mutex{
		st:  st,
		tag: tag,
		id:  uint64(selfPID)<<32 | uint64(tag),
		cfg: st.config(),
	}
	live.Set(tag, m)
	return m
}

// Open attaches a new handle to a mutex created by Builder.Create, possibly
// in another process.
func Open(mem []byte) (*Mutex, error) {
	if len(mem) < StateSize {
		return nil, ErrInsufficientMemory
	}
	st := state{mem: mem[:StateSize]}
	if st.load32(magicOffset) != magicReady {
		return nil, ErrNotInitialized
	}
	if st.flags()&flagInterProcess == 0 && st.load32(creatorOffset) != selfPID {
		return nil, ErrProcessPrivate
	}
	return newHandle(st), nil
}

// Config returns the configuration the mutex was created with.
func (m *Mutex) Config() Config {
	return m.cfg
}

// SetPriority sets the scheduling priority this handle locks with. With
// PriorityProtect, locking with a priority above the ceiling fails with
// ErrPriorityMismatch.
func (m *Mutex) SetPriority(p int32) {
	m.priority.Store(p)
}

// Lock blocks until the lock is acquired. On ErrOwnerDied the lock IS held.
func (m *Mutex) Lock() error {
	if err := m.precheck(); err != nil {
		return err
	}
	if held, err := m.relock(); held || err != nil {
		return err
	}
	var bo *backoff.ExponentialBackOff
	for spins := 0; ; spins++ {
		acquired, err := m.acquire()
		if acquired || err != nil {
			return err
		}
		if spins < spinsBeforeSleep {
			runtime.Gosched()
			continue
		}
		if bo == nil {
			bo = waitBackOff()
		}
		time.Sleep(bo.NextBackOff())
	}
}

// TryLock acquires the lock if that does not require waiting.
func (m *Mutex) TryLock() (TryLockResult, error) {
	if err := m.precheck(); err != nil {
		return WouldBlock, err
	}
	if m.cfg.Type != Recursive && m.st.owner() == m.id {
		return WouldBlock, nil
	}
	if held, err := m.relock(); err != nil || held {
		if err != nil {
			return WouldBlock, err
		}
		return Acquired, nil
	}
	acquired, err := m.acquire()
	if acquired {
		return Acquired, err
	}
	return WouldBlock, err
}

// Unlock releases one level of the lock.
func (m *Mutex) Unlock() error {
	if m.st.owner() != m.id {
		log.Errorf("The mutex is not owned by the current handle. The mutex must be unlocked by the same handle it was locked by.")
		return ErrNotOwnedByCallingThread
	}
	if c := m.st.load32(countOffset); c > 1 {
		internalshm.AtomicStoreUint32(m.st.ptr(countOffset), c-1)
		return nil
	}
	if m.st.flags()&flagInconsistent != 0 {
		log.Errorf("Mutex unlocked without MakeConsistent after its owner died; it is now not recoverable")
		internalshm.AtomicOrUint32(m.st.ptr(flagsOffset), flagNotRecoverable)
		internalshm.AtomicAndNotUint32(m.st.ptr(flagsOffset), flagInconsistent)
	}
	internalshm.AtomicStoreUint32(m.st.ptr(countOffset), 0)
	internalshm.AtomicStoreUint64(m.st.ptr(ownerOffset), 0)
	return nil
}

// MakeConsistent marks the guarded data as repaired after ErrOwnerDied. It is
// a no-op when the mutex is consistent.
func (m *Mutex) MakeConsistent() {
	if m.st.flags()&flagInconsistent == 0 {
		return
	}
	if m.st.owner() != m.id {
		log.Errorf("This should never happen. Unable to put robust mutex in a consistent state: not the holder!")
		return
	}
	internalshm.AtomicAndNotUint32(m.st.ptr(flagsOffset), flagInconsistent)
}

// OpenHandles returns the number of mutex handles open in this process.
func OpenHandles() int {
	return live.Count()
}

// HasInconsistentState reports whether a holder died and the mutex has not
// been made consistent yet.
func (m *Mutex) HasInconsistentState() bool {
	return m.st.flags()&flagInconsistent != 0
}

// Close drops the handle. A handle closed while holding the lock is treated
// like a dead holder.
func (m *Mutex) Close() {
	if m.closed.Swap(true) {
		return
	}
	live.Remove(m.tag)
	if m.st.owner() == m.id {
		log.Warnf("mutex handle %d closed while holding the lock", m.tag)
	}
}

// Destroy closes the handle and clears the shared state so the memory can be
// reused. It fails with ErrMutexBusy while the mutex is locked; the state is
// then left as is.
func (m *Mutex) Destroy() error {
	if owner := m.st.owner(); owner != 0 {
		log.Errorf("Tried to remove a locked mutex (owner pid %d) which failed. The mutex is now leaked.", owner>>32)
		return ErrMutexBusy
	}
	m.Close()
	m.st.zero()
	return nil
}

func (m *Mutex) precheck() error {
	if m.closed.Load() {
		return ErrHandleClosed
	}
	if m.cfg.PriorityInheritance == PriorityProtect && m.cfg.PriorityCeiling != nil &&
		m.priority.Load() > *m.cfg.PriorityCeiling {
		log.Errorf("The mutex has the attribute PriorityProtect set and the calling handle's priority is greater than the mutex priority.")
		return ErrPriorityMismatch
	}
	if m.st.flags()&flagNotRecoverable != 0 {
		return ErrNotRecoverable
	}
	return nil
}

// relock handles a lock call by the current holder.
func (m *Mutex) relock() (bool, error) {
	if m.st.owner() != m.id {
		return false, nil
	}
	if m.cfg.Type != Recursive {
		log.Errorf("Deadlock in mutex detected.")
		return false, ErrDeadlockDetected
	}
	c := m.st.load32(countOffset)
	if c >= maxRecursiveLocks {
		log.Errorf("Maximum number of recursive locks exceeded.")
		return false, ErrMaximumRecursiveLocksExceeded
	}
	internalshm.AtomicStoreUint32(m.st.ptr(countOffset), c+1)
	return true, nil
}

func (m *Mutex) acquire() (bool, error) {
	if m.st.flags()&flagNotRecoverable != 0 {
		return false, ErrNotRecoverable
	}
	owner := m.st.ptr(ownerOffset)
	if internalshm.AtomicCompareAndSwapUint64(owner, 0, m.id) {
		internalshm.AtomicStoreUint32(m.st.ptr(countOffset), 1)
		return true, nil
	}
	if m.cfg.ThreadTerminationBehavior != Robust {
		return false, nil
	}
	cur := internalshm.AtomicLoadUint64(owner)
	if cur == 0 || !ownerDead(cur) {
		return false, nil
	}
	if !internalshm.AtomicCompareAndSwapUint64(owner, cur, m.id) {
		return false, nil
	}
	internalshm.AtomicStoreUint32(m.st.ptr(countOffset), 1)
	internalshm.AtomicOrUint32(m.st.ptr(flagsOffset), flagInconsistent)
	log.Errorf("The process %d which owned the mutex died. The mutex is now in an inconsistent state "+
		"and must be put into a consistent state again with MakeConsistent()", cur>>32)
	return true, ErrOwnerDied
}

func ownerDead(owner uint64) bool {
	pid, tag := uint32(owner>>32), uint32(owner)
	if pid == selfPID {
		return !live.Has(tag)
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		log.Debugf("liveness of pid %d unknown: %v", pid, err)
		return false
	}
	return !exists
}

func waitBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Microsecond
	bo.MaxInterval = 2 * time.Millisecond
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (m *Mutex) String() string {
	return fmt.Sprintf("ipcmutex(tag=%d owner=%#x)", m.tag, m.st.owner())
}
