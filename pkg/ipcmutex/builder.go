package ipcmutex

import (
	"fmt"
	"os"
	"unsafe"

	internalshm "github.com/srediag/shmipc-core/internal/shm"
)

// MutexType selects relock behaviour.
type MutexType uint32

const (
	// Normal mutexes report ErrDeadlockDetected when the holder relocks.
	Normal MutexType = iota
	// Recursive mutexes count relocks by the holder.
	Recursive
)

// PriorityInheritance selects the priority protocol.
type PriorityInheritance uint32

const (
	PriorityNone PriorityInheritance = iota
	PriorityInherit
	PriorityProtect
)

// ThreadTerminationBehavior selects what happens when a holder dies.
type ThreadTerminationBehavior uint32

const (
	// Stalling leaves the mutex locked forever.
	Stalling ThreadTerminationBehavior = iota
	// Robust hands the lock to the next locker with ErrOwnerDied.
	Robust
)

const (
	minPriorityCeiling = 1
	maxPriorityCeiling = 99
)

// Config is the full mutex configuration.
type Config struct {
	InterProcessCapable       bool
	Type                      MutexType
	PriorityInheritance       PriorityInheritance
	PriorityCeiling           *int32
	ThreadTerminationBehavior ThreadTerminationBehavior
}

// Builder validates a Config step by step and only then writes the mutex.
type Builder struct {
	cfg Config
}

// NewBuilder returns a builder for an inter-process, recursive, robust mutex
// without priority protocol.
func NewBuilder() *Builder {
	return &Builder{cfg: Config{
		InterProcessCapable:       true,
		Type:                      Recursive,
		PriorityInheritance:       PriorityNone,
		ThreadTerminationBehavior: Robust,
	}}
}

func (b *Builder) InterProcessCapable(v bool) *Builder {
	b.cfg.InterProcessCapable = v
	return b
}

func (b *Builder) Type(t MutexType) *Builder {
	b.cfg.Type = t
	return b
}

func (b *Builder) PriorityInheritance(p PriorityInheritance) *Builder {
	b.cfg.PriorityInheritance = p
	return b
}

// PriorityCeiling only takes effect with PriorityProtect.
func (b *Builder) PriorityCeiling(c int32) *Builder {
	b.cfg.PriorityCeiling = &c
	return b
}

func (b *Builder) ThreadTerminationBehavior(t ThreadTerminationBehavior) *Builder {
	b.cfg.ThreadTerminationBehavior = t
	return b
}

// Config returns the configuration the builder would apply.
func (b *Builder) Config() Config {
	return b.cfg
}

// Create initializes a mutex in mem, which is usually a slice of a shared
// memory segment, and returns a handle to it.
func (b *Builder) Create(mem []byte) (*Mutex, error) {
	var attr attributes
	if err := attr.init(mem); err != nil {
		return nil, err
	}
	if err := attr.enableIPCSupport(b.cfg.InterProcessCapable); err != nil {
		return nil, err
	}
	if err := attr.setType(b.cfg.Type); err != nil {
		return nil, err
	}
	if err := attr.setProtocol(b.cfg.PriorityInheritance); err != nil {
		return nil, err
	}
	if b.cfg.PriorityInheritance == PriorityProtect && b.cfg.PriorityCeiling != nil {
		if err := attr.setPrioCeiling(*b.cfg.PriorityCeiling); err != nil {
			return nil, err
		}
	}
	if err := attr.setThreadTerminationBehavior(b.cfg.ThreadTerminationBehavior); err != nil {
		return nil, err
	}
	return initializeMutex(mem, &attr)
}

// attributes collects validated settings before anything is written to the
// shared state.
type attributes struct {
	flags       uint32
	mutexType   MutexType
	protocol    PriorityInheritance
	ceiling     int32
	termination ThreadTerminationBehavior
}

func (a *attributes) init(mem []byte) error {
	if len(mem) < StateSize {
		log.Errorf("Not enough memory to initialize required mutex attributes: %d of %d bytes", len(mem), StateSize)
		return ErrInsufficientMemory
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%8 != 0 {
		log.Errorf("Mutex state must be 8-byte aligned")
		return ErrInsufficientMemory
	}
	if internalshm.AtomicLoadUint32(internalshm.At(mem, magicOffset)) != 0 {
		log.Errorf("Unable to override an already initialized mutex with a new mutex")
		return ErrMutexAlreadyInitialized
	}
	*a = attributes{}
	return nil
}

func (a *attributes) enableIPCSupport(enable bool) error {
	if !enable {
		return nil
	}
	if !interProcessSupported {
		log.Errorf("The platform does not support shared mutex (inter process mutex)")
		return ErrInterProcessMutexUnsupportedByPlatform
	}
	a.flags |= flagInterProcess
	return nil
}

func (a *attributes) setType(t MutexType) error {
	switch t {
	case Normal, Recursive:
		a.mutexType = t
		return nil
	}
	log.Errorf("This should never happen. An unknown error occurred while setting up the mutex type %d.", t)
	return fmt.Errorf("%w: mutex type %d", ErrUnknownError, t)
}

func (a *attributes) setProtocol(p PriorityInheritance) error {
	switch p {
	case PriorityNone:
	case PriorityInherit, PriorityProtect:
		if !prioritiesSupported {
			log.Errorf("The system does not support mutex priorities")
			return ErrPrioritiesUnsupportedByPlatform
		}
	default:
		log.Errorf("The used mutex priority %d is not supported by the platform", p)
		return ErrUsedPriorityUnsupportedByPlatform
	}
	a.protocol = p
	return nil
}

func (a *attributes) setPrioCeiling(c int32) error {
	if c < minPriorityCeiling || c > maxPriorityCeiling {
		log.Errorf("The priority ceiling %d is not in the valid priority range [%d, %d] of the FIFO scheduler.",
			c, minPriorityCeiling, maxPriorityCeiling)
		return ErrInvalidPriorityCeilingValue
	}
	limit, err := rtPriorityLimit()
	if err != nil {
		log.Errorf("Unable to read the realtime priority limit: %v", err)
		return fmt.Errorf("%w: %v", ErrUnknownError, err)
	}
	if os.Geteuid() != 0 && uint64(c) > limit {
		log.Errorf("Unsufficient permissions to set the mutex priority ceiling %d (limit %d).", c, limit)
		return ErrPermissionDenied
	}
	a.ceiling = c
	a.flags |= flagHasCeiling
	return nil
}

func (a *attributes) setThreadTerminationBehavior(t ThreadTerminationBehavior) error {
	switch t {
	case Stalling, Robust:
		a.termination = t
		return nil
	}
	log.Errorf("This should never happen. An unknown error occurred while setting up the mutex thread termination behavior %d.", t)
	return fmt.Errorf("%w: termination behavior %d", ErrUnknownError, t)
}

// initializeMutex claims the state, writes it and publishes it. A failure
// after the claim zeroes the state again.
func initializeMutex(mem []byte, attr *attributes) (m *Mutex, err error) {
	st := state{mem: mem[:StateSize]}
	if !internalshm.AtomicCompareAndSwapUint32(st.ptr(magicOffset), 0, magicInitializing) {
		log.Errorf("Unable to override an already initialized mutex with a new mutex")
		return nil, ErrMutexAlreadyInitialized
	}
	defer func() {
		if err != nil {
			st.zero()
		}
	}()

	internalshm.AtomicStoreUint64(st.ptr(ownerOffset), 0)
	internalshm.AtomicStoreUint32(st.ptr(countOffset), 0)
	internalshm.AtomicStoreUint32(st.ptr(typeOffset), uint32(attr.mutexType))
	internalshm.AtomicStoreUint32(st.ptr(protocolOffset), uint32(attr.protocol))
	internalshm.AtomicStoreUint32(st.ptr(ceilingOffset), uint32(attr.ceiling))
	internalshm.AtomicStoreUint32(st.ptr(terminationOffset), uint32(attr.termination))
	internalshm.AtomicStoreUint32(st.ptr(creatorOffset), uint32(selfPID))
	internalshm.AtomicStoreUint32(st.ptr(flagsOffset), attr.flags)

	if got := st.config(); got.Type != attr.mutexType || got.ThreadTerminationBehavior != attr.termination {
		log.Errorf("This should never happen. Mutex state did not read back as written.")
		return nil, ErrUnknownError
	}
	internalshm.AtomicStoreUint32(st.ptr(magicOffset), magicReady)
	return newHandle(st), nil
}
