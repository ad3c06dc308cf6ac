// Package participant implements the shared table in which every process
// attached to a segment announces itself and publishes its ledger.
package participant

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"
	"unsafe"

	internalshm "github.com/srediag/shmipc-core/internal/shm"
	"github.com/srediag/shmipc-core/pkg/relptr"
)

// State is the lifecycle state of a table slot.
type State uint32

const (
	StateFree State = iota
	// StateClaimed: the slot is owned but its ledger is not published yet.
	StateClaimed
	StateActive
	// StateReclaiming: the owner is gone and a supervisor is cleaning up.
	StateReclaiming
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateClaimed:
		return "claimed"
	case StateActive:
		return "active"
	case StateReclaiming:
		return "reclaiming"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

const (
	headerSize        = 64
	tableMagic uint32 = 0x50545442 // "BTTP"

	magicOffset = 0
	slotsOffset = 4

	// SlotSize is the size of one slot.
	SlotSize = 32

	stateOffset      = 0
	pidOffset        = 4
	ledgerOffset     = 8
	nameHashOffset   = 16
	registeredOffset = 24

	// MaxSlots bounds the table.
	MaxSlots = 4096
)

var (
	ErrTableFull      = errors.New("participant table full")
	ErrInvalidSlot    = errors.New("invalid participant slot")
	ErrSlotState      = errors.New("participant slot in unexpected state")
	ErrInvalidTable   = errors.New("invalid participant table")
	ErrNotInitialized = errors.New("participant table not initialized")
)

// Size returns the bytes a table with n slots occupies.
func Size(n uint32) int {
	return headerSize + int(n)*SlotSize
}

// Slot is a snapshot of one table slot.
type Slot struct {
	Index        int
	State        State
	PID          uint32
	Ledger       relptr.Handle
	NameHash     uint64
	RegisteredAt time.Time
}

// Table is a view onto the participant table.
type Table struct {
	mem   []byte
	slots uint32
}

// NewTable formats a table of n slots at the start of mem.
func NewTable(mem []byte, n uint32) (*Table, error) {
	if n == 0 || n > MaxSlots {
		return nil, fmt.Errorf("%w: %d slots", ErrInvalidTable, n)
	}
	if len(mem) < Size(n) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidTable, Size(n), len(mem))
	}
	t := &Table{mem: mem[:Size(n)], slots: n}
	internalshm.AtomicStoreUint32(t.ptr(slotsOffset), n)
	for i := 0; i < int(n); i++ {
		t.clear(i)
	}
	internalshm.AtomicStoreUint32(t.ptr(magicOffset), tableMagic)
	return t, nil
}

// AttachTable opens a table formatted by NewTable.
func AttachTable(mem []byte) (*Table, error) {
	if len(mem) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidTable, len(mem))
	}
	if internalshm.AtomicLoadUint32(internalshm.At(mem, magicOffset)) != tableMagic {
		return nil, ErrNotInitialized
	}
	n := internalshm.AtomicLoadUint32(internalshm.At(mem, slotsOffset))
	if n == 0 || n > MaxSlots || len(mem) < Size(n) {
		return nil, fmt.Errorf("%w: %d slots in %d bytes", ErrInvalidTable, n, len(mem))
	}
	return &Table{mem: mem[:Size(n)], slots: n}, nil
}

func (t *Table) ptr(off uintptr) unsafe.Pointer { return internalshm.At(t.mem, off) }

func (t *Table) field(i int, off uintptr) unsafe.Pointer {
	return t.ptr(headerSize + uintptr(i)*SlotSize + off)
}

func (t *Table) state(i int) State {
	return State(internalshm.AtomicLoadUint32(t.field(i, stateOffset)))
}

func (t *Table) casState(i int, from, to State) bool {
	return internalshm.AtomicCompareAndSwapUint32(t.field(i, stateOffset), uint32(from), uint32(to))
}

func (t *Table) clear(i int) {
	internalshm.AtomicStoreUint32(t.field(i, pidOffset), 0)
	internalshm.AtomicStoreUint64(t.field(i, ledgerOffset), uint64(relptr.NullHandle))
	internalshm.AtomicStoreUint64(t.field(i, nameHashOffset), 0)
	internalshm.AtomicStoreUint64(t.field(i, registeredOffset), 0)
	internalshm.AtomicStoreUint32(t.field(i, stateOffset), uint32(StateFree))
}

func (t *Table) check(i int) error {
	if i < 0 || i >= int(t.slots) {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, i)
	}
	return nil
}

// Len returns the number of slots.
func (t *Table) Len() int { return int(t.slots) }

// Claim takes the first free slot for pid.
func (t *Table) Claim(pid uint32, name string) (int, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	for i := 0; i < int(t.slots); i++ {
		if t.state(i) != StateFree || !t.casState(i, StateFree, StateClaimed) {
			continue
		}
		internalshm.AtomicStoreUint32(t.field(i, pidOffset), pid)
		internalshm.AtomicStoreUint64(t.field(i, nameHashOffset), h.Sum64())
		internalshm.AtomicStoreUint64(t.field(i, registeredOffset), uint64(time.Now().UnixNano()))
		return i, nil
	}
	return -1, ErrTableFull
}

// Activate publishes the ledger of a claimed slot.
func (t *Table) Activate(i int, ledger relptr.Handle) error {
	if err := t.check(i); err != nil {
		return err
	}
	internalshm.AtomicStoreUint64(t.field(i, ledgerOffset), uint64(ledger))
	if !t.casState(i, StateClaimed, StateActive) {
		return fmt.Errorf("%w: slot %d is %s", ErrSlotState, i, t.state(i))
	}
	return nil
}

// BeginReclaim moves a claimed or active slot to StateReclaiming. Only one
// caller wins.
func (t *Table) BeginReclaim(i int) bool {
	if t.check(i) != nil {
		return false
	}
	return t.casState(i, StateActive, StateReclaiming) || t.casState(i, StateClaimed, StateReclaiming)
}

// Free returns a slot to the table.
func (t *Table) Free(i int) error {
	if err := t.check(i); err != nil {
		return err
	}
	t.clear(i)
	return nil
}

// Get returns a snapshot of slot i.
func (t *Table) Get(i int) (Slot, error) {
	if err := t.check(i); err != nil {
		return Slot{}, err
	}
	s := Slot{
		Index:    i,
		State:    t.state(i),
		PID:      internalshm.AtomicLoadUint32(t.field(i, pidOffset)),
		Ledger:   relptr.Handle(internalshm.AtomicLoadUint64(t.field(i, ledgerOffset))),
		NameHash: internalshm.AtomicLoadUint64(t.field(i, nameHashOffset)),
	}
	if ns := internalshm.AtomicLoadUint64(t.field(i, registeredOffset)); ns != 0 {
		s.RegisteredAt = time.Unix(0, int64(ns))
	}
	return s, nil
}

// Slots returns a snapshot of every non-free slot. Reads take no lock.
func (t *Table) Slots() []Slot {
	var out []Slot
	for i := 0; i < int(t.slots); i++ {
		if t.state(i) == StateFree {
			continue
		}
		s, _ := t.Get(i)
		out = append(out, s)
	}
	return out
}
