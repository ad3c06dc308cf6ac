package relptr

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrSegmentIDInUse                   = errors.New("segment id already registered")
	ErrSegmentOverlap                   = errors.New("segment overlaps a registered segment")
	ErrInvalidSegment                   = errors.New("invalid segment")
	ErrUnknownSegmentID                 = errors.New("segment id not registered")
	ErrAddressNotInAnyRegisteredSegment = errors.New("address not in any registered segment")
	ErrNullHandle                       = errors.New("null handle")
	ErrOffsetOutsideSegment             = errors.New("offset outside segment")
)

// Segment is one entry of the registry.
type Segment struct {
	ID   uint16
	Base uintptr
	Size uintptr
}

func (s Segment) contains(addr uintptr) bool {
	return addr >= s.Base && addr-s.Base < s.Size
}

// Registry maps segment ids to the base address the segment is mapped at in
// this process. It holds no cross-process state. Lookups are lock-free;
// registration is serialized.
type Registry struct {
	mu       sync.Mutex
	segments *xsync.MapOf[uint16, Segment]
}

// Default is the process-wide registry.
var Default = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{segments: xsync.NewMapOf[uint16, Segment]()}
}

// RegisterSegment records that segment id is mapped at [base, base+size).
func (r *Registry) RegisterSegment(id uint16, base, size uintptr) error {
	if id == MaxID {
		return ErrInvalidSegmentID
	}
	if size == 0 || base == 0 || base+size < base {
		return fmt.Errorf("%w: id %d base %#x size %d", ErrInvalidSegment, id, base, size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.segments.Load(id); ok {
		return fmt.Errorf("%w: %d", ErrSegmentIDInUse, id)
	}
	var overlap error
	r.segments.Range(func(_ uint16, s Segment) bool {
		if base < s.Base+s.Size && s.Base < base+size {
			overlap = fmt.Errorf("%w: id %d with id %d", ErrSegmentOverlap, id, s.ID)
			return false
		}
		return true
	})
	if overlap != nil {
		return overlap
	}
	r.segments.Store(id, Segment{ID: id, Base: base, Size: size})
	return nil
}

// RegisterBytes registers mem as segment id.
func (r *Registry) RegisterBytes(id uint16, mem []byte) error {
	if len(mem) == 0 {
		return fmt.Errorf("%w: id %d is empty", ErrInvalidSegment, id)
	}
	return r.RegisterSegment(id, uintptr(unsafe.Pointer(unsafe.SliceData(mem))), uintptr(len(mem)))
}

// DeregisterSegment removes id. Handles into it stop decoding in this process.
func (r *Registry) DeregisterSegment(id uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.segments.LoadAndDelete(id); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSegmentID, id)
	}
	return nil
}

// Lookup returns the local mapping of id.
func (r *Registry) Lookup(id uint16) (Segment, bool) {
	return r.segments.Load(id)
}

// Find returns the segment containing addr.
func (r *Registry) Find(addr uintptr) (Segment, bool) {
	var (
		found Segment
		ok    bool
	)
	r.segments.Range(func(_ uint16, s Segment) bool {
		if s.contains(addr) {
			found, ok = s, true
			return false
		}
		return true
	})
	return found, ok
}

// Segments returns the registered segments ordered by id.
func (r *Registry) Segments() []Segment {
	out := make([]Segment, 0, r.segments.Size())
	r.segments.Range(func(_ uint16, s Segment) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
