package relptr

import (
	"fmt"
	"unsafe"
)

// Encode converts a local address into a handle.
func (r *Registry) Encode(addr uintptr) (Handle, error) {
	seg, ok := r.Find(addr)
	if !ok {
		return NullHandle, fmt.Errorf("%w: %#x", ErrAddressNotInAnyRegisteredSegment, addr)
	}
	return NewHandle(seg.ID, uint64(addr-seg.Base))
}

// Decode converts h into an address valid in this process.
func (r *Registry) Decode(h Handle) (uintptr, error) {
	if h.IsNull() {
		return 0, ErrNullHandle
	}
	seg, ok := r.Lookup(h.ID())
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSegmentID, h.ID())
	}
	if h.Offset() >= uint64(seg.Size) {
		return 0, fmt.Errorf("%w: %s, segment size %d", ErrOffsetOutsideSegment, h, seg.Size)
	}
	return seg.Base + uintptr(h.Offset()), nil
}

// EncodePointer encodes p. p must point into mapped shared memory, never into
// the Go heap.
func (r *Registry) EncodePointer(p unsafe.Pointer) (Handle, error) {
	return r.Encode(uintptr(p))
}

// DecodePointer decodes h into a pointer into mapped shared memory.
func (r *Registry) DecodePointer(h Handle) (unsafe.Pointer, error) {
	addr, err := r.Decode(h)
	if err != nil {
		return nil, err
	}
	//nolint:govet // addr points into an mmapped segment, not the Go heap
	return unsafe.Pointer(addr), nil
}

// Locate returns the segment-relative view of h: the segment and the offset.
// Callers holding the segment's []byte use the offset directly instead of a
// raw pointer.
func (r *Registry) Locate(h Handle) (Segment, uint64, error) {
	if _, err := r.Decode(h); err != nil {
		return Segment{}, 0, err
	}
	seg, _ := r.Lookup(h.ID())
	return seg, h.Offset(), nil
}
