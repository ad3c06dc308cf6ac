// Package relptr encodes memory locations inside shared-memory segments as
// 64-bit handles that mean the same thing in every process mapping the
// segment, whatever base address the segment got there.
package relptr

import (
	"errors"
	"fmt"
)

const (
	idBits = 16

	// MaxID is reserved: it is the id half of NullHandle.
	MaxID uint16 = 1<<idBits - 1
	// MaxOffset is the largest offset pattern. It is reserved too, so that
	// no (id, offset) pair can produce the all-ones null pattern.
	MaxOffset uint64 = 1<<48 - 1

	// NullHandle is the logical null.
	NullHandle Handle = ^Handle(0)
)

var (
	ErrInvalidSegmentID            = errors.New("segment id is reserved")
	ErrOffsetExceedsEncodableRange = errors.New("offset exceeds encodable range")
)

// Handle packs a segment id (bits 0-15) and an offset (bits 16-63) into one
// word so it can be written and read in shared memory without tearing.
type Handle uint64

// NewHandle packs id and offset.
func NewHandle(id uint16, offset uint64) (Handle, error) {
	if id == MaxID {
		return NullHandle, ErrInvalidSegmentID
	}
	if offset >= MaxOffset {
		return NullHandle, fmt.Errorf("%w: %#x", ErrOffsetExceedsEncodableRange, offset)
	}
	return Handle(uint64(id) | offset<<idBits), nil
}

// ID returns the segment id.
func (h Handle) ID() uint16 {
	return uint16(uint64(h) & uint64(MaxID))
}

// Offset returns the byte offset from the segment base.
func (h Handle) Offset() uint64 {
	return (uint64(h) >> idBits) & MaxOffset
}

// IsNull reports whether h is the logical null.
func (h Handle) IsNull() bool {
	return h == NullHandle
}

func (h Handle) String() string {
	if h.IsNull() {
		return "relptr(null)"
	}
	return fmt.Sprintf("relptr(%d:%#x)", h.ID(), h.Offset())
}
