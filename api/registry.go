package api

import "github.com/srediag/shmipc-core/pkg/relptr"

// SegmentRegistry maps segment ids to this process's mappings and converts
// between addresses and relative handles. Implemented by *relptr.Registry.
type SegmentRegistry interface {
	RegisterSegment(id uint16, base, size uintptr) error
	DeregisterSegment(id uint16) error
	Lookup(id uint16) (relptr.Segment, bool)
	Encode(addr uintptr) (relptr.Handle, error)
	Decode(h relptr.Handle) (uintptr, error)
}
