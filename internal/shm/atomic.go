package shm

import (
	"sync/atomic"
	"unsafe"
)

// Word accessors for structures living in shared memory. addr must be
// naturally aligned; mmap returns page-aligned memory so any layout that keeps
// 8-byte fields on 8-byte offsets satisfies this.

// AtomicLoadUint64 loads a uint64 from shared memory atomically.
func AtomicLoadUint64(addr unsafe.Pointer) uint64 {
	return atomic.LoadUint64((*uint64)(addr))
}

// AtomicStoreUint64 stores a uint64 to shared memory atomically.
func AtomicStoreUint64(addr unsafe.Pointer, val uint64) {
	atomic.StoreUint64((*uint64)(addr), val)
}

// AtomicCompareAndSwapUint64 atomically compares and swaps a uint64 in shared memory.
func AtomicCompareAndSwapUint64(addr unsafe.Pointer, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(addr), old, new)
}

// AtomicLoadUint32 loads a uint32 from shared memory atomically.
func AtomicLoadUint32(addr unsafe.Pointer) uint32 {
	return atomic.LoadUint32((*uint32)(addr))
}

// AtomicStoreUint32 stores a uint32 to shared memory atomically.
func AtomicStoreUint32(addr unsafe.Pointer, val uint32) {
	atomic.StoreUint32((*uint32)(addr), val)
}

// AtomicCompareAndSwapUint32 atomically compares and swaps a uint32 in shared memory.
func AtomicCompareAndSwapUint32(addr unsafe.Pointer, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(addr), old, new)
}

// AtomicAddUint32 adds delta to a uint32 in shared memory and returns the new value.
func AtomicAddUint32(addr unsafe.Pointer, delta int32) uint32 {
	return atomic.AddUint32((*uint32)(addr), uint32(delta))
}

// AtomicOrUint32 sets mask bits and returns the previous value.
func AtomicOrUint32(addr unsafe.Pointer, mask uint32) uint32 {
	return atomic.OrUint32((*uint32)(addr), mask)
}

// AtomicAndNotUint32 clears mask bits and returns the previous value.
func AtomicAndNotUint32(addr unsafe.Pointer, mask uint32) uint32 {
	return atomic.AndUint32((*uint32)(addr), ^mask)
}

// At returns a pointer to mem[off]. The caller guarantees the bounds.
func At(mem []byte, off uintptr) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(mem)), off)
}
