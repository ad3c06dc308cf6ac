// Package shm contains platform-specific helpers for mapping shared memory segments.
package shm

import "errors"

// ErrUnsupportedPlatform is returned where shared memory mapping is not implemented.
var ErrUnsupportedPlatform = errors.New("shared memory mapping is not supported on this platform")

// DevShmDir is where named regions are backed on Linux.
const DevShmDir = "/dev/shm"

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Fd   int
	Size int
	Path string
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	// Name is resolved below DevShmDir when Path is empty.
	Name string
	// Path is an explicit backing file, used for file-backed segments.
	Path string
	// Size is required when Create is set. When attaching, zero means the file size.
	Size   int
	Create bool
}

func (o MapOptions) path() string {
	if o.Path != "" {
		return o.Path
	}
	return DevShmDir + "/" + o.Name
}

// Function implementations are provided in platform-specific files (platform_linux.go, platform_other.go).
