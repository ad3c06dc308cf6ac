//go:build !linux

package shm

import (
	"context"
)

// MapRegion is not implemented on this platform.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupportedPlatform
}

// UnmapRegion is not implemented on this platform.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil {
		return nil
	}
	return ErrUnsupportedPlatform
}

// Unlink is not implemented on this platform.
func Unlink(region *MappedRegion) error {
	if region == nil {
		return nil
	}
	return ErrUnsupportedPlatform
}
