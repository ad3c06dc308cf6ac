//go:build linux

package shm

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a shared memory region (Linux implementation).
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := opts.path()
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	fd, err := unix.Open(path, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	size := opts.Size
	if opts.Create {
		if size <= 0 {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("invalid region size %d", size)
		}
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = unix.Close(fd)
			_ = unix.Unlink(path)
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("fstat: %w", err)
		}
		if size <= 0 {
			size = int(st.Size)
		}
		if int64(size) > st.Size {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("region %s is %d bytes, %d requested", path, st.Size, size)
		}
	}
	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		if opts.Create {
			_ = unix.Unlink(path)
		}
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{
		Addr: addr,
		Fd:   fd,
		Size: size,
		Path: path,
	}, nil
}

// UnmapRegion unmaps and closes the shared memory region (Linux implementation).
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	if region.Fd > 0 {
		if err := unix.Close(region.Fd); err != nil {
			return fmt.Errorf("close fd %d: %w", region.Fd, err)
		}
		region.Fd = -1
	}
	return nil
}

// Unlink removes the backing file. Existing mappings stay valid.
func Unlink(region *MappedRegion) error {
	if region == nil || region.Path == "" {
		return nil
	}
	if err := unix.Unlink(region.Path); err != nil && err != unix.ENOENT {
		return fmt.Errorf("unlink %s: %w", region.Path, err)
	}
	return nil
}
