//go:build linux

package shm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapRegion_CreateAndAttach(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "region")

	created, err := MapRegion(ctx, MapOptions{Path: path, Size: 4096, Create: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, UnmapRegion(ctx, created)) }()
	require.Len(t, created.Addr, 4096)

	AtomicStoreUint64(At(created.Addr, 8), 0xdeadbeef)

	attached, err := MapRegion(ctx, MapOptions{Path: path})
	require.NoError(t, err)
	defer func() { require.NoError(t, UnmapRegion(ctx, attached)) }()
	require.Equal(t, 4096, attached.Size)
	require.Equal(t, uint64(0xdeadbeef), AtomicLoadUint64(At(attached.Addr, 8)))

	_, err = MapRegion(ctx, MapOptions{Path: path, Size: 4096, Create: true})
	require.Error(t, err, "create must not clobber an existing region")

	_, err = MapRegion(ctx, MapOptions{Path: path, Size: 8192})
	require.Error(t, err)

	require.NoError(t, Unlink(created))
	require.NoError(t, Unlink(created))
}

func TestAtomicHelpers(t *testing.T) {
	mem := make([]byte, 16)
	p := At(mem, 0)
	require.True(t, AtomicCompareAndSwapUint32(p, 0, 5))
	require.False(t, AtomicCompareAndSwapUint32(p, 0, 6))
	require.Equal(t, uint32(7), AtomicAddUint32(p, 2))
	require.Equal(t, uint32(6), AtomicAddUint32(p, -1))
	require.Equal(t, uint32(6), AtomicOrUint32(p, 1))
	require.Equal(t, uint32(7), AtomicAndNotUint32(p, 2))
	require.Equal(t, uint32(5), AtomicLoadUint32(p))

	q := At(mem, 8)
	require.True(t, AtomicCompareAndSwapUint64(q, 0, 1<<40))
	require.Equal(t, uint64(1<<40), AtomicLoadUint64(q))
}
