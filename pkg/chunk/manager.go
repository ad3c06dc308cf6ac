package chunk

import (
	"errors"
	"fmt"
	"sort"

	"github.com/srediag/shmipc-core/pkg/relptr"
)

// SizeCountPair describes one pool: its chunk payload size and chunk count.
type SizeCountPair struct {
	Size  uint32 `toml:"size"`
	Count uint32 `toml:"count"`
}

// Manager groups pools of different chunk sizes.
type Manager struct {
	reg   *relptr.Registry
	pools []*Pool // ascending chunk size
}

// NewManager builds a manager over already formatted or attached pools.
func NewManager(reg *relptr.Registry, pools ...*Pool) (*Manager, error) {
	if len(pools) == 0 {
		return nil, fmt.Errorf("%w: no pools", ErrInvalidPool)
	}
	sorted := append([]*Pool(nil), pools...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].chunkSize < sorted[j].chunkSize })
	return &Manager{reg: reg, pools: sorted}, nil
}

// Pools returns the managed pools by ascending chunk size.
func (m *Manager) Pools() []*Pool {
	return append([]*Pool(nil), m.pools...)
}

// Loan takes a chunk from the smallest pool whose chunks fit size.
// Exhaustion of that pool is reported; larger pools are not tried.
func (m *Manager) Loan(size uint32) (Chunk, error) {
	for _, p := range m.pools {
		if size <= p.chunkSize {
			return p.Loan(size)
		}
	}
	return Chunk{}, fmt.Errorf("%w: %d bytes, largest chunk is %d", ErrChunkTooLarge, size, m.pools[len(m.pools)-1].chunkSize)
}

// Release drops one owner of c.
func (m *Manager) Release(c Chunk) error {
	if c.pool == nil {
		return ErrInvalidHandle
	}
	return c.pool.Release(c)
}

// Acquire adds an owner to c.
func (m *Manager) Acquire(c Chunk) error {
	if c.pool == nil {
		return ErrInvalidHandle
	}
	return c.pool.Acquire(c)
}

// Resolve maps a chunk handle, possibly encoded by another process, back to
// the local view of the chunk.
func (m *Manager) Resolve(h relptr.Handle) (Chunk, error) {
	addr, err := m.reg.Decode(h)
	if err != nil {
		return Chunk{}, fmt.Errorf("resolve %s: %w", h, err)
	}
	for _, p := range m.pools {
		if idx, ok := p.indexOf(addr); ok {
			return p.chunkAt(idx, h), nil
		}
	}
	return Chunk{}, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
}

// ReleaseHandle drops one owner of the chunk h denotes.
func (m *Manager) ReleaseHandle(h relptr.Handle) error {
	c, err := m.Resolve(h)
	if err != nil {
		return err
	}
	return c.pool.Release(c)
}

// Reclaim is a ledger reclaim callback; failures are logged, not returned,
// since cleanup must visit every entry.
func (m *Manager) Reclaim(h relptr.Handle) {
	if err := m.ReleaseHandle(h); err != nil {
		if errors.Is(err, ErrChunkNotLoaned) {
			log.Warnf("reclaim %s: chunk already free", h)
			return
		}
		log.Errorf("reclaim %s: %v", h, err)
	}
}

// Stats returns the number of free chunks for each chunk size.
func (m *Manager) Stats() map[uint32]int {
	stats := make(map[uint32]int, len(m.pools))
	for _, p := range m.pools {
		stats[p.chunkSize] += p.Free()
	}
	return stats
}

// Close drops every pool view's mutex handle.
func (m *Manager) Close() {
	for _, p := range m.pools {
		p.Close()
	}
}
