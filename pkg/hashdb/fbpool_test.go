package hashdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_FreeBlockPool_Fetch_Prefers_Smallest_Sufficient_Block(t *testing.T) {
	t.Parallel()

	pool := newFreeBlockPool(16)
	pool.insert(1000, 64)
	pool.insert(2000, 32)
	pool.insert(3000, 128)

	fb, ok := pool.fetch(40)
	require.True(t, ok)
	require.Equal(t, freeBlock{off: 1000, rsiz: 64}, fb)

	// Exact size matches are eligible.
	fb, ok = pool.fetch(32)
	require.True(t, ok)
	require.Equal(t, freeBlock{off: 2000, rsiz: 32}, fb)

	// Nothing large enough left.
	_, ok = pool.fetch(256)
	require.False(t, ok)

	fb, ok = pool.fetch(1)
	require.True(t, ok)
	require.Equal(t, int64(128), fb.rsiz)

	require.Zero(t, pool.len())
}

func Test_FreeBlockPool_Fetch_Breaks_Size_Ties_By_Higher_Offset(t *testing.T) {
	t.Parallel()

	pool := newFreeBlockPool(16)
	pool.insert(100, 64)
	pool.insert(900, 64)

	fb, ok := pool.fetch(64)
	require.True(t, ok)
	require.Equal(t, int64(900), fb.off)
}

func Test_FreeBlockPool_At_Capacity_Discards_Small_And_Evicts_Smallest(t *testing.T) {
	t.Parallel()

	pool := newFreeBlockPool(2)
	pool.insert(100, 16)
	pool.insert(200, 64)

	// No larger than the current minimum: dropped.
	pool.insert(300, 16)
	require.Equal(t, 2, pool.len())

	_, ok := pool.fetch(15)
	require.True(t, ok)

	pool.insert(100, 16)

	// Larger than the minimum: the smallest block makes room.
	pool.insert(400, 32)
	require.Equal(t, 2, pool.len())

	fb, ok := pool.fetch(1)
	require.True(t, ok)
	require.Equal(t, int64(32), fb.rsiz, "the 16-byte block was evicted")
}

func Test_FreeBlockPool_Trim_Drops_Blocks_In_Interval(t *testing.T) {
	t.Parallel()

	pool := newFreeBlockPool(16)
	pool.insert(100, 8)
	pool.insert(200, 16)
	pool.insert(300, 24)

	pool.trim(150, 300)

	require.Equal(t, 2, pool.len())

	blocks := pool.blocks()
	require.Equal(t, []freeBlock{{off: 100, rsiz: 8}, {off: 300, rsiz: 24}}, blocks)
}

func Test_FreeBlockPool_Dump_Load_Roundtrips_What_Fits(t *testing.T) {
	t.Parallel()

	const apow = 3

	pool := newFreeBlockPool(16)
	pool.insert(1024, 64)

	// Default geometry dump area: 2*6+2 bytes.
	area := make([]byte, 14)
	pool.dump(area, apow)

	loaded := newFreeBlockPool(16)
	require.NoError(t, loaded.load(area, apow))
	require.Equal(t, pool.blocks(), loaded.blocks())

	// A zeroed area loads as an empty pool.
	empty := newFreeBlockPool(16)
	require.NoError(t, empty.load(make([]byte, 14), apow))
	require.Zero(t, empty.len())
}

func Test_FreeBlockPool_Dump_Drops_Entries_Beyond_The_Area(t *testing.T) {
	t.Parallel()

	const apow = 0

	pool := newFreeBlockPool(16)

	// Large offsets need wide varints; only a prefix can fit.
	pool.insert(1<<30, 1<<20)
	pool.insert(1<<31, 1<<20)
	pool.insert(1<<32, 1<<20)

	area := make([]byte, 14)
	pool.dump(area, apow)

	loaded := newFreeBlockPool(16)
	require.NoError(t, loaded.load(area, apow))
	require.Less(t, loaded.len(), pool.len())

	for _, fb := range loaded.blocks() {
		require.Contains(t, pool.blocks(), fb)
	}
}

func Test_FreeBlockPool_Snapshot_Restores_Contents(t *testing.T) {
	t.Parallel()

	pool := newFreeBlockPool(16)
	pool.insert(100, 8)
	pool.insert(200, 16)

	snap := pool.clone()

	pool.insert(300, 24)
	_, _ = pool.fetch(1)

	pool.restore(snap)

	require.Equal(t, []freeBlock{{off: 100, rsiz: 8}, {off: 200, rsiz: 16}}, pool.blocks())
}
