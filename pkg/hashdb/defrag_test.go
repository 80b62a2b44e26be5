package hashdb

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTestDB opens a white-box handle with small buckets.
func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()

	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "test.hkv")
	}

	if opts.Mode == 0 {
		opts.Mode = OpenWriter | OpenCreate
	}

	db, err := Open(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// regionStats walks the record region and tallies records and free blocks.
func regionStats(t *testing.T, db *DB) (records, freeBlocks int, freeBytes int64) {
	t.Helper()

	off := db.roff
	end := db.file.size()

	var rec record

	for off < end {
		require.NoError(t, db.readRecord(off, &rec), "block at %d", off)

		if rec.psiz == psizFree {
			freeBlocks++
			freeBytes += rec.rsiz
		} else {
			records++
		}

		off += rec.rsiz
	}

	require.Equal(t, end, off, "blocks must tile the region exactly")

	return records, freeBlocks, freeBytes
}

func Test_Full_Defrag_Leaves_No_Interior_Free_Block(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, Options{BNum: 17})

	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = fmt.Appendf(nil, "key-%04d", i)

		require.NoError(t, db.Set(keys[i], fmt.Appendf(nil, "value-%04d", i)))
	}

	for i := 1; i < len(keys); i += 2 {
		require.NoError(t, db.Remove(keys[i]))
	}

	_, frees, _ := regionStats(t, db)
	require.Positive(t, frees, "removals must leave free blocks behind")

	sizeBefore := db.file.size()

	require.NoError(t, db.Defrag(0))

	records, frees, freeBytes := regionStats(t, db)
	require.Equal(t, 500, records)
	require.Zero(t, frees)
	require.Zero(t, freeBytes)
	require.Less(t, db.file.size(), sizeBefore)

	// Every surviving record still resolves through its chain.
	var order []string

	err := db.Iterate(VisitorFunc{
		Full: func(key, value []byte) Decision {
			order = append(order, string(key))

			return Nop()
		},
	}, false)
	require.NoError(t, err)
	require.Len(t, order, 500)

	for i := 0; i < len(keys); i += 2 {
		got, getErr := db.Get(keys[i])
		require.NoError(t, getErr, "key %s", keys[i])
		require.Equal(t, fmt.Sprintf("value-%04d", i), string(got))
	}

	// Iteration order of survivors is their original insertion order.
	for i, key := range order {
		require.Equal(t, fmt.Sprintf("key-%04d", i*2), key)
	}

	// A second full pass is a no-op.
	sizeAfter := db.file.size()

	require.NoError(t, db.Defrag(0))
	require.Equal(t, sizeAfter, db.file.size())
}

func Test_Stepped_Defrag_Makes_Incremental_Progress(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, Options{BNum: 17})

	for i := range 200 {
		require.NoError(t, db.Set(fmt.Appendf(nil, "key-%03d", i), []byte("0123456789abcdef")))
	}

	for i := 0; i < 200; i += 2 {
		require.NoError(t, db.Remove(fmt.Appendf(nil, "key-%03d", i)))
	}

	for range 100 {
		require.NoError(t, db.Defrag(4))
	}

	for i := 1; i < 200; i += 2 {
		got, err := db.Get(fmt.Appendf(nil, "key-%03d", i))
		require.NoError(t, err)
		require.Equal(t, []byte("0123456789abcdef"), got)
	}
}

func Test_Auto_Defrag_Kicks_In_Past_The_Unit_Threshold(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, Options{BNum: 17, DFUnit: 4})

	for i := range 100 {
		require.NoError(t, db.Set(fmt.Appendf(nil, "key-%03d", i), []byte("0123456789abcdef")))
	}

	for i := range 100 {
		require.NoError(t, db.Remove(fmt.Appendf(nil, "key-%03d", i)))
	}

	// With every record removed and many auto passes behind us, the
	// fragmentation counter must have been paid down.
	require.Less(t, db.frgcnt.Load(), int64(100))
}

func Test_InPlace_Shrink_Splits_Tail_Into_Pooled_Free_Block(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shrink.hkv")
	db := openTestDB(t, Options{Path: path, BNum: 17})

	require.NoError(t, db.Set([]byte("k"), []byte("xxxxxxxxxxxxxxxx")))

	size, err := db.Size()
	require.NoError(t, err)

	require.NoError(t, db.Set([]byte("k"), []byte("y")))

	// The shrink reuses the extent: no growth.
	size2, err := db.Size()
	require.NoError(t, err)
	require.Equal(t, size, size2)

	db.poolMu.Lock()
	blocks := db.fbp.blocks()
	db.poolMu.Unlock()

	require.Len(t, blocks, 1, "the shrunk tail must be pooled")

	// The freed tail sits immediately after the shrunk record.
	var rec record

	require.NoError(t, db.readRecord(db.roff, &rec))
	require.Equal(t, db.roff+rec.rsiz, blocks[0].off)

	// The pool dump on close persists the block across a reopen.
	require.NoError(t, db.Close())

	db2 := openTestDB(t, Options{Path: path})

	db2.poolMu.Lock()
	reloaded := db2.fbp.blocks()
	db2.poolMu.Unlock()

	require.Equal(t, blocks, reloaded)

	got, err := db2.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("y"), got)
}

func Test_Removed_Record_Extent_Is_Reused_For_New_Inserts(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, Options{BNum: 17})

	require.NoError(t, db.Set([]byte("a"), []byte("0123456789abcdef")))
	require.NoError(t, db.Set([]byte("b"), []byte("0123456789abcdef")))
	require.NoError(t, db.Remove([]byte("a")))

	size, err := db.Size()
	require.NoError(t, err)

	// The same-shaped insert must land in the freed extent.
	require.NoError(t, db.Set([]byte("c"), []byte("0123456789abcdef")))

	size2, err := db.Size()
	require.NoError(t, err)
	require.Equal(t, size, size2, "insert must reuse the freed extent")

	got, err := db.Get([]byte("c"))
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789abcdef"), got)
}
