package hashdb_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/hashkv/pkg/hashdb"
)

func Test_Compressed_Database_Roundtrips_And_Reopens(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "comp.hkv")

	db, err := hashdb.Open(hashdb.Options{
		Path: path,
		BNum: 17,
		Opts: hashdb.OptCompress,
	})
	require.NoError(t, err)

	// Highly repetitive values compress well; binary noise does not.
	compressible := bytes.Repeat([]byte("abcdefgh"), 512)

	noise := make([]byte, 512)
	for i := range noise {
		noise[i] = byte(i*31 + i>>3)
	}

	require.NoError(t, db.Set([]byte("text"), compressible))
	require.NoError(t, db.Set([]byte("noise"), noise))
	require.NoError(t, db.Set([]byte("empty"), nil))

	got, err := db.Get([]byte("text"))
	require.NoError(t, err)
	require.Equal(t, compressible, got)

	// The stored form of the repetitive value is far smaller than the
	// plain bytes; the file must reflect that.
	size, err := db.Size()
	require.NoError(t, err)
	require.Less(t, size, int64(len(compressible)+len(noise)))

	require.NoError(t, db.Close())

	db, err = hashdb.Open(hashdb.Options{Path: path, Mode: hashdb.OpenReader})
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	got, err = db.Get([]byte("text"))
	require.NoError(t, err)
	require.Equal(t, compressible, got)

	got, err = db.Get([]byte("noise"))
	require.NoError(t, err)
	require.Equal(t, noise, got)

	got, err = db.Get([]byte("empty"))
	require.NoError(t, err)
	require.Empty(t, got)
}

func Test_ZlibCompressor_Roundtrips(t *testing.T) {
	t.Parallel()

	comp := hashdb.ZlibCompressor()

	for _, input := range [][]byte{
		nil,
		{},
		[]byte("x"),
		bytes.Repeat([]byte("pattern"), 1000),
	} {
		packed, err := comp.Compress(input)
		require.NoError(t, err)

		unpacked, err := comp.Decompress(packed)
		require.NoError(t, err)
		require.Equal(t, len(input), len(unpacked))

		if len(input) > 0 {
			require.Equal(t, input, unpacked)
		}
	}

	// Garbage input must surface as corruption, not success.
	_, err := comp.Decompress([]byte("definitely not zlib"))
	require.ErrorIs(t, err, hashdb.ErrBroken)
}

type countingCompressor struct {
	compressed   int
	decompressed int
}

func (c *countingCompressor) Compress(data []byte) ([]byte, error) {
	c.compressed++

	out := append([]byte{0x5A}, data...)

	return out, nil
}

func (c *countingCompressor) Decompress(data []byte) ([]byte, error) {
	c.decompressed++

	return append([]byte(nil), data[1:]...), nil
}

func Test_Custom_Compressor_Is_Used_For_Every_Record(t *testing.T) {
	t.Parallel()

	comp := &countingCompressor{}

	db, err := hashdb.Open(hashdb.Options{
		Path:       filepath.Join(t.TempDir(), "custom.hkv"),
		BNum:       17,
		Compressor: comp,
	})
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	require.NoError(t, db.Set([]byte("k"), []byte("value")))

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)

	require.Positive(t, comp.compressed)
	require.Positive(t, comp.decompressed)
}
