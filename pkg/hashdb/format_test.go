package hashdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_VarNum_Roundtrips_Across_Width_Boundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		num   int64
		width int
	}{
		{0, 1},
		{1, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{1<<21 - 1, 3},
		{1 << 21, 4},
		{1<<28 - 1, 4},
		{1 << 28, 5},
		{1<<35 - 1, 5},
	}

	for _, tc := range cases {
		require.Equal(t, tc.width, sizeVarNum(tc.num), "width of %d", tc.num)

		var buf [5]byte

		n := writeVarNum(buf[:], tc.num)
		require.Equal(t, tc.width, n, "written width of %d", tc.num)

		got, consumed := readVarNum(buf[:n])
		require.Equal(t, tc.num, got)
		require.Equal(t, n, consumed)
	}
}

func Test_ReadVarNum_Reports_Truncated_Input(t *testing.T) {
	t.Parallel()

	var buf [5]byte

	n := writeVarNum(buf[:], 1<<20)

	_, consumed := readVarNum(buf[:n-1])
	require.Zero(t, consumed)

	_, consumed = readVarNum(nil)
	require.Zero(t, consumed)
}

func Test_FixNum_Roundtrips_At_Both_Widths(t *testing.T) {
	t.Parallel()

	for _, width := range []int{4, 6} {
		for _, num := range []int64{0, 1, 0xFF, 0xFFFF, 1 << 28} {
			buf := make([]byte, width)
			writeFixNum(buf, num, width)
			require.Equal(t, num, readFixNum(buf, width))
		}
	}
}

func Test_Header_Roundtrips_And_Rejects_Tampering(t *testing.T) {
	t.Parallel()

	h := header{
		apow:  3,
		fpow:  10,
		opts:  OptSmall | OptCompress,
		flags: flagOpen,
		bnum:  1048583,
		count: 42,
		lsiz:  4096,
	}
	copy(h.opaque[:], "user data")

	buf := encodeHeader(&h)
	require.Len(t, buf, headerSize)

	got, err := decodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)

	// Wrong magic.
	bad := append([]byte(nil), buf...)
	bad[0] = 'X'

	_, err = decodeHeader(bad)
	require.ErrorIs(t, err, ErrInvalid)

	// Flipped option bit invalidates the module checksum.
	bad = append([]byte(nil), buf...)
	bad[offOpts] ^= OptLinear

	_, err = decodeHeader(bad)
	require.ErrorIs(t, err, ErrInvalid)

	// Short buffer.
	_, err = decodeHeader(buf[:headerSize-1])
	require.ErrorIs(t, err, ErrBroken)
}

func Test_FoldHash_Mixes_All_Input_Halves(t *testing.T) {
	t.Parallel()

	base := foldHash(0x1111222233334444)

	for shift := 0; shift < 64; shift += 16 {
		flipped := foldHash(0x1111222233334444 ^ (uint64(0xFFFF) << shift))
		require.NotEqual(t, base, flipped, "flipping bits %d..%d must change the fold", shift, shift+15)
	}
}

func Test_CompareKeys_Orders_By_Length_Then_Bytes(t *testing.T) {
	t.Parallel()

	require.Negative(t, compareKeys([]byte("zz"), []byte("aaa")))
	require.Positive(t, compareKeys([]byte("aaa"), []byte("zz")))
	require.Negative(t, compareKeys([]byte("abc"), []byte("abd")))
	require.Zero(t, compareKeys([]byte("abc"), []byte("abc")))
	require.Negative(t, compareKeys(nil, []byte("a")))
}

func Test_NearbyPrime_Returns_Smallest_Prime_At_Or_Above(t *testing.T) {
	t.Parallel()

	cases := map[int64]int64{
		1:       2,
		2:       2,
		8:       11,
		100:     101,
		1048576: 1048583,
	}

	for num, want := range cases {
		require.Equal(t, want, nearbyPrime(num), "nearbyPrime(%d)", num)
	}
}

func Test_Checksum_Depends_On_Every_Format_Input(t *testing.T) {
	t.Parallel()

	base := calcChecksum(3, 10, 0)

	require.NotEqual(t, base, calcChecksum(4, 10, 0))
	require.NotEqual(t, base, calcChecksum(3, 11, 0))
	require.NotEqual(t, base, calcChecksum(3, 10, OptCompress))
}
