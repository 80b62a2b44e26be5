package hashdb_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/hashkv/pkg/hashdb"
)

func openCursorDB(t *testing.T) *hashdb.DB {
	t.Helper()

	db, err := hashdb.Open(hashdb.Options{
		Path: filepath.Join(t.TempDir(), "cursor.hkv"),
		BNum: 17,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func Test_Cursor_Walks_Records_In_Insertion_Order(t *testing.T) {
	t.Parallel()

	db := openCursorDB(t)

	want := make([]string, 20)
	for i := range want {
		want[i] = fmt.Sprintf("key-%02d", i)

		require.NoError(t, db.Set([]byte(want[i]), fmt.Appendf(nil, "value-%02d", i)))
	}

	cur := db.Cursor()
	defer cur.Disable()

	require.NoError(t, cur.Jump())

	var got []string

	for {
		key, value, err := cur.Get(true)
		if err != nil {
			require.ErrorIs(t, err, hashdb.ErrNoRec)

			break
		}

		require.Equal(t, "value-"+string(key[4:]), string(value))
		got = append(got, string(key))
	}

	require.Equal(t, want, got)
}

func Test_Cursor_JumpKey_Lands_On_The_Record(t *testing.T) {
	t.Parallel()

	db := openCursorDB(t)

	for i := range 10 {
		require.NoError(t, db.Set(fmt.Appendf(nil, "key-%d", i), fmt.Appendf(nil, "value-%d", i)))
	}

	cur := db.Cursor()
	defer cur.Disable()

	require.NoError(t, cur.JumpKey([]byte("key-7")))

	key, value, err := cur.Get(false)
	require.NoError(t, err)
	require.Equal(t, "key-7", string(key))
	require.Equal(t, "value-7", string(value))

	require.ErrorIs(t, cur.JumpKey([]byte("missing")), hashdb.ErrNoRec)
}

func Test_Cursor_On_Empty_Database_Reports_NoRec(t *testing.T) {
	t.Parallel()

	db := openCursorDB(t)

	cur := db.Cursor()
	defer cur.Disable()

	require.ErrorIs(t, cur.Jump(), hashdb.ErrNoRec)

	_, _, err := cur.Get(false)
	require.ErrorIs(t, err, hashdb.ErrNoRec)
}

func Test_Cursor_Migrates_When_Its_Record_Is_Removed(t *testing.T) {
	t.Parallel()

	db := openCursorDB(t)

	require.NoError(t, db.Set([]byte("first"), []byte("1")))
	require.NoError(t, db.Set([]byte("second"), []byte("2")))
	require.NoError(t, db.Set([]byte("third"), []byte("3")))

	cur := db.Cursor()
	defer cur.Disable()

	require.NoError(t, cur.Jump())

	// Removing the record under the cursor slides it to the next one.
	require.NoError(t, db.Remove([]byte("first")))

	key, _, err := cur.Get(false)
	require.NoError(t, err)
	require.Equal(t, "second", string(key))
}

func Test_Cursor_Remove_Advances_Over_The_Removed_Record(t *testing.T) {
	t.Parallel()

	db := openCursorDB(t)

	for i := range 5 {
		require.NoError(t, db.Set(fmt.Appendf(nil, "key-%d", i), []byte("v")))
	}

	cur := db.Cursor()
	defer cur.Disable()

	require.NoError(t, cur.Jump())
	require.NoError(t, cur.Remove())

	key, err := cur.Key()
	require.NoError(t, err)
	require.Equal(t, "key-1", string(key))

	count, err := db.Count()
	require.NoError(t, err)
	require.Equal(t, int64(4), count)
}

func Test_Cursor_Accept_Rewrites_The_Current_Record(t *testing.T) {
	t.Parallel()

	db := openCursorDB(t)

	require.NoError(t, db.Set([]byte("a"), []byte("old")))
	require.NoError(t, db.Set([]byte("b"), []byte("old")))

	cur := db.Cursor()
	defer cur.Disable()

	require.NoError(t, cur.Jump())

	err := cur.Accept(hashdb.VisitorFunc{
		Full: func(_, _ []byte) hashdb.Decision {
			return hashdb.Replace([]byte("new"))
		},
	}, true, true)
	require.NoError(t, err)

	got, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got)

	// The step landed on the next record.
	key, err := cur.Key()
	require.NoError(t, err)
	require.Equal(t, "b", string(key))
}

func Test_Cursor_Survives_Defrag_Of_Preceding_Records(t *testing.T) {
	t.Parallel()

	db := openCursorDB(t)

	for i := range 20 {
		require.NoError(t, db.Set(fmt.Appendf(nil, "key-%02d", i), []byte("0123456789abcdef")))
	}

	cur := db.Cursor()
	defer cur.Disable()

	require.NoError(t, cur.JumpKey([]byte("key-10")))

	// Punch holes before the cursor, then compact everything.
	for i := range 10 {
		require.NoError(t, db.Remove(fmt.Appendf(nil, "key-%02d", i)))
	}

	require.NoError(t, db.Defrag(0))

	key, value, err := cur.Get(false)
	require.NoError(t, err)
	require.Equal(t, "key-10", string(key))
	require.Equal(t, "0123456789abcdef", string(value))
}

func Test_Cursor_Is_Invalidated_By_Clear_And_Close(t *testing.T) {
	t.Parallel()

	db := openCursorDB(t)

	require.NoError(t, db.Set([]byte("k"), []byte("v")))

	cur := db.Cursor()
	require.NoError(t, cur.Jump())

	require.NoError(t, db.Clear())

	_, _, err := cur.Get(false)
	require.ErrorIs(t, err, hashdb.ErrNoRec)

	require.NoError(t, db.Close())

	require.ErrorIs(t, cur.Jump(), hashdb.ErrNotOpened)

	cur.Disable()
	require.ErrorIs(t, cur.Jump(), hashdb.ErrNotOpened)
}
