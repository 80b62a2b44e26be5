package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Status_Reports_Files_And_Directories(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "data.bin")

	require.NoError(t, os.WriteFile(file, []byte("12345"), 0o600))

	st, err := Status(file)
	require.NoError(t, err)
	require.False(t, st.IsDir)
	require.Equal(t, int64(5), st.Size)
	require.False(t, st.MTime.IsZero())

	st, err = Status(dir)
	require.NoError(t, err)
	require.True(t, st.IsDir)

	_, err = Status(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_Abs_Canonicalizes_Relative_Paths(t *testing.T) {
	t.Parallel()

	abs, err := Abs("some/../file.txt")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(abs))
	require.Equal(t, "file.txt", filepath.Base(abs))
}

func Test_Directory_Helpers_Create_List_And_Remove(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")

	require.NoError(t, MakeDir(nested))

	require.NoError(t, os.WriteFile(filepath.Join(nested, "z.txt"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "a.txt"), nil, 0o600))

	names, err := ListDir(nested)
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "z.txt"}, names)

	_, err = ListDir(filepath.Join(root, "missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, RemoveDir(filepath.Join(root, "a")))

	_, err = Status(nested)
	require.ErrorIs(t, err, ErrNotFound)
}
