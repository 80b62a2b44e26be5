package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openLockTarget(t *testing.T) (string, *os.File) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "target.db")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)

	t.Cleanup(func() { _ = f.Close() })

	return path, f
}

func Test_Exclusive_Lock_Blocks_Second_Exclusive_Try(t *testing.T) {
	t.Parallel()

	path, f := openLockTarget(t)

	require.NoError(t, LockFD(int(f.Fd()), true, false))

	// A separate open file description contends on the same inode.
	other, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)

	defer func() { _ = other.Close() }()

	err = LockFD(int(other.Fd()), true, true)
	require.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, UnlockFD(int(f.Fd())))

	require.NoError(t, LockFD(int(other.Fd()), true, true))
}

func Test_Shared_Locks_Coexist_But_Block_Exclusive(t *testing.T) {
	t.Parallel()

	path, f := openLockTarget(t)

	require.NoError(t, LockFD(int(f.Fd()), false, false))

	reader2, err := os.OpenFile(path, os.O_RDONLY, 0)
	require.NoError(t, err)

	defer func() { _ = reader2.Close() }()

	require.NoError(t, LockFD(int(reader2.Fd()), false, true))

	writer, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)

	defer func() { _ = writer.Close() }()

	err = LockFD(int(writer.Fd()), true, true)
	require.ErrorIs(t, err, ErrWouldBlock)
}
