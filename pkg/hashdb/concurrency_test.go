package hashdb_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/hashkv/pkg/hashdb"
)

func Test_Concurrent_Writers_With_Disjoint_Keys_Lose_Nothing(t *testing.T) {
	t.Parallel()

	const perWriter = 10000

	db, err := hashdb.Open(hashdb.Options{
		Path: filepath.Join(t.TempDir(), "conc.hkv"),
		BNum: 4099,
	})
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	var wg sync.WaitGroup

	errs := make([]error, 2)

	for writer := range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range perWriter {
				key := fmt.Appendf(nil, "w%d:%06d", writer, i)

				setErr := db.Set(key, key)
				if setErr != nil {
					errs[writer] = setErr

					return
				}
			}
		}()
	}

	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	count, err := db.Count()
	require.NoError(t, err)
	require.Equal(t, int64(2*perWriter), count)

	for writer := range 2 {
		for i := 0; i < perWriter; i += 997 {
			key := fmt.Appendf(nil, "w%d:%06d", writer, i)

			got, getErr := db.Get(key)
			require.NoError(t, getErr)
			require.Equal(t, key, got)
		}
	}
}

func Test_Concurrent_Readers_During_Writes_See_Consistent_Records(t *testing.T) {
	t.Parallel()

	const keys = 256

	db, err := hashdb.Open(hashdb.Options{
		Path: filepath.Join(t.TempDir(), "rw.hkv"),
		BNum: 257,
	})
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	for i := range keys {
		require.NoError(t, db.Set([]byte{byte(i)}, []byte{byte(i)}))
	}

	stop := make(chan struct{})
	writerDone := make(chan error, 1)

	go func() {
		for round := range 200 {
			for i := range keys {
				err := db.Set([]byte{byte(i)}, []byte{byte(i), byte(round)})
				if err != nil {
					writerDone <- err

					return
				}
			}
		}

		writerDone <- nil
	}()

	var readers sync.WaitGroup

	readErrs := make([]error, 4)

	for r := range 4 {
		readers.Add(1)

		go func() {
			defer readers.Done()

			for {
				select {
				case <-stop:
					return
				default:
				}

				for i := range keys {
					value, err := db.Get([]byte{byte(i)})
					if err != nil {
						readErrs[r] = err

						return
					}

					if len(value) == 0 || value[0] != byte(i) {
						readErrs[r] = fmt.Errorf("key %d returned foreign value", i)

						return
					}
				}
			}
		}()
	}

	require.NoError(t, <-writerDone)
	close(stop)
	readers.Wait()

	for _, re := range readErrs {
		require.NoError(t, re)
	}

	count, err := db.Count()
	require.NoError(t, err)
	require.Equal(t, int64(keys), count)
}
