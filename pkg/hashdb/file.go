package hashdb

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/hashkv/internal/fs"
)

// dbFile is the file substrate: a data file with an mmapped prefix, hybrid
// positional I/O beyond it, advisory locking, and write-ahead logging while
// a transaction is active.
//
// The logical size is what the database considers in use; the physical size
// trails it and is trimmed to match on close. Reads and writes inside the
// mmap prefix are plain memcpy; everything beyond falls back to pread/pwrite.
type dbFile struct {
	mu     sync.Mutex // guards truncation and WAL state
	growMu sync.Mutex // guards physical growth inside the map

	fd     int
	path   string
	writer bool
	locked bool

	mmap []byte
	msiz int64

	lsiz atomic.Int64 // logical size
	psiz atomic.Int64 // physical size

	// Transaction state, valid while tran is true.
	tran   bool
	trhard bool
	trmsiz int64 // logical size snapshot at begin
	trbase int64 // start of the WAL-guarded region
	wal    *walFile

	// recovered reports that a WAL replay happened during open.
	recovered bool
}

// openFile opens or creates the data file, acquires the advisory lock, and
// runs WAL recovery if a log was left behind. The caller maps the prefix
// via mapPrefix once the geometry is known.
func openFile(path string, writer, create, truncate, noLock, tryLock bool) (*dbFile, error) {
	flag := syscall.O_RDONLY
	if writer {
		flag = syscall.O_RDWR

		if create {
			flag |= syscall.O_CREAT
		}

		if truncate {
			flag |= syscall.O_TRUNC
		}
	}

	fd, err := syscall.Open(path, flag, 0o644)
	if err != nil {
		if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
			return nil, newErrorf(ErrNoPerm, "open %s: %v", path, err)
		}

		return nil, newErrorf(ErrSystem, "open %s: %v", path, err)
	}

	df := &dbFile{fd: fd, path: path, writer: writer}

	fail := func(err error) (*dbFile, error) {
		if df.locked {
			_ = fs.UnlockFD(fd)
		}

		_ = syscall.Close(fd)

		return nil, err
	}

	if !noLock {
		lockErr := fs.LockFD(fd, writer, tryLock)
		if lockErr != nil {
			if errors.Is(lockErr, fs.ErrWouldBlock) {
				return fail(newErrorf(ErrSystem, "lock %s: held by another process", path))
			}

			return fail(newErrorf(ErrSystem, "lock %s: %v", path, lockErr))
		}

		df.locked = true
	}

	var stat syscall.Stat_t

	statErr := syscall.Fstat(fd, &stat)
	if statErr != nil {
		return fail(newErrorf(ErrSystem, "stat %s: %v", path, statErr))
	}

	df.psiz.Store(stat.Size)
	df.lsiz.Store(stat.Size)

	// Crash recovery runs before the prefix is mapped, under the file
	// lock, so no other writer can observe the half-restored state.
	if writer {
		recovered, recErr := df.recoverWAL()
		if recErr != nil {
			return fail(recErr)
		}

		df.recovered = recovered
	}

	return df, nil
}

// mapPrefix establishes the memory map once the caller has fixed the prefix
// length. A non-positive msiz leaves the file purely positional.
func (f *dbFile) mapPrefix(msiz int64) error {
	if msiz <= 0 {
		f.msiz = 0

		return nil
	}

	f.msiz = pageRound(msiz)

	prot := syscall.PROT_READ
	if f.writer {
		prot |= syscall.PROT_WRITE
	}

	data, err := syscall.Mmap(f.fd, 0, int(f.msiz), prot, syscall.MAP_SHARED)
	if err != nil {
		return newErrorf(ErrSystem, "mmap %s: %v", f.path, err)
	}

	f.mmap = data

	return nil
}

// close trims the physical size back to the logical size, tears down the
// map, and releases the lock.
func (f *dbFile) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fd < 0 {
		return nil
	}

	var firstErr error

	if f.writer && !f.tran {
		lsiz := f.lsiz.Load()
		if f.psiz.Load() != lsiz {
			truncErr := syscall.Ftruncate(f.fd, lsiz)
			if truncErr != nil && firstErr == nil {
				firstErr = newErrorf(ErrSystem, "truncate on close: %v", truncErr)
			}
		}
	}

	if f.wal != nil {
		walErr := f.wal.close()
		if walErr != nil && firstErr == nil {
			firstErr = walErr
		}

		f.wal = nil
	}

	if f.mmap != nil {
		unmapErr := syscall.Munmap(f.mmap)
		if unmapErr != nil && firstErr == nil {
			firstErr = newErrorf(ErrSystem, "munmap: %v", unmapErr)
		}

		f.mmap = nil
	}

	if f.locked {
		_ = fs.UnlockFD(f.fd)
		f.locked = false
	}

	closeErr := syscall.Close(f.fd)
	if closeErr != nil && firstErr == nil {
		firstErr = newErrorf(ErrSystem, "close: %v", closeErr)
	}

	f.fd = -1

	return firstErr
}

// size returns the current logical size.
func (f *dbFile) size() int64 {
	return f.lsiz.Load()
}

// expand atomically reserves n bytes at the logical end of the file and
// returns the reserved offset. The caller writes the region afterwards.
func (f *dbFile) expand(n int64) int64 {
	return f.lsiz.Add(n) - n
}

// write stores buf at off, emitting a WAL pre-image first when a
// transaction guards the region.
func (f *dbFile) write(off int64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	f.mu.Lock()
	if f.tran && off < f.trmsiz && off+int64(len(buf)) > f.trbase {
		err := f.walCapture(off, int64(len(buf)))
		if err != nil {
			f.mu.Unlock()

			return err
		}
	}
	f.mu.Unlock()

	return f.writeRaw(off, buf)
}

// writeRaw stores buf at off without touching the WAL. Used by WAL replay
// and by writes the caller already captured.
func (f *dbFile) writeRaw(off int64, buf []byte) error {
	end := off + int64(len(buf))

	switch {
	case f.mmap != nil && end <= f.msiz:
		// Whole write inside the map. Grow the physical size first so
		// the touched pages exist.
		if end > f.psiz.Load() {
			err := f.growTo(end)
			if err != nil {
				return err
			}
		}

		copy(f.mmap[off:end], buf)
	case f.mmap != nil && off < f.msiz:
		// Straddles the map boundary: pwrite the suffix first so the
		// file grows past the boundary, then memcpy the prefix.
		split := f.msiz - off

		err := f.pwriteAll(buf[split:], f.msiz)
		if err != nil {
			return err
		}

		f.notePhysical(end)
		copy(f.mmap[off:f.msiz], buf[:split])
	default:
		err := f.pwriteAll(buf, off)
		if err != nil {
			return err
		}

		f.notePhysical(end)
	}

	return nil
}

// growTo extends the physical size to cover end, overshooting by half the
// current size (capped at the map size) to amortize truncate calls.
func (f *dbFile) growTo(end int64) error {
	f.growMu.Lock()
	defer f.growMu.Unlock()

	psiz := f.psiz.Load()
	if end <= psiz {
		return nil
	}

	goal := end + psiz/2
	if goal > f.msiz {
		goal = f.msiz
	}

	if goal < end {
		goal = end
	}

	goal = pageRound(goal)

	err := syscall.Ftruncate(f.fd, goal)
	if err != nil {
		return newErrorf(ErrSystem, "truncate to %d: %v", goal, err)
	}

	f.psiz.Store(goal)

	return nil
}

// notePhysical records that a positional write extended the file to end.
func (f *dbFile) notePhysical(end int64) {
	for {
		cur := f.psiz.Load()
		if end <= cur || f.psiz.CompareAndSwap(cur, end) {
			return
		}
	}
}

// readInto fills buf from off. Fails if the region extends past the logical
// size.
func (f *dbFile) readInto(buf []byte, off int64) error {
	end := off + int64(len(buf))

	if off < 0 || end > f.lsiz.Load() {
		return newErrorf(ErrInvalid, "read [%d,%d) beyond logical size %d", off, end, f.lsiz.Load())
	}

	switch {
	case f.mmap != nil && end <= f.msiz && end <= f.psiz.Load():
		copy(buf, f.mmap[off:end])
	case f.mmap != nil && off < f.msiz && f.msiz <= f.psiz.Load():
		split := f.msiz - off
		copy(buf[:split], f.mmap[off:f.msiz])

		return f.preadAll(buf[split:], f.msiz)
	default:
		return f.preadAll(buf, off)
	}

	return nil
}

// truncate shrinks or grows the file to size, capturing the doomed region in
// the WAL when a transaction is active.
func (f *dbFile) truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tran && size < f.trmsiz {
		base := size
		if base < f.trbase {
			base = f.trbase
		}

		if base < f.trmsiz {
			err := f.walCapture(base, f.trmsiz-base)
			if err != nil {
				return err
			}
		}
	}

	err := syscall.Ftruncate(f.fd, size)
	if err != nil {
		return newErrorf(ErrSystem, "truncate to %d: %v", size, err)
	}

	f.lsiz.Store(size)
	f.psiz.Store(size)

	return nil
}

// sync flushes buffered state. Hard mode pushes the map and the file to the
// device; soft mode is a no-op beyond the writes already issued.
func (f *dbFile) sync(hard bool) error {
	if !hard {
		return nil
	}

	if f.mmap != nil {
		flush := f.psiz.Load()
		if flush > f.msiz {
			flush = f.msiz
		}

		if flush > 0 {
			err := unix.Msync(f.mmap[:flush], unix.MS_SYNC)
			if err != nil {
				return newErrorf(ErrSystem, "msync: %v", err)
			}
		}
	}

	err := unix.Fdatasync(f.fd)
	if err != nil {
		return newErrorf(ErrSystem, "fsync: %v", err)
	}

	return nil
}

// beginTransaction opens (or reuses) the WAL and arms pre-image capture for
// writes into [base, current logical size).
func (f *dbFile) beginTransaction(hard bool, base int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tran {
		return newError(ErrLogic, "transaction already active")
	}

	if f.wal == nil {
		w, err := openWAL(f.path + walSuffix)
		if err != nil {
			return err
		}

		f.wal = w
	}

	err := f.wal.writeHeader(f.lsiz.Load())
	if err != nil {
		return err
	}

	if hard {
		syncErr := f.wal.sync()
		if syncErr != nil {
			return syncErr
		}
	}

	f.tran = true
	f.trhard = hard
	f.trmsiz = f.lsiz.Load()
	f.trbase = base

	return nil
}

// endTransaction commits or aborts the active transaction. Commit clears
// the WAL; abort replays it and restores the logical size recorded at
// begin.
func (f *dbFile) endTransaction(commit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.tran {
		return newError(ErrLogic, "transaction not established")
	}

	var firstErr error

	if commit {
		if f.trhard {
			syncErr := f.syncLocked()
			if syncErr != nil {
				firstErr = syncErr
			}

			walSyncErr := f.wal.sync()
			if walSyncErr != nil && firstErr == nil {
				firstErr = walSyncErr
			}
		}
	} else {
		abortErr := f.replayWALLocked()
		if abortErr != nil && firstErr == nil {
			firstErr = abortErr
		}
	}

	clearErr := f.wal.clear()
	if clearErr != nil && firstErr == nil {
		firstErr = clearErr
	}

	f.tran = false

	return firstErr
}

// syncLocked is sync(true) for callers already holding mu.
func (f *dbFile) syncLocked() error {
	if f.mmap != nil {
		flush := f.psiz.Load()
		if flush > f.msiz {
			flush = f.msiz
		}

		if flush > 0 {
			err := unix.Msync(f.mmap[:flush], unix.MS_SYNC)
			if err != nil {
				return newErrorf(ErrSystem, "msync: %v", err)
			}
		}
	}

	err := unix.Fdatasync(f.fd)
	if err != nil {
		return newErrorf(ErrSystem, "fsync: %v", err)
	}

	return nil
}

// walCapture emits pre-image messages for the part of [off, off+n) that
// falls inside the guarded region. Caller holds mu.
func (f *dbFile) walCapture(off, n int64) error {
	begin := off
	if begin < f.trbase {
		begin = f.trbase
	}

	end := off + n
	if end > f.trmsiz {
		end = f.trmsiz
	}

	if begin >= end {
		return nil
	}

	pre := make([]byte, end-begin)

	err := f.readInto(pre, begin)
	if err != nil {
		return err
	}

	err = f.wal.writeMessage(begin, pre)
	if err != nil {
		return err
	}

	if f.trhard {
		return f.wal.sync()
	}

	return nil
}

// replayWALLocked rolls the data file back to its state at transaction
// begin by applying the captured pre-images in reverse, then truncating to
// the recorded original size.
func (f *dbFile) replayWALLocked() error {
	msgs, orig, err := f.wal.readMessages()
	if err != nil {
		return err
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		writeErr := f.writeRaw(msgs[i].off, msgs[i].body)
		if writeErr != nil {
			return writeErr
		}
	}

	truncErr := syscall.Ftruncate(f.fd, orig)
	if truncErr != nil {
		return newErrorf(ErrSystem, "truncate to %d: %v", orig, truncErr)
	}

	f.lsiz.Store(orig)
	f.psiz.Store(orig)

	return nil
}

// recoverWAL restores the data file from a WAL left behind by a crashed
// writer. Best-effort: a torn WAL tail is applied as far as it parses.
// Returns true when a rollback happened.
func (f *dbFile) recoverWAL() (bool, error) {
	walPath := f.path + walSuffix

	info, err := os.Stat(walPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, newErrorf(ErrSystem, "stat wal: %v", err)
	}

	if info.Size() < walHeaderSize {
		// Too short to name an original size; nothing to restore.
		_ = os.Remove(walPath)

		return false, nil
	}

	// A zeroed prefix is a log whose transaction committed; only a live
	// magic means there is something to roll back.
	magic := make([]byte, 3)

	magicFile, err := os.Open(walPath) //nolint:gosec
	if err != nil {
		return false, newErrorf(ErrSystem, "open wal: %v", err)
	}

	_, readErr := magicFile.Read(magic)
	_ = magicFile.Close()

	if readErr != nil || string(magic) != walMagic {
		_ = os.Remove(walPath)

		return false, nil
	}

	w, err := openWAL(walPath)
	if err != nil {
		return false, err
	}

	msgs, orig, readErr := w.readMessages()

	closeErr := w.close()
	if closeErr != nil && readErr == nil {
		readErr = closeErr
	}

	if readErr != nil {
		_ = os.Remove(walPath)

		return false, readErr
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		writeErr := f.writeRaw(msgs[i].off, msgs[i].body)
		if writeErr != nil {
			return false, writeErr
		}
	}

	truncErr := syscall.Ftruncate(f.fd, orig)
	if truncErr != nil {
		return false, newErrorf(ErrSystem, "truncate to %d: %v", orig, truncErr)
	}

	f.lsiz.Store(orig)
	f.psiz.Store(orig)

	syncErr := f.syncLocked()
	if syncErr != nil {
		return false, syncErr
	}

	rmErr := os.Remove(walPath)
	if rmErr != nil {
		return false, newErrorf(ErrSystem, "remove wal: %v", rmErr)
	}

	return true, nil
}

// removeWAL deletes the companion WAL file if present. Called on clean
// close after the last transaction ended.
func (f *dbFile) removeWAL() {
	if f.wal != nil {
		_ = f.wal.close()
		f.wal = nil
	}

	_ = os.Remove(f.path + walSuffix)
}

func (f *dbFile) pwriteAll(buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := syscall.Pwrite(f.fd, buf, off)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}

			return newErrorf(ErrSystem, "pwrite at %d: %v", off, err)
		}

		buf = buf[n:]
		off += int64(n)
	}

	return nil
}

func (f *dbFile) preadAll(buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := syscall.Pread(f.fd, buf, off)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}

			return newErrorf(ErrSystem, "pread at %d: %v", off, err)
		}

		if n == 0 {
			return newErrorf(ErrSystem, "pread at %d: unexpected end of file", off)
		}

		buf = buf[n:]
		off += int64(n)
	}

	return nil
}

// pageRound rounds size up to the system page size.
func pageRound(size int64) int64 {
	page := int64(os.Getpagesize())

	return (size + page - 1) / page * page
}
