// Package hashdb implements an embedded, single-file key-value hash
// database: arbitrary byte keys map to arbitrary byte values with durable
// in-place updates, free-space reuse, optional per-record compression,
// write-ahead-logged transactions with crash recovery, and concurrent
// multi-reader / single-writer-per-bucket access.
//
// The file holds a fixed header, a bucket array, and a record region.
// Records that hash to the same bucket form a binary tree ordered by
// (folded hash, key); tree edges are raw record offsets rewritten in place.
// A prefix of the file is memory-mapped, with positional I/O beyond it.
package hashdb

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"

	fileatomic "github.com/natefinch/atomic"

	"github.com/calvinalkan/hashkv/internal/fs"
)

// Open-mode bit flags, combined by bitwise-or.
const (
	// OpenReader opens the database read-only.
	OpenReader = 1 << iota
	// OpenWriter opens the database writable.
	OpenWriter
	// OpenCreate creates the file if missing (writer only).
	OpenCreate
	// OpenTruncate discards any existing contents (writer only).
	OpenTruncate
	// OpenAutoTran wraps every mutation in an implicit WAL transaction.
	OpenAutoTran
	// OpenAutoSync makes implicit transactions physically durable.
	OpenAutoSync
	// OpenNoLock skips the advisory file lock.
	OpenNoLock
	// OpenTryLock fails instead of blocking when the file is locked.
	OpenTryLock
	// OpenNoRepair disables the automatic rebuild of damaged files.
	OpenNoRepair
)

// lockSlots is the number of slotted per-bucket record locks.
const lockSlots = 64

// Options configure opening or creating a database file.
//
// Tunables only apply when the file is created; opening an existing file
// adopts its stored geometry. The zero value of each tunable selects the
// default; negative values select the minimum (alignment 1, no free pool,
// no memory map).
type Options struct {
	Path string

	// Mode is a bitwise-or of the Open* flags. Zero means
	// OpenWriter|OpenCreate.
	Mode int

	// APow is the record alignment power: sizes are multiples of 2^APow.
	// 0 selects the default (3); negative selects no alignment.
	APow int

	// FPow is the free-block pool capacity power (2^FPow entries).
	// 0 selects the default (10); negative disables the pool.
	FPow int

	// BNum is the bucket count; values of 8 and above are rounded up to
	// the next prime. 0 or less selects the default.
	BNum int64

	// MSiz is the length of the memory-mapped prefix. 0 selects the
	// default (64 MiB); negative disables mapping entirely.
	MSiz int64

	// DFUnit is the auto-defragmentation threshold; 0 disables it.
	DFUnit int64

	// Opts are the OptSmall/OptLinear/OptCompress format bits.
	Opts uint8

	// Compressor overrides the default zlib compressor. Setting it
	// implies OptCompress.
	Compressor Compressor
}

// DB is an open database handle. Safe for concurrent use.
type DB struct {
	mu     sync.RWMutex            // global lock
	rlocks [lockSlots]sync.RWMutex // slotted per-bucket record locks
	poolMu sync.Mutex              // free pool + cursor bookkeeping (leaf lock)
	atMu   sync.Mutex              // serializes auto-transactions

	file *dbFile
	fbp  *freeBlockPool
	curs []*Cursor

	path     string
	writer   bool
	opened   bool
	autoTran bool
	autoSync bool

	apow   uint8
	fpow   uint8
	opts   uint8
	bnum   int64
	dfunit int64
	comp   Compressor

	// Derived geometry.
	width   int   // chain/bucket pointer width in bytes
	align   int64 // 1 << apow
	linear  bool
	frsiz   int64 // on-disk free block size
	rhsiz   int64 // minimum record header size
	fbpArea int   // pool dump area size
	boff    int64 // bucket array offset
	roff    int64 // first record offset

	count  atomic.Int64
	frgcnt atomic.Int64
	dfcur  int64
	opaque [opaqueSize]byte
	fatal  atomic.Bool

	// Explicit transaction state, guarded by mu in write mode.
	tran    bool
	trhard  bool
	trcount int64
	trfbp   *freeBlockPool

	// Auto-transaction rollback state, guarded by atMu.
	atrcount int64
	atrfbp   *freeBlockPool
}

// Open opens or creates the database file at opts.Path.
func Open(opts Options) (*DB, error) {
	return openWithRepair(opts, true)
}

func openWithRepair(opts Options, repairAllowed bool) (*DB, error) {
	if opts.Path == "" {
		return nil, newError(ErrInvalid, "path is required")
	}

	mode := opts.Mode
	if mode == 0 {
		mode = OpenWriter | OpenCreate
	}

	if mode&(OpenReader|OpenWriter) == 0 {
		return nil, newError(ErrInvalid, "mode needs OpenReader or OpenWriter")
	}

	path, err := fs.Abs(opts.Path)
	if err != nil {
		return nil, newErrorf(ErrInvalid, "canonicalize path: %v", err)
	}

	db := &DB{
		path:     path,
		writer:   mode&OpenWriter != 0,
		autoTran: mode&OpenAutoTran != 0,
		autoSync: mode&OpenAutoSync != 0,
	}

	err = db.resolveTuning(opts)
	if err != nil {
		return nil, err
	}

	msiz := opts.MSiz
	switch {
	case msiz == 0:
		msiz = defaultMSiz
	case msiz < 0:
		msiz = 0
	}

	if db.writer && mode&OpenCreate != 0 {
		mkdirErr := fs.MakeDir(filepath.Dir(db.path))
		if mkdirErr != nil {
			return nil, newErrorf(ErrSystem, "create parent directory: %v", mkdirErr)
		}
	}

	file, err := openFile(
		db.path,
		db.writer,
		mode&OpenCreate != 0,
		mode&OpenTruncate != 0,
		mode&OpenNoLock != 0,
		mode&OpenTryLock != 0,
	)
	if err != nil {
		return nil, err
	}

	db.file = file

	fail := func(err error) (*DB, error) {
		_ = file.close()

		return nil, err
	}

	size := file.size()

	if size == 0 {
		if !db.writer {
			return fail(newError(ErrBroken, "file is empty"))
		}

		initErr := db.initNewFile(msiz)
		if initErr != nil {
			return fail(initErr)
		}
	} else {
		dirty, openErr := db.openExisting(msiz, size)
		if openErr != nil {
			return fail(openErr)
		}

		if dirty && db.writer && mode&OpenNoRepair == 0 {
			if !repairAllowed {
				return fail(newError(ErrBroken, "file still damaged after rebuild"))
			}

			repairErr := db.salvageAndSwap(opts)
			if repairErr != nil {
				return fail(repairErr)
			}

			return openWithRepair(opts, false)
		}
	}

	if db.writer {
		markErr := db.markOpen()
		if markErr != nil {
			return fail(markErr)
		}
	}

	if db.fbp == nil {
		db.fbp = newFreeBlockPool(db.poolCap())
	}

	db.dfcur = db.roff
	db.opened = true

	return db, nil
}

// resolveTuning validates the tunables and fixes the derived geometry that
// does not depend on the file contents.
func (db *DB) resolveTuning(opts Options) error {
	switch {
	case opts.APow == 0:
		db.apow = defaultAPow
	case opts.APow < 0:
		db.apow = 0
	case opts.APow > maxAPow:
		return newErrorf(ErrInvalid, "apow %d out of range [0,%d]", opts.APow, maxAPow)
	default:
		db.apow = uint8(opts.APow)
	}

	switch {
	case opts.FPow == 0:
		db.fpow = defaultFPow
	case opts.FPow < 0:
		db.fpow = 0
	case opts.FPow > maxFPow:
		return newErrorf(ErrInvalid, "fpow %d out of range [0,%d]", opts.FPow, maxFPow)
	default:
		db.fpow = uint8(opts.FPow)
	}

	switch {
	case opts.BNum <= 0:
		db.bnum = defaultBNum
	case opts.BNum < 8:
		db.bnum = opts.BNum
	default:
		db.bnum = nearbyPrime(opts.BNum)
	}

	if opts.Opts&^optsMask != 0 {
		return newErrorf(ErrInvalid, "unknown option bits 0x%02x", opts.Opts&^optsMask)
	}

	db.opts = opts.Opts
	db.comp = opts.Compressor

	if db.comp != nil {
		db.opts |= OptCompress
	}

	if db.opts&OptCompress != 0 && db.comp == nil {
		db.comp = ZlibCompressor()
	}

	if opts.DFUnit > 0 {
		db.dfunit = opts.DFUnit
	}

	db.calcGeometry()

	return nil
}

// calcGeometry derives the layout constants from apow/fpow/opts/bnum.
func (db *DB) calcGeometry() {
	db.width = 6
	if db.opts&OptSmall != 0 {
		db.width = 4
	}

	db.linear = db.opts&OptLinear != 0
	db.align = int64(1) << db.apow
	db.frsiz = int64(db.width) + 4

	db.rhsiz = 2 + int64(db.width) + 2
	if !db.linear {
		db.rhsiz += int64(db.width)
	}

	db.fbpArea = 0
	if db.fpow > 0 {
		db.fbpArea = 2*db.width + 2
	}

	db.boff = headerSize + int64(db.fbpArea)

	roff := db.boff + db.bnum*int64(db.width)
	db.roff = (roff + db.align - 1) &^ (db.align - 1)
}

// poolCap is the free-block pool capacity, 2^fpow (zero fpow disables it).
func (db *DB) poolCap() int {
	if db.fpow == 0 {
		return 0
	}

	return 1 << db.fpow
}

// initNewFile lays out a fresh database: header, zeroed pool dump area and
// bucket array, empty record region.
func (db *DB) initNewFile(msiz int64) error {
	mapLen := msiz
	if mapLen > 0 && mapLen < db.roff {
		mapLen = db.roff
	}

	err := db.file.mapPrefix(mapLen)
	if err != nil {
		return err
	}

	err = db.file.truncate(db.roff)
	if err != nil {
		return err
	}

	h := header{
		apow: db.apow,
		fpow: db.fpow,
		opts: db.opts,
		bnum: db.bnum,
		lsiz: db.roff,
	}

	return db.file.writeRaw(0, encodeHeader(&h))
}

// openExisting validates the header of a non-empty file and adopts its
// geometry. Returns whether the file needs a rebuild (dirty open flag or
// sticky fatal flag).
func (db *DB) openExisting(msiz, size int64) (bool, error) {
	if size < headerSize {
		return false, newErrorf(ErrBroken, "file size %d below header size", size)
	}

	buf := make([]byte, headerSize)

	err := db.file.readInto(buf, 0)
	if err != nil {
		return false, err
	}

	h, err := decodeHeader(buf)
	if err != nil {
		return false, err
	}

	db.apow = h.apow
	db.fpow = h.fpow
	db.opts = h.opts
	db.bnum = h.bnum
	db.opaque = h.opaque
	db.linear = h.opts&OptLinear != 0

	if db.opts&OptCompress != 0 {
		if db.comp == nil {
			db.comp = ZlibCompressor()
		}
	} else {
		db.comp = nil
	}

	db.calcGeometry()

	mapLen := msiz
	if mapLen > 0 && mapLen < db.roff {
		mapLen = db.roff
	}

	mapErr := db.file.mapPrefix(mapLen)
	if mapErr != nil {
		return false, mapErr
	}

	dirty := h.flags&flagOpen != 0
	fatal := h.flags&flagFatal != 0

	if size < db.roff {
		return false, newErrorf(ErrBroken, "file size %d below record offset %d", size, db.roff)
	}

	if dirty || fatal {
		// The stored meta is untrustworthy; derive a best-effort
		// logical size from the physical length.
		lsiz := db.roff + (size-db.roff)/db.align*db.align
		db.file.lsiz.Store(lsiz)
		db.count.Store(h.count)

		return true, nil
	}

	if h.lsiz < db.roff || h.lsiz > size {
		return false, newErrorf(ErrBroken, "stored logical size %d outside [%d,%d]", h.lsiz, db.roff, size)
	}

	db.file.lsiz.Store(h.lsiz)
	db.count.Store(h.count)

	// A clean close dumped the free-block pool; pick it up before the
	// writer wipes the area below.
	if db.writer && db.fbpArea > 0 {
		db.fbp = newFreeBlockPool(db.poolCap())
		area := make([]byte, db.fbpArea)

		readErr := db.file.readInto(area, fbpDumpOff)
		if readErr != nil {
			return false, readErr
		}

		loadErr := db.fbp.load(area, db.apow)
		if loadErr != nil {
			return false, loadErr
		}
	}

	return false, nil
}

// markOpen stamps the open-in-progress flag and wipes the pool dump area so
// an unclean shutdown is detectable on the next open.
func (db *DB) markOpen() error {
	flags := byte(flagOpen)
	if db.fatal.Load() {
		flags |= flagFatal
	}

	err := db.file.writeRaw(offFlags, []byte{flags})
	if err != nil {
		return err
	}

	if db.fbpArea > 0 {
		err = db.file.writeRaw(fbpDumpOff, make([]byte, db.fbpArea))
		if err != nil {
			return err
		}
	}

	return nil
}

// salvageAndSwap rebuilds a damaged file record by record into a temporary
// database, then atomically replaces the original.
func (db *DB) salvageAndSwap(opts Options) error {
	tmpPath := db.path + ".reorg"

	topts := opts
	topts.Path = tmpPath
	topts.Mode = OpenWriter | OpenCreate | OpenTruncate | OpenNoLock
	topts.APow = exactTuning(int(db.apow))
	topts.FPow = exactTuning(int(db.fpow))
	topts.BNum = db.bnum
	topts.Opts = db.opts
	topts.Compressor = db.comp

	tdb, err := Open(topts)
	if err != nil {
		return err
	}

	end := db.file.size()
	off := db.roff

	var rec record

	for off < end {
		readErr := db.readRecord(off, &rec)
		if readErr != nil {
			// Salvage stops at the first unreadable block; whatever
			// follows is unreachable without its size.
			break
		}

		if rec.psiz == psizFree {
			off += rec.rsiz

			continue
		}

		if rec.value == nil {
			bodyErr := db.readRecordBody(&rec)
			if bodyErr != nil {
				break
			}
		}

		value := rec.value
		if db.comp != nil {
			plain, decErr := db.comp.Decompress(value)
			if decErr != nil {
				off += rec.rsiz

				continue
			}

			value = plain
		}

		setErr := tdb.Set(rec.key, value)
		if setErr != nil {
			_ = tdb.Close()

			return setErr
		}

		off += rec.rsiz
	}

	opaqueErr := tdb.SetOpaque(db.opaque[:])
	if opaqueErr != nil {
		_ = tdb.Close()

		return opaqueErr
	}

	closeErr := tdb.Close()
	if closeErr != nil {
		return closeErr
	}

	fileCloseErr := db.file.close()
	if fileCloseErr != nil {
		return fileCloseErr
	}

	replaceErr := fileatomic.ReplaceFile(tmpPath, db.path)
	if replaceErr != nil {
		return newErrorf(ErrSystem, "swap rebuilt file: %v", replaceErr)
	}

	return nil
}

// exactTuning converts a stored power back into the Options convention
// where zero means "default".
func exactTuning(pow int) int {
	if pow == 0 {
		return -1
	}

	return pow
}

// Close releases the handle. A writer dumps the free-block pool and meta
// into the header, clears the open flag, trims the physical size, and
// removes the WAL.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.opened {
		return newError(ErrNotOpened, "database is not opened")
	}

	// Live cursors must not outlive the handle.
	db.poolMu.Lock()
	for _, cur := range db.curs {
		cur.db = nil
		cur.off = 0
	}

	db.curs = nil
	db.poolMu.Unlock()

	var firstErr error

	if db.tran {
		abortErr := db.abortTransactionLocked()
		if abortErr != nil {
			firstErr = abortErr
		}
	}

	if db.writer {
		if db.fbpArea > 0 {
			area := make([]byte, db.fbpArea)
			db.fbp.dump(area, db.apow)

			dumpErr := db.file.writeRaw(fbpDumpOff, area)
			if dumpErr != nil && firstErr == nil {
				firstErr = dumpErr
			}
		}

		metaErr := db.dumpMeta(false)
		if metaErr != nil && firstErr == nil {
			firstErr = metaErr
		}

		db.file.removeWAL()
	}

	closeErr := db.file.close()
	if closeErr != nil && firstErr == nil {
		firstErr = closeErr
	}

	db.opened = false

	return firstErr
}

// dumpMeta writes the full header reflecting the current meta. The open
// flag is included while the handle stays open and dropped on close.
func (db *DB) dumpMeta(stillOpen bool) error {
	var flags uint8

	if stillOpen {
		flags |= flagOpen
	}

	if db.fatal.Load() {
		flags |= flagFatal
	}

	h := header{
		apow:   db.apow,
		fpow:   db.fpow,
		opts:   db.opts,
		flags:  flags,
		bnum:   db.bnum,
		count:  db.count.Load(),
		lsiz:   db.file.size(),
		opaque: db.opaque,
	}

	return db.file.writeRaw(0, encodeHeader(&h))
}

// writeMetaCounts stores count and logical size into the header through the
// WAL-aware write path, so auto-transactions roll them back with the data.
func (db *DB) writeMetaCounts() error {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf, uint64(db.count.Load()))
	binary.BigEndian.PutUint64(buf[8:], uint64(db.file.size()))

	return db.file.write(offCount, buf)
}

// checkOpen verifies the handle state for an operation.
func (db *DB) checkOpen(writable bool) error {
	if !db.opened {
		return newError(ErrNotOpened, "database is not opened")
	}

	if writable && !db.writer {
		return newError(ErrNoPerm, "database is read-only")
	}

	return nil
}

// surface stamps the sticky fatal flag for corruption and I/O errors on
// their way out. The next open of a flagged file triggers a rebuild.
func (db *DB) surface(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrBroken) || errors.Is(err, ErrSystem) {
		db.markFatal()
	}

	return err
}

// fail is surface for freshly built errors.
func (db *DB) fail(err *Error) error {
	return db.surface(err)
}

func (db *DB) markFatal() {
	if db.fatal.Swap(true) {
		return
	}

	if db.writer && db.opened {
		flags := byte(flagOpen | flagFatal)
		_ = db.file.writeRaw(offFlags, []byte{flags})
	}
}

// Pool accessors; poolMu is a leaf lock, never held across another lock.

func (db *DB) fbpInsert(off, rsiz int64) {
	db.poolMu.Lock()
	db.fbp.insert(off, rsiz)
	db.poolMu.Unlock()
}

func (db *DB) fbpFetch(minSize int64) (freeBlock, bool) {
	db.poolMu.Lock()
	fb, ok := db.fbp.fetch(minSize)
	db.poolMu.Unlock()

	return fb, ok
}

func (db *DB) fbpTrim(begin, end int64) {
	db.poolMu.Lock()
	db.fbp.trim(begin, end)
	db.poolMu.Unlock()
}

// Path returns the canonical path the database was opened with.
func (db *DB) Path() string { return db.path }

// Count returns the number of live records.
func (db *DB) Count() (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	err := db.checkOpen(false)
	if err != nil {
		return 0, err
	}

	return db.count.Load(), nil
}

// Size returns the logical file size in bytes.
func (db *DB) Size() (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	err := db.checkOpen(false)
	if err != nil {
		return 0, err
	}

	return db.file.size(), nil
}

// Opaque returns a copy of the 16 opaque user bytes stored in the header.
func (db *DB) Opaque() ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	err := db.checkOpen(false)
	if err != nil {
		return nil, err
	}

	out := make([]byte, opaqueSize)
	copy(out, db.opaque[:])

	return out, nil
}

// SetOpaque stores up to 16 opaque user bytes in the header.
func (db *DB) SetOpaque(data []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.checkOpen(true)
	if err != nil {
		return err
	}

	if len(data) > opaqueSize {
		return newErrorf(ErrInvalid, "opaque data %d bytes exceeds %d", len(data), opaqueSize)
	}

	db.opaque = [opaqueSize]byte{}
	copy(db.opaque[:], data)

	buf := make([]byte, opaqueSize)
	copy(buf, data)

	return db.surface(db.file.write(offOpaque, buf))
}
