package hashdb

import (
	"encoding/binary"
)

// recordReadUnit is the fast-path read size: enough for any record header
// plus the start of the body.
const recordReadUnit = 48

// record is the in-memory view of one on-disk record.
//
// psiz holds psizFree when the bytes at off are a free block, in which case
// only off and rsiz are meaningful.
type record struct {
	off   int64
	rsiz  int64
	psiz  int64
	left  int64
	right int64
	hsiz  int64 // header bytes before the key
	key   []byte
	value []byte // nil until the body is read
	vsiz  int64
}

// sizeRecordHeader is the encoded header width for the given key/value
// lengths, excluding key, value, and padding bytes.
func (db *DB) sizeRecordHeader(ksiz, vsiz int64) int64 {
	w := int64(db.width)
	if !db.linear {
		w *= 2
	}

	return 2 + w + int64(sizeVarNum(ksiz)) + int64(sizeVarNum(vsiz))
}

// calcRecordSize returns the full aligned on-disk size for a record with
// the given key and value lengths, and the padding that alignment adds.
func (db *DB) calcRecordSize(ksiz, vsiz int64) (rsiz int64, psiz int64) {
	base := db.sizeRecordHeader(ksiz, vsiz) + ksiz + vsiz
	rsiz = base + db.calcPadding(base)

	// Any record must be rewritable as a free block in place.
	for rsiz < db.frsiz {
		rsiz += db.align
	}

	return rsiz, rsiz - base
}

// calcPadding returns the bytes needed to align rsiz up to the record
// alignment.
func (db *DB) calcPadding(rsiz int64) int64 {
	diff := rsiz & (db.align - 1)
	if diff == 0 {
		return 0
	}

	return db.align - diff
}

// readRecord decodes the block at off. Free blocks come back with
// psiz == psizFree. The key is always populated for records; the value only
// when the fast-path read covered it (otherwise call readRecordBody).
func (db *DB) readRecord(off int64, rec *record) error {
	lsiz := db.file.size()

	if off < db.roff || off >= lsiz {
		return newErrorf(ErrBroken, "record offset %d out of region [%d,%d)", off, db.roff, lsiz)
	}

	n := int64(recordReadUnit)
	if off+n > lsiz {
		n = lsiz - off
	}

	var buf [recordReadUnit]byte

	err := db.file.readInto(buf[:n], off)
	if err != nil {
		return err
	}

	rec.off = off
	rec.value = nil

	// A record never starts with 0x00: small paddings carry the record
	// magic and large ones a non-zero high byte. Zeroed regions are
	// corruption, not records.
	switch b0 := buf[0]; {
	case b0 == magicFreeBlock:
		return db.decodeFreeBlock(buf[:n], rec)
	case b0 == magicRecord:
		rec.psiz = int64(buf[1])
	case b0 > 0 && b0 < 0x80:
		rec.psiz = int64(binary.BigEndian.Uint16(buf[:2]))
	default:
		return newErrorf(ErrBroken, "invalid record magic 0x%02x at %d", b0, off)
	}

	// Linear mode stores a single chain pointer, treated as the right
	// branch everywhere.
	pos := int64(2)

	if db.linear {
		rec.left = 0
		rec.right = readFixNum(buf[pos:], db.width) << db.apow
		pos += int64(db.width)
	} else {
		rec.left = readFixNum(buf[pos:], db.width) << db.apow
		pos += int64(db.width)
		rec.right = readFixNum(buf[pos:], db.width) << db.apow
		pos += int64(db.width)
	}

	if pos >= n {
		return newErrorf(ErrBroken, "truncated record header at %d", off)
	}

	ksiz, kn := readVarNum(buf[pos:n])
	if kn == 0 {
		return newErrorf(ErrBroken, "truncated key length at %d", off)
	}

	pos += int64(kn)

	vsiz, vn := readVarNum(buf[pos:n])
	if vn == 0 {
		return newErrorf(ErrBroken, "truncated value length at %d", off)
	}

	pos += int64(vn)

	if ksiz >= memMaxSize || vsiz >= valMaxSize {
		return newErrorf(ErrBroken, "impossible record lengths %d/%d at %d", ksiz, vsiz, off)
	}

	rec.hsiz = pos
	rec.vsiz = vsiz
	rec.rsiz = pos + ksiz + vsiz + rec.psiz

	if off+rec.rsiz > lsiz {
		return newErrorf(ErrBroken, "record at %d runs past logical size", off)
	}

	switch {
	case pos+ksiz+vsiz <= n:
		rec.key = append(rec.key[:0], buf[pos:pos+ksiz]...)
		rec.value = append([]byte(nil), buf[pos+ksiz:pos+ksiz+vsiz]...)
	case pos+ksiz <= n:
		rec.key = append(rec.key[:0], buf[pos:pos+ksiz]...)
	default:
		if int64(cap(rec.key)) < ksiz {
			rec.key = make([]byte, ksiz)
		} else {
			rec.key = rec.key[:ksiz]
		}

		readKeyErr := db.file.readInto(rec.key, off+pos)
		if readKeyErr != nil {
			return readKeyErr
		}
	}

	return nil
}

// decodeFreeBlock parses a free block whose first byte already matched.
func (db *DB) decodeFreeBlock(buf []byte, rec *record) error {
	if int64(len(buf)) < db.frsiz || buf[1] != magicFreeBlock {
		return newErrorf(ErrBroken, "mangled free block at %d", rec.off)
	}

	rsiz := readFixNum(buf[2:], db.width) << db.apow

	tail := 2 + db.width
	if buf[tail] != magicPadding || buf[tail+1] != magicPadding {
		return newErrorf(ErrBroken, "mangled free block at %d", rec.off)
	}

	if rsiz < db.frsiz || rec.off+rsiz > db.file.size() {
		return newErrorf(ErrBroken, "impossible free block size %d at %d", rsiz, rec.off)
	}

	rec.psiz = psizFree
	rec.rsiz = rsiz
	rec.left = 0
	rec.right = 0
	rec.key = rec.key[:0]
	rec.value = nil
	rec.vsiz = 0

	return nil
}

// readRecordBody fetches the value bytes the fast path did not cover.
func (db *DB) readRecordBody(rec *record) error {
	body := make([]byte, rec.vsiz)

	err := db.file.readInto(body, rec.off+rec.hsiz+int64(len(rec.key)))
	if err != nil {
		return err
	}

	rec.value = body

	return nil
}

// writeRecord encodes rec and writes it at rec.off.
func (db *DB) writeRecord(rec *record) error {
	buf := make([]byte, rec.rsiz)

	if rec.psiz < 256 {
		buf[0] = magicRecord
		buf[1] = byte(rec.psiz)
	} else {
		binary.BigEndian.PutUint16(buf[:2], uint16(rec.psiz))
	}

	pos := 2

	if db.linear {
		writeFixNum(buf[pos:], rec.right>>db.apow, db.width)
		pos += db.width
	} else {
		writeFixNum(buf[pos:], rec.left>>db.apow, db.width)
		pos += db.width
		writeFixNum(buf[pos:], rec.right>>db.apow, db.width)
		pos += db.width
	}

	pos += writeVarNum(buf[pos:], int64(len(rec.key)))
	pos += writeVarNum(buf[pos:], rec.vsiz)
	pos += copy(buf[pos:], rec.key)
	pos += copy(buf[pos:], rec.value)

	if rec.psiz > 0 {
		buf[pos] = magicPadding
	}

	return db.file.write(rec.off, buf)
}

// writeChainPtr rewrites a single child pointer slot in place.
func (db *DB) writeChainPtr(slotOff, target int64) error {
	buf := make([]byte, db.width)
	writeFixNum(buf, target>>db.apow, db.width)

	return db.file.write(slotOff, buf)
}

// writeFreeBlock stamps the extent [off, off+rsiz) as reusable.
func (db *DB) writeFreeBlock(off, rsiz int64) error {
	buf := make([]byte, db.frsiz)
	buf[0] = magicFreeBlock
	buf[1] = magicFreeBlock
	writeFixNum(buf[2:], rsiz>>db.apow, db.width)
	buf[2+db.width] = magicPadding
	buf[3+db.width] = magicPadding

	return db.file.write(off, buf)
}

// adjustRecord splits oversized padding off as a free block. Keeps the
// padding representable and stops half-empty records from pinning space
// after an in-place shrink.
func (db *DB) adjustRecord(rec *record) error {
	// The padding field's high byte must stay below the magic range, so
	// anything at 2^15 and beyond has to be split off.
	if rec.psiz < 1<<15 && rec.psiz <= rec.rsiz/2 {
		return nil
	}

	nsiz := (rec.psiz >> db.apow) << db.apow
	if nsiz < db.rhsiz {
		return nil
	}

	rec.rsiz -= nsiz
	rec.psiz -= nsiz

	err := db.writeFreeBlock(rec.off+rec.rsiz, nsiz)
	if err != nil {
		return err
	}

	db.fbpInsert(rec.off+rec.rsiz, nsiz)
	db.frgcnt.Add(1)

	return nil
}
