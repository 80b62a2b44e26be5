package hashdb

import (
	"fmt"
	"strconv"
)

// Iterate visits every record in insertion (file) order, holding the global
// lock exclusively for the whole pass. Removals and growing rewrites are
// routed back through the accept machinery so chains stay consistent; a
// record that no longer fits its extent relocates into a pooled free block
// or to the tail. The pass stops at the logical size it started with, so a
// record moved to the tail is not visited again, while one moved into a
// free block further along the region is.
func (db *DB) Iterate(visitor Visitor, writable bool) error {
	if visitor == nil {
		return newError(ErrInvalid, "visitor is required")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.checkOpen(writable)
	if err != nil {
		return err
	}

	return db.surface(db.iterateImpl(visitor, writable))
}

func (db *DB) iterateImpl(visitor Visitor, writable bool) error {
	off := db.roff
	end := db.file.size()

	var rec record

	for off < end {
		err := db.readRecord(off, &rec)
		if err != nil {
			return err
		}

		step := rec.rsiz

		if rec.psiz != psizFree {
			err = db.iterateVisit(&rec, visitor, writable)
			if err != nil {
				return err
			}
		}

		off += step
	}

	return nil
}

// iterateVisit dispatches the visitor for one record during iteration.
func (db *DB) iterateVisit(rec *record, visitor Visitor, writable bool) error {
	if rec.value == nil {
		err := db.readRecordBody(rec)
		if err != nil {
			return err
		}
	}

	value := rec.value

	if db.comp != nil {
		var err error

		value, err = db.comp.Decompress(value)
		if err != nil {
			return err
		}
	}

	dec := visitor.VisitFull(rec.key, value)

	switch dec.op {
	case opNop:
		return nil
	case opRemove:
		if !writable {
			return newError(ErrNoPerm, "visitor mutated in a read-only iteration")
		}

		key := append([]byte(nil), rec.key...)
		hash := hashKey(key)

		return db.acceptImpl(key, hash, db.bucketIndex(hash), VisitorFunc{
			Full: func(_, _ []byte) Decision { return Remove() },
		}, true)
	default:
		if !writable {
			return newError(ErrNoPerm, "visitor mutated in a read-only iteration")
		}

		stored := dec.value

		if db.comp != nil {
			var err error

			stored, err = db.comp.Compress(dec.value)
			if err != nil {
				return err
			}
		}

		base := db.sizeRecordHeader(int64(len(rec.key)), int64(len(stored))) +
			int64(len(rec.key)) + int64(len(stored))

		if base <= rec.rsiz {
			rec.value = stored
			rec.vsiz = int64(len(stored))
			rec.psiz = rec.rsiz - base

			err := db.adjustRecord(rec)
			if err != nil {
				return err
			}

			return db.writeRecord(rec)
		}

		// Does not fit: relocate through accept so the chain pointer
		// and bucket slot follow the record.
		key := append([]byte(nil), rec.key...)
		hash := hashKey(key)
		newValue := append([]byte(nil), dec.value...)

		return db.acceptImpl(key, hash, db.bucketIndex(hash), VisitorFunc{
			Full: func(_, _ []byte) Decision { return Replace(newValue) },
		}, true)
	}
}

// Clear drops every record, resetting the file to an empty bucket array.
func (db *DB) Clear() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.checkOpen(true)
	if err != nil {
		return err
	}

	// Zero the bucket array in chunks, then drop the record region.
	zeros := make([]byte, 64<<10)
	remain := db.bnum * int64(db.width)
	off := db.boff

	for remain > 0 {
		n := int64(len(zeros))
		if n > remain {
			n = remain
		}

		writeErr := db.file.write(off, zeros[:n])
		if writeErr != nil {
			return db.surface(writeErr)
		}

		off += n
		remain -= n
	}

	truncErr := db.file.truncate(db.roff)
	if truncErr != nil {
		return db.surface(truncErr)
	}

	db.count.Store(0)
	db.frgcnt.Store(0)
	db.dfcur = db.roff

	db.poolMu.Lock()
	db.fbp.clear()

	for _, cur := range db.curs {
		cur.off = 0
	}
	db.poolMu.Unlock()

	return nil
}

// Sync flushes the meta into the header and, in hard mode, forces the data
// onto the device.
func (db *DB) Sync(hard bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.checkOpen(true)
	if err != nil {
		return err
	}

	err = db.dumpMeta(true)
	if err != nil {
		return db.surface(err)
	}

	return db.surface(db.file.sync(hard))
}

// Status reports diagnostic counters for tooling.
func (db *DB) Status() (map[string]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	err := db.checkOpen(false)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"path":     db.path,
		"count":    strconv.FormatInt(db.count.Load(), 10),
		"size":     strconv.FormatInt(db.file.size(), 10),
		"realsize": strconv.FormatInt(db.file.psiz.Load(), 10),
		"bnum":     strconv.FormatInt(db.bnum, 10),
		"apow":     strconv.Itoa(int(db.apow)),
		"fpow":     strconv.Itoa(int(db.fpow)),
		"opts":     fmt.Sprintf("0x%02x", db.opts),
		"frgcnt":   strconv.FormatInt(db.frgcnt.Load(), 10),
		"fbpnum":   strconv.Itoa(db.poolLen()),
		"fatal":    strconv.FormatBool(db.fatal.Load()),
	}, nil
}

func (db *DB) poolLen() int {
	db.poolMu.Lock()
	defer db.poolMu.Unlock()

	return db.fbp.len()
}
