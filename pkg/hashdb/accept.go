package hashdb

// defragFactor scales a defragmentation step (dfunit for automatic passes)
// into the number of blocks one pass may visit.
const defragFactor = 2

// Accept is the single read-modify-write primitive every mutation reduces
// to. It locks the record slot for the key's bucket (shared for reads,
// exclusive for writes), walks the chain, and applies the visitor's
// decision: insert, rewrite in place, relocate, or unlink.
//
// With auto-transactions enabled each writable call is wrapped in a WAL
// transaction covering the touched data and the count/size meta, so a crash
// mid-mutation rolls back cleanly on the next open.
func (db *DB) Accept(key []byte, visitor Visitor, writable bool) error {
	if visitor == nil {
		return newError(ErrInvalid, "visitor is required")
	}

	if int64(len(key)) >= memMaxSize {
		return newErrorf(ErrInvalid, "key of %d bytes exceeds the limit", len(key))
	}

	db.mu.RLock()

	err := db.checkOpen(writable)
	if err != nil {
		db.mu.RUnlock()

		return err
	}

	hash := hashKey(key)
	bidx := db.bucketIndex(hash)
	sidx := bidx % lockSlots

	if writable {
		db.rlocks[sidx].Lock()
	} else {
		db.rlocks[sidx].RLock()
	}

	// Inside an explicit transaction the WAL is already armed; the
	// implicit wrapper only runs outside one.
	atran := writable && db.autoTran && !db.tran

	if atran {
		err = db.beginAutoTran()
	}

	if err == nil {
		err = db.acceptImpl(key, hash, bidx, visitor, writable)
	}

	if atran {
		err = db.endAutoTran(err)
	}

	if writable {
		db.rlocks[sidx].Unlock()
	} else {
		db.rlocks[sidx].RUnlock()
	}

	err = db.surface(err)

	needDefrag := writable && err == nil && db.dfunit > 0 && db.frgcnt.Load() >= db.dfunit

	db.mu.RUnlock()

	// Opportunistic defragmentation: if another holder wins the global
	// lock the pass is skipped and the counter keeps accumulating.
	if needDefrag && db.mu.TryLock() {
		if db.opened {
			_ = db.defragImpl(db.dfunit)
		}

		db.mu.Unlock()
	}

	return err
}

// acceptImpl runs the chain walk and visitor dispatch. Callers hold the
// global lock (read or write) and, unless they hold it exclusively, the
// record slot lock for bidx.
func (db *DB) acceptImpl(key []byte, hash uint64, bidx int64, visitor Visitor, writable bool) error {
	var rec record

	entoff, found, err := db.findRecord(key, hash, bidx, &rec)
	if err != nil {
		return err
	}

	if !found {
		dec := visitor.VisitEmpty(key)
		if dec.op != opReplace {
			// Removing a missing record is a no-op at this level;
			// the conveniences report ErrNoRec themselves.
			return nil
		}

		if !writable {
			return newError(ErrNoPerm, "visitor mutated in a read-only accept")
		}

		return db.insertRecord(key, dec.value, bidx, entoff)
	}

	if rec.value == nil {
		err = db.readRecordBody(&rec)
		if err != nil {
			return err
		}
	}

	value := rec.value
	if db.comp != nil {
		value, err = db.comp.Decompress(value)
		if err != nil {
			return err
		}
	}

	dec := visitor.VisitFull(key, value)

	switch dec.op {
	case opNop:
		return nil
	case opRemove:
		if !writable {
			return newError(ErrNoPerm, "visitor mutated in a read-only accept")
		}

		return db.removeRecord(&rec, bidx, entoff)
	default:
		if !writable {
			return newError(ErrNoPerm, "visitor mutated in a read-only accept")
		}

		return db.updateRecord(&rec, bidx, entoff, dec.value)
	}
}

// insertRecord stores a fresh record as a leaf at the pointer slot the
// chain walk discovered. Space comes from the free-block pool when a large
// enough extent exists, otherwise from the file tail.
func (db *DB) insertRecord(key, value []byte, bidx, entoff int64) error {
	stored := value

	if db.comp != nil {
		var err error

		stored, err = db.comp.Compress(value)
		if err != nil {
			return err
		}
	}

	if int64(len(stored)) >= valMaxSize {
		return newErrorf(ErrInvalid, "value of %d bytes exceeds the limit", len(stored))
	}

	rsiz, psiz := db.calcRecordSize(int64(len(key)), int64(len(stored)))

	rec := record{
		key:   key,
		value: stored,
		vsiz:  int64(len(stored)),
	}

	base := rsiz - psiz
	fromPool := false

	if fb, ok := db.fbpFetch(rsiz); ok {
		rec.off = fb.off
		rec.rsiz = fb.rsiz
		rec.psiz = fb.rsiz - base
		fromPool = true
	} else {
		rec.off = db.file.expand(rsiz)
		rec.rsiz = rsiz
		rec.psiz = psiz
	}

	if fromPool {
		err := db.adjustRecord(&rec)
		if err != nil {
			return err
		}
	}

	err := db.writeRecord(&rec)
	if err != nil {
		return err
	}

	if entoff > 0 {
		err = db.writeChainPtr(entoff, rec.off)
	} else {
		err = db.setBucket(bidx, rec.off)
	}

	if err != nil {
		return err
	}

	db.count.Add(1)

	return nil
}

// updateRecord rewrites an existing record's value: in place when the new
// encoding fits the old extent, otherwise by relocating the record and
// releasing the old extent to the pool.
func (db *DB) updateRecord(rec *record, bidx, entoff int64, value []byte) error {
	stored := value

	if db.comp != nil {
		var err error

		stored, err = db.comp.Compress(value)
		if err != nil {
			return err
		}
	}

	if int64(len(stored)) >= valMaxSize {
		return newErrorf(ErrInvalid, "value of %d bytes exceeds the limit", len(stored))
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

	oldOff, oldSiz := rec.off, rec.rsiz

	rsiz, psiz := db.calcRecordSize(int64(len(rec.key)), int64(len(stored)))

	rec.value = stored
	rec.vsiz = int64(len(stored))

	fromPool := false

	if fb, ok := db.fbpFetch(rsiz); ok {
		rec.off = fb.off
		rec.rsiz = fb.rsiz
		rec.psiz = fb.rsiz - (rsiz - psiz)
		fromPool = true
	} else {
		rec.off = db.file.expand(rsiz)
		rec.rsiz = rsiz
		rec.psiz = psiz
	}

	if fromPool {
		err := db.adjustRecord(rec)
		if err != nil {
			return err
		}
	}

	// New copy first, then the pointer, then the old extent: the chain
	// never references a free block at any point in between.
	err := db.writeRecord(rec)
	if err != nil {
		return err
	}

	if entoff > 0 {
		err = db.writeChainPtr(entoff, rec.off)
	} else {
		err = db.setBucket(bidx, rec.off)
	}

	if err != nil {
		return err
	}

	err = db.writeFreeBlock(oldOff, oldSiz)
	if err != nil {
		return err
	}

	db.escapeCursors(oldOff, oldOff+oldSiz)
	db.fbpInsert(oldOff, oldSiz)
	db.frgcnt.Add(1)

	return nil
}

// removeRecord unlinks a record and releases its extent.
func (db *DB) removeRecord(rec *record, bidx, entoff int64) error {
	err := db.cutChain(rec, bidx, entoff)
	if err != nil {
		return err
	}

	err = db.writeFreeBlock(rec.off, rec.rsiz)
	if err != nil {
		return err
	}

	db.escapeCursors(rec.off, rec.off+rec.rsiz)
	db.fbpInsert(rec.off, rec.rsiz)
	db.count.Add(-1)
	db.frgcnt.Add(1)

	return nil
}

// beginAutoTran arms the implicit per-mutation transaction. The guarded
// region starts at the count field so meta rolls back together with data.
func (db *DB) beginAutoTran() error {
	db.atMu.Lock()

	db.atrcount = db.count.Load()

	db.poolMu.Lock()
	db.atrfbp = db.fbp.clone()
	db.poolMu.Unlock()

	err := db.file.beginTransaction(db.autoSync, offCount)
	if err != nil {
		db.atMu.Unlock()

		return err
	}

	// Writing the current meta captures its pre-image in the WAL.
	err = db.writeMetaCounts()
	if err != nil {
		_ = db.file.endTransaction(false)
		db.atMu.Unlock()

		return err
	}

	return nil
}

// endAutoTran commits or rolls back the implicit transaction around the
// mutation whose error is passed in.
func (db *DB) endAutoTran(opErr error) error {
	err := opErr

	if err == nil {
		err = db.writeMetaCounts()
	}

	if err == nil {
		err = db.file.endTransaction(true)
	} else {
		_ = db.file.endTransaction(false)
		db.count.Store(db.atrcount)

		db.poolMu.Lock()
		db.fbp.restore(db.atrfbp)
		db.poolMu.Unlock()
	}

	db.atrfbp = nil
	db.atMu.Unlock()

	return err
}
