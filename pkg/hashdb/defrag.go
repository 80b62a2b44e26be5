package hashdb

// Defrag compacts the record region by shifting records over free blocks.
// A step of zero or less runs until the end of the file, leaving no
// interior free block; a positive step bounds the work to defragFactor
// times that many blocks, resuming where the previous pass stopped.
func (db *DB) Defrag(step int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.checkOpen(true)
	if err != nil {
		return err
	}

	if step <= 0 {
		// One full pass from the start of the region.
		db.dfcur = db.roff

		return db.surface(db.defragImpl(0))
	}

	return db.surface(db.defragImpl(step))
}

// defragImpl runs one defragmentation pass starting at the persisted scan
// position. Caller holds the global lock exclusively.
//
// Records are shifted backward over the leading free block; each shifted
// record has its chain re-walked to locate the one pointer that references
// it, since headers carry no parent pointers. The pass ends by either
// truncating the tail (when it reached the end) or stamping the remaining
// gap as a single fresh free block.
func (db *DB) defragImpl(step int64) error {
	end := db.file.size()

	base := db.dfcur
	if base < db.roff {
		base = db.roff
	}

	var rec record

	// Find the first free block at or after the scan position.
	for base < end {
		err := db.readRecord(base, &rec)
		if err != nil {
			return err
		}

		if rec.psiz == psizFree {
			break
		}

		base += rec.rsiz
	}

	if base >= end {
		db.dfcur = db.roff
		db.frgcnt.Store(0)

		return nil
	}

	dest := base
	cur := base
	units := int64(0)

	for cur < end {
		if step > 0 && units >= step*defragFactor {
			break
		}

		err := db.readRecord(cur, &rec)
		if err != nil {
			return err
		}

		units++

		if rec.psiz == psizFree {
			cur += rec.rsiz

			continue
		}

		if rec.value == nil {
			err = db.readRecordBody(&rec)
			if err != nil {
				return err
			}
		}

		oldOff := rec.off
		oldSiz := rec.rsiz

		// Shrink the padding back below one alignment unit while the
		// record is in hand.
		base2 := rec.hsiz + int64(len(rec.key)) + rec.vsiz
		newSiz := base2 + db.calcPadding(base2)

		for newSiz < db.frsiz {
			newSiz += db.align
		}

		rec.off = dest
		rec.rsiz = newSiz
		rec.psiz = newSiz - base2

		hash := hashKey(rec.key)
		bidx := db.bucketIndex(hash)

		entoff, err := db.findEntryOffset(rec.key, hash, oldOff, bidx)
		if err != nil {
			return err
		}

		err = db.writeRecord(&rec)
		if err != nil {
			return err
		}

		if entoff > 0 {
			err = db.writeChainPtr(entoff, dest)
		} else {
			err = db.setBucket(bidx, dest)
		}

		if err != nil {
			return err
		}

		db.escapeCursors(oldOff, dest)

		dest += rec.rsiz
		cur = oldOff + oldSiz
	}

	// Shifted-over extents are no longer reusable as they were.
	db.fbpTrim(base, cur)

	if cur >= end {
		err := db.file.truncate(dest)
		if err != nil {
			return err
		}

		db.trimCursors(dest)
		db.dfcur = db.roff
		db.frgcnt.Store(0)

		return nil
	}

	gap := cur - dest
	if gap > 0 {
		err := db.writeFreeBlock(dest, gap)
		if err != nil {
			return err
		}

		db.fbpInsert(dest, gap)
		db.migrateRange(dest, cur, cur)
	}

	db.dfcur = dest

	// Partial pass: pay down the counter instead of resetting it.
	for {
		frg := db.frgcnt.Load()

		next := frg - units
		if next < 0 {
			next = 0
		}

		if db.frgcnt.CompareAndSwap(frg, next) {
			break
		}
	}

	return nil
}
