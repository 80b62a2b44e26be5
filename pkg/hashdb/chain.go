package hashdb

// Each bucket roots a binary tree of records ordered by (folded hash, key):
// the folded hash is the primary comparison key, the lexical key order the
// tiebreak. Chain pointers are raw record offsets embedded in record
// headers, so rewriting an edge is a single in-place pointer write. In
// linear mode every mismatch goes right and the tree degenerates into a
// list.

// Child pointer slot offsets inside a record header. In linear mode the
// sole pointer doubles as the right slot.
func leftSlot(off int64) int64 { return off + 2 }

func (db *DB) rightSlot(off int64) int64 {
	if db.linear {
		return off + 2
	}

	return off + 2 + int64(db.width)
}

// findRecord walks the chain of bucket bidx looking for key.
//
// On a hit, rec holds the record and entoff the file offset of the pointer
// slot that led to it (0 when the record is the bucket root). On a miss,
// entoff is the slot where a new leaf for key belongs.
func (db *DB) findRecord(key []byte, hash uint64, bidx int64, rec *record) (entoff int64, found bool, err error) {
	top, err := db.getBucket(bidx)
	if err != nil {
		return 0, false, err
	}

	pivot := foldHash(hash)
	off := top
	entoff = 0

	for off > 0 {
		readErr := db.readRecord(off, rec)
		if readErr != nil {
			return 0, false, readErr
		}

		if rec.psiz == psizFree {
			return 0, false, db.fail(newErrorf(ErrBroken, "free block in chain at %d", off))
		}

		var kcmp int

		if db.linear {
			if compareKeys(key, rec.key) != 0 {
				kcmp = 1
			}
		} else {
			tpivot := foldHash(hashKey(rec.key))

			switch {
			case pivot > tpivot:
				kcmp = 1
			case pivot < tpivot:
				kcmp = -1
			default:
				kcmp = compareKeys(key, rec.key)
			}
		}

		switch {
		case kcmp > 0:
			entoff = db.rightSlot(off)
			off = rec.right
		case kcmp < 0:
			entoff = leftSlot(off)
			off = rec.left
		default:
			return entoff, true, nil
		}
	}

	return entoff, false, nil
}

// findEntryOffset locates the pointer slot referencing the record at
// targetOff by re-walking its chain. The defragmenter uses this instead of
// parent pointers, which would double the header size for a rare need.
func (db *DB) findEntryOffset(key []byte, hash uint64, targetOff, bidx int64) (int64, error) {
	top, err := db.getBucket(bidx)
	if err != nil {
		return 0, err
	}

	pivot := foldHash(hash)
	off := top
	entoff := int64(0)

	var rec record

	for off > 0 {
		if off == targetOff {
			return entoff, nil
		}

		readErr := db.readRecord(off, &rec)
		if readErr != nil {
			return 0, readErr
		}

		if rec.psiz == psizFree {
			return 0, db.fail(newErrorf(ErrBroken, "free block in chain at %d", off))
		}

		var kcmp int

		if db.linear {
			if compareKeys(key, rec.key) != 0 {
				kcmp = 1
			}
		} else {
			tpivot := foldHash(hashKey(rec.key))

			switch {
			case pivot > tpivot:
				kcmp = 1
			case pivot < tpivot:
				kcmp = -1
			default:
				kcmp = compareKeys(key, rec.key)
			}
		}

		switch {
		case kcmp > 0:
			entoff = db.rightSlot(off)
			off = rec.right
		case kcmp < 0:
			entoff = leftSlot(off)
			off = rec.left
		default:
			return 0, db.fail(newErrorf(ErrBroken, "chain reaches key at %d, expected %d", off, targetOff))
		}
	}

	return 0, db.fail(newErrorf(ErrBroken, "record at %d unreachable from bucket %d", targetOff, bidx))
}

// cutChain unlinks the record held in rec from its chain, preserving the
// search order of both subtrees.
//
// With two children, the rightmost descendant of the left subtree replaces
// the victim: it is detached from its parent (which inherits its left
// child), takes over the victim's children, and gets spliced into the
// victim's slot. Only header pointer fields are rewritten; no record bytes
// move.
func (db *DB) cutChain(rec *record, bidx, entoff int64) error {
	var child int64

	switch {
	case rec.left > 0 && rec.right > 0:
		mOff := rec.left
		mEnt := int64(0) // 0 while the replacement is the left child itself

		var m record

		for {
			err := db.readRecord(mOff, &m)
			if err != nil {
				return err
			}

			if m.psiz == psizFree {
				return db.fail(newErrorf(ErrBroken, "free block in chain at %d", mOff))
			}

			if m.right <= 0 {
				break
			}

			mEnt = db.rightSlot(mOff)
			mOff = m.right
		}

		if mEnt > 0 {
			// Detach the replacement and hand the victim's left
			// subtree over to it.
			err := db.writeChainPtr(mEnt, m.left)
			if err != nil {
				return err
			}

			err = db.writeChainPtr(leftSlot(mOff), rec.left)
			if err != nil {
				return err
			}
		}

		err := db.writeChainPtr(db.rightSlot(mOff), rec.right)
		if err != nil {
			return err
		}

		child = mOff
	case rec.left > 0:
		child = rec.left
	default:
		child = rec.right
	}

	if entoff > 0 {
		return db.writeChainPtr(entoff, child)
	}

	return db.setBucket(bidx, child)
}
