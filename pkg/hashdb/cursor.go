package hashdb

import "errors"

// Cursor traverses records in insertion (file) order. The database owns its
// cursors: mutations that free or move records patch live cursor offsets so
// no cursor ever points into a free block, and Close detaches them.
type Cursor struct {
	db  *DB
	off int64 // current record offset; 0 when exhausted or detached
	end int64 // logical size snapshot taken at jump time
}

// Cursor creates a new cursor positioned nowhere; call Jump or JumpKey to
// place it.
func (db *DB) Cursor() *Cursor {
	cur := &Cursor{db: db}

	db.poolMu.Lock()
	db.curs = append(db.curs, cur)
	db.poolMu.Unlock()

	return cur
}

// Disable detaches the cursor from its database.
func (c *Cursor) Disable() {
	db := c.db
	if db == nil {
		return
	}

	db.poolMu.Lock()

	for i, cand := range db.curs {
		if cand == c {
			db.curs = append(db.curs[:i], db.curs[i+1:]...)

			break
		}
	}

	db.poolMu.Unlock()

	c.db = nil
	c.off = 0
}

// Jump positions the cursor at the first record.
func (c *Cursor) Jump() error {
	db := c.db
	if db == nil {
		return newError(ErrNotOpened, "cursor is detached")
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	err := db.checkOpen(false)
	if err != nil {
		return err
	}

	db.poolMu.Lock()
	defer db.poolMu.Unlock()

	c.end = db.file.size()
	c.off = 0

	off, err := db.scanForward(db.roff, c.end)
	if err != nil {
		return db.surface(err)
	}

	if off == 0 {
		return newError(ErrNoRec, "no record")
	}

	c.off = off

	return nil
}

// JumpKey positions the cursor at the record for key.
func (c *Cursor) JumpKey(key []byte) error {
	db := c.db
	if db == nil {
		return newError(ErrNotOpened, "cursor is detached")
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	err := db.checkOpen(false)
	if err != nil {
		return err
	}

	hash := hashKey(key)

	var rec record

	_, found, err := db.findRecord(key, hash, db.bucketIndex(hash), &rec)
	if err != nil {
		return db.surface(err)
	}

	db.poolMu.Lock()
	defer db.poolMu.Unlock()

	c.end = db.file.size()

	if !found {
		c.off = 0

		return newError(ErrNoRec, "no record")
	}

	c.off = rec.off

	return nil
}

// Step advances the cursor to the next record.
func (c *Cursor) Step() error {
	db := c.db
	if db == nil {
		return newError(ErrNotOpened, "cursor is detached")
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	err := db.checkOpen(false)
	if err != nil {
		return err
	}

	db.poolMu.Lock()
	defer db.poolMu.Unlock()

	return db.stepLocked(c)
}

// stepLocked advances past the block at the cursor offset, then skips free
// blocks. Caller holds poolMu.
func (db *DB) stepLocked(c *Cursor) error {
	if c.off == 0 {
		return newError(ErrNoRec, "cursor is not placed")
	}

	var rec record

	err := db.readRecord(c.off, &rec)
	if err != nil {
		c.off = 0

		return db.surface(err)
	}

	off, err := db.scanForward(c.off+rec.rsiz, c.end)
	if err != nil {
		c.off = 0

		return db.surface(err)
	}

	c.off = off
	if off == 0 {
		return newError(ErrNoRec, "cursor is exhausted")
	}

	return nil
}

// scanForward returns the offset of the first record at or after off,
// skipping free blocks, or 0 when the scan hits end first.
func (db *DB) scanForward(off, end int64) (int64, error) {
	var rec record

	for off < end {
		err := db.readRecord(off, &rec)
		if err != nil {
			return 0, err
		}

		if rec.psiz != psizFree {
			return off, nil
		}

		off += rec.rsiz
	}

	return 0, nil
}

// Accept applies the visitor to the record under the cursor, optionally
// advancing afterwards. The global lock is held exclusively because the
// visitor may relocate the record across buckets.
func (c *Cursor) Accept(visitor Visitor, writable, step bool) error {
	if visitor == nil {
		return newError(ErrInvalid, "visitor is required")
	}

	db := c.db
	if db == nil {
		return newError(ErrNotOpened, "cursor is detached")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.checkOpen(writable)
	if err != nil {
		return err
	}

	// The migration invariant can park a cursor on the free block that
	// follows a removed record; settle on a real record first.
	db.poolMu.Lock()

	if c.off == 0 {
		db.poolMu.Unlock()

		return newError(ErrNoRec, "cursor is not placed")
	}

	off, scanErr := db.scanForward(c.off, c.end)
	if scanErr != nil {
		c.off = 0
		db.poolMu.Unlock()

		return db.surface(scanErr)
	}

	c.off = off
	db.poolMu.Unlock()

	if off == 0 {
		return newError(ErrNoRec, "cursor is exhausted")
	}

	var rec record

	err = db.readRecord(off, &rec)
	if err != nil {
		return db.surface(err)
	}

	key := append([]byte(nil), rec.key...)
	hash := hashKey(key)

	err = db.surface(db.acceptImpl(key, hash, db.bucketIndex(hash), visitor, writable))
	if err != nil {
		return err
	}

	db.poolMu.Lock()
	defer db.poolMu.Unlock()

	// A removal already migrated the cursor; only step when it still
	// points at the record just visited. Stepping off the last record
	// leaves the cursor exhausted without failing this visit.
	if step && c.off == off {
		err = db.stepLocked(c)
		if err != nil && !errors.Is(err, ErrNoRec) {
			return err
		}
	}

	return nil
}

// Get returns the key and value of the record under the cursor, optionally
// stepping afterwards.
func (c *Cursor) Get(step bool) ([]byte, []byte, error) {
	var outKey, outValue []byte

	err := c.Accept(VisitorFunc{
		Full: func(key, value []byte) Decision {
			outKey = append([]byte(nil), key...)
			outValue = append([]byte(nil), value...)

			return Nop()
		},
	}, false, step)
	if err != nil {
		return nil, nil, err
	}

	return outKey, outValue, nil
}

// Key returns the key of the record under the cursor.
func (c *Cursor) Key() ([]byte, error) {
	key, _, err := c.Get(false)

	return key, err
}

// Value returns the value of the record under the cursor.
func (c *Cursor) Value() ([]byte, error) {
	_, value, err := c.Get(false)

	return value, err
}

// Remove deletes the record under the cursor; the cursor migrates to the
// following record.
func (c *Cursor) Remove() error {
	return c.Accept(VisitorFunc{
		Full: func(_, _ []byte) Decision { return Remove() },
	}, true, false)
}

// escapeCursors patches cursors whose offset or end boundary equals the
// start of a freshly freed extent, moving them to dest.
func (db *DB) escapeCursors(off, dest int64) {
	db.poolMu.Lock()
	defer db.poolMu.Unlock()

	for _, cur := range db.curs {
		if cur.end == off {
			cur.end = dest
		}

		if cur.off == off {
			cur.off = dest
			if cur.off >= cur.end {
				cur.off = 0
			}
		}
	}
}

// migrateRange moves cursors parked inside a region that stopped holding
// decodable blocks (the gap a partial defragmentation pass leaves behind).
func (db *DB) migrateRange(begin, end, to int64) {
	db.poolMu.Lock()
	defer db.poolMu.Unlock()

	for _, cur := range db.curs {
		if cur.off > begin && cur.off < end {
			cur.off = to
			if cur.off >= cur.end {
				cur.off = 0
			}
		}
	}
}

// trimCursors invalidates cursors stranded past a tail truncation.
func (db *DB) trimCursors(size int64) {
	db.poolMu.Lock()
	defer db.poolMu.Unlock()

	for _, cur := range db.curs {
		if cur.off >= size {
			cur.off = 0
		}

		if cur.end > size {
			cur.end = size
		}
	}
}
