package hashdb

import "time"

// Transaction begin backoff: waiters sleep with exponential growth capped
// at one second until the running transaction ends.
const (
	tranWaitInitial = 100 * time.Microsecond
	tranWaitMax     = time.Second
)

// BeginTransaction starts an explicit transaction, waiting for a running
// one to finish. Hard transactions physically sync data and WAL at the
// commit boundary; soft ones settle for filesystem-level durability.
func (db *DB) BeginTransaction(hard bool) error {
	wait := tranWaitInitial

	for {
		db.mu.Lock()

		err := db.checkOpen(true)
		if err != nil {
			db.mu.Unlock()

			return err
		}

		if !db.tran {
			break
		}

		db.mu.Unlock()
		time.Sleep(wait)

		wait *= 2
		if wait > tranWaitMax {
			wait = tranWaitMax
		}
	}

	err := db.beginTransactionLocked(hard)
	db.mu.Unlock()

	return err
}

// BeginTransactionTry starts an explicit transaction without waiting; a
// running transaction reports ErrLogic instead.
func (db *DB) BeginTransactionTry(hard bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.checkOpen(true)
	if err != nil {
		return err
	}

	if db.tran {
		return newError(ErrLogic, "competition avoided")
	}

	return db.beginTransactionLocked(hard)
}

// beginTransactionLocked arms the WAL over the bucket array and record
// region and snapshots the meta for in-memory rollback. Caller holds the
// global lock exclusively with no transaction running.
func (db *DB) beginTransactionLocked(hard bool) error {
	err := db.file.beginTransaction(hard, db.boff)
	if err != nil {
		return db.surface(err)
	}

	db.tran = true
	db.trhard = hard
	db.trcount = db.count.Load()

	db.poolMu.Lock()
	db.trfbp = db.fbp.clone()
	db.poolMu.Unlock()

	return nil
}

// EndTransaction commits or aborts the explicit transaction.
func (db *DB) EndTransaction(commit bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.checkOpen(true)
	if err != nil {
		return err
	}

	if !db.tran {
		return newError(ErrLogic, "transaction not established")
	}

	if commit {
		return db.surface(db.commitTransactionLocked())
	}

	return db.surface(db.abortTransactionLocked())
}

func (db *DB) commitTransactionLocked() error {
	err := db.file.endTransaction(true)

	db.tran = false
	db.trfbp = nil

	return err
}

// abortTransactionLocked replays the WAL, restoring the file, then rolls
// the in-memory meta and free-block pool back to their begin snapshots.
func (db *DB) abortTransactionLocked() error {
	err := db.file.endTransaction(false)

	db.count.Store(db.trcount)

	db.poolMu.Lock()
	db.fbp.restore(db.trfbp)
	db.poolMu.Unlock()

	db.trimCursors(db.file.size())

	db.tran = false
	db.trfbp = nil

	return err
}
