package hashdb

// The conveniences below are thin visitors over Accept; none of them touch
// the storage layer directly.

// Get returns a copy of the value stored for key, or ErrNoRec.
func (db *DB) Get(key []byte) ([]byte, error) {
	var (
		out   []byte
		found bool
	)

	err := db.Accept(key, VisitorFunc{
		Full: func(_, value []byte) Decision {
			out = append([]byte(nil), value...)
			found = true

			return Nop()
		},
	}, false)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, newError(ErrNoRec, "no record")
	}

	return out, nil
}

// Set stores value for key, replacing any existing record.
func (db *DB) Set(key, value []byte) error {
	return db.Accept(key, VisitorFunc{
		Full:  func(_, _ []byte) Decision { return Replace(value) },
		Empty: func(_ []byte) Decision { return Replace(value) },
	}, true)
}

// Add stores value for key only if the key is absent; an existing record
// reports ErrDupRec.
func (db *DB) Add(key, value []byte) error {
	dup := false

	err := db.Accept(key, VisitorFunc{
		Full: func(_, _ []byte) Decision {
			dup = true

			return Nop()
		},
		Empty: func(_ []byte) Decision { return Replace(value) },
	}, true)
	if err != nil {
		return err
	}

	if dup {
		return newError(ErrDupRec, "record duplication")
	}

	return nil
}

// Replace stores value for key only if the key exists.
func (db *DB) Replace(key, value []byte) error {
	found := false

	err := db.Accept(key, VisitorFunc{
		Full: func(_, _ []byte) Decision {
			found = true

			return Replace(value)
		},
	}, true)
	if err != nil {
		return err
	}

	if !found {
		return newError(ErrNoRec, "no record")
	}

	return nil
}

// Append concatenates value to the record for key, creating it if absent.
func (db *DB) Append(key, value []byte) error {
	return db.Accept(key, VisitorFunc{
		Full: func(_, old []byte) Decision {
			joined := make([]byte, 0, len(old)+len(value))
			joined = append(joined, old...)
			joined = append(joined, value...)

			return Replace(joined)
		},
		Empty: func(_ []byte) Decision { return Replace(value) },
	}, true)
}

// Remove deletes the record for key, or reports ErrNoRec.
func (db *DB) Remove(key []byte) error {
	found := false

	err := db.Accept(key, VisitorFunc{
		Full: func(_, _ []byte) Decision {
			found = true

			return Remove()
		},
	}, true)
	if err != nil {
		return err
	}

	if !found {
		return newError(ErrNoRec, "no record")
	}

	return nil
}
