package hashdb

// The bucket array sits between the free-block pool dump and the record
// region: bnum slots of width bytes, each holding a root offset shifted
// right by apow. Zero means the bucket is empty.

// bucketIndex maps a key hash to its bucket.
func (db *DB) bucketIndex(hash uint64) int64 {
	return int64(hash % uint64(db.bnum))
}

// getBucket reads the root offset of bucket bidx.
func (db *DB) getBucket(bidx int64) (int64, error) {
	buf := make([]byte, db.width)

	err := db.file.readInto(buf, db.boff+bidx*int64(db.width))
	if err != nil {
		return 0, err
	}

	return readFixNum(buf, db.width) << db.apow, nil
}

// setBucket rewrites the root offset of bucket bidx.
func (db *DB) setBucket(bidx, off int64) error {
	buf := make([]byte, db.width)
	writeFixNum(buf, off>>db.apow, db.width)

	return db.file.write(db.boff+bidx*int64(db.width), buf)
}
