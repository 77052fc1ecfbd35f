package kvengine

import (
	"bytes"

	"go.etcd.io/bbolt"
)

// Snapshot is an immutable, long-lived logical view of the database
// as of the moment it was opened, used by MVCC transactions so reads
// never observe writes committed after the snapshot.
type Snapshot struct {
	tx     *bbolt.Tx
	engine *Engine
}

// Get reads key as of this snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	v := s.tx.Bucket(bucketName).Get(key)
	if v == nil {
		return nil, nil
	}
	dec, err := s.engine.decodeValue(v)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), dec...), nil
}

// Close releases the underlying bbolt read transaction. Must be
// called exactly once when the owning MVCC transaction ends.
func (s *Snapshot) Close() error {
	return s.tx.Rollback()
}

// Iterator scans [start, end) in this snapshot, forward or reverse.
func (s *Snapshot) Iterator(start, end []byte, reverse bool) *Iterator {
	c := s.tx.Bucket(bucketName).Cursor()
	return &Iterator{cursor: c, engine: s.engine, start: start, end: end, reverse: reverse, init: true}
}

// Iterator is a forward/reverse cursor bounded by a key range,
// returning finite, lazily-advanced (pk, value) sequences.
type Iterator struct {
	cursor  *bbolt.Cursor
	engine  *Engine
	start   []byte
	end     []byte // exclusive; nil means unbounded
	reverse bool
	init    bool
	k, v    []byte
	done    bool
	err     error

	// tx is non-nil only for iterators Engine.Iterator opened itself
	// (a Snapshot-backed iterator shares its owner's tx and must not
	// close it out from under them); Close/exhaustion rolls it back
	// exactly once.
	tx    *bbolt.Tx
	ownTx bool
}

// Close releases the iterator's own read transaction, if it opened
// one. Safe to call multiple times and safe to call after the
// iterator has already exhausted itself. Callers that may abandon an
// Engine.Iterator before exhausting it (a bounded sample, an early
// break) must call this to avoid leaking a bbolt read transaction;
// callers that always scan to exhaustion get the same effect for
// free from Next's own cleanup.
func (it *Iterator) Close() {
	if it.ownTx && it.tx != nil {
		it.tx.Rollback()
		it.tx = nil
	}
	it.done = true
}

// Next advances the iterator; returns false when exhausted or erred.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	var k, v []byte
	if it.init {
		it.init = false
		if it.reverse {
			if it.end != nil {
				k, v = it.cursor.Seek(it.end)
				if k == nil {
					k, v = it.cursor.Last()
				} else {
					k, v = it.cursor.Prev()
				}
			} else {
				k, v = it.cursor.Last()
			}
		} else {
			if it.start != nil {
				k, v = it.cursor.Seek(it.start)
			} else {
				k, v = it.cursor.First()
			}
		}
	} else {
		if it.reverse {
			k, v = it.cursor.Prev()
		} else {
			k, v = it.cursor.Next()
		}
	}

	if k == nil {
		it.Close()
		return false
	}
	if it.reverse {
		if it.start != nil && bytes.Compare(k, it.start) < 0 {
			it.Close()
			return false
		}
	} else {
		if it.end != nil && bytes.Compare(k, it.end) >= 0 {
			it.Close()
			return false
		}
	}

	dec, err := it.engine.decodeValue(v)
	if err != nil {
		it.err = err
		it.Close()
		return false
	}
	it.k = append([]byte(nil), k...)
	it.v = append([]byte(nil), dec...)
	return true
}

// Key returns the current key. Valid only after Next returns true.
func (it *Iterator) Key() []byte { return it.k }

// Value returns the current decoded value.
func (it *Iterator) Value() []byte { return it.v }

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error { return it.err }
