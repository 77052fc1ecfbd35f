package kvengine

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/cuemby/themisdb/internal/dberr"
)

type op struct {
	key    []byte
	value  []byte // nil means tombstone
	delete bool
}

// Batch stages an atomic multi-key write. The transaction manager
// builds one Batch per committing transaction containing the entity
// write plus every derived index write, so they land in a single
// bbolt.Tx.
type Batch struct {
	engine *Engine
	ops    []op
}

// Put stages a key/value write.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, op{key: append([]byte(nil), key...), value: b.engine.encodeValue(value)})
}

// Delete stages a tombstone.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, op{key: append([]byte(nil), key...), delete: true})
}

// Len reports the number of staged operations.
func (b *Batch) Len() int { return len(b.ops) }

// Commit applies every staged operation atomically via a single
// bbolt.Tx, honouring the requested durability mode.
func (b *Batch) Commit(durability DurabilityMode) error {
	if len(b.ops) == 0 {
		return nil
	}

	// NoWait skips the fsync bbolt otherwise issues on every commit;
	// FlushOS and Fsync both sync (bbolt always syncs committed pages
	// before returning), the distinction matters once an async WAL
	// sink is swapped in ahead of the KV engine.
	prevNoSync := b.engine.db.NoSync
	b.engine.db.NoSync = durability == NoWait
	defer func() { b.engine.db.NoSync = prevNoSync }()

	err := b.engine.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, o := range b.ops {
			if o.delete {
				if err := bucket.Delete(o.key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(o.key, o.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return dberr.Wrap(dberr.IO, fmt.Errorf("kvengine: batch commit: %w", err))
	}
	return nil
}
