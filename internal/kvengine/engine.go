/*
Package kvengine is the storage substrate every other ThemisDB
component is built on: a durable ordered byte map with atomic
batches, long-lived snapshots, bounded iterators, pessimistic row
locks and background compaction.

bbolt provides the on-disk ordered B+tree, holding a single flat
keyspace shared by every index family. Its single-writer/many-readers
MVCC page model is exactly the immutable-snapshot-plus-atomic-batch
contract the engine needs, so it is used directly rather than
re-implemented.
*/
package kvengine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/cuemby/themisdb/internal/codec"
	"github.com/cuemby/themisdb/internal/dberr"
)

// bucketName is the single top-level bbolt bucket; every ThemisDB key
// family shares this one flat ordered keyspace.
var bucketName = []byte("themisdb")

// DurabilityMode controls how aggressively a batch's commit is
// flushed to stable storage.
type DurabilityMode int

const (
	FlushOS DurabilityMode = iota // bbolt's normal commit, which syncs (see Batch.Commit)
	Fsync                         // fsync on every commit
	NoWait                        // commit with bbolt's NoSync set: no fsync
)

// Options configures Engine construction.
type Options struct {
	Path                string
	Compression         codec.Kind
	CompressionBottom    codec.Kind
	Durability          DurabilityMode
	LockWaitTimeout     time.Duration
	MaxBackgroundJobs   int
	CompressMinValueLen int // values shorter than this skip compression
}

// DefaultOptions returns sane defaults matching the enumerated
// configuration surface.
func DefaultOptions(path string) Options {
	return Options{
		Path:                path,
		Compression:         codec.None,
		CompressionBottom:    codec.Zstd,
		Durability:          FlushOS,
		LockWaitTimeout:     5 * time.Second,
		MaxBackgroundJobs:   2,
		CompressMinValueLen: 256,
	}
}

// Engine is the durable ordered KV substrate.
type Engine struct {
	db          *bbolt.DB
	path        string
	opts        Options
	codec       codec.Codec
	bottomCodec codec.Codec
	locks       *LockTable
	compactor   *Compactor
}

// Open opens (creating if absent) the KV engine at opts.Path.
func Open(opts Options) (*Engine, error) {
	if opts.Path == "" {
		return nil, dberr.New(dberr.InvalidValue, "kvengine: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, dberr.Wrap(dberr.IO, fmt.Errorf("kvengine: mkdir: %w", err))
	}

	db, err := bbolt.Open(opts.Path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, dberr.Wrap(dberr.IO, fmt.Errorf("kvengine: open: %w", err))
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, dberr.Wrap(dberr.IO, fmt.Errorf("kvengine: init bucket: %w", err))
	}

	c, err := codec.For(opts.Compression)
	if err != nil {
		db.Close()
		return nil, dberr.Wrap(dberr.Unsupported, err)
	}
	bc, err := codec.For(opts.CompressionBottom)
	if err != nil {
		db.Close()
		return nil, dberr.Wrap(dberr.Unsupported, err)
	}

	if opts.LockWaitTimeout == 0 {
		opts.LockWaitTimeout = 5 * time.Second
	}

	e := &Engine{
		db:          db,
		path:        opts.Path,
		opts:        opts,
		codec:       c,
		bottomCodec: bc,
		locks:       NewLockTable(opts.LockWaitTimeout),
	}
	e.compactor = NewCompactor(e, opts.MaxBackgroundJobs)
	return e, nil
}

// Close flushes and closes the underlying store.
func (e *Engine) Close() error {
	e.compactor.Stop()
	return e.db.Close()
}

// Path returns the on-disk file path, used by checkpoint.
func (e *Engine) Path() string { return e.path }

// DB exposes the underlying *bbolt.DB for checkpoint's hot-backup path,
// which needs bbolt's own consistent-snapshot primitives.
func (e *Engine) DB() *bbolt.DB { return e.db }

// Locks exposes the pessimistic lock table to the transaction manager.
func (e *Engine) Locks() *LockTable { return e.locks }

// Value coding tags: raw, default codec, bottommost codec. The tag
// rides in front of every stored value so a mixed file (hot writes
// plus compacted cold data) stays readable.
const (
	valueRaw byte = iota
	valueDefault
	valueBottom
)

// encodeValue applies the configured codec above the minimum size
// threshold; small values are stored raw to avoid per-value overhead
// dominating tiny documents.
func (e *Engine) encodeValue(v []byte) []byte {
	if len(v) < e.opts.CompressMinValueLen || e.codec.Kind() == codec.None {
		return append([]byte{valueRaw}, v...)
	}
	return append([]byte{valueDefault}, e.codec.Encode(v)...)
}

// encodeValueBottom is encodeValue with the bottommost codec, applied
// by the compactor when it rewrites settled data.
func (e *Engine) encodeValueBottom(v []byte) []byte {
	if len(v) < e.opts.CompressMinValueLen || e.bottomCodec.Kind() == codec.None {
		return append([]byte{valueRaw}, v...)
	}
	return append([]byte{valueBottom}, e.bottomCodec.Encode(v)...)
}

func (e *Engine) decodeValue(v []byte) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	tag, rest := v[0], v[1:]
	switch tag {
	case valueRaw:
		return rest, nil
	case valueBottom:
		return e.bottomCodec.Decode(rest)
	default:
		return e.codec.Decode(rest)
	}
}

// Get performs a single-key read at the latest committed state. For
// reads inside an MVCC transaction, use Snapshot instead.
func (e *Engine) Get(key []byte) ([]byte, error) {
	var out []byte
	err := e.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return nil
		}
		dec, err := e.decodeValue(v)
		if err != nil {
			return err
		}
		out = append([]byte(nil), dec...)
		return nil
	})
	if err != nil {
		return nil, dberr.Wrap(dberr.Corruption, err)
	}
	return out, nil
}

// NewSnapshot opens a long-lived read-only view of the database,
// stable for the transaction's lifetime regardless of concurrent
// writers (bbolt's copy-on-write B+tree never mutates pages a live
// reader is using).
func (e *Engine) NewSnapshot() (*Snapshot, error) {
	tx, err := e.db.Begin(false)
	if err != nil {
		return nil, dberr.Wrap(dberr.IO, err)
	}
	return &Snapshot{tx: tx, engine: e}, nil
}

// NewBatch begins an atomic multi-key write staged in memory.
func (e *Engine) NewBatch() *Batch {
	return &Batch{engine: e}
}

// Iterator scans [start, end) at the latest committed state, letting
// Engine itself satisfy entity.ScanReader/secondary.ScanReader/
// catalog.ScanReader wherever a caller has no open MVCC transaction
// to scan against (background refreshers, startup catalog listing).
// It opens its own short-lived read transaction, released when the
// scan is exhausted or the caller calls Iterator.Close.
func (e *Engine) Iterator(start, end []byte, reverse bool) *Iterator {
	tx, err := e.db.Begin(false)
	if err != nil {
		return &Iterator{err: dberr.Wrap(dberr.IO, err), done: true}
	}
	c := tx.Bucket(bucketName).Cursor()
	return &Iterator{cursor: c, engine: e, start: start, end: end, reverse: reverse, init: true, tx: tx, ownTx: true}
}
