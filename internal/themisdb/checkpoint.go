package themisdb

import (
	"encoding/json"
	"sort"

	"github.com/cuemby/themisdb/internal/changefeed"
	"github.com/cuemby/themisdb/internal/checkpoint"
	"github.com/cuemby/themisdb/internal/config"
	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/entity"
	"github.com/cuemby/themisdb/internal/kvengine"
	"github.com/cuemby/themisdb/internal/wal"
)

// Checkpoint takes a consistent point-in-time backup of db into dir
// and archives the WAL's current tail alongside it.
func (db *DB) Checkpoint(dir string, retentionDays int, nowMs int64) (checkpoint.Manifest, error) {
	m, err := checkpoint.Create(db.engine, db.wal, dir, retentionDays, nowMs)
	if err != nil {
		return checkpoint.Manifest{}, err
	}
	if err := checkpoint.ArchiveWAL(db.wal, dir, nowMs); err != nil {
		return checkpoint.Manifest{}, err
	}
	return m, nil
}

// Restore opens a fresh DB at cfg.DataDir restored from the checkpoint
// at dir, then replays any archived WAL tail up to replay.UpToSeq
// (nil replays nothing past the checkpoint itself) through the same
// entity/index write path a live Put/Delete uses. This is the apply
// step checkpoint.Restore's own doc comment defers to the caller:
// that package only locates, validates and decodes the archived
// segment.
func Restore(cfg config.Config, dir string, replay *checkpoint.ReplayTarget) (*DB, checkpoint.Manifest, error) {
	m, tail, err := checkpoint.Restore(dir, cfg.DataDir, replay)
	if err != nil {
		return nil, checkpoint.Manifest{}, err
	}

	db, err := Open(cfg)
	if err != nil {
		return nil, checkpoint.Manifest{}, err
	}

	if err := db.replayWALTail(tail); err != nil {
		db.Close()
		return nil, checkpoint.Manifest{}, err
	}
	return db, m, nil
}

// recoverFromWAL reapplies WAL records whose batches never reached
// the engine (a crash between WAL append and batch apply), keeping
// their original changefeed sequences so the durable log stays
// gap-free. Records at or below the log's current highest sequence
// were already applied and are skipped, which is what makes replay
// idempotent.
func (db *DB) recoverFromWAL(records []wal.Record) error {
	if len(records) == 0 {
		return nil
	}
	applied, err := changefeed.LastSeq(db.engine)
	if err != nil {
		return err
	}
	for _, rec := range records {
		var batch []changefeed.Record
		if err := json.Unmarshal(rec.Payload, &batch); err != nil {
			return dberr.Wrap(dberr.Corruption, err)
		}
		if len(batch) == 0 || batch[len(batch)-1].Seq <= applied {
			continue
		}
		if err := db.applyRecovered(batch, applied); err != nil {
			return err
		}
	}
	return nil
}

// applyRecovered reapplies one commit's changefeed batch through the
// same entity/index write paths a live transaction uses, in a single
// engine batch, preserving the original sequences.
func (db *DB) applyRecovered(batch []changefeed.Record, applied uint64) error {
	snap, err := db.engine.NewSnapshot()
	if err != nil {
		return err
	}
	defer snap.Close()
	b := db.engine.NewBatch()

	for _, cr := range batch {
		if cr.Seq <= applied {
			continue
		}
		old, oldOK, err := entity.Get(snap, cr.Table, cr.Key)
		if err != nil {
			return err
		}
		switch cr.Kind {
		case changefeed.KindPut:
			var v document.Value
			if err := json.Unmarshal(cr.ValueAfter, &v); err != nil {
				return dberr.Wrap(dberr.Corruption, err)
			}
			if err := entity.Put(b, snap, cr.Table, cr.Key, v, true); err != nil {
				return err
			}
			for _, idxr := range db.indexersFor(cr.Table) {
				if err := idxr.OnPut(b, cr.Table, cr.Key, old, oldOK, v); err != nil {
					return err
				}
			}
			if err := db.applyVectorSpatialWrites(snap, b, cr.Table, cr.Key, v); err != nil {
				return err
			}
		case changefeed.KindDelete:
			if err := entity.Delete(b, cr.Table, cr.Key); err != nil {
				return err
			}
			if oldOK {
				for _, idxr := range db.indexersFor(cr.Table) {
					if err := idxr.OnDelete(b, cr.Table, cr.Key, old, oldOK); err != nil {
						return err
					}
				}
			}
			if err := db.applyVectorSpatialDeletes(snap, b, cr.Table, cr.Key); err != nil {
				return err
			}
		}
		if err := changefeed.Append(b, nil, cr.Seq, cr.TimestampMs, cr.Kind, cr.Table, cr.Key, cr.ValueAfter); err != nil {
			return err
		}
	}
	return b.Commit(kvengine.Fsync)
}

// replayWALTail decodes each WAL record's changefeed batch (the JSON
// array a single Txn.Commit wrote alongside its bbolt batch) and
// reapplies every put/delete it describes, in seq order, bringing a
// restored checkpoint forward to an instant-in-time target. Replayed
// writes go through the ordinary Put/Delete path so every secondary,
// vector and spatial index wired at Open time stays consistent with
// the replayed state; they are assigned fresh changefeed sequence
// numbers, continuing after the highest sequence in the changefeed log
// the checkpoint copied, rather than reusing the original ones.
func (db *DB) replayWALTail(tail []wal.Record) error {
	sort.Slice(tail, func(i, j int) bool { return tail[i].Seq < tail[j].Seq })
	for _, rec := range tail {
		var batch []changefeed.Record
		if err := json.Unmarshal(rec.Payload, &batch); err != nil {
			return dberr.Wrap(dberr.Corruption, err)
		}
		for _, cr := range batch {
			switch cr.Kind {
			case changefeed.KindPut:
				var v document.Value
				if err := json.Unmarshal(cr.ValueAfter, &v); err != nil {
					return dberr.Wrap(dberr.Corruption, err)
				}
				if err := db.Put(cr.Table, cr.Key, v, true); err != nil {
					return err
				}
			case changefeed.KindDelete:
				if err := db.Delete(cr.Table, cr.Key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
