package themisdb

import (
	"time"

	"github.com/cuemby/themisdb/internal/changefeed"
	"github.com/cuemby/themisdb/internal/dblog"
	"github.com/cuemby/themisdb/internal/index/secondary"
	"github.com/cuemby/themisdb/internal/kvengine"
	"github.com/cuemby/themisdb/internal/metrics"
)

// ttlSweepBatchLimit bounds how many expired rows one sweep tick
// deletes, so a table with a huge expired backlog doesn't monopolise
// the workerpool for one tick at the expense of every other
// maintenance job competing for the same worker budget.
const ttlSweepBatchLimit = 1000

// startTTLSweep runs a ticker that submits one sweep job per
// TTL-indexed table on every interval, stopped by closing db.stopTTL.
func (db *DB) startTTLSweep() {
	interval := time.Duration(db.cfg.TTLSweepIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	db.maintWG.Add(1)
	go func() {
		defer db.maintWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-db.stopTTL:
				return
			case <-ticker.C:
				db.sweepTTLOnce()
			}
		}
	}()
}

func (db *DB) sweepTTLOnce() {
	db.mu.RLock()
	tables := make([]string, 0, len(db.ttlTables))
	for t := range db.ttlTables {
		tables = append(tables, t)
	}
	db.mu.RUnlock()

	for _, table := range tables {
		table := table
		err := db.pool.Submit(func() {
			if err := db.sweepTable(table); err != nil {
				dblog.Errorf("themisdb: ttl sweep "+table, err)
			}
		})
		if err != nil {
			dblog.Warn("themisdb: ttl sweep job dropped for " + table)
		}
	}
}

func (db *DB) sweepTable(table string) error {
	nowMs := time.Now().UnixMilli()
	pks, err := secondary.SweepExpired(db.engine, table, nowMs, ttlSweepBatchLimit)
	if err != nil {
		return err
	}
	for _, pk := range pks {
		if err := db.Delete(table, pk); err != nil {
			return err
		}
	}
	if len(pks) > 0 {
		metrics.TTLExpiredTotal.WithLabelValues(table).Add(float64(len(pks)))
	}
	return nil
}

// startChangefeedTrim runs a ticker that submits one changefeed.Trim
// job per interval, stopped by closing db.stopTrim.
func (db *DB) startChangefeedTrim() {
	interval := time.Duration(db.cfg.TTLSweepIntervalMs) * time.Millisecond * 5
	if interval <= 0 {
		interval = 5 * time.Second
	}
	policy := changefeed.RetentionPolicy{
		MinAge:   time.Hour,
		MaxBytes: int64(db.cfg.ChangefeedRetentionBytes),
	}
	db.maintWG.Add(1)
	go func() {
		defer db.maintWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-db.stopTrim:
				return
			case <-ticker.C:
				err := db.pool.Submit(func() {
					db.trimChangefeedOnce(policy)
				})
				if err != nil {
					dblog.Warn("themisdb: changefeed trim job dropped")
				}
			}
		}
	}()
}

func (db *DB) trimChangefeedOnce(policy changefeed.RetentionPolicy) {
	nowMs := time.Now().UnixMilli()
	b := db.engine.NewBatch()
	trimmed, err := changefeed.Trim(db.engine, b, policy, nowMs)
	if err != nil {
		dblog.Errorf("themisdb: changefeed trim", err)
		return
	}
	if trimmed == 0 {
		return
	}
	if err := b.Commit(kvengine.FlushOS); err != nil {
		dblog.Errorf("themisdb: changefeed trim commit", err)
	}
}

// Poll reads up to limit changefeed records with seq > startSeq
// directly from the durable log. When no
// records are available yet it re-polls until timeoutMs expires, so a
// follower can long-poll instead of spinning.
func (db *DB) Poll(startSeq uint64, limit int, timeoutMs int64) ([]changefeed.Record, error) {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		recs, err := changefeed.Poll(db.engine, startSeq, limit)
		if err != nil || len(recs) > 0 {
			return recs, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}
