// Package stats tracks per-table row counts and per-composite-index
// selectivity estimates, the input the query planner's cost formulas
// and its composite-selectivity / bbox-ratio thresholds consume.
//
// A single background refresher recomputes row counts and composite
// distinct-tuple estimates on an interval (ticker plus done channel)
// instead of recomputing them inline on every query.
package stats

import (
	"sync"
	"time"

	"github.com/cuemby/themisdb/internal/entity"
	"github.com/cuemby/themisdb/internal/index/secondary"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/query"
)

// CompositeDescriptor names one composite index the refresher should
// estimate selectivity for.
type CompositeDescriptor struct {
	Table  string
	Name   string
	Fields []string
}

// TableStats is the refresher's current estimate for one table.
type TableStats struct {
	RowCount             int64
	CompositeSelectivity map[string]float64
	CompositePrefix      string
}

// Registry holds the most recently computed TableStats per table,
// safe for concurrent reads while a background refresh is in
// progress.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]TableStats
}

// NewRegistry returns an empty registry; Get on an unknown table
// returns a zero-value query.Stats, which the planner's Choose/
// ComputeCosts treat as "no evidence, fall back to full scan".
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]TableStats)}
}

// Get returns table's last computed stats as the query package's
// planner input type. CompositePrefix is always empty here: which
// composite index, if any, covers a given query's filters is a
// per-query decision the caller fills in after choosing a candidate
// index, not something a table-wide refresh can know in advance.
func (reg *Registry) Get(table string) query.Stats {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ts, ok := reg.tables[table]
	if !ok {
		return query.Stats{}
	}
	return query.Stats{
		RowCount:             ts.RowCount,
		CompositeSelectivity: ts.CompositeSelectivity,
		CompositePrefix:      ts.CompositePrefix,
	}
}

func (reg *Registry) set(table string, ts TableStats) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.tables[table] = ts
}

// RowCount counts every live entity key under table via a full prefix
// scan, the exact definition of "row count" the cost formulas assume.
func RowCount(r entity.ScanReader, table string) (int64, error) {
	var n int64
	c := entity.Scan(r, table, entity.ScanRange{})
	for c.Next() {
		n++
	}
	if err := c.Err(); err != nil {
		return 0, err
	}
	return n, nil
}

// compositeSampleLimit bounds how many distinct leading-field tuples
// the estimator samples before it stops counting postings per tuple,
// so selectivity estimation on a huge composite index stays bounded
// work rather than a second full scan per refresh.
const compositeSampleLimit = 10_000

// CompositeSelectivity estimates name's selectivity as
// (sampled_postings / distinct_tuples) / rowCount, the average rows
// per tuple over the row count, sampling up to compositeSampleLimit
// postings under the index's prefix and counting distinct full-tuple
// prefixes seen, matching the planner's assumption that selectivity
// is the fraction of rows a composite-equality lookup matches.
func CompositeSelectivity(r secondary.ScanReader, table, name string, rowCount int64) (float64, error) {
	if rowCount <= 0 {
		return 1, nil
	}
	prefix := keyenc.CompositeIndexPrefix(table, name)
	end := keyenc.PrefixUpperBound(prefix)
	it := r.Iterator(prefix, end, false)
	defer it.Close()

	distinct := make(map[string]struct{})
	sampled := 0
	for it.Next() && sampled < compositeSampleLimit {
		key := it.Key()
		idx := lastColon(key)
		if idx < 0 {
			continue
		}
		distinct[string(key[:idx])] = struct{}{}
		sampled++
	}
	if err := it.Err(); err != nil {
		return 0, err
	}
	if sampled == 0 {
		return 0, nil
	}
	estimatedRowsPerTuple := float64(sampled) / float64(len(distinct))
	selectivity := estimatedRowsPerTuple / float64(rowCount)
	if selectivity > 1 {
		selectivity = 1
	}
	return selectivity, nil
}

func lastColon(key []byte) int {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return i
		}
	}
	return -1
}

// Refresher periodically recomputes RowCount and every registered
// composite's selectivity, writing the result into a Registry.
type Refresher struct {
	Reader     entity.ScanReader
	Composites []CompositeDescriptor
	Registry   *Registry
	Interval   time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewRefresher builds a refresher over the given descriptors; call Run
// in its own goroutine and Stop to shut it down cleanly, the same
// ticker-plus-done-channel shape every other background loop in this
// codebase uses.
func NewRefresher(r entity.ScanReader, composites []CompositeDescriptor, reg *Registry, interval time.Duration) *Refresher {
	return &Refresher{
		Reader:     r,
		Composites: composites,
		Registry:   reg,
		Interval:   interval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run blocks, recomputing stats once immediately and then on every
// Interval tick, until Stop is called.
func (ref *Refresher) Run() {
	defer close(ref.done)
	ref.refreshOnce()
	ticker := time.NewTicker(ref.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ref.stop:
			return
		case <-ticker.C:
			ref.refreshOnce()
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (ref *Refresher) Stop() {
	close(ref.stop)
	<-ref.done
}

func (ref *Refresher) refreshOnce() {
	byTable := make(map[string][]CompositeDescriptor)
	for _, c := range ref.Composites {
		byTable[c.Table] = append(byTable[c.Table], c)
	}
	for table, descs := range byTable {
		rowCount, err := RowCount(ref.Reader, table)
		if err != nil {
			continue
		}
		sel := make(map[string]float64, len(descs))
		for _, d := range descs {
			s, err := CompositeSelectivity(ref.Reader, d.Table, d.Name, rowCount)
			if err != nil {
				continue
			}
			sel[d.Name] = s
		}
		ref.Registry.set(table, TableStats{
			RowCount:             rowCount,
			CompositeSelectivity: sel,
		})
	}
}
