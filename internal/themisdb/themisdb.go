// Package themisdb is the embedded database's top-level facade: it
// wires the KV engine, WAL, transaction manager, changefeed broker,
// catalog-driven index families and background maintenance loops
// declared across internal/* into the single open/put/get/delete/
// query/checkpoint surface an embedding application calls.
//
// One constructor opens every owned subsystem in a fixed order,
// registers the pieces that depend on each other, and returns a
// single handle the rest of the program drives through method calls,
// with a Close that undoes the construction order in reverse.
package themisdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/themisdb/internal/catalog"
	"github.com/cuemby/themisdb/internal/changefeed"
	"github.com/cuemby/themisdb/internal/codec"
	"github.com/cuemby/themisdb/internal/config"
	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/dblog"
	"github.com/cuemby/themisdb/internal/index/fulltext"
	"github.com/cuemby/themisdb/internal/index/graph"
	"github.com/cuemby/themisdb/internal/index/secondary"
	"github.com/cuemby/themisdb/internal/index/spatial"
	"github.com/cuemby/themisdb/internal/index/vector"
	"github.com/cuemby/themisdb/internal/kvengine"
	"github.com/cuemby/themisdb/internal/stats"
	"github.com/cuemby/themisdb/internal/txn"
	"github.com/cuemby/themisdb/internal/wal"
	"github.com/cuemby/themisdb/internal/workerpool"
)

const (
	dbFileName  = "themisdb.db"
	walFileName = "wal.log"
)

// DB is one open ThemisDB data directory. The zero value is not
// usable; construct with Open.
type DB struct {
	cfg    config.Config
	engine *kvengine.Engine
	wal    *wal.WAL
	broker *changefeed.Broker
	txns   *txn.Manager
	pool   *workerpool.Pool

	statsReg       *stats.Registry
	statsRefresher *stats.Refresher

	mu         sync.RWMutex
	descByTable map[string][]catalog.Descriptor
	vectorIdx   map[string]map[string]*vector.Index  // table -> field -> index
	spatialIdx  map[string]map[string]*spatial.Index // table -> field -> index
	spatialBnds map[string]map[string]spatial.MBR    // table -> field -> declared total bounds
	ttlTables   map[string]bool
	graphs      map[string]*graph.Index

	maintWG   sync.WaitGroup
	stopTTL   chan struct{}
	stopTrim  chan struct{}
}

// Open opens (creating if absent) the data directory named by
// cfg.DataDir, replays the WAL against it, rebuilds every registered
// index family from the catalog, and starts the background TTL-sweep
// and changefeed-trim loops.
func Open(cfg config.Config) (*DB, error) {
	if cfg.DataDir == "" {
		return nil, dberr.New(dberr.InvalidValue, "themisdb: data_dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, dberr.Wrap(dberr.IO, err)
	}

	engineOpts := kvengine.DefaultOptions(filepath.Join(cfg.DataDir, dbFileName))
	engineOpts.Compression = codec.Kind(cfg.CompressionDefault)
	engineOpts.CompressionBottom = codec.Kind(cfg.CompressionBottommost)
	if cfg.MaxBackgroundJobs > 0 {
		engineOpts.MaxBackgroundJobs = cfg.MaxBackgroundJobs
	}
	if cfg.TxnLockWaitTimeoutMs > 0 {
		engineOpts.LockWaitTimeout = time.Duration(cfg.TxnLockWaitTimeoutMs) * time.Millisecond
	}
	switch cfg.WALFsync {
	case config.WALFsyncAlways:
		engineOpts.Durability = kvengine.Fsync
	case config.WALFsyncOff:
		engineOpts.Durability = kvengine.NoWait
	default:
		engineOpts.Durability = kvengine.FlushOS
	}
	engine, err := kvengine.Open(engineOpts)
	if err != nil {
		return nil, err
	}

	var w *wal.WAL
	var walRecords []wal.Record
	if cfg.EnableWAL {
		w, walRecords, err = wal.Open(wal.Options{
			Path:  filepath.Join(cfg.DataDir, walFileName),
			Fsync: cfg.WALFsync == config.WALFsyncAlways,
		})
		if err != nil {
			engine.Close()
			return nil, err
		}
	} else {
		w, walRecords, err = wal.Open(wal.Options{Path: filepath.Join(cfg.DataDir, walFileName)})
		if err != nil {
			engine.Close()
			return nil, err
		}
	}

	broker := changefeed.NewBroker()
	mgr := txn.NewManager(engine, w, broker, engineOpts.Durability)

	db := &DB{
		cfg:         cfg,
		engine:      engine,
		wal:         w,
		broker:      broker,
		txns:        mgr,
		pool:        workerpool.New("maintenance", maxInt(cfg.MaxBackgroundJobs, 1), 64),
		statsReg:    stats.NewRegistry(),
		descByTable: make(map[string][]catalog.Descriptor),
		vectorIdx:   make(map[string]map[string]*vector.Index),
		spatialIdx:  make(map[string]map[string]*spatial.Index),
		spatialBnds: make(map[string]map[string]spatial.MBR),
		ttlTables:   make(map[string]bool),
		graphs:      make(map[string]*graph.Index),
		stopTTL:     make(chan struct{}),
		stopTrim:    make(chan struct{}),
	}

	descs, err := catalog.ListAll(engine)
	if err != nil {
		db.closeSubsystems()
		return nil, err
	}
	for _, d := range descs {
		db.wireDescriptor(d)
	}

	// A crash between a commit's WAL append and its batch apply leaves
	// a durable WAL record the engine never saw; reapply those now,
	// with their original sequences, before any new write can be
	// assigned a sequence.
	if err := db.recoverFromWAL(walRecords); err != nil {
		db.closeSubsystems()
		return nil, err
	}
	lastSeq, err := changefeed.LastSeq(engine)
	if err != nil {
		db.closeSubsystems()
		return nil, err
	}
	mgr.SetChangefeedSeq(lastSeq)

	db.startStatsRefresher()
	db.startTTLSweep()
	db.startChangefeedTrim()

	dblog.Info(fmt.Sprintf("themisdb: opened %s (%d indices wired)", cfg.DataDir, len(descs)))
	return db, nil
}

// wireDescriptor rebuilds the in-memory index instance a persisted
// descriptor describes and, for the index kinds backed by
// txn.Indexer, registers it against the transaction manager. Called
// both at Open (for every existing descriptor) and by CreateIndex
// (for the one just created).
func (db *DB) wireDescriptor(d catalog.Descriptor) {
	db.mu.Lock()
	db.descByTable[d.Table] = append(db.descByTable[d.Table], d)
	db.mu.Unlock()

	switch d.Kind {
	case catalog.Equality:
		db.txns.RegisterIndexer(d.Table, d.Name, secondary.NewEqualityIndex(d.Table, d.Field))
	case catalog.Range:
		db.txns.RegisterIndexer(d.Table, d.Name, secondary.NewRangeIndex(d.Table, d.Field))
	case catalog.Sparse:
		db.txns.RegisterIndexer(d.Table, d.Name, secondary.NewSparseIndex(d.Table, d.Field))
	case catalog.TTL:
		db.txns.RegisterIndexer(d.Table, d.Name, secondary.NewTTLIndex(d.Table, d.Field))
		db.mu.Lock()
		db.ttlTables[d.Table] = true
		db.mu.Unlock()
	case catalog.Composite:
		db.txns.RegisterIndexer(d.Table, d.Name, secondary.NewCompositeIndex(d.Table, d.Name, d.Fields))
	case catalog.FullText:
		db.txns.RegisterIndexer(d.Table, d.Name, fulltext.NewIndex(d.Table, d.Field))
	case catalog.Vector:
		params := vector.Params{Dimension: 0}
		if d.Vector != nil {
			params = vector.Params{
				Metric:         vector.Metric(d.Vector.Metric),
				Dimension:      d.Vector.Dimension,
				M:              d.Vector.M,
				EfConstruction: d.Vector.EfConstruction,
				EfSearch:       d.Vector.EfSearch,
			}
		}
		if params.EfSearch <= 0 {
			params.EfSearch = db.cfg.VectorEfSearchDefault
		}
		idx, err := vector.NewIndex(d.Table, d.Field, params)
		if err != nil {
			dblog.Errorf("themisdb: rebuild vector index "+d.Table+"/"+d.Field, err)
			return
		}
		idx.Whitelist = vector.WhitelistParams{
			InitialFactor: db.cfg.WhitelistInitialFactor,
			MinCandidates: db.cfg.WhitelistMinCandidates,
			MaxAttempts:   db.cfg.WhitelistMaxAttempts,
			GrowthFactor:  db.cfg.WhitelistGrowthFactor,
		}
		db.mu.Lock()
		if db.vectorIdx[d.Table] == nil {
			db.vectorIdx[d.Table] = make(map[string]*vector.Index)
		}
		db.vectorIdx[d.Table][d.Field] = idx
		db.mu.Unlock()
	case catalog.Spatial:
		idx := spatial.NewIndex(d.Table, d.Field)
		bounds := spatial.MBR{}
		if d.Spatial != nil {
			bounds = spatial.MBR{MinX: d.Spatial.TotalBounds[0], MinY: d.Spatial.TotalBounds[1], MaxX: d.Spatial.TotalBounds[2], MaxY: d.Spatial.TotalBounds[3]}
		}
		db.mu.Lock()
		if db.spatialIdx[d.Table] == nil {
			db.spatialIdx[d.Table] = make(map[string]*spatial.Index)
			db.spatialBnds[d.Table] = make(map[string]spatial.MBR)
		}
		db.spatialIdx[d.Table][d.Field] = idx
		db.spatialBnds[d.Table][d.Field] = bounds
		db.mu.Unlock()
	case catalog.Graph:
		db.mu.Lock()
		db.graphs[d.GraphName] = graph.NewIndex(d.GraphName)
		db.mu.Unlock()
	}
}

// Subscribe opens a changefeed subscription on the live commit
// stream; the subscriber receives every future commit best-effort.
func (db *DB) Subscribe() changefeed.Subscriber {
	return db.broker.Subscribe()
}

// Unsubscribe closes a previously opened subscription.
func (db *DB) Unsubscribe(sub changefeed.Subscriber) {
	db.broker.Unsubscribe(sub)
}

// Close stops every background loop and closes the WAL and KV engine,
// in the reverse of Open's construction order.
func (db *DB) Close() error {
	close(db.stopTTL)
	close(db.stopTrim)
	db.maintWG.Wait()
	db.pool.Close()
	if db.statsRefresher != nil {
		db.statsRefresher.Stop()
	}
	return db.closeSubsystems()
}

func (db *DB) closeSubsystems() error {
	var firstErr error
	if db.wal != nil {
		if err := db.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if db.engine != nil {
		if err := db.engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (db *DB) startStatsRefresher() {
	db.mu.RLock()
	var composites []stats.CompositeDescriptor
	for table, descs := range db.descByTable {
		for _, d := range descs {
			if d.Kind == catalog.Composite {
				composites = append(composites, stats.CompositeDescriptor{Table: table, Name: d.Name, Fields: d.Fields})
			}
		}
	}
	db.mu.RUnlock()

	interval := time.Duration(db.cfg.TTLSweepIntervalMs) * time.Millisecond * 10
	if interval <= 0 {
		interval = 10 * time.Second
	}
	db.statsRefresher = stats.NewRefresher(db.engine, composites, db.statsReg, interval)
	go db.statsRefresher.Run()
}

// rebuildStatsRefresher restarts the refresher with an up to date
// composite descriptor list, called after CreateIndex/DropIndex
// change which composites exist.
func (db *DB) rebuildStatsRefresher() {
	if db.statsRefresher != nil {
		db.statsRefresher.Stop()
	}
	db.startStatsRefresher()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
