// Package changefeed is the durable, gap-free, totally-ordered record
// of every committed mutation, combined with an
// in-memory publish/subscribe layer for live fan-out.
//
// The durable log is a KV-resident append-only sequence under the
// cdc: prefix so a subscriber that was offline can resume from
// last_seq via Poll. The live layer is a non-blocking broker with a
// buffered channel per subscriber and skip-on-full delivery, so an
// always-on subscriber gets records the instant they commit without
// polling.
package changefeed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/kvengine"
)

// Kind enumerates the changefeed record kinds.
type Kind string

const (
	KindPut          Kind = "put"
	KindDelete       Kind = "delete"
	KindTxnCommit    Kind = "txn_commit"
	KindTxnRollback  Kind = "txn_rollback"
)

// Record is one changefeed entry.
type Record struct {
	Seq         uint64          `json:"seq"`
	TimestampMs int64           `json:"timestamp_ms"`
	Kind        Kind            `json:"kind"`
	Table       string          `json:"table,omitempty"`
	Key         string          `json:"key,omitempty"`
	ValueAfter  json.RawMessage `json:"value_after,omitempty"`
}

// Writer is the subset of kvengine.Batch the changefeed writes through.
type Writer interface {
	Put(key, value []byte)
}

// Reader is the subset of kvengine.Engine/Snapshot the changefeed
// reads through.
type Reader interface {
	Get(key []byte) ([]byte, error)
}

// Subscriber is a buffered channel of live records, delivered
// best-effort: a slow subscriber skips records rather than blocking
// publishers.
type Subscriber chan Record

// Broker is the live fan-out layer. One Broker is shared by every
// committing transaction in a themisdb.DB.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

// NewBroker constructs an empty, ready-to-use Broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[Subscriber]bool)}
}

// Subscribe registers a new live subscriber.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// publish delivers rec to every live subscriber, non-blocking.
func (b *Broker) publish(rec Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- rec:
		default:
		}
	}
}

// PublishLive delivers rec to every live subscriber without touching
// the durable log, used by the transaction manager once a commit has
// already landed so live listeners only ever see committed records.
func (b *Broker) PublishLive(rec Record) {
	b.publish(rec)
}

// SubscriberCount reports the number of live subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Append stages the durable record for the next sequence number and
// notifies live subscribers. Called once per changefeed record inside
// a committing transaction's batch, after the entity/index writes.
func Append(w Writer, broker *Broker, seq uint64, nowMs int64, kind Kind, table, key string, valueAfter json.RawMessage) error {
	rec := Record{Seq: seq, TimestampMs: nowMs, Kind: kind, Table: table, Key: key, ValueAfter: valueAfter}
	raw, err := json.Marshal(rec)
	if err != nil {
		return dberr.Wrap(dberr.InvalidValue, err)
	}
	w.Put(keyenc.ChangefeedKey(seq), raw)
	if broker != nil {
		broker.publish(rec)
	}
	return nil
}

// Poll returns up to limit records with seq > startSeq, reading the
// durable log directly. It never blocks;
// timeoutMs is honoured by the caller wrapping Poll in a retry loop,
// matching "poll with (start_seq, limit, timeout_ms)".
func Poll(sr ScanReader, startSeq uint64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	start := keyenc.ChangefeedKey(startSeq + 1)
	end := keyenc.PrefixUpperBound([]byte(keyenc.PrefixChangefeed))
	it := sr.Iterator(start, end, false)
	defer it.Close()
	var out []Record
	for it.Next() && len(out) < limit {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, dberr.Wrap(dberr.Corruption, err)
		}
		out = append(out, rec)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ScanReader is the subset of kvengine.Engine/Snapshot Poll reads
// through.
type ScanReader interface {
	Reader
	Iterator(start, end []byte, reverse bool) *kvengine.Iterator
}

// LastSeq returns the highest sequence present in the durable log, 0
// when the log is empty. The transaction manager seeds its sequence
// counter from this at open so sequences stay strictly increasing and
// gap-free across restarts.
func LastSeq(sr ScanReader) (uint64, error) {
	prefix := []byte(keyenc.PrefixChangefeed)
	it := sr.Iterator(prefix, keyenc.PrefixUpperBound(prefix), true)
	defer it.Close()
	if !it.Next() {
		return 0, it.Err()
	}
	key := it.Key()
	if len(key) < len(prefix)+8 {
		return 0, dberr.New(dberr.Corruption, "changefeed: short sequence key")
	}
	return keyenc.DecodeBEUint64(key[len(prefix):]), nil
}

// RetentionPolicy bounds the durable log's growth: time bounds the minimum retained window, a
// byte cap bounds the maximum — trimming never removes a record
// younger than MinAge, and only removes older records once the log
// exceeds MaxBytes.
type RetentionPolicy struct {
	MinAge   time.Duration
	MaxBytes int64
}

// TrimWriter is the subset of kvengine.Batch Trim deletes through.
type TrimWriter interface {
	Delete(key []byte)
}

// Trim deletes records older than policy.MinAge, but only once the
// log's total size exceeds policy.MaxBytes — time bounds the minimum
// retained window, the byte cap bounds the maximum, so a quiet feed
// with little traffic never gets trimmed purely by size and a noisy
// feed never loses records younger than MinAge regardless of size.
// Runs as a single background workerpool.Job issued on an interval,
// never inside a user commit.
func Trim(sr ScanReader, w TrimWriter, policy RetentionPolicy, nowMs int64) (trimmed int, err error) {
	prefix := []byte(keyenc.PrefixChangefeed)
	it := sr.Iterator(prefix, keyenc.PrefixUpperBound(prefix), false)
	defer it.Close()
	var total int64
	var candidates []Record
	for it.Next() {
		total += int64(len(it.Value()))
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return 0, dberr.Wrap(dberr.Corruption, err)
		}
		candidates = append(candidates, rec)
	}
	if err := it.Err(); err != nil {
		return 0, err
	}
	if total <= policy.MaxBytes {
		return 0, nil
	}

	minAgeMs := policy.MinAge.Milliseconds()
	// The newest record always survives: it is the durable high-water
	// mark sequence seeding and WAL recovery skip-checks read at open.
	for _, rec := range candidates[:len(candidates)-1] {
		if nowMs-rec.TimestampMs < minAgeMs {
			break // candidates are in seq (and therefore time) order
		}
		w.Delete(keyenc.ChangefeedKey(rec.Seq))
		trimmed++
	}
	return trimmed, nil
}
