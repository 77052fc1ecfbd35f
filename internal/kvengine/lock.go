package kvengine

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/metrics"
)

// chanMutex is a mutex implemented as a capacity-1 channel so
// acquisition can respect a deadline without spinning.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (c chanMutex) tryLock(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		select {
		case <-c:
			return true
		default:
			return false
		}
	}
	select {
	case <-c:
		return true
	case <-time.After(remaining):
		return false
	}
}

func (c chanMutex) unlock() { c <- struct{}{} }

// LockTable implements pessimistic per-key locks acquired in
// canonical key order: ordering acquisition by raw key bytes removes
// the deadlock risk without wait-die/wound-wait machinery.
type LockTable struct {
	mu          sync.Mutex
	locks       map[string]chanMutex
	waitTimeout time.Duration
}

// NewLockTable constructs a LockTable with the given default
// lock_wait_timeout_ms.
func NewLockTable(waitTimeout time.Duration) *LockTable {
	return &LockTable{locks: make(map[string]chanMutex), waitTimeout: waitTimeout}
}

func (lt *LockTable) lockFor(key string) chanMutex {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	m, ok := lt.locks[key]
	if !ok {
		m = newChanMutex()
		lt.locks[key] = m
	}
	return m
}

// AcquireAll locks every key in keys, in sorted (canonical) order, so
// two committers touching an overlapping key set can never deadlock
// on each other. On timeout it releases whatever it had acquired and
// returns a Timeout error.
func (lt *LockTable) AcquireAll(keys []string) (*Held, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	// Drop duplicates (a transaction may stage both an entity write
	// and several index writes that happen to share a key, though
	// that is rare in practice).
	deduped := sorted[:0]
	var last string
	for i, k := range sorted {
		if i == 0 || k != last {
			deduped = append(deduped, k)
			last = k
		}
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LockWaitDuration)

	deadline := time.Now().Add(lt.waitTimeout)
	held := &Held{table: lt}
	for _, k := range deduped {
		m := lt.lockFor(k)
		if !m.tryLock(deadline) {
			held.Release()
			return nil, dberr.New(dberr.Timeout, "lock wait exceeded txn_lock_wait_timeout_ms")
		}
		held.keys = append(held.keys, k)
		held.mutexes = append(held.mutexes, m)
	}
	return held, nil
}

// Held is the set of locks acquired by one AcquireAll call.
type Held struct {
	table   *LockTable
	keys    []string
	mutexes []chanMutex
}

// Release unlocks every key this Held holds, in reverse acquisition
// order, safe to call multiple times.
func (h *Held) Release() {
	for i := len(h.mutexes) - 1; i >= 0; i-- {
		h.mutexes[i].unlock()
	}
	h.mutexes = nil
	h.keys = nil
}
