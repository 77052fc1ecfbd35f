// Package wal implements the write-ahead log every committing
// transaction appends to before its batch is durably applied to the
// KV engine: a sequential append-only file of (seq, crc32c, payload)
// records, replayed on recovery with CRC validation. The log lives in
// a dedicated file beside the main store and is replayed before the
// store is considered open.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/cuemby/themisdb/internal/dberr"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is one WAL entry: a monotonically increasing sequence number
// and an opaque payload (the encoded batch + changefeed post-image).
type Record struct {
	Seq     uint64
	Payload []byte
}

// WAL is an append-only log file. One WAL instance owns one file;
// Append is safe for concurrent callers (protected by an internal
// mutex), matching the single-writer discipline the KV engine itself
// uses.
type WAL struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	lastSeq uint64
	fsync   bool
	path    string
}

// Options configures WAL construction.
type Options struct {
	Path  string
	Fsync bool // sync after every append
}

// Open opens (creating if absent) the WAL file at opts.Path and
// replays it to discover the last sequence number written, returning
// every record found so the caller (themisdb.Open) can re-derive any
// KV-engine batch that didn't make it past the last checkpoint.
func Open(opts Options) (*WAL, []Record, error) {
	f, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, dberr.Wrap(dberr.IO, fmt.Errorf("wal: open: %w", err))
	}

	records, lastSeq, err := replay(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, nil, dberr.Wrap(dberr.IO, err)
	}

	w := &WAL{f: f, w: bufio.NewWriter(f), lastSeq: lastSeq, fsync: opts.Fsync, path: opts.Path}
	return w, records, nil
}

// replay reads every valid record from the start of f, stopping at
// the first truncated or CRC-invalid record (the tail of an unclean
// shutdown), which is where recovery should stop trusting the file.
func replay(f *os.File) ([]Record, uint64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, dberr.Wrap(dberr.IO, err)
	}
	r := bufio.NewReader(f)
	var records []Record
	var lastSeq uint64

	for {
		rec, ok, err := readRecord(r)
		if err != nil {
			return nil, 0, dberr.Wrap(dberr.Corruption, fmt.Errorf("wal: replay: %w", err))
		}
		if !ok {
			break
		}
		records = append(records, rec)
		lastSeq = rec.Seq
	}
	return records, lastSeq, nil
}

// readRecord reads one (seq, crc32c, len, payload) record. ok=false
// with a nil error means a clean end-of-file; a truncated partial
// record at EOF is treated the same way (the tail of a crash that
// interrupted an in-progress Append), not an error.
func readRecord(r *bufio.Reader) (Record, bool, error) {
	header := make([]byte, 8+4+4)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	seq := binary.BigEndian.Uint64(header[0:8])
	crc := binary.BigEndian.Uint32(header[8:12])
	length := binary.BigEndian.Uint32(header[12:16])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}

	if crc32.Checksum(payload, castagnoli) != crc {
		// A checksum mismatch mid-file (not at EOF) indicates real
		// corruption, not a crash tail; readRecord can't tell the
		// difference from here, so the caller treats it as the
		// trustworthy-prefix boundary either way.
		return Record{}, false, nil
	}

	return Record{Seq: seq, Payload: payload}, true, nil
}

// Append writes the next record with seq = last appended seq + 1 and
// returns the assigned sequence number.
func (w *WAL) Append(payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.lastSeq + 1
	crc := crc32.Checksum(payload, castagnoli)

	header := make([]byte, 8+4+4)
	binary.BigEndian.PutUint64(header[0:8], seq)
	binary.BigEndian.PutUint32(header[8:12], crc)
	binary.BigEndian.PutUint32(header[12:16], uint32(len(payload)))

	if _, err := w.w.Write(header); err != nil {
		return 0, dberr.Wrap(dberr.IO, fmt.Errorf("wal: append header: %w", err))
	}
	if _, err := w.w.Write(payload); err != nil {
		return 0, dberr.Wrap(dberr.IO, fmt.Errorf("wal: append payload: %w", err))
	}
	if err := w.w.Flush(); err != nil {
		return 0, dberr.Wrap(dberr.IO, fmt.Errorf("wal: flush: %w", err))
	}
	if w.fsync {
		if err := w.f.Sync(); err != nil {
			return 0, dberr.Wrap(dberr.IO, fmt.Errorf("wal: fsync: %w", err))
		}
	}

	w.lastSeq = seq
	return seq, nil
}

// LastSeq returns the highest sequence number appended so far.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Path returns the filesystem path this WAL was opened from.
func (w *WAL) Path() string {
	return w.path
}

// Truncate discards every record after keepSeq, used after a
// checkpoint archives the WAL tail and starts a fresh segment.
func (w *WAL) Truncate(keepSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return dberr.Wrap(dberr.IO, err)
	}
	r := bufio.NewReader(w.f)
	var offset int64
	for {
		start := offset
		rec, ok, err := readRecord(r)
		if err != nil {
			return dberr.Wrap(dberr.Corruption, err)
		}
		if !ok || rec.Seq > keepSeq {
			if err := w.f.Truncate(start); err != nil {
				return dberr.Wrap(dberr.IO, err)
			}
			if _, err := w.f.Seek(start, io.SeekStart); err != nil {
				return dberr.Wrap(dberr.IO, err)
			}
			w.w = bufio.NewWriter(w.f)
			if !ok {
				w.lastSeq = keepSeq
			}
			return nil
		}
		offset += int64(8 + 4 + 4 + len(rec.Payload))
	}
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return dberr.Wrap(dberr.IO, err)
	}
	return w.f.Close()
}
