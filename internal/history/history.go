// Package history implements the gateway's append-only history log
// (spec.md §4.10, component C10): every accepted envelope, recorded with
// the gateway's reception timestamp, for audit and external observers.
// The welcome builder never replays history to late joiners; it exists
// purely for audit (spec.md §4.10).
//
// Grounded on omni/internal/storage/badger.go's BadgerStore (Config,
// DefaultConfig, Get/Set over a badger.DB), adapted from a general
// key-value store to an append-only sequence-keyed journal. Entries are
// msgpack-encoded, matching omni's own vmihailenco/msgpack/v5 dependency,
// smaller on the wire than JSON for the high write volume a busy space's
// history log sustains.
package history

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mew-protocol/gateway/internal/envelope"
)

// Entry is one recorded history record: the normalized envelope plus the
// gateway's reception timestamp (spec.md §4.10).
type Entry struct {
	Seq        uint64             `msgpack:"seq"`
	ReceivedAt time.Time          `msgpack:"received_at"`
	Envelope   *envelope.Envelope `msgpack:"envelope"`
}

// Config controls whether the log persists to disk. Persistence is
// opt-in: when Dir is empty the log is memory-only, matching the minimum
// bar of "authoritative for the duration of the router task"; when Dir is
// set, entries are additionally written to a Badger store so a restarted
// gateway can still answer audit queries.
type Config struct {
	Dir        string
	SyncWrites bool
}

// Log is the append-only journal for one space.
//
// Thread safety: writes happen synchronously on the router's single-writer
// task before routing (spec.md §4.10), so the mutex here only guards
// concurrent reads (audit queries) against that single writer.
type Log struct {
	mu      sync.RWMutex
	entries []Entry // in-memory ring; always populated regardless of persistence
	nextSeq uint64
	maxKept int

	db *badger.DB // nil unless persistence is configured
}

const defaultMaxKept = 10000

// Open creates a history log. If cfg.Dir is empty the log is memory-only.
func Open(cfg Config) (*Log, error) {
	l := &Log{maxKept: defaultMaxKept}
	if cfg.Dir == "" {
		return l, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("history: create directory: %w", err)
	}
	opts := badger.DefaultOptions(cfg.Dir)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("history: open badger store: %w", err)
	}
	l.db = db
	return l, nil
}

// Append records env as the next entry, synchronously, before the router
// proceeds to route it to recipients (spec.md §4.10: "written
// synchronously before routing").
func (l *Log) Append(ctx context.Context, env *envelope.Envelope) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{Seq: l.nextSeq, ReceivedAt: time.Now().UTC(), Envelope: env}
	l.nextSeq++

	if l.db != nil {
		if err := l.persist(entry); err != nil {
			return Entry{}, err
		}
	}

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxKept {
		l.entries = l.entries[len(l.entries)-l.maxKept:]
	}
	return entry, nil
}

func (l *Log) persist(entry Entry) error {
	body, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("history: encode entry: %w", err)
	}
	seqKey := seqKey(entry.Seq)
	idKey := []byte("id:" + entry.Envelope.ID)
	return l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(seqKey, body); err != nil {
			return err
		}
		return txn.Set(idKey, seqKey)
	})
}

func seqKey(seq uint64) []byte {
	b := make([]byte, len("seq:")+8)
	copy(b, "seq:")
	binary.BigEndian.PutUint64(b[4:], seq)
	return b
}

// Since returns every in-memory entry with Seq >= fromSeq, for audit
// queries. Does not touch the persisted store: the in-memory ring holds at
// most the last defaultMaxKept entries appended since Open, so older or
// pre-reopen entries exist only in Badger.
func (l *Log) Since(fromSeq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many entries are currently held in memory.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close releases the underlying Badger store, if any.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}
