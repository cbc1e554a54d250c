// Package consumer implements the per-table inbox ("to-sync map") that sits
// between a bus.Source and the engine's dispatch loop: it merges incoming
// SET/DEL deltas for the same key per the engine's merge rule, and lets the
// engine walk the pending entries in any order, removing the ones it has
// settled.
package consumer

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/newtron-network/newtron/pkg/bus"
	"github.com/newtron-network/newtron/pkg/util"
)

// Entry is one pending (op, fields) record for a key in the inbox.
type Entry struct {
	Op     bus.Op
	Fields map[string]string
}

// Consumer owns one table's inbox and the bus.Source that feeds it.
type Consumer struct {
	table  string
	db     bus.DBID
	source bus.Source

	mu    sync.Mutex
	inbox map[string]Entry

	recorder *recorder
}

// New builds a Consumer over an already-constructed source. Orch.AddConsumer
// is the usual entry point; this is exposed directly for tests.
func New(db bus.DBID, table string, source bus.Source) *Consumer {
	return &Consumer{
		table:  table,
		db:     db,
		source: source,
		inbox:  make(map[string]Entry),
	}
}

// TableName returns the table this Consumer drains.
func (c *Consumer) TableName() string { return c.table }

// DB returns the logical database this Consumer's table lives on.
func (c *Consumer) DB() bus.DBID { return c.db }

// Selectable returns the channel the engine's selector loop waits on.
func (c *Consumer) Selectable() <-chan struct{} { return c.source.Ready() }

// Pop drains up to batchSize deltas from the bus client. It never blocks;
// callers select on Selectable() first.
func (c *Consumer) Pop(batchSize int) ([]bus.Update, error) {
	return c.source.Pop(batchSize)
}

// Merge applies the inbox merge rule for a single incoming delta: DEL always
// wins outright (replacing any prior SET or DEL for the key); SET-over-SET
// merges field-by-field with the new value winning, so fields only present
// in the prior record survive untouched.
func (c *Consumer) Merge(key string, delta bus.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if delta.Op == bus.OpDel {
		c.inbox[key] = Entry{Op: bus.OpDel}
		c.record(key, delta.Op, nil)
		return
	}

	existing, ok := c.inbox[key]
	if !ok || existing.Op == bus.OpDel {
		fields := make(map[string]string, len(delta.Fields))
		for k, v := range delta.Fields {
			fields[k] = v
		}
		c.inbox[key] = Entry{Op: bus.OpSet, Fields: fields}
		c.record(key, delta.Op, fields)
		return
	}

	merged := make(map[string]string, len(existing.Fields)+len(delta.Fields))
	for k, v := range existing.Fields {
		merged[k] = v
	}
	for k, v := range delta.Fields {
		merged[k] = v
	}
	c.inbox[key] = Entry{Op: bus.OpSet, Fields: merged}
	c.record(key, delta.Op, merged)
}

// MergeBatch merges a batch of deltas (as returned by Pop) in sequence.
func (c *Consumer) MergeBatch(deltas []bus.Update) {
	for _, d := range deltas {
		c.Merge(d.Key, d)
	}
}

// Empty reports whether the inbox currently holds no pending entries.
func (c *Consumer) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbox) == 0
}

// ForEach iterates pending entries in a stable (sorted-by-key) order so
// tests and logs are deterministic; the engine does not rely on any
// particular order beyond that (spec: "unspecified order per cycle"). fn
// returns true to erase the entry (settled or declared invalid), false to
// leave it in the inbox for a later wake-up (need-retry).
func (c *Consumer) ForEach(fn func(key string, e Entry) (erase bool)) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.inbox))
	for k := range c.inbox {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	snapshot := make(map[string]Entry, len(c.inbox))
	for k, v := range c.inbox {
		snapshot[k] = v
	}
	c.mu.Unlock()

	for _, k := range keys {
		e, ok := snapshot[k]
		if !ok {
			continue
		}
		if fn(k, e) {
			c.erase(k)
		}
	}
}

func (c *Consumer) erase(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inbox, key)
}

// Snapshot returns every pending (key, Entry) pair in stable (sorted-by-key)
// order without erasing anything. Handlers that must stage work across a
// bulker flush before they know which entries settled use this instead of
// ForEach, then call Erase explicitly once flush results are in hand.
func (c *Consumer) Snapshot() []KeyedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]KeyedEntry, 0, len(c.inbox))
	for k, e := range c.inbox {
		out = append(out, KeyedEntry{Key: k, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Erase removes key's pending entry from the inbox; it is a no-op if key
// has no pending entry. Entries not erased
// stay for the next wake-up (need-retry / capacity-exhausted policy).
func (c *Consumer) Erase(key string) { c.erase(key) }

// KeyedEntry pairs an inbox key with its pending Entry, returned by
// Snapshot.
type KeyedEntry struct {
	Key   string
	Entry Entry
}

// Close releases the underlying source and recorder.
func (c *Consumer) Close() error {
	if c.recorder != nil {
		c.recorder.Close()
	}
	return c.source.Close()
}

// EnableRecording turns on the append-only audit hook described in spec:
// every merged delta is appended to dir/<table>.record as
// "<timestamp>|<table>:<key>|<op>|<f1>:<v1>|...".
func (c *Consumer) EnableRecording(dir string) error {
	r, err := newRecorder(dir, c.table)
	if err != nil {
		return err
	}
	c.recorder = r
	return nil
}

func (c *Consumer) record(key string, op bus.Op, fields map[string]string) {
	if c.recorder == nil {
		return
	}
	c.recorder.append(c.table, key, op, fields)
}

// recorder is the audit-hook backend: a single append-only file per table.
type recorder struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

func newRecorder(dir, table string) (*recorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("consumer: creating record dir: %w", err)
	}
	path := fmt.Sprintf("%s/%s.record", dir, table)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("consumer: opening record file: %w", err)
	}
	return &recorder{file: f, w: bufio.NewWriter(f)}, nil
}

func (r *recorder) append(table, key string, op bus.Op, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	line := fmt.Sprintf("%d|%s:%s|%s", time.Now().UnixNano(), table, key, op)
	for _, k := range keys {
		line += fmt.Sprintf("|%s:%s", k, fields[k])
	}
	if _, err := r.w.WriteString(line + "\n"); err != nil {
		util.WithField("table", table).Warnf("consumer: record write failed: %v", err)
		return
	}
	if err := r.w.Flush(); err != nil {
		util.WithField("table", table).Warnf("consumer: record flush failed: %v", err)
	}
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.w.Flush()
	r.file.Close()
}
