// Package bulker coalesces many single-entry backend calls into one batch
// per flush, per object kind (route, label-route, nhg-member, ...),
// returning a per-entry status filled in place once Flush runs.
package bulker

import (
	"sync"

	"github.com/newtron-network/newtron/pkg/saiapi"
)

// EntryStatus is the reservation a handler gets back immediately on
// staging a call; its Status field is populated by the following Flush.
// Handlers must call Flush before reading Status (spec.md §4.3).
type EntryStatus struct {
	Status saiapi.Status
	Err    error
}

type stagedEntry struct {
	key    string
	op     saiapi.BulkOp
	attrs  saiapi.Attrs
	status *EntryStatus
}

// Bulker batches calls for one ObjectType against one ResourceManager.
type Bulker struct {
	objType saiapi.ObjectType
	backend saiapi.ResourceManager

	mu     sync.Mutex
	staged []stagedEntry
}

// New builds a Bulker for objType against backend.
func New(objType saiapi.ObjectType, backend saiapi.ResourceManager) *Bulker {
	return &Bulker{objType: objType, backend: backend}
}

// CreateEntry stages a create. The returned EntryStatus is filled on Flush.
func (b *Bulker) CreateEntry(key string, attrs saiapi.Attrs) *EntryStatus {
	return b.stage(key, saiapi.BulkCreate, attrs)
}

// SetEntryAttribute stages a single-attribute set.
func (b *Bulker) SetEntryAttribute(key string, attrs saiapi.Attrs) *EntryStatus {
	return b.stage(key, saiapi.BulkSetAttribute, attrs)
}

// RemoveEntry stages a remove.
func (b *Bulker) RemoveEntry(key string) *EntryStatus {
	return b.stage(key, saiapi.BulkRemove, nil)
}

func (b *Bulker) stage(key string, op saiapi.BulkOp, attrs saiapi.Attrs) *EntryStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := &EntryStatus{}
	b.staged = append(b.staged, stagedEntry{key: key, op: op, attrs: attrs, status: status})
	return status
}

// CreatingEntriesCount returns how many staged-but-not-yet-flushed create
// calls exist for key, so a handler can decide whether a logical "set"
// must instead be staged as a create (spec.md §4.3 peek API).
func (b *Bulker) CreatingEntriesCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.staged {
		if e.key == key && e.op == saiapi.BulkCreate {
			n++
		}
	}
	return n
}

// BulkEntryPendingRemoval reports whether key currently has a staged,
// unflushed remove — the trigger for routing a subsequent same-key
// operation as create_entry rather than set_entry_attribute, since after
// flush the object will not exist (spec.md §9, "bulk-within-bulk ordering").
func (b *Bulker) BulkEntryPendingRemoval(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.staged) - 1; i >= 0; i-- {
		if b.staged[i].key != key {
			continue
		}
		if b.staged[i].op == saiapi.BulkRemove {
			return true
		}
		// A later create/set for the same key supersedes an earlier
		// pending removal from this same peek's point of view.
		return false
	}
	return false
}

// SettingEntriesCount returns the number of staged, unflushed
// set_entry_attribute calls (a scheduler metric per spec.md §4.3).
func (b *Bulker) SettingEntriesCount() int { return b.countOp(saiapi.BulkSetAttribute) }

// RemovingEntriesCount returns the number of staged, unflushed remove
// calls.
func (b *Bulker) RemovingEntriesCount() int { return b.countOp(saiapi.BulkRemove) }

func (b *Bulker) countOp(op saiapi.BulkOp) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.staged {
		if e.op == op {
			n++
		}
	}
	return n
}

// Flush issues one backend batch for every staged call, in staging order —
// order matters because a remove staged before a create for the same key
// must free the key before the create is attempted (spec.md §9) — fills
// every EntryStatus, and resets staging.
func (b *Bulker) Flush() error {
	b.mu.Lock()
	staged := b.staged
	b.staged = nil
	b.mu.Unlock()

	if len(staged) == 0 {
		return nil
	}

	requests := make([]saiapi.BulkRequest, len(staged))
	for i, e := range staged {
		requests[i] = saiapi.BulkRequest{Type: b.objType, Key: e.key, Op: e.op, Attrs: e.attrs}
	}

	statuses, err := b.backend.BulkExecute(requests)
	if err != nil {
		for _, e := range staged {
			e.status.Err = err
		}
		return err
	}
	for i, e := range staged {
		if i < len(statuses) {
			e.status.Status = statuses[i]
		}
	}
	return nil
}
