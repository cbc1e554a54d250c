// Package refimpl is a reference in-memory ResourceManager backend. It
// stands in for the real vendor SAI driver (explicitly out of scope) so
// reconcilers and their tests have a concrete, deterministic backend to
// program: creates allocate a monotonically increasing object id, repeat
// creates of a live key return ITEM_ALREADY_EXISTS, and removes of an
// absent key return ITEM_NOT_FOUND — the two idempotent-success cases
// every reconciler must handle (spec.md §7).
package refimpl

import (
	"sync"

	"github.com/newtron-network/newtron/pkg/saiapi"
)

// Backend is a reference ResourceManager. Zero value is usable but
// MaxGroups/Capabilities should be set before use if the test needs
// capacity-exhaustion or capability-gated behavior.
type Backend struct {
	MaxGroups    int
	Capabilities map[string]bool

	mu      sync.Mutex
	nextID  uint64
	objects map[saiapi.ObjectType]map[string]uint64
	groups  int // live NextHopGroup count, tracked for the capacity cap
}

// New returns an empty backend with no capacity cap.
func New() *Backend {
	return &Backend{
		objects: make(map[saiapi.ObjectType]map[string]uint64),
	}
}

func (b *Backend) table(t saiapi.ObjectType) map[string]uint64 {
	m, ok := b.objects[t]
	if !ok {
		m = make(map[string]uint64)
		b.objects[t] = m
	}
	return m
}

// BulkExecute applies every request in order, each independently:
// matching the spec's description of the bulker as "one backend batch"
// with per-entry status, not an all-or-nothing transaction.
func (b *Backend) BulkExecute(requests []saiapi.BulkRequest) ([]saiapi.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	statuses := make([]saiapi.Status, len(requests))
	for i, req := range requests {
		statuses[i] = b.apply(req)
	}
	return statuses, nil
}

func (b *Backend) apply(req saiapi.BulkRequest) saiapi.Status {
	table := b.table(req.Type)

	switch req.Op {
	case saiapi.BulkCreate:
		if _, exists := table[req.Key]; exists {
			return saiapi.StatusItemAlreadyExists
		}
		if req.Type == saiapi.ObjectNextHopGroup && b.MaxGroups > 0 && b.groups >= b.MaxGroups {
			return saiapi.StatusInsufficientResources
		}
		b.nextID++
		table[req.Key] = b.nextID
		if req.Type == saiapi.ObjectNextHopGroup {
			b.groups++
		}
		return saiapi.StatusSuccess

	case saiapi.BulkSetAttribute:
		if _, exists := table[req.Key]; !exists {
			return saiapi.StatusItemNotFound
		}
		return saiapi.StatusSuccess

	case saiapi.BulkRemove:
		if _, exists := table[req.Key]; !exists {
			return saiapi.StatusItemNotFound
		}
		delete(table, req.Key)
		if req.Type == saiapi.ObjectNextHopGroup {
			b.groups--
		}
		return saiapi.StatusSuccess

	default:
		return saiapi.StatusInvalidParameter
	}
}

// ObjectID returns the allocated backend id for a live key, or 0 if absent.
func (b *Backend) ObjectID(t saiapi.ObjectType, key string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.table(t)[key]
}

// MaxNextHopGroupCount implements saiapi.ResourceManager.
func (b *Backend) MaxNextHopGroupCount() int { return b.MaxGroups }

// Capability implements saiapi.ResourceManager.
func (b *Backend) Capability(name string) bool {
	if b.Capabilities == nil {
		return false
	}
	return b.Capabilities[name]
}
