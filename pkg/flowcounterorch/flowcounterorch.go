// Package flowcounterorch implements the flow-counter binding reconciler
// (spec.md §4.6): a set of `(vrf, prefix, max_match_count)` patterns fed
// from the state bus, each capping how many of the routes it matches may
// carry a bound hardware counter at once. pkg/routeorch calls into this
// package's FlowCounterHook on every route create/delete it settles; this
// package decides whether the route gets a freshly bound counter, goes to
// the pattern's unbound waiting set, or (on delete) frees a slot another
// waiting route can fill.
package flowcounterorch

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/newtron-network/newtron/pkg/bulker"
	"github.com/newtron-network/newtron/pkg/consumer"
	"github.com/newtron-network/newtron/pkg/iptrie"
	"github.com/newtron-network/newtron/pkg/nhtypes"
	"github.com/newtron-network/newtron/pkg/restable"
	"github.com/newtron-network/newtron/pkg/saiapi"
	"github.com/newtron-network/newtron/pkg/util"
)

// DefaultMaxMatchCount is applied when a pattern omits max_match_count or
// sets it to zero (original_source/routeflowcounterorch.cpp).
const DefaultMaxMatchCount = 30

// PromotionInterval is the default period of the promotion sweep that
// moves freshly bound counters into the publicly readable maps a metrics
// publisher reads from (spec.md §4.6, "SelectableTimer, default 1s").
const PromotionInterval = time.Second

type pattern struct {
	name          string
	vrf           string
	prefix        nhtypes.IpPrefix
	maxMatchCount int
	bound         map[string]bool // route key -> bound
	unbound       map[string]bool // route key -> waiting for a slot
	pendingPromote map[string]bool // bound this cycle, not yet promoted
}

// PublishedBinding is a promoted (route key -> pattern, counter) record a
// metrics publisher reads.
type PublishedBinding struct {
	Pattern   string
	CounterID string
}

// Reconciler is the flow-counter binding handler. RouteBulker must be the
// same *bulker.Bulker instance the route reconciler stages its own route
// entries on, since binding operations are drained alongside route
// creates/sets in the same per-cycle flush (spec.md §4.6, "Concurrency").
type Reconciler struct {
	RouteBulker   *bulker.Bulker // saiapi.ObjectRoute, shared with pkg/routeorch
	CounterBulker *bulker.Bulker // saiapi.ObjectCounter

	mu       sync.Mutex
	tries    map[string]*iptrie.Trie // vrf -> prefix trie of pattern name
	patterns map[string]*pattern     // pattern name -> pattern

	published map[string]PublishedBinding // route key -> promoted binding
}

// New builds an empty flow-counter reconciler.
func New(routeBulker, counterBulker *bulker.Bulker) *Reconciler {
	return &Reconciler{
		RouteBulker:   routeBulker,
		CounterBulker: counterBulker,
		tries:         make(map[string]*iptrie.Trie),
		patterns:      make(map[string]*pattern),
		published:     make(map[string]PublishedBinding),
	}
}

// DoTask reconciles FLOW_CNT_ROUTE_PATTERN entries. Pattern definitions
// settle or reject synchronously against the overlap-detection trie; there
// is no need-retry state for a pattern itself (only for the routes it
// subsequently binds).
func (r *Reconciler) DoTask(c *consumer.Consumer) {
	for _, ke := range c.Snapshot() {
		if ke.Entry.Op.String() == "DEL" {
			r.removePattern(ke.Key)
			c.Erase(ke.Key)
			continue
		}
		if err := r.upsertPattern(ke.Key, ke.Entry.Fields); err != nil {
			util.WithField("pattern", ke.Key).Warnf("flowcounterorch: %v", err)
		}
		c.Erase(ke.Key)
	}
}

func parseMaxMatchCount(raw, patternName string) int {
	if raw == "" {
		util.WithField("pattern", patternName).Warnf(
			"flowcounterorch: max_match_count absent, using default %d", DefaultMaxMatchCount)
		return DefaultMaxMatchCount
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		util.WithField("pattern", patternName).Warnf(
			"flowcounterorch: invalid max_match_count %q, using default %d", raw, DefaultMaxMatchCount)
		return DefaultMaxMatchCount
	}
	return n
}

func (r *Reconciler) upsertPattern(name string, fields map[string]string) error {
	vrfName := fields["vrf"]
	prefixStr, ok := fields["prefix"]
	if !ok {
		return errors.New("missing prefix field")
	}
	prefix, err := nhtypes.ParseIPPrefix(prefixStr)
	if err != nil {
		return err
	}
	maxMatch := parseMaxMatchCount(fields["max_match_count"], name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.patterns[name]; ok {
		if t := r.tries[existing.vrf]; t != nil {
			t.Delete(existing.prefix)
		}
		if existing.vrf == vrfName && existing.prefix.String() == prefix.String() {
			r.applyMaxMatchCountChange(existing, maxMatch)
			r.trieFor(existing.vrf).Insert(existing.prefix, existing.name)
			return nil
		}
		r.unbindAll(existing)
		delete(r.patterns, name)
	}

	t := r.trieFor(vrfName)
	if other, overlap := t.Overlaps(prefix); overlap {
		return fmt.Errorf("pattern %q at %s overlaps existing pattern at %s", name, prefix, other)
	}

	p := &pattern{
		name: name, vrf: vrfName, prefix: prefix, maxMatchCount: maxMatch,
		bound: make(map[string]bool), unbound: make(map[string]bool), pendingPromote: make(map[string]bool),
	}
	t.Insert(prefix, name)
	r.patterns[name] = p
	return nil
}

func (r *Reconciler) trieFor(vrf string) *iptrie.Trie {
	t, ok := r.tries[vrf]
	if !ok {
		t = iptrie.New()
		r.tries[vrf] = t
	}
	return t
}

func (r *Reconciler) removePattern(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patterns[name]
	if !ok {
		return
	}
	r.unbindAll(p)
	if t := r.tries[p.vrf]; t != nil {
		t.Delete(p.prefix)
	}
	delete(r.patterns, name)
}

func (r *Reconciler) unbindAll(p *pattern) {
	for key := range p.bound {
		r.unbindOne(p, key, false)
	}
}

// applyMaxMatchCountChange handles a pattern redefinition that changes
// max_match_count without moving its (vrf, prefix): on decrease, unbind
// the surplus preferring freshly (not yet promoted) bound routes first;
// on increase, pull from unbound to fill the new headroom.
func (r *Reconciler) applyMaxMatchCountChange(p *pattern, newMax int) {
	p.maxMatchCount = newMax
	if len(p.bound) > newMax {
		surplus := len(p.bound) - newMax
		for key := range p.pendingPromote {
			if surplus == 0 {
				break
			}
			r.unbindOne(p, key, false)
			p.unbound[key] = true
			surplus--
		}
		for key := range p.bound {
			if surplus == 0 {
				break
			}
			r.unbindOne(p, key, false)
			p.unbound[key] = true
			surplus--
		}
		return
	}
	headroom := newMax - len(p.bound)
	for key := range p.unbound {
		if headroom == 0 {
			break
		}
		delete(p.unbound, key)
		r.bindOne(p, key)
		headroom--
	}
}

// RouteCreated implements pkg/routeorch.FlowCounterHook. It is only
// called when FlowCounterSupported is true at the call site.
func (r *Reconciler) RouteCreated(vrf string, prefix nhtypes.IpPrefix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.matchPattern(vrf, prefix)
	if p == nil {
		return
	}
	key := restable.RouteKey(vrf, prefix)
	if len(p.bound) < p.maxMatchCount {
		r.bindOne(p, key)
		return
	}
	p.unbound[key] = true
}

// RouteDeleted implements pkg/routeorch.FlowCounterHook.
func (r *Reconciler) RouteDeleted(vrf string, prefix nhtypes.IpPrefix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.matchPattern(vrf, prefix)
	if p == nil {
		return
	}
	key := restable.RouteKey(vrf, prefix)
	if p.bound[key] {
		r.unbindOne(p, key, true)
		return
	}
	delete(p.unbound, key)
}

func (r *Reconciler) matchPattern(vrf string, prefix nhtypes.IpPrefix) *pattern {
	t, ok := r.tries[vrf]
	if !ok {
		return nil
	}
	_, val, err := t.Lookup(prefix)
	if err != nil {
		return nil
	}
	return r.patterns[val.(string)]
}

// bindOne allocates a counter for key and stages the route's COUNTER_ID
// attribute set onto the shared route bulker (not flushed here — the
// caller's own cycle-ending Flush drains it alongside route creates/sets,
// per spec.md §4.6's shared-bulker concurrency note). The counter object's
// own key doubles as its id value in the COUNTER_ID attribute, since this
// model has no separate numeric-id allocation path for bulker-only
// objects (see DESIGN.md).
func (r *Reconciler) bindOne(p *pattern, key string) {
	status := r.CounterBulker.CreateEntry(key, nil)
	if err := r.CounterBulker.Flush(); err != nil {
		util.WithField("route", key).Warnf("flowcounterorch: counter create failed: %v", err)
		p.unbound[key] = true
		return
	}
	if status.Status != saiapi.StatusSuccess && status.Status != saiapi.StatusItemAlreadyExists {
		util.WithField("route", key).Warnf("flowcounterorch: counter create rejected: %v", status.Status)
		p.unbound[key] = true
		return
	}
	p.bound[key] = true
	p.pendingPromote[key] = true
	r.RouteBulker.SetEntryAttribute(key, saiapi.Attrs{"counter_id": key})
}

// unbindOne stages a null COUNTER_ID set on the shared route bulker and
// destroys the counter object. refill, when true, pulls the next waiting
// route (if any) into the vacated slot.
func (r *Reconciler) unbindOne(p *pattern, key string, refill bool) {
	r.RouteBulker.SetEntryAttribute(key, saiapi.Attrs{"counter_id": nil})
	r.CounterBulker.RemoveEntry(key)
	if err := r.CounterBulker.Flush(); err != nil {
		util.WithField("route", key).Warnf("flowcounterorch: counter destroy failed: %v", err)
	}
	delete(p.bound, key)
	delete(p.pendingPromote, key)
	delete(r.published, key)

	if !refill {
		return
	}
	for next := range p.unbound {
		delete(p.unbound, next)
		r.bindOne(p, next)
		break
	}
}

// Promote runs the periodic sweep (spec.md §4.6): every freshly bound
// route key moves from the per-pattern pendingPromote set into the
// publicly readable published map, so a metrics publisher's next read
// picks it up. Callers drive this on a time.Ticker(PromotionInterval).
func (r *Reconciler) Promote() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patterns {
		for key := range p.pendingPromote {
			r.published[key] = PublishedBinding{Pattern: p.name, CounterID: key}
			delete(p.pendingPromote, key)
		}
	}
}

// PublishedBindings returns a snapshot of every promoted binding.
func (r *Reconciler) PublishedBindings() map[string]PublishedBinding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]PublishedBinding, len(r.published))
	for k, v := range r.published {
		out[k] = v
	}
	return out
}
