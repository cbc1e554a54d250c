// Package nhgorch implements the NHG reconciler: NEXTHOP_GROUP_TABLE
// entries that index a named next-hop group (and, for class-based
// forwarding, a set of member classes) so multiple routes can share one
// backend group object by index instead of each inlining its own member
// list (spec.md §2 supplemented feature; SPEC_FULL.md §4).
//
// A group's lifecycle runs through three states: absent (never created, or
// torn down by a DEL of its index), temp (a
// single-member placeholder installed while the backend is out of group
// capacity), and real (every resolvable member created in the backend).
// pkg/routeorch's CapacityExhausted outcome handles capacity failures for
// groups it builds directly from inline nexthop/ifname lists; this
// package owns the absent→temp→real promotion for index-referenced
// groups, since only a named, independently-referenced group is worth
// retrying in the background rather than simply leaving the owning
// route's entry pending.
package nhgorch

import (
	"fmt"
	"sync"

	"github.com/newtron-network/newtron/pkg/bulker"
	"github.com/newtron-network/newtron/pkg/consumer"
	"github.com/newtron-network/newtron/pkg/engine"
	"github.com/newtron-network/newtron/pkg/nhtypes"
	"github.com/newtron-network/newtron/pkg/restable"
	"github.com/newtron-network/newtron/pkg/saiapi"
	"github.com/newtron-network/newtron/pkg/util"
)

// state is where a named group currently sits in its lifecycle.
type state int

const (
	stateAbsent state = iota
	stateTemp
	stateReal
)

// NhgMember is one member of a named group's definition: either a
// plain weighted next hop or a CBF (class-based-forwarding) member
// referencing another group by class, per SPEC_FULL.md §4's supplemented
// class-based-forwarding feature.
type NhgMember interface {
	// Key returns the NextHopKey this member resolves to once its class
	// (if any) is itself resolved.
	Key() nhtypes.NextHopKey
}

// weightedMember is a plain ECMP member.
type weightedMember struct {
	nh nhtypes.NextHopKey
}

func (w weightedMember) Key() nhtypes.NextHopKey { return w.nh }

// cbfMember references another named group as a single weighted element
// of this one, so a CBF group's "members" are really pointers to other
// groups' live backend ids rather than raw next hops.
type cbfMember struct {
	groupIndex string
	weight     int
}

func (m cbfMember) Key() nhtypes.NextHopKey {
	// A CBF member has no NextHopKey of its own; its identity is the
	// referenced group index. Callers that need the live backend id look
	// it up via the Resolver's named-group table directly instead of
	// through Key(), which exists only to satisfy NhgMember for uniform
	// storage alongside weightedMember.
	return nhtypes.NextHopKey{Ifname: "cbf:" + m.groupIndex, Weight: m.weight}
}

// namedGroup is the live state for one NEXTHOP_GROUP_TABLE index.
type namedGroup struct {
	state    state
	key      nhtypes.NextHopGroupKey
	backendID uint64
	refCount int
}

// Reconciler is the NHG reconciler's DoTask handler. It owns a table of
// named groups distinct from restable.Tables's route-driven group table,
// since an index-referenced group's lifecycle is keyed by its
// NEXTHOP_GROUP_TABLE name, not by its member-set identity — two
// differently-named indices may happen to resolve to the same member set
// without being the same backend object here, matching the source's
// separate nhgorch/routeorch ownership split (SPEC_FULL.md §4).
type Reconciler struct {
	Tables       *restable.Tables
	GroupBulker  *bulker.Bulker // saiapi.ObjectNextHopGroup
	MemberBulker *bulker.Bulker // saiapi.ObjectNextHopGroupMember

	mu     sync.Mutex
	groups map[string]*namedGroup

	nextBackendID uint64
}

// New returns an empty NHG reconciler.
func New(tables *restable.Tables, groupBulker, memberBulker *bulker.Bulker) *Reconciler {
	return &Reconciler{
		Tables:       tables,
		GroupBulker:  groupBulker,
		MemberBulker: memberBulker,
		groups:       make(map[string]*namedGroup),
	}
}

// Resolve implements pkg/routeorch.NhgIndexProvider: it returns the live
// group identity for index, or !ok if the group isn't live yet (absent,
// still resolving its members).
func (r *Reconciler) Resolve(index string) (nhtypes.NextHopGroupKey, uint64, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[index]
	if !ok || g.state == stateAbsent {
		return nhtypes.NextHopGroupKey{}, 0, false, false
	}
	return g.key, g.backendID, g.state == stateTemp, true
}

// DoTask reconciles NEXTHOP_GROUP_TABLE entries: SET defines or redefines
// a named group's member list and drives it toward stateReal; DEL tears
// the group down at once. Route references to a group are not counted, so
// a group still referenced by a route is removed all the same.
func (r *Reconciler) DoTask(c *consumer.Consumer) {
	for _, ke := range c.Snapshot() {
		if ke.Entry.Op.String() == "DEL" {
			r.teardown(ke.Key)
			c.Erase(ke.Key)
			continue
		}

		members, ok := parseMembers(ke.Entry.Fields)
		if !ok {
			util.WithField("index", ke.Key).Error("nhgorch: invalid next-hop-group definition")
			c.Erase(ke.Key)
			continue
		}

		outcome := r.reconcile(ke.Key, members)
		if outcome.Erases() {
			c.Erase(ke.Key)
		}
	}
}

func parseMembers(fields map[string]string) ([]nhtypes.NextHopKey, bool) {
	nh, hasNH := fields["nexthop"]
	ifn, hasIf := fields["ifname"]
	if !hasNH || !hasIf {
		return nil, false
	}
	nhs := splitCSV(nh)
	ifns := splitCSV(ifn)
	if len(nhs) != len(ifns) || len(nhs) == 0 {
		return nil, false
	}
	members := make([]nhtypes.NextHopKey, len(nhs))
	for i := range nhs {
		members[i] = nhtypes.NextHopKey{IP: nhs[i], Ifname: ifns[i]}
	}
	return members, true
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// reconcile drives index's named group toward a live state for the given
// member definition, returning an engine.Outcome the caller uses to
// decide whether to erase the inbox entry.
func (r *Reconciler) reconcile(index string, members []nhtypes.NextHopKey) engine.Outcome {
	groupKey := nhtypes.NewNextHopGroupKey(members)

	r.mu.Lock()
	g, exists := r.groups[index]
	if !exists {
		g = &namedGroup{state: stateAbsent}
		r.groups[index] = g
	}
	r.mu.Unlock()

	if g.state == stateReal && g.key.Equal(groupKey) {
		return engine.Settled
	}

	// Redefinition, or promotion of a temp group: tear down the old backend
	// objects before building the new member set under the same index.
	if g.state != stateAbsent {
		r.destroyGroupObjects(g)
		g.state = stateAbsent
	}

	resolvable := groupKey.ResolvableMembers()
	memberIDs := make([]uint64, 0, len(resolvable))
	for _, m := range resolvable {
		nh, found := r.Tables.LookupNextHop(m.IP, m.Ifname)
		if !found {
			return engine.NeedRetry
		}
		memberIDs = append(memberIDs, nh.BackendID)
	}

	groupStatus := r.GroupBulker.CreateEntry(groupKey.String(), nil)
	if err := r.GroupBulker.Flush(); err != nil {
		util.Logger.Errorf("nhgorch: group bulker flush failed: %v", err)
		return engine.NeedRetry
	}

	if groupStatus.Status == saiapi.StatusInsufficientResources {
		return r.installTemp(g, groupKey, resolvable, memberIDs)
	}
	if groupStatus.Status != saiapi.StatusSuccess && groupStatus.Status != saiapi.StatusItemAlreadyExists {
		util.WithField("index", index).Errorf("nhgorch: group create failed: %v", groupStatus.Status)
		return engine.Failed
	}

	for i := range resolvable {
		r.MemberBulker.CreateEntry(
			fmt.Sprintf("%s#%d", groupKey.String(), i+1),
			saiapi.Attrs{"next_hop_id": memberIDs[i], "seq_id": i + 1},
		)
	}
	if err := r.MemberBulker.Flush(); err != nil {
		util.Logger.Errorf("nhgorch: member bulker flush failed: %v", err)
		return engine.NeedRetry
	}

	r.mu.Lock()
	g.state = stateReal
	g.key = groupKey
	g.backendID = r.allocBackendID()
	r.mu.Unlock()
	return engine.Settled
}

// installTemp installs a single-member placeholder group so at least one
// path stays forwarding while the real group's capacity frees up; it is
// retried on a later DoTask sweep (the caller returns NeedRetry so the
// inbox entry survives).
func (r *Reconciler) installTemp(g *namedGroup, groupKey nhtypes.NextHopGroupKey, resolvable []nhtypes.NextHopKey, memberIDs []uint64) engine.Outcome {
	if len(resolvable) == 0 {
		return engine.NeedRetry
	}
	tempKey := groupKey.String() + "#temp"
	status := r.GroupBulker.CreateEntry(tempKey, nil)
	if err := r.GroupBulker.Flush(); err != nil {
		util.Logger.Errorf("nhgorch: temp group bulker flush failed: %v", err)
		return engine.NeedRetry
	}
	if status.Status != saiapi.StatusSuccess {
		return engine.NeedRetry
	}
	memberStatus := r.MemberBulker.CreateEntry(tempKey+"#1", saiapi.Attrs{"next_hop_id": memberIDs[0], "seq_id": 1})
	if err := r.MemberBulker.Flush(); err != nil || memberStatus.Status != saiapi.StatusSuccess {
		return engine.NeedRetry
	}

	r.mu.Lock()
	g.state = stateTemp
	g.key = groupKey
	g.backendID = r.allocBackendID()
	r.mu.Unlock()
	return engine.NeedRetry // keep retrying toward a real group
}

func (r *Reconciler) allocBackendID() uint64 {
	r.nextBackendID++
	return r.nextBackendID
}

func (r *Reconciler) teardown(index string) {
	r.mu.Lock()
	g, ok := r.groups[index]
	if ok {
		delete(r.groups, index)
	}
	r.mu.Unlock()
	if !ok || g.state == stateAbsent {
		return
	}
	r.destroyGroupObjects(g)
}

func (r *Reconciler) destroyGroupObjects(g *namedGroup) {
	suffix := ""
	if g.state == stateTemp {
		suffix = "#temp"
	}
	members := g.key.ResolvableMembers()
	if g.state == stateTemp && len(members) > 0 {
		r.MemberBulker.RemoveEntry(g.key.String() + suffix + "#1")
	} else {
		for i := range members {
			r.MemberBulker.RemoveEntry(fmt.Sprintf("%s#%d", g.key.String(), i+1))
		}
	}
	r.MemberBulker.Flush()
	r.GroupBulker.RemoveEntry(g.key.String() + suffix)
	r.GroupBulker.Flush()
}
