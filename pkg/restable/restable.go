// Package restable holds the shared reference-counted resource tables
// every reconciler programs against: RouterInterface, Neighbor/NextHop,
// NextHopGroup, and Route (spec.md §3). Each table is a plain map guarded
// by a mutex; ownership discipline (create-on-first-reference,
// destroy-at-refcount-zero) is enforced by the methods here rather than
// left to callers, so the global invariant "refcount of every live
// resource >= 1 between dispatch cycles" has one place it can be broken.
//
// This follows spec.md §9's cyclic-reference note: NextHopGroup owns
// member ids keyed by the member NextHopKey's String() form, never by a
// back-pointer into
// Route; Route holds a NextHopGroupKey by value and looks the group up in
// the shared map.
package restable

import (
	"fmt"
	"sync"

	"github.com/newtron-network/newtron/pkg/nhtypes"
)

// RouterInterface is a router-interface resource: created on first IP or
// interface reference, destroyed when its refcount hits zero AND no IP
// still covers it (that second condition is enforced by the caller, since
// IP coverage isn't this table's data).
type RouterInterface struct {
	BackendID uint64
	VRFID     uint64
	MTU       int
	RefCount  int
}

// NextHop is a resolved (ip, alias) neighbor/next-hop resource.
type NextHop struct {
	BackendID uint64
	IfDown    bool
	RefCount  int
}

// NextHopGroupMember is one member of a live NextHopGroup: its own
// backend id plus the seq_id assigned at creation time (spec.md §4.4:
// "monotonically increasing seq_id starting at 1 in the order of the
// key's serialization").
type NextHopGroupMember struct {
	BackendID uint64
	SeqID     int
}

// NextHopGroup is a live multi-member next-hop-group resource.
type NextHopGroup struct {
	BackendID uint64
	Members   map[string]NextHopGroupMember // keyed by NextHopKey.String()
	RefCount  int
	IsTemp    bool // installed as a capacity-exhaustion fallback (spec.md §4.4)
}

// Route is a live route resource: its identity is the NextHopGroupKey it
// currently resolves to (size <= 1 routes point directly at a next hop or
// interface and do not own a NextHopGroup entry).
type Route struct {
	GroupKey     nhtypes.NextHopGroupKey
	UsingTempNHG bool
}

// VRF is a refcounted virtual-router resource, resolved from a VRF name to
// a backend id (spec.md §4.10: MySid entries with T/DT* behaviors resolve
// and refcount a VRF).
type VRF struct {
	BackendID uint64
	RefCount  int
}

// SidList is a refcounted SRv6 segment-list resource (spec.md §4.10),
// referenced by any route that sets a `segment` field.
type SidList struct {
	BackendID uint64
	RefCount  int
}

// SidTunnel is a refcounted, per-source-IP SRv6 encap-tunnel resource
// (spec.md §4.10: "per source-IP encap tunnel, deduplicated").
type SidTunnel struct {
	BackendID uint64
	RefCount  int
}

// MySid is a locally programmed SRv6 SID: an endpoint behavior, plus the
// VRF it resolves into for the T/DT4/DT6/DT46 behavior family.
type MySid struct {
	BackendID uint64
	Behavior  string
	VRF       string
}

// Tables is the full set of reference-counted resource tables for one
// daemon. Every table is keyed by its semantic key, per spec.md §3.
type Tables struct {
	mu sync.Mutex

	interfaces  map[string]*RouterInterface // alias -> *RouterInterface
	nextHops    map[nhKey]*NextHop          // (ip, alias) -> *NextHop
	groups      map[string]*NextHopGroup    // NextHopGroupKey.String() -> *NextHopGroup
	routes      map[string]*Route           // (vrf, prefix) -> *Route
	labelRoutes map[string]*Route           // (vrf, label, pop_count) -> *Route
	vrfs        map[string]*VRF             // vrf name -> *VRF
	sidLists    map[string]*SidList         // segment-list string -> *SidList
	sidTunnels  map[string]*SidTunnel       // source ip -> *SidTunnel
	mySids      map[string]*MySid           // MY_SID_TABLE key -> *MySid
}

type nhKey struct {
	ip    string
	alias string
}

// New returns an empty set of resource tables.
func New() *Tables {
	return &Tables{
		interfaces:  make(map[string]*RouterInterface),
		nextHops:    make(map[nhKey]*NextHop),
		groups:      make(map[string]*NextHopGroup),
		routes:      make(map[string]*Route),
		labelRoutes: make(map[string]*Route),
		vrfs:        make(map[string]*VRF),
		sidLists:    make(map[string]*SidList),
		sidTunnels:  make(map[string]*SidTunnel),
		mySids:      make(map[string]*MySid),
	}
}

// --- RouterInterface ----------------------------------------------------

// AcquireInterface returns the RouterInterface for alias, creating it (via
// create) if this is the first reference.
func (t *Tables) AcquireInterface(alias string, create func() (backendID uint64, vrfID uint64, mtu int, err error)) (*RouterInterface, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ri, ok := t.interfaces[alias]; ok {
		ri.RefCount++
		return ri, nil
	}
	id, vrf, mtu, err := create()
	if err != nil {
		return nil, err
	}
	ri := &RouterInterface{BackendID: id, VRFID: vrf, MTU: mtu, RefCount: 1}
	t.interfaces[alias] = ri
	return ri, nil
}

// ReleaseInterface decrements alias's refcount and, if it reaches zero and
// hasCoveringIP is false (the caller knows whether any IP still references
// this interface), removes the entry and calls destroy.
func (t *Tables) ReleaseInterface(alias string, hasCoveringIP bool, destroy func(backendID uint64) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ri, ok := t.interfaces[alias]
	if !ok {
		return nil
	}
	if ri.RefCount > 0 {
		ri.RefCount--
	}
	if ri.RefCount > 0 || hasCoveringIP {
		return nil
	}
	delete(t.interfaces, alias)
	return destroy(ri.BackendID)
}

// LookupInterface returns the RouterInterface for alias without mutating
// refcount.
func (t *Tables) LookupInterface(alias string) (*RouterInterface, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ri, ok := t.interfaces[alias]
	return ri, ok
}

// --- NextHop --------------------------------------------------------------

// AcquireNextHop returns the NextHop for (ip, alias), creating it via
// create on first reference (either from the neighbor feed or synthesized
// by a route that needs it, per spec.md §3).
func (t *Tables) AcquireNextHop(ip, alias string, create func() (backendID uint64, err error)) (*NextHop, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := nhKey{ip: ip, alias: alias}
	if nh, ok := t.nextHops[key]; ok {
		nh.RefCount++
		return nh, nil
	}
	id, err := create()
	if err != nil {
		return nil, err
	}
	nh := &NextHop{BackendID: id, RefCount: 1}
	t.nextHops[key] = nh
	return nh, nil
}

// ReleaseNextHop decrements (ip, alias)'s refcount and removes + destroys
// it at zero.
func (t *Tables) ReleaseNextHop(ip, alias string, destroy func(backendID uint64) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := nhKey{ip: ip, alias: alias}
	nh, ok := t.nextHops[key]
	if !ok {
		return nil
	}
	if nh.RefCount > 0 {
		nh.RefCount--
	}
	if nh.RefCount > 0 {
		return nil
	}
	delete(t.nextHops, key)
	return destroy(nh.BackendID)
}

// LookupNextHop returns the NextHop for (ip, alias), IFDOWN flag included,
// without mutating refcount.
func (t *Tables) LookupNextHop(ip, alias string) (*NextHop, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nh, ok := t.nextHops[nhKey{ip: ip, alias: alias}]
	return nh, ok
}

// SetNextHopDown marks a next hop IFDOWN (or clears it), used when a
// port's OPER_STATUS changes (spec.md §8 scenario 2): the member is
// skipped from group membership but keeps its entry so the
// NextHopGroupKey stays stable across the flap.
func (t *Tables) SetNextHopDown(ip, alias string, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if nh, ok := t.nextHops[nhKey{ip: ip, alias: alias}]; ok {
		nh.IfDown = down
	}
}

// --- NextHopGroup -----------------------------------------------------

// AcquireGroup returns the live NextHopGroup for key, creating it via
// create on first reference. create receives the key's resolvable
// members (IFDOWN members already filtered, per spec.md §3) and must
// return each member's allocated backend id in the same order, plus the
// group's own backend id.
func (t *Tables) AcquireGroup(key nhtypes.NextHopGroupKey, create func(members []nhtypes.NextHopKey) (groupID uint64, memberIDs []uint64, isTemp bool, err error)) (*NextHopGroup, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keyStr := key.String()
	if g, ok := t.groups[keyStr]; ok {
		g.RefCount++
		return g, nil
	}

	resolvable := key.ResolvableMembers()
	groupID, memberIDs, isTemp, err := create(resolvable)
	if err != nil {
		return nil, err
	}
	if len(memberIDs) != len(resolvable) {
		return nil, fmt.Errorf("restable: create returned %d member ids for %d resolvable members", len(memberIDs), len(resolvable))
	}

	members := make(map[string]NextHopGroupMember, len(resolvable))
	for i, m := range resolvable {
		members[m.String()] = NextHopGroupMember{BackendID: memberIDs[i], SeqID: i + 1}
	}
	g := &NextHopGroup{BackendID: groupID, Members: members, RefCount: 1, IsTemp: isTemp}
	t.groups[keyStr] = g
	return g, nil
}

// ReleaseGroup decrements key's refcount and, at zero, removes the group
// after destroy has torn down its members and itself in the backend.
func (t *Tables) ReleaseGroup(key nhtypes.NextHopGroupKey, destroy func(g *NextHopGroup) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	keyStr := key.String()
	g, ok := t.groups[keyStr]
	if !ok {
		return nil
	}
	if g.RefCount > 0 {
		g.RefCount--
	}
	if g.RefCount > 0 {
		return nil
	}
	if err := destroy(g); err != nil {
		return err
	}
	delete(t.groups, keyStr)
	return nil
}

// LookupGroup returns the live group for key without mutating refcount.
func (t *Tables) LookupGroup(key nhtypes.NextHopGroupKey) (*NextHopGroup, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[key.String()]
	return g, ok
}

// --- Route --------------------------------------------------------------

// RouteKey renders (vrf, prefix) the way ROUTE_TABLE keys do: vrf omitted
// for the default VRF (spec.md §6 record schema).
func RouteKey(vrf string, prefix nhtypes.IpPrefix) string {
	if vrf == "" || vrf == "default" {
		return prefix.String()
	}
	return vrf + ":" + prefix.String()
}

// SetRoute records or updates the live route entry for key.
func (t *Tables) SetRoute(key string, groupKey nhtypes.NextHopGroupKey, usingTemp bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[key] = &Route{GroupKey: groupKey, UsingTempNHG: usingTemp}
}

// DeleteRoute removes the live route entry for key, returning it if
// present (the caller uses it to know which group to ReleaseGroup).
func (t *Tables) DeleteRoute(key string) (*Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[key]
	if ok {
		delete(t.routes, key)
	}
	return r, ok
}

// LookupRoute returns the live route entry for key.
func (t *Tables) LookupRoute(key string) (*Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[key]
	return r, ok
}

// RefcountBalance reports whether every table is fully drained (the
// testable property from spec.md §8: after matching every SET with a
// later DEL, every table's live count is zero).
func (t *Tables) RefcountBalance() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.interfaces) == 0 && len(t.nextHops) == 0 && len(t.groups) == 0 && len(t.routes) == 0 &&
		len(t.labelRoutes) == 0 && len(t.vrfs) == 0 && len(t.sidLists) == 0 && len(t.sidTunnels) == 0 && len(t.mySids) == 0
}

// --- Label routes (spec.md §4.10) ----------------------------------------

// LabelRouteKey renders (vrf, label, popCount) the way LABEL_ROUTE_TABLE
// keys do, mirroring RouteKey's default-VRF omission.
func LabelRouteKey(vrf string, label, popCount int) string {
	key := fmt.Sprintf("%d:%d", label, popCount)
	if vrf == "" || vrf == "default" {
		return key
	}
	return vrf + ":" + key
}

// SetLabelRoute records or updates the live label-route entry for key.
func (t *Tables) SetLabelRoute(key string, groupKey nhtypes.NextHopGroupKey, usingTemp bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.labelRoutes[key] = &Route{GroupKey: groupKey, UsingTempNHG: usingTemp}
}

// DeleteLabelRoute removes the live label-route entry for key.
func (t *Tables) DeleteLabelRoute(key string) (*Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.labelRoutes[key]
	if ok {
		delete(t.labelRoutes, key)
	}
	return r, ok
}

// LookupLabelRoute returns the live label-route entry for key.
func (t *Tables) LookupLabelRoute(key string) (*Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.labelRoutes[key]
	return r, ok
}

// --- VRF (spec.md §4.10: MySid T/DT* behaviors) --

// AcquireVRF returns the VRF resource for name, creating it via create on
// first reference.
func (t *Tables) AcquireVRF(name string, create func() (backendID uint64, err error)) (*VRF, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.vrfs[name]; ok {
		v.RefCount++
		return v, nil
	}
	id, err := create()
	if err != nil {
		return nil, err
	}
	v := &VRF{BackendID: id, RefCount: 1}
	t.vrfs[name] = v
	return v, nil
}

// ReleaseVRF decrements name's refcount and, at zero, removes it after
// destroy tears it down in the backend.
func (t *Tables) ReleaseVRF(name string, destroy func(backendID uint64) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.vrfs[name]
	if !ok {
		return nil
	}
	if v.RefCount > 0 {
		v.RefCount--
	}
	if v.RefCount > 0 {
		return nil
	}
	delete(t.vrfs, name)
	return destroy(v.BackendID)
}

// LookupVRF returns the VRF resource for name without mutating refcount.
func (t *Tables) LookupVRF(name string) (*VRF, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.vrfs[name]
	return v, ok
}

// --- SRv6 SID list (spec.md §4.10) ---------------------------------------

// AcquireSidList returns the SidList resource for segments (its canonical
// serialized form), creating it via create on first reference.
func (t *Tables) AcquireSidList(segments string, create func() (backendID uint64, err error)) (*SidList, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sidLists[segments]; ok {
		s.RefCount++
		return s, nil
	}
	id, err := create()
	if err != nil {
		return nil, err
	}
	s := &SidList{BackendID: id, RefCount: 1}
	t.sidLists[segments] = s
	return s, nil
}

// ReleaseSidList decrements segments' refcount and, at zero, removes it
// after destroy tears it down in the backend.
func (t *Tables) ReleaseSidList(segments string, destroy func(backendID uint64) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sidLists[segments]
	if !ok {
		return nil
	}
	if s.RefCount > 0 {
		s.RefCount--
	}
	if s.RefCount > 0 {
		return nil
	}
	delete(t.sidLists, segments)
	return destroy(s.BackendID)
}

// LookupSidList returns the SidList resource for segments without
// mutating refcount.
func (t *Tables) LookupSidList(segments string) (*SidList, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sidLists[segments]
	return s, ok
}

// --- SRv6 encap tunnel (spec.md §4.10: "per source-IP encap tunnel, deduplicated") --

// AcquireSidTunnel returns the SidTunnel resource for srcIP, creating it
// via create on first reference; a second route encapsulating from the
// same source IP dedupes onto the same backend object.
func (t *Tables) AcquireSidTunnel(srcIP string, create func() (backendID uint64, err error)) (*SidTunnel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sidTunnels[srcIP]; ok {
		s.RefCount++
		return s, nil
	}
	id, err := create()
	if err != nil {
		return nil, err
	}
	s := &SidTunnel{BackendID: id, RefCount: 1}
	t.sidTunnels[srcIP] = s
	return s, nil
}

// ReleaseSidTunnel decrements srcIP's refcount and, at zero, removes it
// after destroy tears it down in the backend.
func (t *Tables) ReleaseSidTunnel(srcIP string, destroy func(backendID uint64) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sidTunnels[srcIP]
	if !ok {
		return nil
	}
	if s.RefCount > 0 {
		s.RefCount--
	}
	if s.RefCount > 0 {
		return nil
	}
	delete(t.sidTunnels, srcIP)
	return destroy(s.BackendID)
}

// LookupSidTunnel returns the SidTunnel resource for srcIP without
// mutating refcount.
func (t *Tables) LookupSidTunnel(srcIP string) (*SidTunnel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sidTunnels[srcIP]
	return s, ok
}

// --- SRv6 My-SID (spec.md §4.10) -----------------------------------------

// SetMySid records or updates the live My-SID entry for key (not
// refcounted: a My-SID is a singleton local program, not a resource other
// objects reference by id).
func (t *Tables) SetMySid(key string, backendID uint64, behavior, vrf string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mySids[key] = &MySid{BackendID: backendID, Behavior: behavior, VRF: vrf}
}

// DeleteMySid removes the live My-SID entry for key, returning it if
// present (the caller uses its VRF field to know whether to ReleaseVRF).
func (t *Tables) DeleteMySid(key string) (*MySid, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.mySids[key]
	if ok {
		delete(t.mySids, key)
	}
	return m, ok
}

// LookupMySid returns the live My-SID entry for key.
func (t *Tables) LookupMySid(key string) (*MySid, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.mySids[key]
	return m, ok
}
