// Package routeorch implements the route reconciler: the translation of
// ROUTE_TABLE intent into next-hop-group lifecycle and route-entry bulk
// operations (spec.md §4.4). It is the hardest of the two representative
// reconcilers the spec names, exercising ECMP membership, temporary
// groups, and route-to-counter binding.
package routeorch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/newtron-network/newtron/pkg/bulker"
	"github.com/newtron-network/newtron/pkg/consumer"
	"github.com/newtron-network/newtron/pkg/engine"
	"github.com/newtron-network/newtron/pkg/nhtypes"
	"github.com/newtron-network/newtron/pkg/restable"
	"github.com/newtron-network/newtron/pkg/saiapi"
	"github.com/newtron-network/newtron/pkg/util"
)

// skipClassAliases are system/management interfaces: a route whose sole
// next hop is one of these is not a data-plane route (spec.md §4.4 step 1).
var skipClassAliases = map[string]bool{
	"eth0":    true,
	"docker0": true,
	"lo":      true,
}

func isSkipClassAlias(alias string) bool {
	if skipClassAliases[alias] {
		return true
	}
	return strings.HasPrefix(alias, "Loopback")
}

// errCapacityExhausted signals that a next-hop-group create failed
// because the backend is out of group resources (spec.md §4.4/§8
// scenario 3); the nexthop_group index path (pkg/nhgorch) owns the
// absent→temp→real fallback state machine, so a group built directly
// from inline nexthop/ifname lists simply retries under this outcome
// rather than duplicating that state machine here.
var errCapacityExhausted = errors.New("routeorch: next-hop-group capacity exhausted")

// FlowCounterHook lets the flow-counter binding module observe route
// lifecycle events (spec.md §4.6, "on every route create/delete... call
// cacheRouteForFlowCounter").
type FlowCounterHook interface {
	RouteCreated(vrf string, prefix nhtypes.IpPrefix)
	RouteDeleted(vrf string, prefix nhtypes.IpPrefix)
}

// NhgIndexProvider resolves a `nexthop_group` field (an opaque index) to
// its current group identity, as owned by the NHG reconciler (pkg/nhgorch).
type NhgIndexProvider interface {
	Resolve(index string) (key nhtypes.NextHopGroupKey, groupBackendID uint64, isTemp bool, ok bool)
}

// InterfaceResolver answers whether alias names a known router interface
// and, if so, its backend id and whether the given prefix is one of its
// covered subnets (spec.md §4.4 step 2's "subnet of an existing interface"
// check).
type InterfaceResolver interface {
	Resolve(alias string) (backendID uint64, ok bool)
	CoversSubnet(alias string, prefix nhtypes.IpPrefix) bool
}

// Reconciler is the route reconciler's DoTask handler.
type Reconciler struct {
	VRF          string // "" / "default" for the default VRF
	Tables       *restable.Tables
	RouteBulker  *bulker.Bulker // saiapi.ObjectRoute
	GroupBulker  *bulker.Bulker // saiapi.ObjectNextHopGroup
	MemberBulker *bulker.Bulker // saiapi.ObjectNextHopGroupMember

	Interfaces  InterfaceResolver
	NhgProvider NhgIndexProvider
	FlowCounter FlowCounterHook

	// FlowCounterSupported gates flow-counter lifecycle hooks on a
	// platform-capability flag (original_source's
	// routeorch::getRouteFlowCounterSupported(), checked here rather than
	// inside the flow-counter handler itself per SPEC_FULL.md §4).
	FlowCounterSupported bool

	groupBackendIDCounter uint64
}

// routeIntent is the parsed form of one ROUTE_TABLE SET entry.
type routeIntent struct {
	nexthops     []string
	ifnames      []string
	weights      []int
	blackhole    bool
	nexthopGroup string
	segment      string
	segSrc       string
	vni          uint32
	routerMAC    string
}

func parseRouteIntent(fields map[string]string) (routeIntent, bool) {
	var in routeIntent
	in.blackhole = fields["blackhole"] == "true"
	in.nexthopGroup = fields["nexthop_group"]
	in.segment = fields["segment"]
	in.segSrc = fields["seg_src"]
	in.routerMAC = fields["router_mac"]

	nh, hasNH := fields["nexthop"]
	ifn, hasIf := fields["ifname"]

	if in.nexthopGroup != "" && (hasNH || hasIf) {
		return in, false
	}

	if hasNH {
		in.nexthops = splitNonEmpty(nh)
	}
	if hasIf {
		in.ifnames = splitNonEmpty(ifn)
	}

	// A single ifname may carry zero or one nexthop (directly connected or
	// kernel routes name only the outgoing interface); multiple ifnames
	// always need one paired nexthop apiece (ECMP).
	if !in.blackhole && in.nexthopGroup == "" {
		if len(in.ifnames) == 0 {
			return in, false
		}
		if len(in.ifnames) > 1 && len(in.nexthops) != len(in.ifnames) {
			return in, false
		}
		if len(in.nexthops) > 1 && len(in.nexthops) != len(in.ifnames) {
			return in, false
		}
	}

	if w, ok := fields["weight"]; ok && w != "" {
		for _, s := range splitNonEmpty(w) {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				return in, false
			}
			in.weights = append(in.weights, v)
		}
	}

	if vniStr, ok := fields["vni_label"]; ok && vniStr != "" {
		v, err := strconv.ParseUint(vniStr, 10, 32)
		if err != nil {
			return in, false
		}
		in.vni = uint32(v)
	}

	return in, true
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// buildMembers turns parsed nexthop/ifname/weight lists into NextHopKeys.
func (in routeIntent) buildMembers() []nhtypes.NextHopKey {
	members := make([]nhtypes.NextHopKey, len(in.ifnames))
	for i, ifn := range in.ifnames {
		m := nhtypes.NextHopKey{Ifname: ifn}
		if i < len(in.nexthops) {
			m.IP = in.nexthops[i]
		}
		if i < len(in.weights) {
			m.Weight = in.weights[i]
		}
		if in.vni != 0 {
			m.VNI = in.vni
			m.RemoteMAC = in.routerMAC
		}
		if in.segment != "" {
			m.Segment = in.segment
			m.SegSrc = in.segSrc
		}
		members[i] = m
	}
	return members
}

// stageResult is what stageSet returns: either an immediate verdict (no
// backend call needed, or the entry is invalid/unresolvable), or a
// pending bulk status to resolve once the cycle's single Flush has run.
type stageResult struct {
	immediate *engine.Outcome
	status    *bulker.EntryStatus
	onSettle  func()
}

func immediate(o engine.Outcome) stageResult { return stageResult{immediate: &o} }

func pendingResult(status *bulker.EntryStatus, onSettle func()) stageResult {
	return stageResult{status: status, onSettle: onSettle}
}

// DoTask implements engine.TaskHandler: it walks the pending ROUTE_TABLE
// entries, stages route-entry bulk operations (flushing the route bulker
// once at the end of the cycle, per spec.md §4.3's one-flush-per-cycle
// contract), and finalizes each entry from the resulting statuses.
func (r *Reconciler) DoTask(c *consumer.Consumer) {
	type pendingItem struct {
		key      string
		vrf      string
		prefix   nhtypes.IpPrefix
		status   *bulker.EntryStatus
		onSettle func()
	}

	var items []pendingItem

	for _, ke := range c.Snapshot() {
		vrf, prefix, err := parseRouteKey(ke.Key)
		if err != nil {
			util.WithField("key", ke.Key).Warnf("routeorch: %v", err)
			c.Erase(ke.Key)
			continue
		}

		if ke.Entry.Op.String() == "DEL" {
			r.handleDelete(vrf, prefix)
			c.Erase(ke.Key)
			continue
		}

		result := r.stageSet(vrf, prefix, ke.Entry.Fields)
		if result.immediate != nil {
			switch *result.immediate {
			case engine.NeedRetry, engine.CapacityExhausted:
				// leave in inbox
			case engine.Invalid:
				util.WithFields(map[string]interface{}{"vrf": vrf, "prefix": prefix.String()}).
					Error("routeorch: invalid route entry")
				c.Erase(ke.Key)
			default: // settled without touching the backend
				if result.onSettle != nil {
					result.onSettle()
				}
				c.Erase(ke.Key)
			}
			continue
		}
		items = append(items, pendingItem{key: ke.Key, vrf: vrf, prefix: prefix, status: result.status, onSettle: result.onSettle})
	}

	if err := r.RouteBulker.Flush(); err != nil {
		util.Logger.Errorf("routeorch: route bulker flush failed: %v", err)
		return
	}

	for _, p := range items {
		outcome := engine.MapStatus(toBackendStatus(p.status.Status), true, false)
		switch outcome {
		case engine.Settled, engine.SettledIdempotent:
			if p.onSettle != nil {
				p.onSettle()
			}
			c.Erase(p.key)
		case engine.Invalid:
			c.Erase(p.key)
		case engine.NeedRetry, engine.CapacityExhausted:
			// stays in inbox for retry
		case engine.Failed, engine.Fatal:
			util.WithFields(map[string]interface{}{"vrf": p.vrf, "prefix": p.prefix.String()}).
				Errorf("routeorch: route entry failed: %v", p.status.Status)
			c.Erase(p.key)
		}
	}
}

func toBackendStatus(s saiapi.Status) engine.BackendStatus {
	switch s {
	case saiapi.StatusSuccess:
		return engine.StatusSuccess
	case saiapi.StatusItemAlreadyExists:
		return engine.StatusItemAlreadyExists
	case saiapi.StatusItemNotFound:
		return engine.StatusItemNotFound
	case saiapi.StatusNotExecuted:
		return engine.StatusNotExecuted
	case saiapi.StatusInsufficientResources:
		return engine.StatusInsufficientResources
	default:
		return engine.StatusOther
	}
}

// parseRouteKey splits a ROUTE_TABLE key into (vrf, prefix); a leading
// "Vrf<n>:" component is distinguished from an IPv6 address's own colons
// by whether the leading component itself parses as an IP.
func parseRouteKey(key string) (string, nhtypes.IpPrefix, error) {
	vrf := "default"
	prefixStr := key
	if idx := strings.Index(key, ":"); idx >= 0 && looksLikeVRF(key[:idx]) {
		vrf = key[:idx]
		prefixStr = key[idx+1:]
	}
	p, err := nhtypes.ParseIPPrefix(prefixStr)
	if err != nil {
		return "", nhtypes.IpPrefix{}, fmt.Errorf("parsing route key %q: %w", key, err)
	}
	return vrf, p, nil
}

func looksLikeVRF(s string) bool {
	if s == "" {
		return false
	}
	_, err := nhtypes.ParseIPAddress(s)
	return err != nil
}

// stageSet runs the reconciliation algorithm for one SET entry. If it
// needs a backend route-entry op, the op is staged on r.RouteBulker and
// the result's status field is set; the caller resolves the outcome
// after the cycle's single Flush.
func (r *Reconciler) stageSet(vrf string, prefix nhtypes.IpPrefix, fields map[string]string) stageResult {
	in, ok := parseRouteIntent(fields)
	if !ok {
		return immediate(engine.Invalid)
	}

	routeKey := restable.RouteKey(vrf, prefix)

	// Step 1: skip-class check.
	if len(in.ifnames) == 1 && len(in.nexthops) <= 1 && isSkipClassAlias(in.ifnames[0]) {
		if existing, found := r.Tables.DeleteRoute(routeKey); found {
			r.releaseRouteResources(existing)
			r.RouteBulker.RemoveEntry(routeKey)
		}
		return immediate(engine.Settled)
	}

	// Step 2: direct interface route.
	if !in.blackhole && in.nexthopGroup == "" && len(in.ifnames) == 1 &&
		(len(in.nexthops) == 0 || in.nexthops[0] == "0.0.0.0" || in.nexthops[0] == "::") {
		alias := in.ifnames[0]
		if alias == "unknown" || alias == "tun0" || strings.HasPrefix(alias, "Vrf") ||
			prefix.Addr.IsLinkLocal() || prefix.Addr.IsMulticast() ||
			(prefix.IsFullMask() && r.Interfaces != nil && r.Interfaces.CoversSubnet(alias, prefix)) {
			return immediate(engine.Settled)
		}
		backendID, resolved := uint64(0), false
		if r.Interfaces != nil {
			backendID, resolved = r.Interfaces.Resolve(alias)
		}
		if !resolved {
			return immediate(engine.NeedRetry)
		}
		status := r.stageRouteEntry(routeKey, saiapi.Attrs{"next_hop_id": backendID, "packet_action": "FORWARD"})
		return pendingResult(status, func() {
			r.Tables.SetRoute(routeKey, nhtypes.NewNextHopGroupKey(nil), false)
			r.notifyFlowCounter(vrf, prefix, true)
		})
	}

	// Step 3: blackhole.
	if in.blackhole {
		status := r.stageRouteEntry(routeKey, saiapi.Attrs{"packet_action": "DROP"})
		return pendingResult(status, func() {
			r.Tables.SetRoute(routeKey, nhtypes.NewNextHopGroupKey(nil), false)
			r.notifyFlowCounter(vrf, prefix, true)
		})
	}

	// nexthop_group dereference.
	if in.nexthopGroup != "" {
		if r.NhgProvider == nil {
			return immediate(engine.NeedRetry)
		}
		key, groupID, isTemp, found := r.NhgProvider.Resolve(in.nexthopGroup)
		if !found {
			return immediate(engine.NeedRetry)
		}
		status := r.stageRouteEntry(routeKey, saiapi.Attrs{"next_hop_id": groupID, "packet_action": "FORWARD"})
		return pendingResult(status, func() {
			r.Tables.SetRoute(routeKey, key, isTemp)
			r.notifyFlowCounter(vrf, prefix, true)
		})
	}

	members := in.buildMembers()
	groupKey := nhtypes.NewNextHopGroupKey(members)

	// Step 4: single resolvable next hop.
	if groupKey.Size() <= 1 {
		var backendID uint64
		if len(members) == 1 {
			m := members[0]
			nh, found := r.Tables.LookupNextHop(m.IP, m.Ifname)
			if !found {
				util.WithFields(map[string]interface{}{"ip": m.IP, "ifname": m.Ifname}).
					Debug("routeorch: next hop unresolved, requesting ARP/ND resolution")
				return immediate(engine.NeedRetry)
			}
			backendID = nh.BackendID
		}
		status := r.stageRouteEntry(routeKey, saiapi.Attrs{"next_hop_id": backendID, "packet_action": "FORWARD"})
		return pendingResult(status, func() {
			r.Tables.SetRoute(routeKey, groupKey, false)
			r.notifyFlowCounter(vrf, prefix, true)
		})
	}

	// Step 5: multi next-hop — look up or create the NextHopGroup.
	group, usingTemp, err := r.resolveGroup(groupKey)
	if err != nil {
		if errors.Is(err, errCapacityExhausted) {
			return immediate(engine.CapacityExhausted)
		}
		return immediate(engine.NeedRetry)
	}
	status := r.stageRouteEntry(routeKey, saiapi.Attrs{"next_hop_id": group.BackendID, "packet_action": "FORWARD"})
	return pendingResult(status, func() {
		r.Tables.SetRoute(routeKey, groupKey, usingTemp)
		r.notifyFlowCounter(vrf, prefix, true)
	})
}

// stageRouteEntry classifies the staged route op per spec.md §4.4 step 6:
// a route with no live entry, or whose prior entry is pending removal in
// this same flush, is staged as create_entry; everything else is
// set_entry_attribute.
func (r *Reconciler) stageRouteEntry(key string, attrs saiapi.Attrs) *bulker.EntryStatus {
	_, exists := r.Tables.LookupRoute(key)
	if !exists || r.RouteBulker.BulkEntryPendingRemoval(key) {
		return r.RouteBulker.CreateEntry(key, attrs)
	}
	return r.RouteBulker.SetEntryAttribute(key, attrs)
}

// resolveGroup looks up or creates the live NextHopGroup for groupKey.
// Every restable.Tables lookup needed to build the group runs before
// AcquireGroup is called: AcquireGroup holds the tables' lock for the
// duration of its create callback, so a nested Tables call from inside
// that callback would deadlock against the same mutex.
func (r *Reconciler) resolveGroup(groupKey nhtypes.NextHopGroupKey) (*restable.NextHopGroup, bool, error) {
	resolvable := groupKey.ResolvableMembers()
	memberIDs := make([]uint64, len(resolvable))
	for i, m := range resolvable {
		nh, found := r.Tables.LookupNextHop(m.IP, m.Ifname)
		if !found {
			return nil, false, fmt.Errorf("routeorch: member %s unresolved", m.String())
		}
		memberIDs[i] = nh.BackendID
	}

	group, err := r.Tables.AcquireGroup(groupKey, func(members []nhtypes.NextHopKey) (uint64, []uint64, bool, error) {
		groupStatus := r.GroupBulker.CreateEntry(groupKey.String(), nil)
		if err := r.GroupBulker.Flush(); err != nil {
			return 0, nil, false, err
		}
		if groupStatus.Status == saiapi.StatusInsufficientResources {
			return 0, nil, false, errCapacityExhausted
		}
		if groupStatus.Status != saiapi.StatusSuccess {
			return 0, nil, false, fmt.Errorf("routeorch: group create failed: %v", groupStatus.Status)
		}

		groupID := r.nextGroupBackendID()
		for i := range members {
			r.MemberBulker.CreateEntry(
				fmt.Sprintf("%s#%d", groupKey.String(), i+1),
				saiapi.Attrs{"next_hop_id": memberIDs[i], "seq_id": i + 1},
			)
		}
		if err := r.MemberBulker.Flush(); err != nil {
			return 0, nil, false, err
		}
		return groupID, memberIDs, false, nil
	})
	if err != nil {
		return nil, false, err
	}
	return group, group.IsTemp, nil
}

func (r *Reconciler) nextGroupBackendID() uint64 {
	r.groupBackendIDCounter++
	return r.groupBackendIDCounter
}

func (r *Reconciler) handleDelete(vrf string, prefix nhtypes.IpPrefix) {
	key := restable.RouteKey(vrf, prefix)
	existing, found := r.Tables.DeleteRoute(key)
	r.RouteBulker.RemoveEntry(key)
	r.RouteBulker.Flush()
	if !found {
		return
	}
	r.releaseRouteResources(existing)
	r.notifyFlowCounter(vrf, prefix, false)
}

func (r *Reconciler) releaseRouteResources(route *restable.Route) {
	if route.GroupKey.Size() <= 1 {
		return
	}
	r.Tables.ReleaseGroup(route.GroupKey, func(g *restable.NextHopGroup) error {
		for _, m := range g.Members {
			r.MemberBulker.RemoveEntry(fmt.Sprintf("%s#%d", route.GroupKey.String(), m.SeqID))
		}
		r.MemberBulker.Flush()
		r.GroupBulker.RemoveEntry(route.GroupKey.String())
		return r.GroupBulker.Flush()
	})
}

func (r *Reconciler) notifyFlowCounter(vrf string, prefix nhtypes.IpPrefix, created bool) {
	if !r.FlowCounterSupported || r.FlowCounter == nil {
		return
	}
	if created {
		r.FlowCounter.RouteCreated(vrf, prefix)
	} else {
		r.FlowCounter.RouteDeleted(vrf, prefix)
	}
}

// DefaultRoutes returns the bootstrap default-route prefixes 0.0.0.0/0 and
// ::/0 (spec.md §4.4). cmd/routeorchd logs them at engine start and does
// not install them.
func DefaultRoutes() []nhtypes.IpPrefix {
	v4, _ := nhtypes.ParseIPPrefix("0.0.0.0/0")
	v6, _ := nhtypes.ParseIPPrefix("::/0")
	return []nhtypes.IpPrefix{v4, v6}
}

// LinkLocalBootstrapPrefixes returns the to-CPU route prefixes for the
// device MAC's EUI-64 link-local address and the fe80::/10 block (spec.md
// §4.4, "link-local IPv6 bootstrap"). cmd/routeorchd logs them at engine
// start and does not install them.
func LinkLocalBootstrapPrefixes(deviceMAC nhtypes.MacAddress) ([]nhtypes.IpPrefix, error) {
	ll, err := deviceMAC.EUI64LinkLocal()
	if err != nil {
		return nil, err
	}
	self, err := nhtypes.ParseIPPrefix(ll.String() + "/128")
	if err != nil {
		return nil, err
	}
	block, err := nhtypes.ParseIPPrefix("fe80::/10")
	if err != nil {
		return nil, err
	}
	return []nhtypes.IpPrefix{self, block}, nil
}
