// Package labelrouteorch implements the label-route reconciler (spec.md
// §4.10): "label-route reconciliation mirrors §4.4 with IpPrefix replaced
// by (label, pop_count) and a separate bulker." It shares pkg/routeorch's
// restable.Tables instance for next-hop and next-hop-group resources (an
// MPLS label route's ECMP group is the same kind of resource an IP route's
// is) but owns its own label-route entries and its own route-entry
// bulker, since a single doTask cycle must not interleave LABEL_ROUTE_TABLE
// bulk calls with ROUTE_TABLE ones on the same bulker instance.
package labelrouteorch

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

var errCapacityExhausted = errors.New("labelrouteorch: next-hop-group capacity exhausted")

// NhgIndexProvider resolves a `nexthop_group` field to its current group
// identity, as owned by pkg/nhgorch. Identical shape to
// pkg/routeorch.NhgIndexProvider, defined separately here to keep this
// package's dependency graph free of an import on pkg/routeorch.
type NhgIndexProvider interface {
	Resolve(index string) (key nhtypes.NextHopGroupKey, groupBackendID uint64, isTemp bool, ok bool)
}

// Reconciler is the label-route reconciler's DoTask handler.
type Reconciler struct {
	VRF          string
	Tables       *restable.Tables // shared with pkg/routeorch: same NextHop/NextHopGroup resources
	RouteBulker  *bulker.Bulker   // saiapi.ObjectLabelRoute, NOT shared with pkg/routeorch's route bulker
	GroupBulker  *bulker.Bulker   // saiapi.ObjectNextHopGroup
	MemberBulker *bulker.Bulker   // saiapi.ObjectNextHopGroupMember

	NhgProvider NhgIndexProvider

	groupBackendIDCounter uint64
}

type labelRouteIntent struct {
	nexthops     []string
	ifnames      []string
	weights      []int
	blackhole    bool
	nexthopGroup string
}

func parseLabelRouteIntent(fields map[string]string) (labelRouteIntent, bool) {
	var in labelRouteIntent
	in.blackhole = fields["blackhole"] == "true"
	in.nexthopGroup = fields["nexthop_group"]

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
	if !in.blackhole && in.nexthopGroup == "" {
		if len(in.ifnames) == 0 {
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
	return in, true
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (in labelRouteIntent) buildMembers() []nhtypes.NextHopKey {
	members := make([]nhtypes.NextHopKey, len(in.ifnames))
	for i, ifn := range in.ifnames {
		m := nhtypes.NextHopKey{Ifname: ifn}
		if i < len(in.nexthops) {
			m.IP = in.nexthops[i]
		}
		if i < len(in.weights) {
			m.Weight = in.weights[i]
		}
		members[i] = m
	}
	return members
}

type stageResult struct {
	immediate *engine.Outcome
	status    *bulker.EntryStatus
	onSettle  func()
}

func immediate(o engine.Outcome) stageResult { return stageResult{immediate: &o} }

func pendingResult(status *bulker.EntryStatus, onSettle func()) stageResult {
	return stageResult{status: status, onSettle: onSettle}
}

// DoTask implements engine.TaskHandler for LABEL_ROUTE_TABLE.
func (r *Reconciler) DoTask(c *consumer.Consumer) {
	type pendingItem struct {
		key      string
		status   *bulker.EntryStatus
		onSettle func()
	}
	var items []pendingItem

	for _, ke := range c.Snapshot() {
		label, popCount, err := parseLabelRouteKey(ke.Key)
		if err != nil {
			util.WithField("key", ke.Key).Warnf("labelrouteorch: %v", err)
			c.Erase(ke.Key)
			continue
		}
		routeKey := restable.LabelRouteKey(r.VRF, label, popCount)

		if ke.Entry.Op.String() == "DEL" {
			r.handleDelete(routeKey)
			c.Erase(ke.Key)
			continue
		}

		result := r.stageSet(routeKey, ke.Entry.Fields)
		if result.immediate != nil {
			switch *result.immediate {
			case engine.NeedRetry, engine.CapacityExhausted:
				// leave in inbox
			case engine.Invalid:
				util.WithField("key", ke.Key).Error("labelrouteorch: invalid label-route entry")
				c.Erase(ke.Key)
			default:
				if result.onSettle != nil {
					result.onSettle()
				}
				c.Erase(ke.Key)
			}
			continue
		}
		items = append(items, pendingItem{key: ke.Key, status: result.status, onSettle: result.onSettle})
	}

	if err := r.RouteBulker.Flush(); err != nil {
		util.Logger.Errorf("labelrouteorch: route bulker flush failed: %v", err)
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
			// stays in inbox
		case engine.Failed, engine.Fatal:
			util.WithField("key", p.key).Errorf("labelrouteorch: label-route entry failed: %v", p.status.Status)
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

// parseLabelRouteKey splits a LABEL_ROUTE_TABLE key of the form
// "<label>:<pop_count>" (spec.md §4.10: "(label, pop_count)" replaces
// IpPrefix as the route's identity).
func parseLabelRouteKey(key string) (label, popCount int, err error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("parsing label-route key %q: want \"<label>:<pop_count>\"", key)
	}
	label, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing label-route key %q: invalid label: %w", key, err)
	}
	popCount, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing label-route key %q: invalid pop_count: %w", key, err)
	}
	return label, popCount, nil
}

func (r *Reconciler) stageSet(routeKey string, fields map[string]string) stageResult {
	in, ok := parseLabelRouteIntent(fields)
	if !ok {
		return immediate(engine.Invalid)
	}

	if in.blackhole {
		status := r.stageRouteEntry(routeKey, saiapi.Attrs{"packet_action": "DROP"})
		return pendingResult(status, func() {
			r.Tables.SetLabelRoute(routeKey, nhtypes.NewNextHopGroupKey(nil), false)
		})
	}

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
			r.Tables.SetLabelRoute(routeKey, key, isTemp)
		})
	}

	members := in.buildMembers()
	groupKey := nhtypes.NewNextHopGroupKey(members)

	if groupKey.Size() <= 1 {
		var backendID uint64
		if len(members) == 1 {
			m := members[0]
			nh, found := r.Tables.LookupNextHop(m.IP, m.Ifname)
			if !found {
				return immediate(engine.NeedRetry)
			}
			backendID = nh.BackendID
		}
		status := r.stageRouteEntry(routeKey, saiapi.Attrs{"next_hop_id": backendID, "packet_action": "FORWARD"})
		return pendingResult(status, func() {
			r.Tables.SetLabelRoute(routeKey, groupKey, false)
		})
	}

	group, usingTemp, err := r.resolveGroup(groupKey)
	if err != nil {
		if errors.Is(err, errCapacityExhausted) {
			return immediate(engine.CapacityExhausted)
		}
		return immediate(engine.NeedRetry)
	}
	status := r.stageRouteEntry(routeKey, saiapi.Attrs{"next_hop_id": group.BackendID, "packet_action": "FORWARD"})
	return pendingResult(status, func() {
		r.Tables.SetLabelRoute(routeKey, groupKey, usingTemp)
	})
}

func (r *Reconciler) stageRouteEntry(key string, attrs saiapi.Attrs) *bulker.EntryStatus {
	_, exists := r.Tables.LookupLabelRoute(key)
	if !exists || r.RouteBulker.BulkEntryPendingRemoval(key) {
		return r.RouteBulker.CreateEntry(key, attrs)
	}
	return r.RouteBulker.SetEntryAttribute(key, attrs)
}

// resolveGroup mirrors pkg/routeorch's resolveGroup: every Tables lookup
// needed to build the group runs before AcquireGroup, which holds the
// tables' lock for its create callback's duration.
func (r *Reconciler) resolveGroup(groupKey nhtypes.NextHopGroupKey) (*restable.NextHopGroup, bool, error) {
	resolvable := groupKey.ResolvableMembers()
	memberIDs := make([]uint64, len(resolvable))
	for i, m := range resolvable {
		nh, found := r.Tables.LookupNextHop(m.IP, m.Ifname)
		if !found {
			return nil, false, fmt.Errorf("labelrouteorch: member %s unresolved", m.String())
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
			return 0, nil, false, fmt.Errorf("labelrouteorch: group create failed: %v", groupStatus.Status)
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

func (r *Reconciler) handleDelete(routeKey string) {
	existing, found := r.Tables.DeleteLabelRoute(routeKey)
	r.RouteBulker.RemoveEntry(routeKey)
	r.RouteBulker.Flush()
	if !found {
		return
	}
	r.releaseRouteResources(existing)
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
