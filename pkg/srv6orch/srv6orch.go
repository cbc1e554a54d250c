// Package srv6orch implements the SRv6 auxiliary-table reconciler
// (spec.md §4.10): "SRv6 adds three auxiliary resource tables — SidList
// (segment list id, referenced by routes that set a segment field),
// SidTunnel (per source-IP encap tunnel, deduplicated), and MySid (local
// SID programmed with an endpoint behavior ...). MySid entries with
// behaviors that require a VRF (T, DT4, DT6, DT46) resolve the VRF name
// to an id and refcount it." It mirrors pkg/routeorch's stage/flush/
// resolve-pending DoTask shape for its two owned app tables,
// SRV6_SID_LIST_TABLE and SRV6_MY_SID_TABLE, and exposes the SidTunnel
// resource as plain methods on Reconciler. pkg/routeorch and
// pkg/labelrouteorch do not call into this package; a route's
// `segment`/`seg_src` fields travel in its NextHopKey.
package srv6orch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/newtron-network/newtron/pkg/bulker"
	"github.com/newtron-network/newtron/pkg/consumer"
	"github.com/newtron-network/newtron/pkg/engine"
	"github.com/newtron-network/newtron/pkg/restable"
	"github.com/newtron-network/newtron/pkg/saiapi"
	"github.com/newtron-network/newtron/pkg/util"
)

// endpointBehaviors is the closed vocabulary spec.md §6's MY_SID record
// schema names for the `action` field.
var endpointBehaviors = map[string]bool{
	"end": true, "end.x": true, "end.t": true,
	"end.dx6": true, "end.dx4": true, "end.dt4": true, "end.dt6": true, "end.dt46": true,
	"end.b6.encaps": true, "end.b6.encaps.red": true, "end.b6.insert": true, "end.b6.insert.red": true,
	"udx6": true, "udx4": true, "udt6": true, "udt4": true, "udt46": true,
	"un": true, "ua": true,
}

// vrfBehaviors resolve and refcount a VRF (spec.md §4.10).
var vrfBehaviors = map[string]bool{
	"end.t": true, "end.dt4": true, "end.dt6": true, "end.dt46": true,
	"udt4": true, "udt6": true, "udt46": true,
}

// VRFResolver resolves a VRF name to a backend id, the collaborator this
// package uses instead of owning VRF creation itself (spec.md §4.10).
type VRFResolver interface {
	Create(name string) (backendID uint64, err error)
	Destroy(backendID uint64) error
}

// Reconciler is the SRv6 auxiliary-table reconciler's DoTask handler set.
type Reconciler struct {
	Tables        *restable.Tables
	SidListBulker *bulker.Bulker // saiapi.ObjectSidList
	SidTunBulker  *bulker.Bulker // saiapi.ObjectSidTunnel
	MySidBulker   *bulker.Bulker // saiapi.ObjectMySid
	VRFs          VRFResolver

	sidListIDCounter uint64
}

// nextSidListID mints the synthetic backend id recorded for a settled
// SidList, the same scheme pkg/routeorch's resolveGroup uses for group
// ids: a reconciler-local sequence number used as the attribute value
// other bulk calls (a route's `segment` attribute) reference, not the
// backend's own internal object handle.
func (r *Reconciler) nextSidListID() uint64 {
	r.sidListIDCounter++
	return r.sidListIDCounter
}

// DoSidListTask implements engine.TaskHandler for SRV6_SID_LIST_TABLE.
// Key is the segment-list id; the `path` field is a comma-separated,
// order-significant list of SRv6 segment IPv6 addresses (SONiC's own
// SRV6_SID_LIST_TABLE schema).
func (r *Reconciler) DoSidListTask(c *consumer.Consumer) {
	type pendingItem struct {
		key    string
		status *bulker.EntryStatus
	}
	var items []pendingItem

	for _, ke := range c.Snapshot() {
		if ke.Entry.Op.String() == "DEL" {
			r.handleSidListDelete(ke.Key)
			c.Erase(ke.Key)
			continue
		}

		path := splitNonEmpty(ke.Entry.Fields["path"])
		if len(path) == 0 {
			util.WithField("key", ke.Key).Error("srv6orch: sid-list entry missing path")
			c.Erase(ke.Key)
			continue
		}
		segments := strings.Join(path, ",")

		_, exists := r.Tables.LookupSidList(ke.Key)
		var status *bulker.EntryStatus
		if !exists || r.SidListBulker.BulkEntryPendingRemoval(ke.Key) {
			status = r.SidListBulker.CreateEntry(ke.Key, saiapi.Attrs{"path": segments})
		} else {
			status = r.SidListBulker.SetEntryAttribute(ke.Key, saiapi.Attrs{"path": segments})
		}
		items = append(items, pendingItem{key: ke.Key, status: status})
	}

	if err := r.SidListBulker.Flush(); err != nil {
		util.Logger.Errorf("srv6orch: sid-list bulker flush failed: %v", err)
		return
	}

	for _, p := range items {
		outcome := engine.MapStatus(toBackendStatus(p.status.Status), true, false)
		switch outcome {
		case engine.Settled, engine.SettledIdempotent:
			if _, found := r.Tables.LookupSidList(p.key); !found {
				r.Tables.AcquireSidList(p.key, func() (uint64, error) { return r.nextSidListID(), nil })
			}
			c.Erase(p.key)
		case engine.Invalid, engine.Failed, engine.Fatal:
			util.WithField("key", p.key).Errorf("srv6orch: sid-list entry failed: %v", p.status.Status)
			c.Erase(p.key)
		case engine.NeedRetry, engine.CapacityExhausted:
			// stays in inbox
		}
	}
}

func (r *Reconciler) handleSidListDelete(key string) {
	if _, found := r.Tables.LookupSidList(key); !found {
		return
	}
	r.SidListBulker.RemoveEntry(key)
	r.SidListBulker.Flush()
	r.Tables.ReleaseSidList(key, func(uint64) error { return nil })
}

// DoMySidTask implements engine.TaskHandler for SRV6_MY_SID_TABLE. Key is
// `<block_len>:<node_len>:<function_len>:<args_len>:<sid-ip>` (spec.md §6);
// fields are `action` (one of the fixed endpoint behaviors) and `vrf` (for
// the T/DT* family).
func (r *Reconciler) DoMySidTask(c *consumer.Consumer) {
	type pendingItem struct {
		key      string
		status   *bulker.EntryStatus
		behavior string
		vrf      string
		vrfID    uint64
	}
	var items []pendingItem

	for _, ke := range c.Snapshot() {
		if ke.Entry.Op.String() == "DEL" {
			r.handleMySidDelete(ke.Key)
			c.Erase(ke.Key)
			continue
		}

		if _, err := parseMySidKey(ke.Key); err != nil {
			util.WithField("key", ke.Key).Warnf("srv6orch: %v", err)
			c.Erase(ke.Key)
			continue
		}

		behavior := strings.ToLower(ke.Entry.Fields["action"])
		if !endpointBehaviors[behavior] {
			util.WithField("key", ke.Key).Errorf("srv6orch: unknown MY_SID action %q", behavior)
			c.Erase(ke.Key)
			continue
		}

		vrfName := ke.Entry.Fields["vrf"]
		needsVRF := vrfBehaviors[behavior]
		if needsVRF && vrfName == "" {
			util.WithField("key", ke.Key).Errorf("srv6orch: MY_SID action %q requires a vrf field", behavior)
			c.Erase(ke.Key)
			continue
		}
		if !needsVRF && vrfName != "" {
			util.WithField("key", ke.Key).Errorf("srv6orch: MY_SID action %q does not take a vrf field", behavior)
			c.Erase(ke.Key)
			continue
		}

		var vrfID uint64
		if needsVRF {
			if r.VRFs == nil {
				continue // NeedRetry: no VRF collaborator wired yet
			}
			vrf, err := r.Tables.AcquireVRF(vrfName, func() (uint64, error) { return r.VRFs.Create(vrfName) })
			if err != nil {
				continue // NeedRetry: backend VRF create failed this cycle
			}
			vrfID = vrf.BackendID
		}

		attrs := saiapi.Attrs{"action": behavior}
		if needsVRF {
			attrs["vrf_id"] = vrfID
		}

		_, exists := r.Tables.LookupMySid(ke.Key)
		var status *bulker.EntryStatus
		if !exists || r.MySidBulker.BulkEntryPendingRemoval(ke.Key) {
			status = r.MySidBulker.CreateEntry(ke.Key, attrs)
		} else {
			status = r.MySidBulker.SetEntryAttribute(ke.Key, attrs)
		}
		items = append(items, pendingItem{key: ke.Key, status: status, behavior: behavior, vrf: vrfName, vrfID: vrfID})
	}

	if err := r.MySidBulker.Flush(); err != nil {
		util.Logger.Errorf("srv6orch: my-sid bulker flush failed: %v", err)
		return
	}

	for _, p := range items {
		outcome := engine.MapStatus(toBackendStatus(p.status.Status), true, false)
		switch outcome {
		case engine.Settled, engine.SettledIdempotent:
			r.Tables.SetMySid(p.key, 0, p.behavior, p.vrf)
			c.Erase(p.key)
		case engine.Invalid, engine.Failed, engine.Fatal:
			if p.vrf != "" && r.VRFs != nil {
				r.Tables.ReleaseVRF(p.vrf, r.VRFs.Destroy)
			}
			util.WithField("key", p.key).Errorf("srv6orch: my-sid entry failed: %v", p.status.Status)
			c.Erase(p.key)
		case engine.NeedRetry, engine.CapacityExhausted:
			// stays in inbox; any acquired VRF ref stays live for the retry
		}
	}
}

func (r *Reconciler) handleMySidDelete(key string) {
	existing, found := r.Tables.DeleteMySid(key)
	r.MySidBulker.RemoveEntry(key)
	r.MySidBulker.Flush()
	if !found {
		return
	}
	if existing.VRF != "" && r.VRFs != nil {
		r.Tables.ReleaseVRF(existing.VRF, r.VRFs.Destroy)
	}
}

// ResolveTunnel returns the live SidTunnel resource for srcIP, acquiring a
// new one via create on first reference (spec.md §4.10: "per source-IP
// encap tunnel, deduplicated"). Exposed for pkg/routeorch and
// pkg/labelrouteorch to call when staging a route whose `seg_src` field
// names an encapsulating source address.
func (r *Reconciler) ResolveTunnel(srcIP string, create func() (backendID uint64, err error)) (*restable.SidTunnel, error) {
	return r.Tables.AcquireSidTunnel(srcIP, create)
}

// ReleaseTunnel decrements srcIP's SidTunnel refcount, destroying it in
// the backend at zero.
func (r *Reconciler) ReleaseTunnel(srcIP string, destroy func(backendID uint64) error) error {
	return r.Tables.ReleaseSidTunnel(srcIP, destroy)
}

// LookupSidListID resolves a route's `segment` field (a SRV6_SID_LIST_TABLE
// key) to the backend id a route entry's next-hop-id-equivalent attribute
// needs, returning ok=false if the list hasn't settled yet (the caller
// should treat that as NeedRetry).
func (r *Reconciler) LookupSidListID(segmentListKey string) (backendID uint64, ok bool) {
	s, found := r.Tables.LookupSidList(segmentListKey)
	if !found {
		return 0, false
	}
	return s.BackendID, true
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

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var errMalformedMySidKey = errors.New("malformed MY_SID key")

// parseMySidKey validates the `<block_len>:<node_len>:<function_len>:
// <args_len>:<sid-ip>` shape (spec.md §6) without needing the parsed
// integers elsewhere; callers that only need validation ignore the
// returned lengths.
func parseMySidKey(key string) ([5]string, error) {
	var out [5]string
	parts := strings.SplitN(key, ":", 5)
	if len(parts) != 5 {
		return out, fmt.Errorf("srv6orch: parsing MY_SID key %q: %w", key, errMalformedMySidKey)
	}
	for i := 0; i < 4; i++ {
		if _, err := strconv.Atoi(parts[i]); err != nil {
			return out, fmt.Errorf("srv6orch: parsing MY_SID key %q: field %d not numeric: %w", key, i, err)
		}
	}
	if parts[4] == "" {
		return out, fmt.Errorf("srv6orch: parsing MY_SID key %q: empty sid-ip: %w", key, errMalformedMySidKey)
	}
	copy(out[:], parts)
	return out, nil
}
