// Package saiapi defines the resource-manager surface the engine programs:
// a typed create/set/remove/bulk interface standing in for the vendor SAI
// driver, which is explicitly out of scope (spec.md §1, "the SAI vendor
// driver, treated as an opaque resource manager with typed create/set/
// remove/bulk primitives").
package saiapi

// ObjectType identifies the kind of backend object a call addresses.
type ObjectType int

const (
	ObjectRoute ObjectType = iota
	ObjectLabelRoute
	ObjectNextHop
	ObjectNextHopGroup
	ObjectNextHopGroupMember
	ObjectRouterInterface
	ObjectNeighbor
	ObjectVlan
	ObjectVlanMember
	ObjectSidList
	ObjectSidTunnel
	ObjectMySid
	ObjectCounter
	ObjectVRF
)

func (t ObjectType) String() string {
	switch t {
	case ObjectRoute:
		return "ROUTE"
	case ObjectLabelRoute:
		return "LABEL_ROUTE"
	case ObjectNextHop:
		return "NEXT_HOP"
	case ObjectNextHopGroup:
		return "NEXT_HOP_GROUP"
	case ObjectNextHopGroupMember:
		return "NEXT_HOP_GROUP_MEMBER"
	case ObjectRouterInterface:
		return "ROUTER_INTERFACE"
	case ObjectNeighbor:
		return "NEIGHBOR"
	case ObjectVlan:
		return "VLAN"
	case ObjectVlanMember:
		return "VLAN_MEMBER"
	case ObjectSidList:
		return "SID_LIST"
	case ObjectSidTunnel:
		return "SID_TUNNEL"
	case ObjectMySid:
		return "MY_SID"
	case ObjectCounter:
		return "COUNTER"
	case ObjectVRF:
		return "VIRTUAL_ROUTER"
	default:
		return "UNKNOWN"
	}
}

// Status is the backend's reported outcome for a single staged call.
// It is the source vocabulary engine.MapStatus translates from.
type Status int

const (
	StatusSuccess Status = iota
	StatusItemAlreadyExists
	StatusItemNotFound
	StatusNotExecuted
	StatusInsufficientResources
	StatusInvalidParameter
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusItemAlreadyExists:
		return "ITEM_ALREADY_EXISTS"
	case StatusItemNotFound:
		return "ITEM_NOT_FOUND"
	case StatusNotExecuted:
		return "NOT_EXECUTED"
	case StatusInsufficientResources:
		return "INSUFFICIENT_RESOURCES"
	case StatusInvalidParameter:
		return "INVALID_PARAMETER"
	default:
		return "FAILURE"
	}
}

// Attrs is a backend object's attribute set (vendor-agnostic key/value,
// e.g. NEXT_HOP_ID, PACKET_ACTION, COUNTER_ID).
type Attrs map[string]interface{}

// BulkRequest is one staged call within a batch.
type BulkRequest struct {
	Type ObjectType
	Key  string
	Op   BulkOp
	Attrs Attrs // for Create/SetAttribute; unused for Remove
}

// BulkOp is the staged operation kind.
type BulkOp int

const (
	BulkCreate BulkOp = iota
	BulkSetAttribute
	BulkRemove
)

// ResourceManager is the backend's bulk entry point: one call per flush,
// carrying every staged request across every object kind touched this
// cycle, returning a parallel slice of per-request statuses.
type ResourceManager interface {
	BulkExecute(requests []BulkRequest) ([]Status, error)
	// MaxNextHopGroupCount reports the backend's group-capacity ceiling, or
	// 0 if uncapped, used by the NHG reconciler's capacity check.
	MaxNextHopGroupCount() int
	// Capability reports a named platform capability flag, e.g.
	// "route_flow_counter" (spec.md supplemented feature,
	// routeorch::getRouteFlowCounterSupported()).
	Capability(name string) bool
}
