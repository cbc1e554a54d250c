package routeorch

import (
	"testing"

	"github.com/newtron-network/newtron/pkg/bulker"
	"github.com/newtron-network/newtron/pkg/bus"
	"github.com/newtron-network/newtron/pkg/consumer"
	"github.com/newtron-network/newtron/pkg/nhtypes"
	"github.com/newtron-network/newtron/pkg/restable"
	"github.com/newtron-network/newtron/pkg/saiapi"
	"github.com/newtron-network/newtron/pkg/saiapi/refimpl"
)

// fakeSource is a bus.Source double that never touches Redis.
type fakeSource struct {
	table string
	ready chan struct{}
}

func newFakeSource(table string) *fakeSource {
	return &fakeSource{table: table, ready: make(chan struct{}, 1)}
}

func (f *fakeSource) Pop(int) ([]bus.Update, error) { return nil, nil }
func (f *fakeSource) Ready() <-chan struct{}        { return f.ready }
func (f *fakeSource) TableName() string             { return f.table }
func (f *fakeSource) Close() error                  { return nil }

func newReconciler(backend saiapi.ResourceManager) (*Reconciler, *consumer.Consumer) {
	tables := restable.New()
	r := &Reconciler{
		VRF:          "default",
		Tables:       tables,
		RouteBulker:  bulker.New(saiapi.ObjectRoute, backend),
		GroupBulker:  bulker.New(saiapi.ObjectNextHopGroup, backend),
		MemberBulker: bulker.New(saiapi.ObjectNextHopGroupMember, backend),
	}
	c := consumer.New(bus.ApplDB, "ROUTE_TABLE", newFakeSource("ROUTE_TABLE"))
	return r, c
}

func TestDoTaskSkipClassAliasSettlesWithoutBackendCall(t *testing.T) {
	backend := refimpl.New()
	r, c := newReconciler(backend)

	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"ifname": "eth0",
	}})

	r.DoTask(c)

	if !c.Empty() {
		t.Errorf("expected skip-class entry to settle and erase")
	}
	if backend.ObjectID(saiapi.ObjectRoute, "10.0.0.0/24") != 0 {
		t.Errorf("expected no backend route object for a skip-class alias")
	}
}

func TestDoTaskBlackholeCreatesDropRoute(t *testing.T) {
	backend := refimpl.New()
	r, c := newReconciler(backend)

	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{"blackhole": "true"}})

	r.DoTask(c)

	if !c.Empty() {
		t.Errorf("expected blackhole entry to settle")
	}
	if backend.ObjectID(saiapi.ObjectRoute, "10.0.0.0/24") == 0 {
		t.Errorf("expected a backend route object for the blackhole route")
	}
	if _, ok := r.Tables.LookupRoute("10.0.0.0/24"); !ok {
		t.Errorf("expected route resource table entry after settle")
	}
}

func TestDoTaskSingleNextHopNeedsResolvedNeighbor(t *testing.T) {
	backend := refimpl.New()
	r, c := newReconciler(backend)

	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"nexthop": "10.1.1.2", "ifname": "Ethernet4",
	}})

	r.DoTask(c)
	if c.Empty() {
		t.Fatalf("expected entry to remain pending until the neighbor resolves")
	}

	r.Tables.AcquireNextHop("10.1.1.2", "Ethernet4", func() (uint64, error) { return 42, nil })
	r.DoTask(c)

	if !c.Empty() {
		t.Errorf("expected entry to settle once the neighbor is resolved")
	}
	if backend.ObjectID(saiapi.ObjectRoute, "10.0.0.0/24") == 0 {
		t.Errorf("expected a backend route object once settled")
	}
}

func TestDoTaskMultiNextHopCreatesGroupAndMembers(t *testing.T) {
	backend := refimpl.New()
	r, c := newReconciler(backend)

	r.Tables.AcquireNextHop("10.1.1.2", "Ethernet4", func() (uint64, error) { return 1, nil })
	r.Tables.AcquireNextHop("10.1.2.2", "Ethernet5", func() (uint64, error) { return 2, nil })

	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"nexthop": "10.1.1.2,10.1.2.2", "ifname": "Ethernet4,Ethernet5",
	}})

	r.DoTask(c)

	if !c.Empty() {
		t.Fatalf("expected ECMP route entry to settle")
	}
	route, ok := r.Tables.LookupRoute("10.0.0.0/24")
	if !ok {
		t.Fatalf("expected route resource entry after settle")
	}
	if route.GroupKey.Size() != 2 {
		t.Errorf("group key size = %d, want 2", route.GroupKey.Size())
	}
	group, ok := r.Tables.LookupGroup(route.GroupKey)
	if !ok {
		t.Fatalf("expected live group entry")
	}
	if len(group.Members) != 2 {
		t.Errorf("group has %d members, want 2", len(group.Members))
	}
}

func TestDoTaskGroupCapacityExhaustionLeavesEntryPending(t *testing.T) {
	backend := refimpl.New()
	backend.MaxGroups = 1 // only one live NextHopGroup object allowed
	r, c := newReconciler(backend)

	r.Tables.AcquireNextHop("10.1.1.2", "Ethernet4", func() (uint64, error) { return 1, nil })
	r.Tables.AcquireNextHop("10.1.2.2", "Ethernet5", func() (uint64, error) { return 2, nil })

	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"nexthop": "10.1.1.2,10.1.2.2", "ifname": "Ethernet4,Ethernet5",
	}})
	c.Merge("20.0.0.0/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"nexthop": "10.1.1.2,10.1.2.2", "ifname": "Ethernet5,Ethernet4",
	}})
	r.Tables.AcquireNextHop("10.1.1.2", "Ethernet5", func() (uint64, error) { return 3, nil })
	r.Tables.AcquireNextHop("10.1.2.2", "Ethernet4", func() (uint64, error) { return 4, nil })

	r.DoTask(c)

	// Both routes build distinct group keys (different member pairing), so
	// the second group create should report capacity exhaustion and stay
	// pending while the first settles.
	if c.Empty() {
		t.Errorf("expected the capacity-exhausted route to remain pending")
	}
}

func TestDoTaskDeleteReleasesGroupAtZeroRefcount(t *testing.T) {
	backend := refimpl.New()
	r, c := newReconciler(backend)

	r.Tables.AcquireNextHop("10.1.1.2", "Ethernet4", func() (uint64, error) { return 1, nil })
	r.Tables.AcquireNextHop("10.1.2.2", "Ethernet5", func() (uint64, error) { return 2, nil })
	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"nexthop": "10.1.1.2,10.1.2.2", "ifname": "Ethernet4,Ethernet5",
	}})
	r.DoTask(c)
	route, ok := r.Tables.LookupRoute("10.0.0.0/24")
	if !ok {
		t.Fatalf("expected route resource entry after set")
	}

	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpDel})
	r.DoTask(c)

	if _, ok := r.Tables.LookupRoute("10.0.0.0/24"); ok {
		t.Errorf("expected route resource entry gone after delete")
	}
	if backend.ObjectID(saiapi.ObjectRoute, "10.0.0.0/24") != 0 {
		t.Errorf("expected backend route object removed")
	}
	if _, ok := r.Tables.LookupGroup(route.GroupKey); ok {
		t.Errorf("expected the group released once its only route is deleted")
	}
}

func TestDoTaskInvalidEntryErasesWithoutBackendCall(t *testing.T) {
	backend := refimpl.New()
	r, c := newReconciler(backend)

	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"nexthop_group": "3", "nexthop": "10.1.1.2",
	}})

	r.DoTask(c)

	if !c.Empty() {
		t.Errorf("expected mutually-exclusive nexthop_group+nexthop entry to be erased as invalid")
	}
	if backend.ObjectID(saiapi.ObjectRoute, "10.0.0.0/24") != 0 {
		t.Errorf("expected no backend route object for an invalid entry")
	}
}

func TestDefaultAndLinkLocalBootstrapPrefixes(t *testing.T) {
	prefixes := DefaultRoutes()
	if len(prefixes) != 2 {
		t.Fatalf("expected 2 default route prefixes, got %d", len(prefixes))
	}

	mac, err := nhtypes.ParseMAC("00:11:22:33:44:55")
	if err != nil {
		t.Fatalf("ParseMAC: %v", err)
	}
	llPrefixes, err := LinkLocalBootstrapPrefixes(mac)
	if err != nil {
		t.Fatalf("LinkLocalBootstrapPrefixes: %v", err)
	}
	if len(llPrefixes) != 2 {
		t.Fatalf("expected 2 link-local bootstrap prefixes, got %d", len(llPrefixes))
	}
	if !llPrefixes[0].IsFullMask() {
		t.Errorf("expected the device's own EUI-64 address to be a full-mask prefix")
	}
}
