package restable

import (
	"testing"

	"github.com/newtron-network/newtron/pkg/nhtypes"
)

func TestAcquireInterfaceCreatesOnceRefcountsAfter(t *testing.T) {
	rt := New()
	creates := 0
	create := func() (uint64, uint64, int, error) {
		creates++
		return 100, 1, 1500, nil
	}

	ri1, err := rt.AcquireInterface("Ethernet0", create)
	if err != nil {
		t.Fatalf("AcquireInterface: %v", err)
	}
	ri2, err := rt.AcquireInterface("Ethernet0", create)
	if err != nil {
		t.Fatalf("AcquireInterface (2nd): %v", err)
	}

	if creates != 1 {
		t.Errorf("create called %d times, want 1", creates)
	}
	if ri1.RefCount != 2 || ri2.RefCount != 2 {
		t.Errorf("refcount = %d, want 2 after two acquires", ri1.RefCount)
	}
}

func TestReleaseInterfaceDestroysAtZero(t *testing.T) {
	rt := New()
	rt.AcquireInterface("Ethernet0", func() (uint64, uint64, int, error) { return 100, 1, 1500, nil })

	destroyed := false
	if err := rt.ReleaseInterface("Ethernet0", false, func(uint64) error {
		destroyed = true
		return nil
	}); err != nil {
		t.Fatalf("ReleaseInterface: %v", err)
	}

	if !destroyed {
		t.Errorf("expected destroy to be called at refcount zero")
	}
	if _, ok := rt.LookupInterface("Ethernet0"); ok {
		t.Errorf("expected interface entry gone after destroy")
	}
}

func TestReleaseInterfaceKeepsWithCoveringIP(t *testing.T) {
	rt := New()
	rt.AcquireInterface("Ethernet0", func() (uint64, uint64, int, error) { return 100, 1, 1500, nil })

	destroyed := false
	rt.ReleaseInterface("Ethernet0", true, func(uint64) error {
		destroyed = true
		return nil
	})

	if destroyed {
		t.Errorf("should not destroy while an IP still covers the interface")
	}
	if _, ok := rt.LookupInterface("Ethernet0"); !ok {
		t.Errorf("expected interface entry to survive")
	}
}

func TestAcquireGroupAssignsSequentialSeqIDs(t *testing.T) {
	rt := New()
	members := []nhtypes.NextHopKey{
		{IP: "10.1.1.2", Ifname: "Ethernet4"},
		{IP: "10.1.2.2", Ifname: "Ethernet5"},
	}
	key := nhtypes.NewNextHopGroupKey(members)

	g, err := rt.AcquireGroup(key, func(resolvable []nhtypes.NextHopKey) (uint64, []uint64, bool, error) {
		ids := make([]uint64, len(resolvable))
		for i := range resolvable {
			ids[i] = uint64(i + 1)
		}
		return 500, ids, false, nil
	})
	if err != nil {
		t.Fatalf("AcquireGroup: %v", err)
	}
	if len(g.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(g.Members))
	}
	for _, m := range g.Members {
		if m.SeqID < 1 || m.SeqID > 2 {
			t.Errorf("unexpected seq_id %d", m.SeqID)
		}
	}
}

func TestAcquireGroupSkipsIfDownMembersFromCreateButKeepsKeySize(t *testing.T) {
	rt := New()
	members := []nhtypes.NextHopKey{
		{IP: "10.1.1.2", Ifname: "Ethernet4"},
		{IP: "10.1.2.2", Ifname: "Ethernet5", IfDown: true},
	}
	key := nhtypes.NewNextHopGroupKey(members)

	var gotResolvableCount int
	g, err := rt.AcquireGroup(key, func(resolvable []nhtypes.NextHopKey) (uint64, []uint64, bool, error) {
		gotResolvableCount = len(resolvable)
		return 500, []uint64{1}, false, nil
	})
	if err != nil {
		t.Fatalf("AcquireGroup: %v", err)
	}
	if gotResolvableCount != 1 {
		t.Errorf("create saw %d resolvable members, want 1 (IFDOWN excluded)", gotResolvableCount)
	}
	if key.Size() != 2 {
		t.Errorf("key size = %d, want 2 (IFDOWN member stays in the key)", key.Size())
	}
	if len(g.Members) != 1 {
		t.Errorf("group has %d members, want 1", len(g.Members))
	}
}

func TestReleaseGroupDestroysAtZeroRefcount(t *testing.T) {
	rt := New()
	members := []nhtypes.NextHopKey{{IP: "10.1.1.2", Ifname: "Ethernet4"}}
	key := nhtypes.NewNextHopGroupKey(members)
	rt.AcquireGroup(key, func(r []nhtypes.NextHopKey) (uint64, []uint64, bool, error) {
		return 1, []uint64{1}, false, nil
	})

	destroyed := false
	rt.ReleaseGroup(key, func(g *NextHopGroup) error {
		destroyed = true
		return nil
	})

	if !destroyed {
		t.Errorf("expected destroy at refcount zero")
	}
	if rt.RefcountBalance() == false {
		t.Errorf("expected tables balanced after full release")
	}
}

func TestRouteKeyOmitsDefaultVRF(t *testing.T) {
	p, _ := nhtypes.ParseIPPrefix("10.0.0.0/24")
	if got := RouteKey("default", p); got != "10.0.0.0/24" {
		t.Errorf("RouteKey(default, ...) = %q, want bare prefix", got)
	}
	if got := RouteKey("Vrf1", p); got != "Vrf1:10.0.0.0/24" {
		t.Errorf("RouteKey(Vrf1, ...) = %q, want vrf-prefixed", got)
	}
}

func TestSetDeleteRouteRoundTrip(t *testing.T) {
	rt := New()
	p, _ := nhtypes.ParseIPPrefix("10.0.0.0/24")
	key := RouteKey("default", p)
	groupKey := nhtypes.NewNextHopGroupKey([]nhtypes.NextHopKey{{IP: "10.1.1.2", Ifname: "Ethernet4"}})

	rt.SetRoute(key, groupKey, false)
	if _, ok := rt.LookupRoute(key); !ok {
		t.Fatalf("expected route present after SetRoute")
	}

	r, ok := rt.DeleteRoute(key)
	if !ok {
		t.Fatalf("expected DeleteRoute to find the entry")
	}
	if !r.GroupKey.Equal(groupKey) {
		t.Errorf("deleted route's group key did not round-trip")
	}
	if _, ok := rt.LookupRoute(key); ok {
		t.Errorf("expected route gone after delete")
	}
}
