package nhgorch

import (
	"testing"

	"github.com/newtron-network/newtron/pkg/bulker"
	"github.com/newtron-network/newtron/pkg/bus"
	"github.com/newtron-network/newtron/pkg/consumer"
	"github.com/newtron-network/newtron/pkg/restable"
	"github.com/newtron-network/newtron/pkg/saiapi"
	"github.com/newtron-network/newtron/pkg/saiapi/refimpl"
)

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
	r := New(tables,
		bulker.New(saiapi.ObjectNextHopGroup, backend),
		bulker.New(saiapi.ObjectNextHopGroupMember, backend),
	)
	c := consumer.New(bus.ApplDB, "NEXTHOP_GROUP_TABLE", newFakeSource("NEXTHOP_GROUP_TABLE"))
	return r, c
}

func TestDoTaskBuildsRealGroupOnceMembersResolve(t *testing.T) {
	backend := refimpl.New()
	r, c := newReconciler(backend)

	r.Tables.AcquireNextHop("10.1.1.2", "Ethernet4", func() (uint64, error) { return 1, nil })
	r.Tables.AcquireNextHop("10.1.2.2", "Ethernet5", func() (uint64, error) { return 2, nil })

	c.Merge("3", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"nexthop": "10.1.1.2,10.1.2.2", "ifname": "Ethernet4,Ethernet5",
	}})
	r.DoTask(c)

	if !c.Empty() {
		t.Fatalf("expected group definition to settle once its members resolve")
	}
	_, _, isTemp, ok := r.Resolve("3")
	if !ok {
		t.Fatalf("expected index 3 to resolve")
	}
	if isTemp {
		t.Errorf("expected a real group, not a temp placeholder")
	}
}

func TestDoTaskWaitsForUnresolvedMember(t *testing.T) {
	backend := refimpl.New()
	r, c := newReconciler(backend)

	c.Merge("3", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"nexthop": "10.1.1.2,10.1.2.2", "ifname": "Ethernet4,Ethernet5",
	}})
	r.DoTask(c)

	if c.Empty() {
		t.Fatalf("expected entry to remain pending until neighbors resolve")
	}
	if _, _, _, ok := r.Resolve("3"); ok {
		t.Errorf("expected index 3 unresolved while members are missing")
	}
}

func TestDoTaskRetriesWhileGroupCapacityIsFull(t *testing.T) {
	backend := refimpl.New()
	backend.MaxGroups = 1
	r, c := newReconciler(backend)

	// Occupy the only group slot with an unrelated object so both the real
	// group create and the temp-group fallback report insufficient
	// resources.
	occupier := bulker.New(saiapi.ObjectNextHopGroup, backend)
	occupier.CreateEntry("occupied", nil)
	occupier.Flush()

	r.Tables.AcquireNextHop("10.1.1.2", "Ethernet4", func() (uint64, error) { return 1, nil })
	r.Tables.AcquireNextHop("10.1.2.2", "Ethernet5", func() (uint64, error) { return 2, nil })

	c.Merge("3", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"nexthop": "10.1.1.2,10.1.2.2", "ifname": "Ethernet4,Ethernet5",
	}})
	r.DoTask(c)

	if c.Empty() {
		t.Fatalf("expected the group definition to stay pending while capacity is full")
	}
	if _, _, _, ok := r.Resolve("3"); ok {
		t.Errorf("expected index 3 to stay unresolved while no group slot is free")
	}

	// Free the slot and retry: the group should now build for real.
	occupier.RemoveEntry("occupied")
	occupier.Flush()
	r.DoTask(c)

	if !c.Empty() {
		t.Errorf("expected the group definition to settle once capacity frees up")
	}
	_, _, isTemp, ok := r.Resolve("3")
	if !ok {
		t.Fatalf("expected index 3 to resolve once capacity is free")
	}
	if isTemp {
		t.Errorf("expected a real group once capacity is available")
	}
}

func TestDoTaskDeleteTearsDownGroup(t *testing.T) {
	backend := refimpl.New()
	r, c := newReconciler(backend)

	r.Tables.AcquireNextHop("10.1.1.2", "Ethernet4", func() (uint64, error) { return 1, nil })
	r.Tables.AcquireNextHop("10.1.2.2", "Ethernet5", func() (uint64, error) { return 2, nil })
	c.Merge("3", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"nexthop": "10.1.1.2,10.1.2.2", "ifname": "Ethernet4,Ethernet5",
	}})
	r.DoTask(c)

	c.Merge("3", bus.Update{Op: bus.OpDel})
	r.DoTask(c)

	if _, _, _, ok := r.Resolve("3"); ok {
		t.Errorf("expected index 3 gone after delete")
	}
}

func TestDoTaskInvalidDefinitionErases(t *testing.T) {
	backend := refimpl.New()
	r, c := newReconciler(backend)

	c.Merge("3", bus.Update{Op: bus.OpSet, Fields: map[string]string{"nexthop": "10.1.1.2"}})
	r.DoTask(c)

	if !c.Empty() {
		t.Errorf("expected a definition missing ifname to be erased as invalid")
	}
}
