package vlanorch

import (
	"testing"

	"github.com/newtron-network/newtron/pkg/bus"
	"github.com/newtron-network/newtron/pkg/consumer"
	"github.com/newtron-network/newtron/pkg/nhtypes"
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

type fakeRunner struct {
	calls [][]string
	fail  map[string]bool // command name -> force failure
}

func newFakeRunner() *fakeRunner { return &fakeRunner{fail: make(map[string]bool)} }

func (f *fakeRunner) Run(name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	if f.fail[name] {
		return []byte("forced failure"), errRunnerForced
	}
	return nil, nil
}

var errRunnerForced = fmtErrorf("forced failure")

func fmtErrorf(s string) error { return &simpleErr{s} }

type simpleErr struct{ s string }

func (e *simpleErr) Error() string { return e.s }

type fakeSysfs struct {
	flags map[string]bool
}

func newFakeSysfs() *fakeSysfs { return &fakeSysfs{flags: make(map[string]bool)} }

func (f *fakeSysfs) WriteFlag(port, attr string, on bool) error {
	f.flags[port+"/"+attr] = on
	return nil
}

type fakeStateStore struct {
	state map[string]map[string]string
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{state: make(map[string]map[string]string)}
}

func (f *fakeStateStore) Get(table, key string) (map[string]string, error) {
	return f.state[table+"|"+key], nil
}

func (f *fakeStateStore) Set(table, key string, fields map[string]string) error {
	f.state[table+"|"+key] = fields
	return nil
}

type fakePublisher struct {
	published map[string]map[string]string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string]map[string]string)}
}

func (f *fakePublisher) Set(table, key string, fields map[string]string) error {
	f.published[table+"|"+key] = fields
	return nil
}

func (f *fakePublisher) Delete(table, key string) error {
	delete(f.published, table+"|"+key)
	return nil
}

func newReconciler() (*Reconciler, *fakeRunner, *fakeStateStore, *fakePublisher) {
	runner := newFakeRunner()
	sysfs := newFakeSysfs()
	state := newFakeStateStore()
	pub := newFakePublisher()
	r := New(nil, runner, sysfs, state, pub)
	mac, _ := nhtypes.ParseMAC("00:11:22:33:44:55")
	r.SwitchMAC = mac
	r.SwitchMACKnown = true
	return r, runner, state, pub
}

func TestDoVlanTaskDefersUntilSwitchMACKnown(t *testing.T) {
	r, _, _, _ := newReconciler()
	r.SwitchMACKnown = false
	c := consumer.New(bus.ApplDB, "VLAN_TABLE", newFakeSource("VLAN_TABLE"))
	c.Merge("Vlan100", bus.Update{Op: bus.OpSet, Fields: map[string]string{}})

	r.DoVlanTask(c)

	if c.Empty() {
		t.Errorf("expected the VLAN entry to stay pending while the switch MAC is unknown")
	}
}

func TestDoVlanTaskCreatesVlanAndPublishesState(t *testing.T) {
	r, runner, state, pub := newReconciler()
	c := consumer.New(bus.ApplDB, "VLAN_TABLE", newFakeSource("VLAN_TABLE"))
	c.Merge("Vlan100", bus.Update{Op: bus.OpSet, Fields: map[string]string{}})

	r.DoVlanTask(c)

	if !c.Empty() {
		t.Fatalf("expected VLAN entry to settle")
	}
	if len(runner.calls) == 0 {
		t.Fatalf("expected shell commands to be issued")
	}
	if s, ok := state.state["VLAN_TABLE|Vlan100"]; !ok || s["state"] != "ok" {
		t.Errorf("expected state=ok published for Vlan100")
	}
	if _, ok := pub.published["VLAN_TABLE|Vlan100"]; !ok {
		t.Errorf("expected VLAN_TABLE entry published to the app bus")
	}
}

func TestDoVlanMemberTaskWaitsForDependencies(t *testing.T) {
	r, _, _, _ := newReconciler()
	c := consumer.New(bus.ApplDB, "VLAN_MEMBER_TABLE", newFakeSource("VLAN_MEMBER_TABLE"))
	c.Merge("Vlan100|Ethernet4", bus.Update{Op: bus.OpSet, Fields: map[string]string{"tagging_mode": "untagged"}})

	r.DoVlanMemberTask(c)

	if c.Empty() {
		t.Errorf("expected member entry to stay pending until port and VLAN are state=ok")
	}
}

func TestDoVlanMemberTaskAttachesOnceReady(t *testing.T) {
	r, runner, state, pub := newReconciler()
	state.Set("PORT_TABLE", "Ethernet4", map[string]string{"state": "ok"})
	state.Set("VLAN_TABLE", "Vlan100", map[string]string{"state": "ok"})

	c := consumer.New(bus.ApplDB, "VLAN_MEMBER_TABLE", newFakeSource("VLAN_MEMBER_TABLE"))
	c.Merge("Vlan100|Ethernet4", bus.Update{Op: bus.OpSet, Fields: map[string]string{"tagging_mode": "untagged"}})

	r.DoVlanMemberTask(c)

	if !c.Empty() {
		t.Fatalf("expected member entry to settle once dependencies are ready")
	}
	if _, ok := pub.published["VLAN_MEMBER_TABLE|Vlan100|Ethernet4"]; !ok {
		t.Errorf("expected member entry published")
	}
	foundMaster := false
	for _, call := range runner.calls {
		if len(call) >= 5 && call[0] == "ip" && call[2] == "set" && call[4] == "master" {
			foundMaster = true
		}
	}
	if !foundMaster {
		t.Errorf("expected the port to be attached to the bridge")
	}
}

func TestDoVlanMemberTaskInvalidTaggingModeErases(t *testing.T) {
	r, _, state, _ := newReconciler()
	state.Set("PORT_TABLE", "Ethernet4", map[string]string{"state": "ok"})
	state.Set("VLAN_TABLE", "Vlan100", map[string]string{"state": "ok"})

	c := consumer.New(bus.ApplDB, "VLAN_MEMBER_TABLE", newFakeSource("VLAN_MEMBER_TABLE"))
	c.Merge("Vlan100|Ethernet4", bus.Update{Op: bus.OpSet, Fields: map[string]string{"tagging_mode": "bogus"}})

	r.DoVlanMemberTask(c)

	if !c.Empty() {
		t.Errorf("expected invalid tagging_mode to be erased")
	}
}

func TestDetachMemberNomasterOnLastMembership(t *testing.T) {
	r, runner, state, _ := newReconciler()
	state.Set("PORT_TABLE", "Ethernet4", map[string]string{"state": "ok"})
	state.Set("VLAN_TABLE", "Vlan100", map[string]string{"state": "ok"})
	c := consumer.New(bus.ApplDB, "VLAN_MEMBER_TABLE", newFakeSource("VLAN_MEMBER_TABLE"))
	c.Merge("Vlan100|Ethernet4", bus.Update{Op: bus.OpSet, Fields: map[string]string{"tagging_mode": "untagged"}})
	r.DoVlanMemberTask(c)

	c.Merge("Vlan100|Ethernet4", bus.Update{Op: bus.OpDel})
	r.DoVlanMemberTask(c)

	foundNomaster := false
	for _, call := range runner.calls {
		if len(call) >= 3 && call[0] == "ip" && call[len(call)-1] == "nomaster" {
			foundNomaster = true
		}
	}
	if !foundNomaster {
		t.Errorf("expected nomaster once the port's last VLAN membership is removed")
	}
}

func TestDoInterfaceTaskTracksPrefixForCoversSubnet(t *testing.T) {
	r, _, _, _ := newReconciler()
	c := consumer.New(bus.ApplDB, "INTF_TABLE", newFakeSource("INTF_TABLE"))
	c.Merge("Ethernet4|10.0.0.1/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{}})

	r.DoInterfaceTask(c)

	if !c.Empty() {
		t.Fatalf("expected interface-IP entry to settle")
	}
	prefix, err := nhtypes.ParseIPPrefix("10.0.0.0/24")
	if err != nil {
		t.Fatalf("ParseIPPrefix: %v", err)
	}
	if !r.CoversSubnet("Ethernet4", prefix) {
		t.Errorf("expected Ethernet4 to cover 10.0.0.0/24 after address assignment")
	}
}

func TestDoSwitchTaskAppliesFloodControlToAllKnownPorts(t *testing.T) {
	r, _, state, _ := newReconciler()
	state.Set("PORT_TABLE", "Ethernet4", map[string]string{"state": "ok"})
	state.Set("VLAN_TABLE", "Vlan100", map[string]string{"state": "ok"})
	memberC := consumer.New(bus.ApplDB, "VLAN_MEMBER_TABLE", newFakeSource("VLAN_MEMBER_TABLE"))
	memberC.Merge("Vlan100|Ethernet4", bus.Update{Op: bus.OpSet, Fields: map[string]string{"tagging_mode": "untagged"}})
	r.DoVlanMemberTask(memberC)

	sysfs := r.Sysfs.(*fakeSysfs)
	c := consumer.New(bus.ApplDB, "SWITCH_TABLE", newFakeSource("SWITCH_TABLE"))
	c.Merge("switch", bus.Update{Op: bus.OpSet, Fields: map[string]string{"unicast_flood": "disabled"}})
	r.DoSwitchTask(c)

	if sysfs.flags["Ethernet4/unicast_flood"] {
		t.Errorf("expected unicast_flood disabled on Ethernet4 after switch-level toggle")
	}
}
