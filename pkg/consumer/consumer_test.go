package consumer

import (
	"os"
	"testing"

	"github.com/newtron-network/newtron/pkg/bus"
)

// fakeSource is a Source double that never touches Redis.
type fakeSource struct {
	table string
	ready chan struct{}
}

func newFakeSource(table string) *fakeSource {
	return &fakeSource{table: table, ready: make(chan struct{}, 1)}
}

func (f *fakeSource) Pop(batchSize int) ([]bus.Update, error) { return nil, nil }
func (f *fakeSource) Ready() <-chan struct{}                  { return f.ready }
func (f *fakeSource) TableName() string                       { return f.table }
func (f *fakeSource) Close() error                            { return nil }

func TestMergeSetThenSetIsFieldLevelRightWins(t *testing.T) {
	c := New(bus.ApplDB, "ROUTE_TABLE", newFakeSource("ROUTE_TABLE"))

	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"nexthop": "10.1.1.1", "ifname": "Ethernet0",
	}})
	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{
		"nexthop": "10.1.1.2",
	}})

	var got Entry
	c.ForEach(func(key string, e Entry) bool {
		if key == "10.0.0.0/24" {
			got = e
		}
		return false
	})

	if got.Fields["nexthop"] != "10.1.1.2" {
		t.Errorf("nexthop = %q, want right-wins value 10.1.1.2", got.Fields["nexthop"])
	}
	if got.Fields["ifname"] != "Ethernet0" {
		t.Errorf("ifname = %q, want surviving prior value Ethernet0", got.Fields["ifname"])
	}
}

func TestMergeDelWins(t *testing.T) {
	c := New(bus.ApplDB, "ROUTE_TABLE", newFakeSource("ROUTE_TABLE"))

	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{"nexthop": "10.1.1.1"}})
	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpDel})

	var sawDel bool
	c.ForEach(func(key string, e Entry) bool {
		if key == "10.0.0.0/24" && e.Op == bus.OpDel {
			sawDel = true
		}
		return false
	})
	if !sawDel {
		t.Errorf("expected DEL to win over prior SET")
	}
}

func TestForEachEraseRemovesEntry(t *testing.T) {
	c := New(bus.ApplDB, "ROUTE_TABLE", newFakeSource("ROUTE_TABLE"))
	c.Merge("k1", bus.Update{Op: bus.OpSet, Fields: map[string]string{"a": "1"}})

	c.ForEach(func(key string, e Entry) bool { return true })

	if !c.Empty() {
		t.Errorf("expected inbox empty after erase, still has entries")
	}
}

func TestForEachSkipLeavesEntryForRetry(t *testing.T) {
	c := New(bus.ApplDB, "ROUTE_TABLE", newFakeSource("ROUTE_TABLE"))
	c.Merge("k1", bus.Update{Op: bus.OpSet, Fields: map[string]string{"a": "1"}})

	c.ForEach(func(key string, e Entry) bool { return false })

	if c.Empty() {
		t.Errorf("expected inbox to retain entry marked need-retry")
	}
}

func TestEnableRecordingAppendsLine(t *testing.T) {
	dir := t.TempDir()
	c := New(bus.ApplDB, "ROUTE_TABLE", newFakeSource("ROUTE_TABLE"))
	if err := c.EnableRecording(dir); err != nil {
		t.Fatalf("EnableRecording: %v", err)
	}
	c.Merge("10.0.0.0/24", bus.Update{Op: bus.OpSet, Fields: map[string]string{"nexthop": "10.1.1.1"}})
	c.Close()

	data, err := os.ReadFile(dir + "/ROUTE_TABLE.record")
	if err != nil {
		t.Fatalf("reading record file: %v", err)
	}
	if len(data) == 0 {
		t.Errorf("expected non-empty record file")
	}
}
