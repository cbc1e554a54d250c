package iptrie

import (
	"testing"

	"github.com/newtron-network/newtron/pkg/nhtypes"
)

func mustPrefix(t *testing.T, s string) nhtypes.IpPrefix {
	t.Helper()
	p, err := nhtypes.ParseIPPrefix(s)
	if err != nil {
		t.Fatalf("ParseIPPrefix(%q): %v", s, err)
	}
	return p
}

func TestInsertAndLookupLongestMatch(t *testing.T) {
	tr := New()
	tr.Insert(mustPrefix(t, "10.0.0.0/8"), "a")
	tr.Insert(mustPrefix(t, "10.1.0.0/16"), "b")
	tr.Insert(mustPrefix(t, "10.1.1.0/24"), "c")

	_, value, err := tr.Lookup(mustPrefix(t, "10.1.1.1/32"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if value != "c" {
		t.Errorf("value = %v, want c (most specific match)", value)
	}
}

func TestLookupMiss(t *testing.T) {
	tr := New()
	tr.Insert(mustPrefix(t, "10.0.0.0/8"), "a")

	_, _, err := tr.Lookup(mustPrefix(t, "192.168.1.0/24"))
	if err == nil {
		t.Errorf("expected a miss for a disjoint prefix")
	}
}

func TestOverlapsDetectsSupernetAndSubnet(t *testing.T) {
	tr := New()
	tr.Insert(mustPrefix(t, "10.0.0.0/16"), "existing")

	if _, ok := tr.Overlaps(mustPrefix(t, "10.0.1.0/24")); !ok {
		t.Errorf("expected subnet of existing pattern to overlap")
	}
	if _, ok := tr.Overlaps(mustPrefix(t, "10.0.0.0/8")); !ok {
		t.Errorf("expected supernet of existing pattern to overlap")
	}
	if _, ok := tr.Overlaps(mustPrefix(t, "192.168.0.0/16")); ok {
		t.Errorf("disjoint prefix should not overlap")
	}
}

func TestDeleteRemovesExactEntryAndPromotesChildren(t *testing.T) {
	tr := New()
	tr.Insert(mustPrefix(t, "10.0.0.0/8"), "a")
	tr.Insert(mustPrefix(t, "10.1.0.0/16"), "b")

	if !tr.Delete(mustPrefix(t, "10.0.0.0/8")) {
		t.Fatalf("Delete reported not found for an existing entry")
	}

	_, value, err := tr.Lookup(mustPrefix(t, "10.1.1.1/32"))
	if err != nil {
		t.Fatalf("Lookup after delete: %v", err)
	}
	if value != "b" {
		t.Errorf("value = %v, want b to survive parent deletion", value)
	}
}

func TestReinsertReplacesValue(t *testing.T) {
	tr := New()
	tr.Insert(mustPrefix(t, "10.0.0.0/8"), "a")
	tr.Insert(mustPrefix(t, "10.0.0.0/8"), "b")

	_, value, err := tr.Lookup(mustPrefix(t, "10.1.1.1/32"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if value != "b" {
		t.Errorf("value = %v, want replaced value b", value)
	}
}
