package bulker

import (
	"testing"

	"github.com/newtron-network/newtron/pkg/saiapi"
	"github.com/newtron-network/newtron/pkg/saiapi/refimpl"
)

func TestCreateThenFlushSucceeds(t *testing.T) {
	backend := refimpl.New()
	b := New(saiapi.ObjectRoute, backend)

	status := b.CreateEntry("10.0.0.0/24", saiapi.Attrs{"next_hop_id": "1"})
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if status.Status != saiapi.StatusSuccess {
		t.Errorf("status = %v, want SUCCESS", status.Status)
	}
}

func TestDuplicateCreateIsIdempotentFailure(t *testing.T) {
	backend := refimpl.New()
	b := New(saiapi.ObjectRoute, backend)

	b.CreateEntry("10.0.0.0/24", nil)
	b.Flush()

	status := b.CreateEntry("10.0.0.0/24", nil)
	b.Flush()

	if status.Status != saiapi.StatusItemAlreadyExists {
		t.Errorf("status = %v, want ITEM_ALREADY_EXISTS", status.Status)
	}
}

func TestRemoveAbsentIsIdempotentNotFound(t *testing.T) {
	backend := refimpl.New()
	b := New(saiapi.ObjectRoute, backend)

	status := b.RemoveEntry("10.0.0.0/24")
	b.Flush()

	if status.Status != saiapi.StatusItemNotFound {
		t.Errorf("status = %v, want ITEM_NOT_FOUND", status.Status)
	}
}

func TestRemoveThenCreateInSameFlushSucceeds(t *testing.T) {
	backend := refimpl.New()
	b := New(saiapi.ObjectRoute, backend)

	b.CreateEntry("10.0.0.0/24", nil)
	b.Flush()

	removeStatus := b.RemoveEntry("10.0.0.0/24")
	createStatus := b.CreateEntry("10.0.0.0/24", saiapi.Attrs{"next_hop_id": "2"})
	b.Flush()

	if removeStatus.Status != saiapi.StatusSuccess {
		t.Errorf("remove status = %v, want SUCCESS", removeStatus.Status)
	}
	if createStatus.Status != saiapi.StatusSuccess {
		t.Errorf("create status = %v, want SUCCESS (remove must flush before create)", createStatus.Status)
	}
}

func TestBulkEntryPendingRemovalPeek(t *testing.T) {
	backend := refimpl.New()
	b := New(saiapi.ObjectRoute, backend)

	b.RemoveEntry("10.0.0.0/24")
	if !b.BulkEntryPendingRemoval("10.0.0.0/24") {
		t.Errorf("expected pending removal to be visible before flush")
	}
	if b.BulkEntryPendingRemoval("10.1.0.0/24") {
		t.Errorf("unrelated key should not show pending removal")
	}
}

func TestCapacityExhaustionReturnsInsufficientResources(t *testing.T) {
	backend := refimpl.New()
	backend.MaxGroups = 1
	b := New(saiapi.ObjectNextHopGroup, backend)

	s1 := b.CreateEntry("group-a", nil)
	s2 := b.CreateEntry("group-b", nil)
	b.Flush()

	if s1.Status != saiapi.StatusSuccess {
		t.Errorf("first group create = %v, want SUCCESS", s1.Status)
	}
	if s2.Status != saiapi.StatusInsufficientResources {
		t.Errorf("second group create = %v, want INSUFFICIENT_RESOURCES", s2.Status)
	}
}

func TestSettingAndRemovingEntriesCount(t *testing.T) {
	backend := refimpl.New()
	b := New(saiapi.ObjectRoute, backend)

	b.SetEntryAttribute("k1", saiapi.Attrs{"a": "1"})
	b.SetEntryAttribute("k2", saiapi.Attrs{"a": "1"})
	b.RemoveEntry("k3")

	if got := b.SettingEntriesCount(); got != 2 {
		t.Errorf("SettingEntriesCount = %d, want 2", got)
	}
	if got := b.RemovingEntriesCount(); got != 1 {
		t.Errorf("RemovingEntriesCount = %d, want 1", got)
	}
}
