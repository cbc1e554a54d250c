package routeorch

import "testing"

func TestErrorMapperStripsPrefix(t *testing.T) {
	m := ErrorMapper{}
	if m.Prefix() != RouteEntryPrefix {
		t.Fatalf("Prefix() = %q, want %q", m.Prefix(), RouteEntryPrefix)
	}
	if m.AppTable() != "ROUTE_TABLE" {
		t.Fatalf("AppTable() = %q, want ROUTE_TABLE", m.AppTable())
	}

	appKey, fields, ok := m.MapToErrorDbFormat(RouteEntryPrefix+"10.2.0.0/16", map[string]interface{}{
		"next_hop_id": uint64(42),
	})
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if appKey != "10.2.0.0/16" {
		t.Errorf("appKey = %q, want 10.2.0.0/16", appKey)
	}
	if fields["next_hop_id"] != "42" {
		t.Errorf("fields[next_hop_id] = %q, want 42", fields["next_hop_id"])
	}
}

func TestErrorMapperRejectsEmptyKey(t *testing.T) {
	m := ErrorMapper{}
	if _, _, ok := m.MapToErrorDbFormat(RouteEntryPrefix, nil); ok {
		t.Errorf("expected ok=false when nothing follows the route-entry prefix")
	}
}
