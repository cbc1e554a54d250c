package errororch

import (
	"fmt"
	"strings"
	"testing"
)

type fakeStore struct {
	tables    map[string]map[string]map[string]string
	published []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{tables: make(map[string]map[string]map[string]string)}
}

func (f *fakeStore) Set(table, key string, fields map[string]string) error {
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]map[string]string)
	}
	f.tables[table][key] = fields
	return nil
}

func (f *fakeStore) Get(table, key string) (map[string]string, error) {
	return f.tables[table][key], nil
}

func (f *fakeStore) Delete(table, key string) error {
	delete(f.tables[table], key)
	return nil
}

func (f *fakeStore) Keys(table string) ([]string, error) {
	var out []string
	for k := range f.tables[table] {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeStore) Publish(channel, message string) error {
	f.published = append(f.published, channel+" "+message)
	return nil
}

type neighMapper struct{}

func (neighMapper) Prefix() string   { return "SAI_OBJECT_TYPE_NEIGHBOR_ENTRY" }
func (neighMapper) AppTable() string { return "NEIGH_TABLE" }

func (neighMapper) MapToErrorDbFormat(rawKey string, attrs map[string]interface{}) (string, map[string]string, bool) {
	rifOid, _ := attrs["rif_oid"].(string)
	ip, _ := attrs["ip"].(string)
	if rifOid != "oid:0x1000000000001" {
		return "", nil, false
	}
	appKey := "Ethernet0:" + ip
	fields := map[string]string{}
	if mac, ok := attrs["neigh"].(string); ok {
		fields["neigh"] = mac
	}
	return appKey, fields, true
}

func TestHandleNotificationWritesErrorRecord(t *testing.T) {
	store := newFakeStore()
	r := New(store)
	r.Register(neighMapper{})

	payload := fmt.Sprintf(`{"key":"SAI_OBJECT_TYPE_NEIGHBOR_ENTRY:x","operation":"create","rc":"SAI_STATUS_INSUFFICIENT_RESOURCES","attrs":{"rif_oid":"oid:0x1000000000001","ip":"2.2.2.2","neigh":"00:11:22:33:44:55"}}`)
	if err := r.HandleNotification(payload); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	fields, _ := store.Get("ERROR_NEIGH_TABLE", "Ethernet0:2.2.2.2")
	if fields == nil {
		t.Fatalf("expected an ERROR_NEIGH_TABLE record for Ethernet0:2.2.2.2")
	}
	if fields["rc"] != RCNoMemory {
		t.Errorf("rc = %q, want %q", fields["rc"], RCNoMemory)
	}
	if fields["operation"] != "create" {
		t.Errorf("operation = %q, want create", fields["operation"])
	}
	if len(store.published) != 1 || !strings.Contains(store.published[0], "ERROR_NEIGH_TABLE_CHANNEL") {
		t.Errorf("expected a publish on ERROR_NEIGH_TABLE_CHANNEL, got %v", store.published)
	}
}

func TestHandleNotificationRemovesRecordOnSuccess(t *testing.T) {
	store := newFakeStore()
	r := New(store)
	r.Register(neighMapper{})

	failPayload := `{"key":"SAI_OBJECT_TYPE_NEIGHBOR_ENTRY:x","operation":"create","rc":"SAI_STATUS_INSUFFICIENT_RESOURCES","attrs":{"rif_oid":"oid:0x1000000000001","ip":"2.2.2.2","neigh":"00:11:22:33:44:55"}}`
	r.HandleNotification(failPayload)

	okPayload := `{"key":"SAI_OBJECT_TYPE_NEIGHBOR_ENTRY:x","operation":"create","rc":"SAI_STATUS_SUCCESS","attrs":{"rif_oid":"oid:0x1000000000001","ip":"2.2.2.2","neigh":"00:11:22:33:44:55"}}`
	if err := r.HandleNotification(okPayload); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	if fields, _ := store.Get("ERROR_NEIGH_TABLE", "Ethernet0:2.2.2.2"); fields != nil {
		t.Errorf("expected the error record to be removed after success, got %v", fields)
	}
	if len(store.published) != 2 {
		t.Errorf("expected a second publish on the success transition, got %d", len(store.published))
	}
}

func TestHandleNotificationSuccessWithNoPriorFailureIsNoop(t *testing.T) {
	store := newFakeStore()
	r := New(store)
	r.Register(neighMapper{})

	payload := `{"key":"SAI_OBJECT_TYPE_NEIGHBOR_ENTRY:x","operation":"create","rc":"SAI_STATUS_SUCCESS","attrs":{"rif_oid":"oid:0x1000000000001","ip":"3.3.3.3"}}`
	if err := r.HandleNotification(payload); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if len(store.published) != 0 {
		t.Errorf("expected no publish when there was no prior outstanding error")
	}
}

func TestHandleNotificationUnresolvedKeyIsDropped(t *testing.T) {
	store := newFakeStore()
	r := New(store)
	r.Register(neighMapper{})

	payload := `{"key":"SAI_OBJECT_TYPE_NEIGHBOR_ENTRY:x","operation":"create","rc":"SAI_STATUS_FAILURE","attrs":{"rif_oid":"oid:0xdeadbeef","ip":"2.2.2.2"}}`
	if err := r.HandleNotification(payload); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if len(store.tables["ERROR_NEIGH_TABLE"]) != 0 {
		t.Errorf("expected no record written for an unresolvable rif oid")
	}
}

func TestFlushAllDropsEveryWrittenTable(t *testing.T) {
	store := newFakeStore()
	r := New(store)
	r.Register(neighMapper{})

	r.HandleNotification(`{"key":"SAI_OBJECT_TYPE_NEIGHBOR_ENTRY:x","operation":"create","rc":"SAI_STATUS_FAILURE","attrs":{"rif_oid":"oid:0x1000000000001","ip":"2.2.2.2"}}`)
	r.HandleNotification(`{"key":"SAI_OBJECT_TYPE_NEIGHBOR_ENTRY:y","operation":"create","rc":"SAI_STATUS_FAILURE","attrs":{"rif_oid":"oid:0x1000000000001","ip":"3.3.3.3"}}`)

	if err := r.Flush(`{"table":"ALL"}`); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(store.tables["ERROR_NEIGH_TABLE"]) != 0 {
		t.Errorf("expected FLUSH_ERROR_DB ALL to drop every record")
	}
}
