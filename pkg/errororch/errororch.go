// Package errororch implements the error bus (spec.md §4.8): it consumes
// backend failure/success notifications, resolves backend-side object
// identifiers (router-interface OIDs and the like) into application-visible
// names through a per-object-type mapper, normalizes the reported status
// into the engine's rc vocabulary, and maintains an ERROR_<app-table>
// record per outstanding failure, publishing an oper_<app-table> event on
// that table's notification channel on every write.
package errororch

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/newtron-network/newtron/pkg/util"
)

// NotificationChannel is the backend-side pub/sub channel this reconciler
// subscribes to for create/set/remove result notifications (spec.md §4.8,
// "subscribes to a backend-side notification channel").
const NotificationChannel = "SAI_NOTIFICATION_CHANNEL"

// FlushChannel carries FLUSH_ERROR_DB control payloads (spec.md §4.8,
// "a separate FLUSH_ERROR_DB notification").
const FlushChannel = "FLUSH_ERROR_DB_CHANNEL"

// Normalized rc vocabulary written to ERROR_<table>.rc (spec.md §4.8,
// "normalizes the rc into the engine taxonomy").
const (
	RCSuccess      = "SWSS_RC_SUCCESS"
	RCExists       = "SWSS_RC_EXISTS"
	RCNotFound     = "SWSS_RC_NOT_FOUND"
	RCNotExecuted  = "SWSS_RC_NOT_EXECUTED"
	RCNoMemory     = "SWSS_RC_NO_MEMORY"
	RCInvalidParam = "SWSS_RC_INVALID_PARAM"
	RCUnknown      = "SWSS_RC_UNKNOWN"
)

// ErrorStore is the bus surface this package needs: the ERROR_<table>
// key/value table plus its pub/sub channel. github.com/newtron-network/
// newtron/pkg/bus.Client satisfies this directly.
type ErrorStore interface {
	Set(table, key string, fields map[string]string) error
	Get(table, key string) (map[string]string, error)
	Delete(table, key string) error
	Keys(table string) ([]string, error)
	Publish(channel, message string) error
}

// ObjectMapper owns one supported backend object type's error-record
// translation (spec.md §4.8 step 2, "the owning orch's mapToErrorDbFormat").
// pkg/routeorch and a future neighbor-resolution package each register one.
type ObjectMapper interface {
	// Prefix is the raw notification key's object-type prefix this mapper
	// owns, e.g. "SAI_OBJECT_TYPE_ROUTE_ENTRY:".
	Prefix() string
	// AppTable is the ERROR_<app-table> name this mapper's records live
	// under, e.g. "ROUTE_TABLE".
	AppTable() string
	// MapToErrorDbFormat resolves a raw key and raw backend attributes
	// (which may carry OIDs) into an application key and app-visible
	// fields. ok=false means the notification could not be resolved
	// (e.g. an OID with no known name yet) and is dropped with a warning.
	MapToErrorDbFormat(rawKey string, attrs map[string]interface{}) (appKey string, fields map[string]string, ok bool)
}

type notification struct {
	Key       string                 `json:"key"`
	Operation string                 `json:"operation"`
	Rc        string                 `json:"rc"`
	Attrs     map[string]interface{} `json:"attrs"`
}

type flushNotification struct {
	Table string `json:"table"` // "ALL" or a specific ERROR_<table> name
}

// Reconciler is the error-bus notification handler.
type Reconciler struct {
	Store ErrorStore

	mu       sync.Mutex
	mappers  []ObjectMapper
	tables   map[string]bool // every ERROR_<table> this reconciler has written to
	hadError map[string]bool // appTable+"|"+appKey -> an outstanding error exists
}

// New returns an error-bus reconciler with no registered mappers.
func New(store ErrorStore) *Reconciler {
	return &Reconciler{
		Store:    store,
		tables:   make(map[string]bool),
		hadError: make(map[string]bool),
	}
}

// Register adds an object-type mapper. Call once per supported object
// type at daemon startup, before any notification arrives.
func (r *Reconciler) Register(m ObjectMapper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers = append(r.mappers, m)
}

// HandleNotification processes one raw backend failure/success
// notification payload (spec.md §4.8 steps 1-4).
func (r *Reconciler) HandleNotification(payload string) error {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return fmt.Errorf("errororch: invalid notification: %w", err)
	}

	mapper := r.mapperFor(n.Key)
	if mapper == nil {
		return nil // not a supported object type; spec scopes this to route/neighbor
	}
	appKey, fields, ok := mapper.MapToErrorDbFormat(n.Key, n.Attrs)
	if !ok {
		util.WithField("key", n.Key).Warnf("errororch: could not resolve notification to an app key")
		return nil
	}

	return r.record(mapper.AppTable(), appKey, n.Operation, normalizeRC(n.Rc), fields)
}

func (r *Reconciler) mapperFor(rawKey string) ObjectMapper {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mappers {
		if strings.HasPrefix(rawKey, m.Prefix()) {
			return m
		}
	}
	return nil
}

// record applies spec.md §4.8's write/delete/publish rule for one
// resolved (appTable, appKey) error notification.
func (r *Reconciler) record(appTable, appKey, operation, rc string, fields map[string]string) error {
	table := "ERROR_" + appTable
	channel := table + "_CHANNEL"
	dedupeKey := appTable + "|" + appKey

	r.mu.Lock()
	r.tables[table] = true
	hadError := r.hadError[dedupeKey]
	r.mu.Unlock()

	if rc == RCSuccess {
		if !hadError {
			return nil // success with no prior recorded failure: nothing to do
		}
		if err := r.Store.Delete(table, appKey); err != nil {
			return fmt.Errorf("errororch: delete %s:%s: %w", table, appKey, err)
		}
		r.mu.Lock()
		delete(r.hadError, dedupeKey)
		r.mu.Unlock()
		return r.publish(channel, appTable, appKey, rc)
	}

	record := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		record[k] = v
	}
	record["operation"] = operation
	record["rc"] = rc
	if err := r.Store.Set(table, appKey, record); err != nil {
		return fmt.Errorf("errororch: set %s:%s: %w", table, appKey, err)
	}
	r.mu.Lock()
	r.hadError[dedupeKey] = true
	r.mu.Unlock()
	return r.publish(channel, appTable, appKey, rc)
}

func (r *Reconciler) publish(channel, appTable, appKey, rc string) error {
	return r.Store.Publish(channel, fmt.Sprintf("oper_%s:%s:%s", appTable, appKey, rc))
}

// Flush handles a FLUSH_ERROR_DB control payload (spec.md §4.8): "ALL"
// (or an empty table field) drops every ERROR_* table this reconciler has
// ever written to; a specific ERROR_<table> name drops only that one.
func (r *Reconciler) Flush(payload string) error {
	var f flushNotification
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return fmt.Errorf("errororch: invalid flush notification: %w", err)
	}

	r.mu.Lock()
	var tables []string
	if f.Table == "" || f.Table == "ALL" {
		for t := range r.tables {
			tables = append(tables, t)
		}
	} else {
		tables = []string{f.Table}
	}
	r.mu.Unlock()

	for _, table := range tables {
		keys, err := r.Store.Keys(table)
		if err != nil {
			return fmt.Errorf("errororch: list %s: %w", table, err)
		}
		for _, key := range keys {
			if err := r.Store.Delete(table, key); err != nil {
				return fmt.Errorf("errororch: delete %s:%s: %w", table, key, err)
			}
		}
		r.mu.Lock()
		appTable := strings.TrimPrefix(table, "ERROR_")
		prefix := appTable + "|"
		for dedupeKey := range r.hadError {
			if strings.HasPrefix(dedupeKey, prefix) {
				delete(r.hadError, dedupeKey)
			}
		}
		r.mu.Unlock()
	}
	return nil
}

// normalizeRC maps the raw SAI_STATUS_* string a backend notification
// carries into the engine's short rc vocabulary (spec.md §3.1 example:
// "rc=SAI_STATUS_INSUFFICIENT_RESOURCES" normalizes to "SWSS_RC_NO_MEMORY").
func normalizeRC(raw string) string {
	switch raw {
	case "SAI_STATUS_SUCCESS", "":
		return RCSuccess
	case "SAI_STATUS_ITEM_ALREADY_EXISTS":
		return RCExists
	case "SAI_STATUS_ITEM_NOT_FOUND":
		return RCNotFound
	case "SAI_STATUS_NOT_EXECUTED":
		return RCNotExecuted
	case "SAI_STATUS_INSUFFICIENT_RESOURCES":
		return RCNoMemory
	case "SAI_STATUS_INVALID_PARAMETER":
		return RCInvalidParam
	default:
		return RCUnknown
	}
}
