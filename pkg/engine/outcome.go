package engine

// Outcome is the result a handler returns for a single inbox entry, in
// place of an error, per the engine's non-exceptional control-flow design:
// deep parse/dispatch functions return a value from this taxonomy instead
// of throwing or returning a Go error, mirroring the source's per-call
// result type rather than its exception-based original.
type Outcome int

const (
	// Settled means the entry fully succeeded; erase it from the inbox.
	Settled Outcome = iota
	// SettledIdempotent means the backend reported ITEM_ALREADY_EXISTS on a
	// create or ITEM_NOT_FOUND on a remove; treat as success and erase.
	SettledIdempotent
	// Invalid means the entry is malformed beyond repair (unknown field
	// contradiction, bad enum, mutually exclusive fields); erase and log at
	// ERROR, never publish to the error bus.
	Invalid
	// NeedRetry means a dependency is not yet satisfied (port down,
	// neighbor unresolved, VLAN not state=ok) or the backend returned a
	// transient NOT_EXECUTED; leave the entry in the inbox for the next
	// wake-up.
	NeedRetry
	// CapacityExhausted means the backend reports a group-capacity failure;
	// the caller installs a temporary group and leaves the entry for retry.
	CapacityExhausted
	// Failed means the backend returned an error not mapped to any of the
	// above; the error bus record must be published before erasing (or
	// retaining, per the table's own policy).
	Failed
	// Fatal means the backend returned a non-recoverable status; the
	// daemon must log, publish, and terminate.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Settled:
		return "settled"
	case SettledIdempotent:
		return "settled-idempotent"
	case Invalid:
		return "invalid"
	case NeedRetry:
		return "not-yet-resolvable"
	case CapacityExhausted:
		return "capacity-exhausted"
	case Failed:
		return "failed"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Erases reports whether this outcome erases the inbox entry. NeedRetry and
// CapacityExhausted leave the entry in place; every other outcome erases it
// (Failed may still be erased after the error-bus record is published —
// that publish happens at the call site, not here).
func (o Outcome) Erases() bool {
	return o != NeedRetry && o != CapacityExhausted
}

// BackendStatus is a backend call's status; MapStatus maps it to an
// Outcome per spec.md §4.2: SUCCESS settles, ITEM_ALREADY_EXISTS on create
// and ITEM_NOT_FOUND on remove settle idempotently, NOT_EXECUTED in a bulk
// retries, INSUFFICIENT_RESOURCES is capacity-exhausted, anything else
// fails.
type BackendStatus int

const (
	StatusSuccess BackendStatus = iota
	StatusItemAlreadyExists
	StatusItemNotFound
	StatusNotExecuted
	StatusInsufficientResources
	StatusOther
)

// MapStatus translates a backend status to an Outcome. isCreate/isRemove
// disambiguate ITEM_ALREADY_EXISTS/ITEM_NOT_FOUND, which are only
// idempotent-success on their respective operation.
func MapStatus(status BackendStatus, isCreate, isRemove bool) Outcome {
	switch status {
	case StatusSuccess:
		return Settled
	case StatusItemAlreadyExists:
		if isCreate {
			return SettledIdempotent
		}
		return Failed
	case StatusItemNotFound:
		if isRemove {
			return SettledIdempotent
		}
		return Failed
	case StatusNotExecuted:
		return NeedRetry
	case StatusInsufficientResources:
		return CapacityExhausted
	default:
		return Failed
	}
}
