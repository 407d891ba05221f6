package scopedb

import (
	"errors"
	"fmt"
)

// Kind classifies a scoped-layer failure. The two classes propagate
// differently: structural errors mean a programming mistake that defeats the
// isolation guarantee and must never be retried or defaulted around, while
// operational errors are ordinary runtime conditions the caller may retry.
type Kind int

const (
	// KindStructural marks programmer errors: a session without a tenant,
	// a table absent from the registry, an attempt to reassign the tenant
	// column.
	KindStructural Kind = iota
	// KindOperational marks runtime failures: storage unavailable,
	// constraint violations, chain append conflicts.
	KindOperational
)

func (k Kind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindOperational:
		return "operational"
	default:
		return "unknown"
	}
}

// Sentinel errors for the scoped layer.
var (
	// ErrMissingEntityID is returned when a session is constructed without
	// a tenant identifier.
	ErrMissingEntityID = errors.New("entity id is required")
	// ErrMissingActorID is returned when an audited session is constructed
	// without an actor.
	ErrMissingActorID = errors.New("actor id is required")
	// ErrTenantColumnReassigned is returned when update values attempt to
	// set the tenant column. Fail closed: the session's entity id is never
	// silently substituted.
	ErrTenantColumnReassigned = errors.New("tenant column may not be reassigned")
	// ErrChainConflict is returned when two concurrent appends raced for
	// the same chain tail and this one lost. Safe to retry.
	ErrChainConflict = errors.New("audit chain append conflict")
)

// Error is the tagged error type the scoped layer surfaces, carrying the
// failure class so callers and tests can branch on it instead of parsing
// messages.
type Error struct {
	Kind  Kind
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("scopedb: %s %s: %s: %v", e.Kind, e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("scopedb: %s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// structural wraps err as a structural failure.
func structural(op, table string, err error) error {
	return &Error{Kind: KindStructural, Op: op, Table: table, Err: err}
}

// operational wraps err as an operational failure.
func operational(op, table string, err error) error {
	return &Error{Kind: KindOperational, Op: op, Table: table, Err: err}
}

// IsStructural reports whether err carries the structural kind.
func IsStructural(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindStructural
}

// IsOperational reports whether err carries the operational kind.
func IsOperational(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindOperational
}
