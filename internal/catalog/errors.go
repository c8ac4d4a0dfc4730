package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by all adapters and the coordinator.
var (
	// ErrNotFound is returned by store internals when a record is absent.
	// It never escapes a delete: idempotent deletes fold it into success.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownKind is returned when an entity kind is not one the catalog knows.
	ErrUnknownKind = errors.New("unknown entity kind")

	// ErrInvalidMutation is returned when a mutation fails structural validation.
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrNilRecord is returned when a write operation receives a nil record.
	ErrNilRecord = errors.New("record cannot be nil")
)

type (
	// StoreError wraps a failure from one physical store with enough detail
	// to identify the offending store and operation. Adapters never swallow
	// errors; the coordinator's compensation protocol depends on knowing
	// exactly which store failed.
	StoreError struct {
		Adapter string
		Op      string
		Kind    Kind
		ID      string
		Err     error
	}

	// IntegrityViolationError rejects a delete that would orphan dependent
	// records. It is raised before any store is mutated and is recoverable
	// by the caller: remove the dependents first.
	IntegrityViolationError struct {
		Kind         Kind
		ID           string
		BlockingRefs []string
	}
)

// NewStoreError wraps err with the adapter, operation, and entity that failed.
func NewStoreError(adapter, op string, kind Kind, id string, err error) *StoreError {
	return &StoreError{Adapter: adapter, Op: op, Kind: kind, ID: id, Err: err}
}

// Error implements the error interface. The message names the store and
// entity for diagnostics but carries no physical connection details.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s %s/%s: %v", e.Adapter, e.Op, e.Kind, e.ID, e.Err)
}

// Unwrap exposes the underlying store failure for errors.Is / errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Error implements the error interface, enumerating blockers by name.
func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("cannot delete %s %q: referenced by %s",
		e.Kind, e.ID, strings.Join(e.BlockingRefs, ", "))
}
