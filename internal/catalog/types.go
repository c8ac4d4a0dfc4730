// Package catalog defines the domain types shared by the granary metadata
// catalog: entity kinds, records, mutations, and the uniform store adapter
// contract implemented by each physical backend.
package catalog

import (
	"context"
	"fmt"
	"strings"
)

// Kind identifies a catalog entity kind. It selects which tables, indexes,
// and referential-integrity rules apply to a record.
type Kind string

// Entity kinds known to the catalog.
const (
	KindProvider Kind = "provider"
	KindRule     Kind = "rule"
	KindGranule  Kind = "granule"
)

// Kinds returns all entity kinds in a stable order.
func Kinds() []Kind {
	return []Kind{KindProvider, KindRule, KindGranule}
}

// ParseKind converts a string into a Kind, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindProvider:
		return KindProvider, nil
	case KindRule:
		return KindRule, nil
	case KindGranule:
		return KindGranule, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Valid reports whether the kind is one the catalog knows about.
func (k Kind) Valid() bool {
	switch k {
	case KindProvider, KindRule, KindGranule:
		return true
	default:
		return false
	}
}

// String returns the kind as a plain string.
func (k Kind) String() string {
	return string(k)
}

// Op identifies the logical operation a mutation performs.
type Op string

// Mutation operations.
const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether the op is one of create, update, or delete.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// String returns the op as a plain string.
func (o Op) String() string {
	return string(o)
}

type (
	// Record is an entity record: a stable identifier plus an opaque field
	// payload. The coordinator never interprets Fields beyond passing them
	// to adapters; each backend stores them in its native representation.
	Record struct {
		ID     string         `json:"id"`
		Fields map[string]any `json:"fields"`
	}

	// Mutation is one unit of work submitted to the coordinator: a single
	// create, update, or delete of one entity. A Mutation is immutable once
	// submitted and is consumed exactly once.
	Mutation struct {
		Op      Op      `json:"op"`
		Kind    Kind    `json:"kind"`
		ID      string  `json:"id"`
		Payload *Record `json:"payload,omitempty"`
	}
)

// Clone returns a deep copy of the record. Adapters and the coordinator
// hand out clones so callers cannot mutate captured prior state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}

	return &Record{ID: r.ID, Fields: fields}
}

// Name returns the human-facing name of the record, falling back to its ID.
// Used to build blocking-reference messages.
func (r *Record) Name() string {
	if r == nil {
		return ""
	}

	if name, ok := r.Fields["name"].(string); ok && name != "" {
		return name
	}

	return r.ID
}

// Validate checks the structural validity of a mutation before any store is
// touched. Write operations require a payload whose ID matches the mutation;
// deletes must not carry one.
func (m Mutation) Validate() error {
	if !m.Op.Valid() {
		return fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, m.Op)
	}

	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}

	if m.ID == "" {
		return fmt.Errorf("%w: empty entity id", ErrInvalidMutation)
	}

	switch m.Op {
	case OpCreate, OpUpdate:
		if m.Payload == nil {
			return fmt.Errorf("%w: %s requires a payload", ErrInvalidMutation, m.Op)
		}

		if m.Payload.ID != m.ID {
			return fmt.Errorf("%w: payload id %q does not match mutation id %q",
				ErrInvalidMutation, m.Payload.ID, m.ID)
		}
	case OpDelete:
		if m.Payload != nil {
			return fmt.Errorf("%w: delete must not carry a payload", ErrInvalidMutation)
		}
	}

	return nil
}

type (
	// Adapter is the uniform capability surface over one physical store.
	// Concrete variants differ only in how they talk to their backend; an
	// adapter knows nothing about the other stores.
	//
	// Get returns (nil, nil) when the record is absent: absence is valid
	// state, not an error. Delete succeeds even when the record is already
	// absent (idempotent delete). Every underlying store failure is wrapped
	// in a *StoreError so the coordinator knows exactly which store failed.
	Adapter interface {
		// Name returns the stable adapter name used in outcomes and logs.
		Name() string

		// Exists reports whether a record of the given kind and id is present.
		Exists(ctx context.Context, kind Kind, id string) (bool, error)

		// Get fetches a record, returning (nil, nil) when absent.
		Get(ctx context.Context, kind Kind, id string) (*Record, error)

		// Create stores a new record and returns the stored representation.
		Create(ctx context.Context, kind Kind, rec *Record) (*Record, error)

		// Update replaces an existing record and returns the stored representation.
		Update(ctx context.Context, kind Kind, id string, rec *Record) (*Record, error)

		// Delete removes a record. Deleting an absent record is a no-op success.
		Delete(ctx context.Context, kind Kind, id string) error
	}

	// DependentLister reports dependent records held by one store. A store
	// error during the lookup must surface; it is never treated as "no
	// dependents".
	DependentLister interface {
		// Dependents returns the names of records of dependentKind in this
		// store that reference the entity identified by kind and id.
		Dependents(ctx context.Context, kind Kind, id string, dependentKind Kind) ([]string, error)
	}
)

// Verdict is the terminal state of a processed mutation. There is no
// partial-success verdict: a mutation either reached every store or every
// store was left at (or restored to) its pre-mutation state.
type Verdict string

// Mutation verdicts.
const (
	VerdictSucceeded Verdict = "succeeded"
	VerdictFailed    Verdict = "failed"
	VerdictRejected  Verdict = "rejected"
)

// String returns the verdict as a plain string.
func (v Verdict) String() string {
	return string(v)
}

type (
	// StoreOutcome is the per-adapter result of attempting a mutation,
	// including the prior state captured for compensation.
	StoreOutcome struct {
		Adapter     string
		Applied     bool
		Compensated bool
		Prior       *Record
		Err         error
	}

	// Result is the aggregate outcome of one mutation: every adapter's
	// outcome plus the overall verdict and, on failure, the originating
	// adapter and error.
	Result struct {
		Verdict       Verdict
		Outcomes      []StoreOutcome
		FailedAdapter string
		BlockingRefs  []string
		Err           error
	}
)

// Succeeded reports whether the mutation reached every store.
func (r Result) Succeeded() bool {
	return r.Verdict == VerdictSucceeded
}
