// Package saga implements the cross-store mutation coordinator. One logical
// create, update, or delete is applied to all three catalog stores as a
// unit, with referential-integrity preconditions checked first and
// saga-style compensation restoring already-mutated stores when a later
// step fails. This is a manual saga, not a distributed transaction: it
// provides "eventually consistent to the pre-mutation state on failure",
// not isolation from concurrent mutators.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/granary-io/granary/internal/catalog"
	"github.com/granary-io/granary/internal/integrity"
)

// ErrCancelled is the primary error recorded when the caller withdraws the
// request mid-mutation. Cancellation is treated as a failure at whatever
// step it occurred; steps already committed are still compensated.
var ErrCancelled = errors.New("mutation cancelled")

// compensationTimeout bounds each compensating write. Compensation runs on
// a context detached from the caller's, which may already be cancelled.
const compensationTimeout = 30 * time.Second

type (
	// IntegrityChecker gates deletes. The production implementation is
	// integrity.Checker; tests inject doubles.
	IntegrityChecker interface {
		CheckDeletable(ctx context.Context, kind catalog.Kind, id string) (integrity.Decision, error)
	}

	// Coordinator applies one mutation to every store adapter in a fixed
	// order and owns the failure/compensation protocol. It is stateless and
	// safe for concurrent use across entities. Mutations of the same entity
	// are not serialized here: a concurrent writer can race a compensating
	// write, and callers needing stronger guarantees must serialize
	// per-entity above the coordinator.
	Coordinator struct {
		// adapters in apply order: relational first (source of truth),
		// legacy key-value second, search index last. The order matters
		// only for compensation bookkeeping, not end-state correctness.
		adapters []catalog.Adapter
		checker  IntegrityChecker
		logger   *slog.Logger
	}
)

// NewCoordinator creates a coordinator over the three catalog stores.
// Adapter arguments fix the apply order: relational, then key-value, then
// search index.
func NewCoordinator(relational, keyValue, index catalog.Adapter, checker IntegrityChecker, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		adapters: []catalog.Adapter{relational, keyValue, index},
		checker:  checker,
		logger:   logger.With(slog.String("component", "saga")),
	}
}

// Submit applies one mutation to all stores with all-or-nothing observable
// effect. The returned result is terminal: succeeded, failed (compensated),
// or rejected (nothing touched).
func (c *Coordinator) Submit(ctx context.Context, m catalog.Mutation) catalog.Result {
	if err := m.Validate(); err != nil {
		return catalog.Result{Verdict: catalog.VerdictRejected, Err: err}
	}

	logger := c.logger.With(
		slog.String("op", m.Op.String()),
		slog.String("kind", m.Kind.String()),
		slog.String("id", m.ID),
	)

	// Integrity gate: deletes with live dependents are rejected before any
	// store is touched. The check itself is read-only.
	if m.Op == catalog.OpDelete {
		decision, err := c.checker.CheckDeletable(ctx, m.Kind, m.ID)
		if err != nil {
			logger.Error("integrity check failed", slog.String("error", err.Error()))

			return catalog.Result{Verdict: catalog.VerdictFailed, Err: err}
		}

		if !decision.Deletable {
			return catalog.Result{
				Verdict:      catalog.VerdictRejected,
				BlockingRefs: decision.BlockingRefs,
				Err: &catalog.IntegrityViolationError{
					Kind:         m.Kind,
					ID:           m.ID,
					BlockingRefs: decision.BlockingRefs,
				},
			}
		}
	}

	outcomes := make([]catalog.StoreOutcome, len(c.adapters))

	// Capture prior state from every adapter before mutating anything.
	// Absence is itself valid state to restore to. A capture error aborts
	// the mutation while every store is still untouched.
	for i, adapter := range c.adapters {
		prior, err := adapter.Get(ctx, m.Kind, m.ID)
		if err != nil {
			logger.Error("prior-state capture failed",
				slog.String("adapter", adapter.Name()),
				slog.String("error", err.Error()),
			)

			outcomes[i] = catalog.StoreOutcome{Adapter: adapter.Name(), Err: err}

			return catalog.Result{
				Verdict:       catalog.VerdictFailed,
				Outcomes:      outcomes,
				FailedAdapter: adapter.Name(),
				Err:           err,
			}
		}

		outcomes[i] = catalog.StoreOutcome{Adapter: adapter.Name(), Prior: prior}
	}

	// Apply in order, sequentially: compensation needs a precise "which
	// stores succeeded" boundary, so there is no parallel fan-out here.
	failedAt := -1

	var primaryErr error

	for i, adapter := range c.adapters {
		if err := ctx.Err(); err != nil {
			failedAt = i
			primaryErr = fmt.Errorf("%w at %s: %w", ErrCancelled, adapter.Name(), err)

			break
		}

		if err := c.apply(ctx, adapter, m); err != nil {
			failedAt = i
			primaryErr = err

			break
		}

		outcomes[i].Applied = true
	}

	if failedAt == -1 {
		logger.Info("mutation applied to all stores")

		return catalog.Result{Verdict: catalog.VerdictSucceeded, Outcomes: outcomes}
	}

	logger.Error("mutation failed, compensating",
		slog.String("adapter", c.adapters[failedAt].Name()),
		slog.Int("applied_stores", failedAt),
		slog.String("error", primaryErr.Error()),
	)

	c.compensate(ctx, m, outcomes, failedAt, logger)

	return catalog.Result{
		Verdict:       catalog.VerdictFailed,
		Outcomes:      outcomes,
		FailedAdapter: c.adapters[failedAt].Name(),
		Err:           primaryErr,
	}
}

// apply performs the mutation's primary action on one adapter.
func (c *Coordinator) apply(ctx context.Context, adapter catalog.Adapter, m catalog.Mutation) error {
	switch m.Op {
	case catalog.OpCreate:
		_, err := adapter.Create(ctx, m.Kind, m.Payload)

		return err
	case catalog.OpUpdate:
		_, err := adapter.Update(ctx, m.Kind, m.ID, m.Payload)

		return err
	case catalog.OpDelete:
		return adapter.Delete(ctx, m.Kind, m.ID)
	default:
		return fmt.Errorf("%w: %q", catalog.ErrInvalidMutation, m.Op)
	}
}

// compensate restores prior state on every adapter whose primary action
// succeeded, in reverse apply order. Each compensating write is attempted
// once; failures are logged but never mask the primary error. Retry policy
// belongs to the operator layer. The compensation context is detached from
// the caller's, which may be the cancellation that caused the failure.
func (c *Coordinator) compensate(
	ctx context.Context,
	m catalog.Mutation,
	outcomes []catalog.StoreOutcome,
	failedAt int,
	logger *slog.Logger,
) {
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	for i := failedAt - 1; i >= 0; i-- {
		if !outcomes[i].Applied {
			continue
		}

		adapter := c.adapters[i]
		prior := outcomes[i].Prior

		// A delete applied to a store where the record was already absent
		// changed nothing; there is no state to restore.
		if m.Op == catalog.OpDelete && prior == nil {
			outcomes[i].Compensated = true

			continue
		}

		if err := c.restore(compCtx, adapter, m, prior); err != nil {
			logger.Warn("compensation failed",
				slog.String("adapter", adapter.Name()),
				slog.String("error", err.Error()),
			)

			continue
		}

		outcomes[i].Compensated = true

		logger.Info("compensated store", slog.String("adapter", adapter.Name()))
	}
}

// restore reverts one adapter to its captured prior state: re-create what
// was deleted, revert what was updated, delete what was created.
func (c *Coordinator) restore(ctx context.Context, adapter catalog.Adapter, m catalog.Mutation, prior *catalog.Record) error {
	if prior == nil {
		// The record did not exist before the mutation created it.
		return adapter.Delete(ctx, m.Kind, m.ID)
	}

	if m.Op == catalog.OpDelete {
		// The record was deleted; put it back.
		_, err := adapter.Create(ctx, m.Kind, prior)

		return err
	}

	_, err := adapter.Update(ctx, m.Kind, m.ID, prior)

	return err
}
