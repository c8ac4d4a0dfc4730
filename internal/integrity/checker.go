package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/granary-io/granary/internal/catalog"
)

type (
	// Source is one store consulted for dependents. Dependents of a single
	// entity may live in different stores because they were written in
	// different migration eras, so every source is always consulted.
	Source interface {
		Name() string
		catalog.DependentLister
	}

	// Checker decides whether an entity can be deleted without orphaning
	// dependents. The check is read-only and safe to call repeatedly.
	Checker struct {
		rules   RuleSet
		sources []Source
		logger  *slog.Logger
	}

	// Decision is the outcome of a deletability check. BlockingRefs names
	// the dependents that block deletion, de-duplicated and sorted for
	// stable user-facing messages.
	Decision struct {
		Deletable    bool
		BlockingRefs []string
	}
)

// NewChecker creates a checker over the given rule set and stores.
func NewChecker(rules RuleSet, sources []Source, logger *slog.Logger) *Checker {
	return &Checker{
		rules:   rules,
		sources: sources,
		logger:  logger.With(slog.String("component", "integrity")),
	}
}

// CheckDeletable reports whether the entity can be deleted. A store error
// during the check is fatal to the delete attempt: it is surfaced, never
// treated as "no dependents".
func (c *Checker) CheckDeletable(ctx context.Context, kind catalog.Kind, id string) (Decision, error) {
	deps := c.rules.DependenciesFor(kind)
	if len(deps) == 0 {
		return Decision{Deletable: true}, nil
	}

	seen := make(map[string]struct{})

	var blocking []string

	for _, dep := range deps {
		for _, source := range c.sources {
			names, err := source.Dependents(ctx, kind, id, dep)
			if err != nil {
				return Decision{}, fmt.Errorf("dependent check on %s failed: %w", source.Name(), err)
			}

			for _, name := range names {
				if _, ok := seen[name]; ok {
					continue
				}

				seen[name] = struct{}{}
				blocking = append(blocking, name)
			}
		}
	}

	if len(blocking) > 0 {
		sort.Strings(blocking)

		c.logger.Info("delete blocked by dependents",
			slog.String("kind", kind.String()),
			slog.String("id", id),
			slog.Int("blocking", len(blocking)),
		)

		return Decision{Deletable: false, BlockingRefs: blocking}, nil
	}

	return Decision{Deletable: true}, nil
}
