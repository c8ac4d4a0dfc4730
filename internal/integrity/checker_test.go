package integrity

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granary-io/granary/internal/catalog"
	"github.com/granary-io/granary/internal/store"
)

// failingSource always errors, standing in for an unreachable store.
type failingSource struct {
	name string
	err  error
}

func (f *failingSource) Name() string {
	return f.name
}

func (f *failingSource) Dependents(context.Context, catalog.Kind, string, catalog.Kind) ([]string, error) {
	return nil, f.err
}

func seedRecord(t *testing.T, s *store.MemoryStore, kind catalog.Kind, rec *catalog.Record) {
	t.Helper()

	_, err := s.Create(context.Background(), kind, rec)
	require.NoError(t, err)
}

func TestCheckDeletable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	logger := slog.Default()

	t.Run("provider without dependents is deletable", func(t *testing.T) {
		relational := store.NewMemoryStore("relational")
		seedRecord(t, relational, catalog.KindProvider, &catalog.Record{ID: "prov-1", Fields: map[string]any{}})

		checker := NewChecker(DefaultRuleSet(), []Source{relational}, logger)

		decision, err := checker.CheckDeletable(ctx, catalog.KindProvider, "prov-1")
		require.NoError(t, err)
		assert.True(t, decision.Deletable)
		assert.Empty(t, decision.BlockingRefs)
	})

	t.Run("dependents in any store block deletion", func(t *testing.T) {
		relational := store.NewMemoryStore("relational")
		keyValue := store.NewMemoryStore("key-value")

		// The rule lives only in the relational store, the granule only in
		// the key-value store. Both must block.
		seedRecord(t, relational, catalog.KindRule,
			&catalog.Record{ID: "rule-1", Fields: map[string]any{"name": "daily", "provider_id": "prov-1"}})
		seedRecord(t, keyValue, catalog.KindGranule,
			&catalog.Record{ID: "gran-1", Fields: map[string]any{"name": "G-0001", "provider_id": "prov-1"}})

		checker := NewChecker(DefaultRuleSet(), []Source{relational, keyValue}, logger)

		decision, err := checker.CheckDeletable(ctx, catalog.KindProvider, "prov-1")
		require.NoError(t, err)
		assert.False(t, decision.Deletable)
		assert.Equal(t, []string{"G-0001", "daily"}, decision.BlockingRefs)
	})

	t.Run("duplicate names across stores are reported once", func(t *testing.T) {
		relational := store.NewMemoryStore("relational")
		keyValue := store.NewMemoryStore("key-value")

		rule := &catalog.Record{ID: "rule-1", Fields: map[string]any{"name": "daily", "provider_id": "prov-1"}}
		seedRecord(t, relational, catalog.KindRule, rule)
		seedRecord(t, keyValue, catalog.KindRule, rule)

		checker := NewChecker(DefaultRuleSet(), []Source{relational, keyValue}, logger)

		decision, err := checker.CheckDeletable(ctx, catalog.KindProvider, "prov-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"daily"}, decision.BlockingRefs)
	})

	t.Run("store error is fatal, never treated as no dependents", func(t *testing.T) {
		relational := store.NewMemoryStore("relational")
		broken := &failingSource{name: "key-value", err: errors.New("connection reset")}

		checker := NewChecker(DefaultRuleSet(), []Source{relational, broken}, logger)

		_, err := checker.CheckDeletable(ctx, catalog.KindProvider, "prov-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key-value")
	})

	t.Run("kinds without rules are freely deletable", func(t *testing.T) {
		broken := &failingSource{name: "relational", err: errors.New("unreachable")}

		checker := NewChecker(DefaultRuleSet(), []Source{broken}, logger)

		// Rules have no dependents, so no store is consulted at all.
		decision, err := checker.CheckDeletable(ctx, catalog.KindRule, "rule-1")
		require.NoError(t, err)
		assert.True(t, decision.Deletable)
	})
}
