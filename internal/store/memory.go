package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/granary-io/granary/internal/catalog"
)

// Compile-time interface assertions.
var (
	_ catalog.Adapter         = (*MemoryStore)(nil)
	_ catalog.DependentLister = (*MemoryStore)(nil)
)

// MemoryStore provides a thread-safe in-memory catalog adapter. It backs
// local development and is the production-shaped test double: coordinator
// and integrity tests run against it, with fault injection layered on top
// by wrapping it in a failing adapter.
type MemoryStore struct {
	// name distinguishes multiple memory stores standing in for the three
	// physical backends in one test.
	name string
	// records maps kind -> id -> record
	records map[catalog.Kind]map[string]*catalog.Record
	// mutex protects concurrent access to records
	mutex sync.RWMutex
}

// NewMemoryStore creates an empty in-memory adapter with the given name.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:    name,
		records: make(map[catalog.Kind]map[string]*catalog.Record),
	}
}

// Name returns the adapter name.
func (s *MemoryStore) Name() string {
	return s.name
}

// Exists reports whether a record is present.
func (s *MemoryStore) Exists(_ context.Context, kind catalog.Kind, id string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, exists := s.records[kind][id]

	return exists, nil
}

// Get fetches a record copy, returning (nil, nil) when absent.
func (s *MemoryStore) Get(_ context.Context, kind catalog.Kind, id string) (*catalog.Record, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rec, exists := s.records[kind][id]
	if !exists {
		return nil, nil
	}

	// Return a copy to prevent external modification
	return rec.Clone(), nil
}

// Create stores a new record, failing if the id is already taken.
func (s *MemoryStore) Create(_ context.Context, kind catalog.Kind, rec *catalog.Record) (*catalog.Record, error) {
	if rec == nil {
		return nil, catalog.NewStoreError(s.name, "create", kind, "", catalog.ErrNilRecord)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.records[kind][rec.ID]; exists {
		return nil, catalog.NewStoreError(s.name, "create", kind, rec.ID,
			fmt.Errorf("%w: %s/%s", ErrAlreadyExists, kind, rec.ID))
	}

	if s.records[kind] == nil {
		s.records[kind] = make(map[string]*catalog.Record)
	}

	s.records[kind][rec.ID] = rec.Clone()

	return rec.Clone(), nil
}

// Update replaces an existing record, failing if it is absent.
func (s *MemoryStore) Update(_ context.Context, kind catalog.Kind, id string, rec *catalog.Record) (*catalog.Record, error) {
	if rec == nil {
		return nil, catalog.NewStoreError(s.name, "update", kind, id, catalog.ErrNilRecord)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.records[kind][id]; !exists {
		return nil, catalog.NewStoreError(s.name, "update", kind, id, catalog.ErrNotFound)
	}

	s.records[kind][id] = rec.Clone()

	return rec.Clone(), nil
}

// Delete removes a record. Deleting an absent record is a no-op success.
func (s *MemoryStore) Delete(_ context.Context, kind catalog.Kind, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.records[kind], id)

	return nil
}

// Dependents returns the names of dependentKind records whose provider_id
// field references the given entity.
func (s *MemoryStore) Dependents(
	_ context.Context,
	kind catalog.Kind,
	id string,
	dependentKind catalog.Kind,
) ([]string, error) {
	if kind != catalog.KindProvider {
		return nil, nil
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var names []string

	for _, rec := range s.records[dependentKind] {
		if ref, ok := rec.Fields["provider_id"].(string); ok && ref == id {
			names = append(names, rec.Name())
		}
	}

	return names, nil
}
