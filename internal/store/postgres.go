package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/granary-io/granary/internal/catalog"
)

// AdapterNamePostgres is the stable name of the relational adapter, used in
// store outcomes and logs.
const AdapterNamePostgres = "postgres"

// pqUniqueViolation is the PostgreSQL error code for unique constraint violations.
const pqUniqueViolation = "23505"

// ErrAlreadyExists is returned when a create collides with an existing record.
var ErrAlreadyExists = errors.New("record already exists")

// Compile-time interface assertions.
var (
	_ catalog.Adapter         = (*PostgresStore)(nil)
	_ catalog.DependentLister = (*PostgresStore)(nil)
)

// PostgresStore implements catalog.Adapter over PostgreSQL, the catalog's
// source of truth for referential integrity. Each entity kind has its own
// table with the record payload stored as JSONB; rules and granules carry a
// provider_id column extracted from the payload so dependent lookups stay
// indexed.
type PostgresStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPostgresStore creates a PostgreSQL-backed catalog adapter.
func NewPostgresStore(conn *Connection, logger *slog.Logger) (*PostgresStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PostgresStore{
		conn:   conn,
		logger: logger.With(slog.String("adapter", AdapterNamePostgres)),
	}, nil
}

// Name returns the adapter name.
func (s *PostgresStore) Name() string {
	return AdapterNamePostgres
}

// tableFor maps an entity kind to its table. Kinds are validated before
// adapters are reached, so unknown kinds indicate a programming error.
func tableFor(kind catalog.Kind) (string, error) {
	switch kind {
	case catalog.KindProvider:
		return "providers", nil
	case catalog.KindRule:
		return "rules", nil
	case catalog.KindGranule:
		return "granules", nil
	default:
		return "", fmt.Errorf("%w: %q", catalog.ErrUnknownKind, kind)
	}
}

// hasProviderRef reports whether the kind's table carries a provider_id column.
func hasProviderRef(kind catalog.Kind) bool {
	return kind == catalog.KindRule || kind == catalog.KindGranule
}

// providerRef extracts the provider reference from a record payload, if any.
func providerRef(rec *catalog.Record) sql.NullString {
	if rec == nil {
		return sql.NullString{}
	}

	if ref, ok := rec.Fields["provider_id"].(string); ok && ref != "" {
		return sql.NullString{String: ref, Valid: true}
	}

	return sql.NullString{}
}

// Exists reports whether a record is present.
func (s *PostgresStore) Exists(ctx context.Context, kind catalog.Kind, id string) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, catalog.NewStoreError(AdapterNamePostgres, "exists", kind, id, err)
	}

	var exists bool

	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := s.conn.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, catalog.NewStoreError(AdapterNamePostgres, "exists", kind, id, err)
	}

	return exists, nil
}

// Get fetches a record, returning (nil, nil) when absent.
func (s *PostgresStore) Get(ctx context.Context, kind catalog.Kind, id string) (*catalog.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "get", kind, id, err)
	}

	var payload []byte

	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1`, table)

	err = s.conn.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "get", kind, id, err)
	}

	rec := &catalog.Record{ID: id}
	if err := json.Unmarshal(payload, &rec.Fields); err != nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "get", kind, id,
			fmt.Errorf("failed to decode payload: %w", err))
	}

	return rec, nil
}

// Create stores a new record. A duplicate id surfaces as ErrAlreadyExists
// wrapped in a StoreError.
func (s *PostgresStore) Create(ctx context.Context, kind catalog.Kind, rec *catalog.Record) (*catalog.Record, error) {
	if rec == nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "create", kind, "", catalog.ErrNilRecord)
	}

	table, err := tableFor(kind)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "create", kind, rec.ID, err)
	}

	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "create", kind, rec.ID,
			fmt.Errorf("failed to encode payload: %w", err))
	}

	var query string

	var args []any

	if hasProviderRef(kind) {
		query = fmt.Sprintf(`INSERT INTO %s (id, provider_id, payload) VALUES ($1, $2, $3)`, table)
		args = []any{rec.ID, providerRef(rec), payload}
	} else {
		query = fmt.Sprintf(`INSERT INTO %s (id, payload) VALUES ($1, $2)`, table)
		args = []any{rec.ID, payload}
	}

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			err = fmt.Errorf("%w: %v", ErrAlreadyExists, err)
		}

		return nil, catalog.NewStoreError(AdapterNamePostgres, "create", kind, rec.ID, err)
	}

	return rec.Clone(), nil
}

// Update replaces an existing record's payload. Updating an absent record
// is a store failure wrapping catalog.ErrNotFound.
func (s *PostgresStore) Update(ctx context.Context, kind catalog.Kind, id string, rec *catalog.Record) (*catalog.Record, error) {
	if rec == nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "update", kind, id, catalog.ErrNilRecord)
	}

	table, err := tableFor(kind)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "update", kind, id, err)
	}

	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "update", kind, id,
			fmt.Errorf("failed to encode payload: %w", err))
	}

	var query string

	var args []any

	if hasProviderRef(kind) {
		query = fmt.Sprintf(`UPDATE %s SET provider_id = $1, payload = $2, updated_at = NOW() WHERE id = $3`, table)
		args = []any{providerRef(rec), payload, id}
	} else {
		query = fmt.Sprintf(`UPDATE %s SET payload = $1, updated_at = NOW() WHERE id = $2`, table)
		args = []any{payload, id}
	}

	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "update", kind, id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "update", kind, id, err)
	}

	if rowsAffected == 0 {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "update", kind, id, catalog.ErrNotFound)
	}

	return rec.Clone(), nil
}

// Delete removes a record. Deleting an absent record is a no-op success.
func (s *PostgresStore) Delete(ctx context.Context, kind catalog.Kind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return catalog.NewStoreError(AdapterNamePostgres, "delete", kind, id, err)
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table)

	result, err := s.conn.ExecContext(ctx, query, id)
	if err != nil {
		return catalog.NewStoreError(AdapterNamePostgres, "delete", kind, id, err)
	}

	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected == 0 {
		// Idempotent delete: absence is success, worth a debug line only.
		s.logger.Debug("delete of absent record",
			slog.String("kind", kind.String()),
			slog.String("id", id),
		)
	}

	return nil
}

// Dependents returns the names of dependentKind records referencing the
// given entity. Only provider references are tracked relationally.
func (s *PostgresStore) Dependents(
	ctx context.Context,
	kind catalog.Kind,
	id string,
	dependentKind catalog.Kind,
) ([]string, error) {
	if kind != catalog.KindProvider || !hasProviderRef(dependentKind) {
		return nil, nil
	}

	table, err := tableFor(dependentKind)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "dependents", kind, id, err)
	}

	query := fmt.Sprintf(
		`SELECT COALESCE(payload->>'name', id) FROM %s WHERE provider_id = $1 ORDER BY id`, table)

	rows, err := s.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "dependents", kind, id, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, catalog.NewStoreError(AdapterNamePostgres, "dependents", kind, id, err)
		}

		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, catalog.NewStoreError(AdapterNamePostgres, "dependents", kind, id, err)
	}

	return names, nil
}
