package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/granary-io/granary/internal/catalog"
)

// AdapterNameSearch is the stable name of the search index adapter.
const AdapterNameSearch = "search"

// dependentsPageSize caps a single dependents query. Blocking-reference
// messages do not need more than a page of names.
const dependentsPageSize = 100

// Compile-time interface assertions.
var (
	_ catalog.Adapter         = (*SearchStore)(nil)
	_ catalog.DependentLister = (*SearchStore)(nil)
)

// SearchStore implements catalog.Adapter over an Elasticsearch-compatible
// index, used for fast lookups and existence checks. Each entity kind gets
// its own index under a configurable prefix. Writes use refresh=wait_for so
// the coordinator's read-your-writes assumptions hold during compensation.
type SearchStore struct {
	client *elasticsearch.Client
	prefix string
	logger *slog.Logger
}

// NewSearchStore creates a search-index-backed catalog adapter.
func NewSearchStore(cfg *SearchConfig, logger *slog.Logger) (*SearchStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid search config: %w", err)
	}

	var transport http.RoundTripper
	if cfg.InsecureSkipTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in for local clusters
		}
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create search client: %w", err)
	}

	return &SearchStore{
		client: client,
		prefix: cfg.IndexPrefix,
		logger: logger.With(slog.String("adapter", AdapterNameSearch)),
	}, nil
}

// NewSearchStoreWithTransport builds a SearchStore over a custom HTTP
// transport. Tests use it to serve canned index responses.
func NewSearchStoreWithTransport(transport http.RoundTripper, prefix string, logger *slog.Logger) (*SearchStore, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{"http://search.invalid"},
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create search client: %w", err)
	}

	return &SearchStore{
		client: client,
		prefix: prefix,
		logger: logger.With(slog.String("adapter", AdapterNameSearch)),
	}, nil
}

// Name returns the adapter name.
func (s *SearchStore) Name() string {
	return AdapterNameSearch
}

// indexFor maps an entity kind to its index name.
func (s *SearchStore) indexFor(kind catalog.Kind) string {
	return s.prefix + "-" + kind.String() + "s"
}

// responseError turns a non-2xx esapi response into an error. The response
// body is drained so the transport's connection can be reused.
func responseError(res *esapi.Response) error {
	body, _ := io.ReadAll(res.Body)

	return fmt.Errorf("search responded %d: %s", res.StatusCode, bytes.TrimSpace(body))
}

// Exists reports whether a document is present in the kind's index.
func (s *SearchStore) Exists(ctx context.Context, kind catalog.Kind, id string) (bool, error) {
	res, err := s.client.Exists(s.indexFor(kind), id, s.client.Exists.WithContext(ctx))
	if err != nil {
		return false, catalog.NewStoreError(AdapterNameSearch, "exists", kind, id, err)
	}

	defer func() {
		_ = res.Body.Close()
	}()

	switch {
	case res.StatusCode == http.StatusOK:
		return true, nil
	case res.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, catalog.NewStoreError(AdapterNameSearch, "exists", kind, id, responseError(res))
	}
}

// Get fetches a document, returning (nil, nil) when absent.
func (s *SearchStore) Get(ctx context.Context, kind catalog.Kind, id string) (*catalog.Record, error) {
	res, err := s.client.Get(s.indexFor(kind), id, s.client.Get.WithContext(ctx))
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNameSearch, "get", kind, id, err)
	}

	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if res.IsError() {
		return nil, catalog.NewStoreError(AdapterNameSearch, "get", kind, id, responseError(res))
	}

	var doc struct {
		Source map[string]any `json:"_source"`
	}

	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, catalog.NewStoreError(AdapterNameSearch, "get", kind, id,
			fmt.Errorf("failed to decode document: %w", err))
	}

	return &catalog.Record{ID: id, Fields: doc.Source}, nil
}

// Create indexes a new document, failing if the id is already taken.
func (s *SearchStore) Create(ctx context.Context, kind catalog.Kind, rec *catalog.Record) (*catalog.Record, error) {
	if rec == nil {
		return nil, catalog.NewStoreError(AdapterNameSearch, "create", kind, "", catalog.ErrNilRecord)
	}

	return s.index(ctx, "create", kind, rec.ID, rec, true)
}

// Update replaces a document. The index is the last store in the apply
// order and tolerates drift from older deployments, so replacing an absent
// document is allowed rather than an error.
func (s *SearchStore) Update(ctx context.Context, kind catalog.Kind, id string, rec *catalog.Record) (*catalog.Record, error) {
	if rec == nil {
		return nil, catalog.NewStoreError(AdapterNameSearch, "update", kind, id, catalog.ErrNilRecord)
	}

	return s.index(ctx, "update", kind, id, rec, false)
}

// index writes a document, optionally requiring that it does not exist yet.
func (s *SearchStore) index(
	ctx context.Context,
	op string,
	kind catalog.Kind,
	id string,
	rec *catalog.Record,
	createOnly bool,
) (*catalog.Record, error) {
	body, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNameSearch, op, kind, id,
			fmt.Errorf("failed to encode document: %w", err))
	}

	opts := []func(*esapi.IndexRequest){
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(id),
		s.client.Index.WithRefresh("wait_for"),
	}
	if createOnly {
		opts = append(opts, s.client.Index.WithOpType("create"))
	}

	res, err := s.client.Index(s.indexFor(kind), bytes.NewReader(body), opts...)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNameSearch, op, kind, id, err)
	}

	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode == http.StatusConflict {
		return nil, catalog.NewStoreError(AdapterNameSearch, op, kind, id,
			fmt.Errorf("%w: %s/%s", ErrAlreadyExists, kind, id))
	}

	if res.IsError() {
		return nil, catalog.NewStoreError(AdapterNameSearch, op, kind, id, responseError(res))
	}

	return rec.Clone(), nil
}

// Delete removes a document. A 404 is folded into success (idempotent delete).
func (s *SearchStore) Delete(ctx context.Context, kind catalog.Kind, id string) error {
	res, err := s.client.Delete(s.indexFor(kind), id,
		s.client.Delete.WithContext(ctx),
		s.client.Delete.WithRefresh("wait_for"),
	)
	if err != nil {
		return catalog.NewStoreError(AdapterNameSearch, "delete", kind, id, err)
	}

	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode == http.StatusNotFound {
		return nil
	}

	if res.IsError() {
		return catalog.NewStoreError(AdapterNameSearch, "delete", kind, id, responseError(res))
	}

	return nil
}

// Dependents returns the names of dependentKind documents referencing the
// given entity via a term query on provider_id.
func (s *SearchStore) Dependents(
	ctx context.Context,
	kind catalog.Kind,
	id string,
	dependentKind catalog.Kind,
) ([]string, error) {
	if kind != catalog.KindProvider {
		return nil, nil
	}

	query := map[string]any{
		"size": dependentsPageSize,
		"query": map[string]any{
			"term": map[string]any{
				"provider_id": id,
			},
		},
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNameSearch, "dependents", kind, id, err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.indexFor(dependentKind)),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNameSearch, "dependents", kind, id, err)
	}

	defer func() {
		_ = res.Body.Close()
	}()

	// A missing index means this deployment never wrote that kind here.
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if res.IsError() {
		return nil, catalog.NewStoreError(AdapterNameSearch, "dependents", kind, id, responseError(res))
	}

	var result struct {
		Hits struct {
			Hits []struct {
				ID     string         `json:"_id"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, catalog.NewStoreError(AdapterNameSearch, "dependents", kind, id,
			fmt.Errorf("failed to decode search response: %w", err))
	}

	names := make([]string, 0, len(result.Hits.Hits))

	for _, hit := range result.Hits.Hits {
		if name, ok := hit.Source["name"].(string); ok && name != "" {
			names = append(names, name)

			continue
		}

		names = append(names, hit.ID)
	}

	return names, nil
}
