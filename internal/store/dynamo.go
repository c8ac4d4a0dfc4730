package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/granary-io/granary/internal/catalog"
)

// AdapterNameDynamo is the stable name of the legacy key-value adapter.
const AdapterNameDynamo = "dynamo"

// refIndexName is the GSI that indexes records by their provider reference,
// used for dependent lookups without a table scan.
const refIndexName = "ref-index"

// Compile-time interface assertions.
var (
	_ catalog.Adapter         = (*DynamoStore)(nil)
	_ catalog.DependentLister = (*DynamoStore)(nil)
)

type (
	// DynamoClient is the subset of the DynamoDB API the adapter uses.
	// Production injects *dynamodb.Client; tests inject a double.
	DynamoClient interface {
		GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
		PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
		DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
		Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	}

	// DynamoStore implements catalog.Adapter over the legacy DynamoDB table.
	// The table predates the relational store: records from older migration
	// eras may exist here and nowhere else, which is why integrity checks
	// consult it independently. One table holds every kind, keyed by
	// (kind, id), with the record payload marshalled as a map attribute.
	DynamoStore struct {
		client DynamoClient
		table  string
		logger *slog.Logger
	}
)

// NewDynamoStore creates a DynamoDB-backed catalog adapter.
func NewDynamoStore(client DynamoClient, cfg *KeyValueConfig, logger *slog.Logger) (*DynamoStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid key-value config: %w", err)
	}

	return &DynamoStore{
		client: client,
		table:  cfg.Table,
		logger: logger.With(slog.String("adapter", AdapterNameDynamo)),
	}, nil
}

// Name returns the adapter name.
func (s *DynamoStore) Name() string {
	return AdapterNameDynamo
}

// itemKey builds the composite primary key for a record.
func itemKey(kind catalog.Kind, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"kind": &types.AttributeValueMemberS{Value: kind.String()},
		"id":   &types.AttributeValueMemberS{Value: id},
	}
}

// providerRefValue renders the GSI hash value for a provider reference.
func providerRefValue(providerID string) string {
	return "provider#" + providerID
}

// marshalItem converts a record into a DynamoDB item with managed attributes.
func (s *DynamoStore) marshalItem(kind catalog.Kind, rec *catalog.Record) (map[string]types.AttributeValue, error) {
	payload, err := attributevalue.MarshalMap(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	item := map[string]types.AttributeValue{
		"kind":    &types.AttributeValueMemberS{Value: kind.String()},
		"id":      &types.AttributeValueMemberS{Value: rec.ID},
		"payload": &types.AttributeValueMemberM{Value: payload},
		"name":    &types.AttributeValueMemberS{Value: rec.Name()},
	}

	if ref, ok := rec.Fields["provider_id"].(string); ok && ref != "" {
		item["provider_ref"] = &types.AttributeValueMemberS{Value: providerRefValue(ref)}
	}

	return item, nil
}

// unmarshalItem converts a DynamoDB item back into a record.
func unmarshalItem(raw map[string]types.AttributeValue) (*catalog.Record, error) {
	rec := &catalog.Record{}

	if v, ok := raw["id"].(*types.AttributeValueMemberS); ok {
		rec.ID = v.Value
	}

	if v, ok := raw["payload"].(*types.AttributeValueMemberM); ok {
		if err := attributevalue.UnmarshalMap(v.Value, &rec.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}

	return rec, nil
}

// Exists reports whether a record is present.
func (s *DynamoStore) Exists(ctx context.Context, kind catalog.Kind, id string) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  itemKey(kind, id),
		ProjectionExpression: aws.String("id"),
	})
	if err != nil {
		return false, catalog.NewStoreError(AdapterNameDynamo, "exists", kind, id, err)
	}

	return result.Item != nil, nil
}

// Get fetches a record, returning (nil, nil) when absent.
func (s *DynamoStore) Get(ctx context.Context, kind catalog.Kind, id string) (*catalog.Record, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(kind, id),
	})
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNameDynamo, "get", kind, id, err)
	}

	if result.Item == nil {
		return nil, nil
	}

	rec, err := unmarshalItem(result.Item)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNameDynamo, "get", kind, id, err)
	}

	return rec, nil
}

// Create stores a new record, failing if the id is already taken.
func (s *DynamoStore) Create(ctx context.Context, kind catalog.Kind, rec *catalog.Record) (*catalog.Record, error) {
	if rec == nil {
		return nil, catalog.NewStoreError(AdapterNameDynamo, "create", kind, "", catalog.ErrNilRecord)
	}

	item, err := s.marshalItem(kind, rec)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNameDynamo, "create", kind, rec.ID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			err = fmt.Errorf("%w: %s/%s", ErrAlreadyExists, kind, rec.ID)
		}

		return nil, catalog.NewStoreError(AdapterNameDynamo, "create", kind, rec.ID, err)
	}

	return rec.Clone(), nil
}

// Update replaces an existing record, failing if it is absent.
func (s *DynamoStore) Update(ctx context.Context, kind catalog.Kind, id string, rec *catalog.Record) (*catalog.Record, error) {
	if rec == nil {
		return nil, catalog.NewStoreError(AdapterNameDynamo, "update", kind, id, catalog.ErrNilRecord)
	}

	item, err := s.marshalItem(kind, rec)
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNameDynamo, "update", kind, id, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			err = catalog.ErrNotFound
		}

		return nil, catalog.NewStoreError(AdapterNameDynamo, "update", kind, id, err)
	}

	return rec.Clone(), nil
}

// Delete removes a record. DeleteItem is unconditional, so deleting an
// absent record is inherently a no-op success.
func (s *DynamoStore) Delete(ctx context.Context, kind catalog.Kind, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(kind, id),
	})
	if err != nil {
		return catalog.NewStoreError(AdapterNameDynamo, "delete", kind, id, err)
	}

	return nil
}

// Dependents returns the names of dependentKind records referencing the
// given entity, via the provider-reference GSI.
func (s *DynamoStore) Dependents(
	ctx context.Context,
	kind catalog.Kind,
	id string,
	dependentKind catalog.Kind,
) ([]string, error) {
	if kind != catalog.KindProvider {
		return nil, nil
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(refIndexName),
		KeyConditionExpression: aws.String("provider_ref = :ref"),
		FilterExpression:       aws.String("#k = :kind"),
		ExpressionAttributeNames: map[string]string{
			"#k": "kind",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ref":  &types.AttributeValueMemberS{Value: providerRefValue(id)},
			":kind": &types.AttributeValueMemberS{Value: dependentKind.String()},
		},
	})
	if err != nil {
		return nil, catalog.NewStoreError(AdapterNameDynamo, "dependents", kind, id, err)
	}

	names := make([]string, 0, len(result.Items))

	for _, item := range result.Items {
		if v, ok := item["name"].(*types.AttributeValueMemberS); ok && v.Value != "" {
			names = append(names, v.Value)

			continue
		}

		if v, ok := item["id"].(*types.AttributeValueMemberS); ok {
			names = append(names, v.Value)
		}
	}

	return names, nil
}
