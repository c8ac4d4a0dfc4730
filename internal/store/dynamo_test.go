package store

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/granary-io/granary/internal/catalog"
)

// fakeDynamoClient is a scripted DynamoClient double. Each method returns
// its canned output and records the last input it received.
type fakeDynamoClient struct {
	getOutput    *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	deleteErr    error
	queryOutput  *dynamodb.QueryOutput
	queryErr     error
	lastPut      *dynamodb.PutItemInput
	lastDelete   *dynamodb.DeleteItemInput
	lastQuery    *dynamodb.QueryInput
	queryCalled  bool
	deleteCalled bool
}

func (f *fakeDynamoClient) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}

	if f.getOutput != nil {
		return f.getOutput, nil
	}

	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeDynamoClient) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPut = params

	if f.putErr != nil {
		return nil, f.putErr
	}

	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoClient) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deleteCalled = true
	f.lastDelete = params

	if f.deleteErr != nil {
		return nil, f.deleteErr
	}

	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoClient) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryCalled = true
	f.lastQuery = params

	if f.queryErr != nil {
		return nil, f.queryErr
	}

	if f.queryOutput != nil {
		return f.queryOutput, nil
	}

	return &dynamodb.QueryOutput{}, nil
}

func newTestDynamoStore(t *testing.T, client DynamoClient) *DynamoStore {
	t.Helper()

	s, err := NewDynamoStore(client, &KeyValueConfig{Table: "granary-test"}, slog.Default())
	if err != nil {
		t.Fatalf("NewDynamoStore failed: %v", err)
	}

	return s
}

func TestDynamoStoreCreate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	rec := &catalog.Record{ID: "rule-1", Fields: map[string]any{"name": "daily", "provider_id": "prov-1"}}

	t.Run("writes managed attributes with an existence guard", func(t *testing.T) {
		client := &fakeDynamoClient{}
		s := newTestDynamoStore(t, client)

		if _, err := s.Create(ctx, catalog.KindRule, rec); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		if *client.lastPut.ConditionExpression != "attribute_not_exists(id)" {
			t.Errorf("ConditionExpression = %q", *client.lastPut.ConditionExpression)
		}

		ref, ok := client.lastPut.Item["provider_ref"].(*types.AttributeValueMemberS)
		if !ok || ref.Value != "provider#prov-1" {
			t.Errorf("provider_ref attribute = %v, want provider#prov-1", client.lastPut.Item["provider_ref"])
		}

		name, ok := client.lastPut.Item["name"].(*types.AttributeValueMemberS)
		if !ok || name.Value != "daily" {
			t.Errorf("name attribute = %v, want daily", client.lastPut.Item["name"])
		}
	})

	t.Run("conditional check failure maps to already exists", func(t *testing.T) {
		client := &fakeDynamoClient{putErr: &types.ConditionalCheckFailedException{}}
		s := newTestDynamoStore(t, client)

		_, err := s.Create(ctx, catalog.KindRule, rec)
		if !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("Create error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("transport failure surfaces as a store error", func(t *testing.T) {
		client := &fakeDynamoClient{putErr: errors.New("RequestCanceled")}
		s := newTestDynamoStore(t, client)

		_, err := s.Create(ctx, catalog.KindRule, rec)

		var storeErr *catalog.StoreError
		if !errors.As(err, &storeErr) {
			t.Fatalf("Create error = %v, want *StoreError", err)
		}

		if storeErr.Adapter != AdapterNameDynamo {
			t.Errorf("Adapter = %q, want %q", storeErr.Adapter, AdapterNameDynamo)
		}
	})
}

func TestDynamoStoreUpdate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	rec := &catalog.Record{ID: "rule-1", Fields: map[string]any{"name": "daily"}}

	t.Run("requires the record to exist", func(t *testing.T) {
		client := &fakeDynamoClient{}
		s := newTestDynamoStore(t, client)

		if _, err := s.Update(ctx, catalog.KindRule, "rule-1", rec); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		if *client.lastPut.ConditionExpression != "attribute_exists(id)" {
			t.Errorf("ConditionExpression = %q", *client.lastPut.ConditionExpression)
		}
	})

	t.Run("conditional check failure maps to not found", func(t *testing.T) {
		client := &fakeDynamoClient{putErr: &types.ConditionalCheckFailedException{}}
		s := newTestDynamoStore(t, client)

		_, err := s.Update(ctx, catalog.KindRule, "rule-1", rec)
		if !errors.Is(err, catalog.ErrNotFound) {
			t.Errorf("Update error = %v, want ErrNotFound", err)
		}
	})
}

func TestDynamoStoreDelete(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("delete is unconditional", func(t *testing.T) {
		client := &fakeDynamoClient{}
		s := newTestDynamoStore(t, client)

		if err := s.Delete(ctx, catalog.KindGranule, "gran-1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		if client.lastDelete.ConditionExpression != nil {
			t.Error("Delete must not carry a condition expression")
		}

		key, ok := client.lastDelete.Key["id"].(*types.AttributeValueMemberS)
		if !ok || key.Value != "gran-1" {
			t.Errorf("Key[id] = %v, want gran-1", client.lastDelete.Key["id"])
		}
	})

	t.Run("transport failure surfaces", func(t *testing.T) {
		client := &fakeDynamoClient{deleteErr: errors.New("throttled")}
		s := newTestDynamoStore(t, client)

		var storeErr *catalog.StoreError
		if err := s.Delete(ctx, catalog.KindGranule, "gran-1"); !errors.As(err, &storeErr) {
			t.Errorf("Delete error = %v, want *StoreError", err)
		}
	})
}

func TestDynamoStoreGet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("absent item returns nil, nil", func(t *testing.T) {
		s := newTestDynamoStore(t, &fakeDynamoClient{})

		rec, err := s.Get(ctx, catalog.KindProvider, "missing")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if rec != nil {
			t.Errorf("Get = %v, want nil", rec)
		}
	})

	t.Run("present item unmarshals the payload", func(t *testing.T) {
		client := &fakeDynamoClient{
			getOutput: &dynamodb.GetItemOutput{
				Item: map[string]types.AttributeValue{
					"kind": &types.AttributeValueMemberS{Value: "provider"},
					"id":   &types.AttributeValueMemberS{Value: "prov-1"},
					"payload": &types.AttributeValueMemberM{
						Value: map[string]types.AttributeValue{
							"name": &types.AttributeValueMemberS{Value: "PODAAC"},
						},
					},
				},
			},
		}
		s := newTestDynamoStore(t, client)

		rec, err := s.Get(ctx, catalog.KindProvider, "prov-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if rec.ID != "prov-1" {
			t.Errorf("ID = %q, want prov-1", rec.ID)
		}

		if rec.Fields["name"] != "PODAAC" {
			t.Errorf("Fields[name] = %v, want PODAAC", rec.Fields["name"])
		}
	})
}

func TestDynamoStoreDependents(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("queries the reference index", func(t *testing.T) {
		client := &fakeDynamoClient{
			queryOutput: &dynamodb.QueryOutput{
				Items: []map[string]types.AttributeValue{
					{
						"id":   &types.AttributeValueMemberS{Value: "rule-1"},
						"name": &types.AttributeValueMemberS{Value: "daily"},
					},
					{
						"id": &types.AttributeValueMemberS{Value: "rule-2"},
					},
				},
			},
		}
		s := newTestDynamoStore(t, client)

		names, err := s.Dependents(ctx, catalog.KindProvider, "prov-1", catalog.KindRule)
		if err != nil {
			t.Fatalf("Dependents failed: %v", err)
		}

		if *client.lastQuery.IndexName != refIndexName {
			t.Errorf("IndexName = %q, want %q", *client.lastQuery.IndexName, refIndexName)
		}

		ref, ok := client.lastQuery.ExpressionAttributeValues[":ref"].(*types.AttributeValueMemberS)
		if !ok || ref.Value != "provider#prov-1" {
			t.Errorf(":ref = %v, want provider#prov-1", client.lastQuery.ExpressionAttributeValues[":ref"])
		}

		if len(names) != 2 || names[0] != "daily" || names[1] != "rule-2" {
			t.Errorf("Dependents = %v, want [daily rule-2]", names)
		}
	})

	t.Run("non-provider anchors skip the query", func(t *testing.T) {
		client := &fakeDynamoClient{}
		s := newTestDynamoStore(t, client)

		names, err := s.Dependents(ctx, catalog.KindRule, "rule-1", catalog.KindGranule)
		if err != nil {
			t.Fatalf("Dependents failed: %v", err)
		}

		if names != nil || client.queryCalled {
			t.Errorf("Dependents = %v, queryCalled = %v; want nil and no query", names, client.queryCalled)
		}
	})

	t.Run("query failure is fatal", func(t *testing.T) {
		client := &fakeDynamoClient{queryErr: errors.New("index offline")}
		s := newTestDynamoStore(t, client)

		if _, err := s.Dependents(ctx, catalog.KindProvider, "prov-1", catalog.KindRule); err == nil {
			t.Error("Dependents should surface the query failure")
		}
	})
}
