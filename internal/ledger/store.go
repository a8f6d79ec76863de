package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/aws"
)

// Store is the append-only saga ledger backed by DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

// NewStore creates a ledger Store. ttlWindow controls how long entries are
// kept for audit before DynamoDB TTL removes them; zero keeps them.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// RecordStep appends a step. Writing the same (transactionID, stepID) again
// with the same payload is a no-op that returns the original entry; a
// different payload returns ErrStepConflict.
func (s *Store) RecordStep(ctx context.Context, transactionID, stepID, correlationID string, payload map[string]string) (*SagaTransactionEntry, error) {
	now := s.nowFunc()
	entry := SagaTransactionEntry{
		TransactionID: transactionID,
		StepID:        stepID,
		CorrelationID: correlationID,
		Payload:       payload,
		CreatedAt:     now,
		RecordedAt:    now.UnixNano(),
	}
	if s.ttlWindow > 0 {
		entry.ExpiresAt = now.Add(s.ttlWindow).Unix()
	}
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(step_id)"),
	})
	if err == nil {
		return &entry, nil
	}
	if !aws.IsConditionalCheckFailed(err) {
		return nil, fmt.Errorf("put item: %w", err)
	}

	existing, err := s.get(ctx, transactionID, stepID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("step %s/%s: conditional put failed but entry is missing", transactionID, stepID)
	}
	if !existing.samePayload(correlationID, payload) {
		return existing, fmt.Errorf("step %s/%s: %w", transactionID, stepID, ErrStepConflict)
	}
	return existing, nil
}

// ListSteps returns the entries of a transaction in completion order.
func (s *Store) ListSteps(ctx context.Context, transactionID string) ([]SagaTransactionEntry, error) {
	entries, err := s.query(ctx, &dyn.QueryInput{
		TableName:                &s.tableName,
		KeyConditionExpression:   aws.String("#t = :t"),
		ExpressionAttributeNames: map[string]string{"#t": "transaction_id"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: transactionID},
		},
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].RecordedAt < entries[j].RecordedAt
	})
	return entries, nil
}

// FindByCorrelationID returns every entry linked to a correlation id,
// oldest first.
func (s *Store) FindByCorrelationID(ctx context.Context, correlationID string) ([]SagaTransactionEntry, error) {
	return s.query(ctx, &dyn.QueryInput{
		TableName:                &s.tableName,
		IndexName:                aws.String(CorrelationIndex),
		KeyConditionExpression:   aws.String("#c = :c"),
		ExpressionAttributeNames: map[string]string{"#c": "correlation_id"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: correlationID},
		},
	})
}

// GetStep returns the committed entry for one step of a transaction, or
// nil when the step was never recorded or its entry is past its TTL.
func (s *Store) GetStep(ctx context.Context, transactionID, stepID string) (*SagaTransactionEntry, error) {
	e, err := s.get(ctx, transactionID, stepID)
	if err != nil || e == nil {
		return nil, err
	}
	if e.ExpiresAt > 0 && e.ExpiresAt < s.nowFunc().Unix() {
		return nil, nil
	}
	return e, nil
}

func (s *Store) get(ctx context.Context, transactionID, stepID string) (*SagaTransactionEntry, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"transaction_id": &types.AttributeValueMemberS{Value: transactionID},
			"step_id":        &types.AttributeValueMemberS{Value: stepID},
		},
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var e SagaTransactionEntry
	if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &e, nil
}

func (s *Store) query(ctx context.Context, in *dyn.QueryInput) ([]SagaTransactionEntry, error) {
	var entries []SagaTransactionEntry
	now := s.nowFunc().Unix()
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		for _, item := range out.Items {
			var e SagaTransactionEntry
			if err := attributevalue.UnmarshalMap(item, &e); err != nil {
				return nil, fmt.Errorf("unmarshal entry: %w", err)
			}
			// TTL deletion is lazy; hide entries that are already past it
			if e.ExpiresAt > 0 && e.ExpiresAt < now {
				continue
			}
			entries = append(entries, e)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return entries, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func boolPtr(b bool) *bool { return &b }
