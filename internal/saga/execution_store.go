package saga

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/aws"
)

// ExecutionStore persists execution heads and their history in one
// DynamoDB table (PK execution_id, SK sk). Every change to a head is
// written together with its history event in a single transaction
// guarded by the head version.
type ExecutionStore struct {
	client    aws.DynamoDBAPI
	tableName string
	ttl       time.Duration
	nowFunc   func() time.Time
}

// NewExecutionStore creates an ExecutionStore. A zero ttl keeps records
// until deleted.
func NewExecutionStore(client aws.DynamoDBAPI, tableName string, ttl time.Duration) *ExecutionStore {
	return &ExecutionStore{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
		nowFunc:   time.Now,
	}
}

// Create writes a new execution with its ExecutionStarted event. If the
// execution already exists the stored head is returned with created=false.
func (s *ExecutionStore) Create(ctx context.Context, exec *Execution) (stored *Execution, created bool, err error) {
	now := s.nowFunc()
	exec.SK = headSK
	exec.Version = 0
	exec.CreatedAt = now
	exec.UpdatedAt = now
	if s.ttl > 0 {
		exec.ExpiresAt = now.Add(s.ttl).Unix()
	}
	ev := Event{
		Type:  EventExecutionStarted,
		To:    exec.State,
		Input: exec.Document,
	}
	headItem, evItem, err := s.items(exec, ev)
	if err != nil {
		return nil, false, err
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           &s.tableName,
				Item:                headItem,
				ConditionExpression: aws.String("attribute_not_exists(execution_id)"),
			}},
			{Put: &types.Put{
				TableName:           &s.tableName,
				Item:                evItem,
				ConditionExpression: aws.String("attribute_not_exists(sk)"),
			}},
		},
	})
	if err == nil {
		return exec, true, nil
	}
	if !aws.IsTransactionConditionFailed(err) {
		return nil, false, fmt.Errorf("transact write (create): %w", err)
	}
	existing, err := s.Get(ctx, exec.ExecutionID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("create %s: conflicting write but no head found", exec.ExecutionID)
	}
	return existing, false, nil
}

// Commit persists exec at version+1 together with ev. On success exec
// carries the new version; on ErrVersionConflict exec is unchanged and the
// caller must reload.
func (s *ExecutionStore) Commit(ctx context.Context, exec *Execution, ev Event) error {
	next := *exec
	next.Version = exec.Version + 1
	next.UpdatedAt = s.nowFunc()

	headItem, evItem, err := s.items(&next, ev)
	if err != nil {
		return err
	}
	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           &s.tableName,
				Item:                headItem,
				ConditionExpression: aws.String("version = :expected"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(exec.Version, 10)},
				},
			}},
			{Put: &types.Put{
				TableName:           &s.tableName,
				Item:                evItem,
				ConditionExpression: aws.String("attribute_not_exists(sk)"),
			}},
		},
	})
	if err != nil {
		if aws.IsTransactionConditionFailed(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("transact write (commit): %w", err)
	}
	*exec = next
	return nil
}

func (s *ExecutionStore) items(exec *Execution, ev Event) (map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
	ev.ExecutionID = exec.ExecutionID
	ev.Seq = exec.Version
	ev.SK = eventSK(exec.Version)
	ev.Timestamp = exec.UpdatedAt
	ev.ExpiresAt = exec.ExpiresAt

	headItem, err := attributevalue.MarshalMap(exec)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal execution: %w", err)
	}
	evItem, err := attributevalue.MarshalMap(ev)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal event: %w", err)
	}
	return headItem, evItem, nil
}

// Get fetches an execution head. Returns (nil, nil) if not found.
func (s *ExecutionStore) Get(ctx context.Context, executionID string) (*Execution, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"execution_id": &types.AttributeValueMemberS{Value: executionID},
			"sk":           &types.AttributeValueMemberS{Value: headSK},
		},
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var exec Execution
	if err := attributevalue.UnmarshalMap(out.Item, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

// History returns the events of an execution in commit order.
func (s *ExecutionStore) History(ctx context.Context, executionID string) ([]Event, error) {
	in := &dyn.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("execution_id = :id AND begins_with(sk, :evt)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id":  &types.AttributeValueMemberS{Value: executionID},
			":evt": &types.AttributeValueMemberS{Value: "EVT#"},
		},
		ConsistentRead: boolPtr(true),
	}
	var events []Event
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query history: %w", err)
		}
		for _, item := range out.Items {
			var ev Event
			if err := attributevalue.UnmarshalMap(item, &ev); err != nil {
				return nil, fmt.Errorf("unmarshal event: %w", err)
			}
			events = append(events, ev)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return events, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func boolPtr(b bool) *bool { return &b }
