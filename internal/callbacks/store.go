package callbacks

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

// DefaultRetention is how long a callback is kept past its deadline.
const DefaultRetention = 7 * 24 * time.Hour

// Store persists pending callbacks in DynamoDB. Every status change is a
// compare-and-swap on the current status.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	retention time.Duration
	nowFunc   func() time.Time
}

// NewStore creates a callback Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		retention: DefaultRetention,
		nowFunc:   time.Now,
	}
}

// Register records an AWAITING callback that expires after ttl. Registering
// the same correlation id with the same task token again is a no-op, which
// keeps the initiating executor retry-safe.
func (s *Store) Register(ctx context.Context, correlationID, executionID, taskToken string, ttl time.Duration) (*PendingCallback, error) {
	now := s.nowFunc()
	cb := PendingCallback{
		CorrelationID: correlationID,
		TaskToken:     taskToken,
		ExecutionID:   executionID,
		Status:        StatusAwaiting,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl).Unix(),
		TTL:           now.Add(ttl + s.retention).Unix(),
	}
	item, err := attributevalue.MarshalMap(cb)
	if err != nil {
		return nil, fmt.Errorf("marshal callback: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(correlation_id)"),
	})
	if err == nil {
		return &cb, nil
	}
	if !aws.IsConditionalCheckFailed(err) {
		return nil, fmt.Errorf("put item: %w", err)
	}
	existing, err := s.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.TaskToken == taskToken {
		return existing, nil
	}
	return existing, fmt.Errorf("register %s: %w", correlationID, ErrConflict)
}

// Get returns the callback for a correlation id, or (nil, nil). Records
// past their TTL are treated as deleted.
func (s *Store) Get(ctx context.Context, correlationID string) (*PendingCallback, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyOf(correlationID),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var cb PendingCallback
	if err := attributevalue.UnmarshalMap(out.Item, &cb); err != nil {
		return nil, fmt.Errorf("unmarshal callback: %w", err)
	}
	// TTL deletion is lazy
	if cb.TTL > 0 && cb.TTL < s.nowFunc().Unix() {
		return nil, nil
	}
	return &cb, nil
}

// Complete claims an AWAITING callback whose deadline has not passed and
// marks it COMPLETED. Exactly one caller can win the claim; the others get
// ErrNotFound, ErrAlreadyCompleted or ErrExpired.
func (s *Store) Complete(ctx context.Context, correlationID string) (*PendingCallback, error) {
	now := s.nowFunc()
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      keyOf(correlationID),
		UpdateExpression:         aws.String("SET #s = :completed, completed_at = :ca"),
		ConditionExpression:      aws.String("#s = :awaiting AND expires_at > :now"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: StatusCompleted},
			":awaiting":  &types.AttributeValueMemberS{Value: StatusAwaiting},
			":ca":        &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
			":now":       epoch(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return nil, s.classifyRejection(ctx, correlationID)
		}
		return nil, fmt.Errorf("update item (complete): %w", err)
	}
	var cb PendingCallback
	if err := attributevalue.UnmarshalMap(out.Attributes, &cb); err != nil {
		return nil, fmt.Errorf("unmarshal callback: %w", err)
	}
	return &cb, nil
}

// Release hands a claimed callback back to AWAITING when the resume could
// not be submitted, so a redelivered webhook can try again.
func (s *Store) Release(ctx context.Context, correlationID string) error {
	return s.reopen(ctx, correlationID, StatusCompleted)
}

// Reopen moves an EXPIRED callback back to AWAITING when the sweeper could
// not submit the timeout, so the next sweep picks it up again.
func (s *Store) Reopen(ctx context.Context, correlationID string) error {
	return s.reopen(ctx, correlationID, StatusExpired)
}

func (s *Store) reopen(ctx context.Context, correlationID, from string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      keyOf(correlationID),
		UpdateExpression:         aws.String("SET #s = :awaiting REMOVE completed_at"),
		ConditionExpression:      aws.String("#s = :from"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":awaiting": &types.AttributeValueMemberS{Value: StatusAwaiting},
			":from":     &types.AttributeValueMemberS{Value: from},
		},
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return s.classifyRejection(ctx, correlationID)
		}
		return fmt.Errorf("update item (reopen from %s): %w", from, err)
	}
	return nil
}

// Expire moves an AWAITING callback to EXPIRED. It fails with
// ErrAlreadyCompleted if the webhook won the race.
func (s *Store) Expire(ctx context.Context, correlationID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      keyOf(correlationID),
		UpdateExpression:         aws.String("SET #s = :expired"),
		ConditionExpression:      aws.String("#s = :awaiting"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expired":  &types.AttributeValueMemberS{Value: StatusExpired},
			":awaiting": &types.AttributeValueMemberS{Value: StatusAwaiting},
		},
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return s.classifyRejection(ctx, correlationID)
		}
		return fmt.Errorf("update item (expire): %w", err)
	}
	return nil
}

// ListExpired returns AWAITING callbacks whose deadline is before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int32) ([]PendingCallback, error) {
	in := &dyn.QueryInput{
		TableName:                &s.tableName,
		IndexName:                aws.String(StatusIndex),
		KeyConditionExpression:   aws.String("#s = :awaiting AND expires_at < :now"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":awaiting": &types.AttributeValueMemberS{Value: StatusAwaiting},
			":now":      epoch(now),
		},
	}
	if limit > 0 {
		in.Limit = &limit
	}
	out, err := s.client.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("query expired: %w", err)
	}
	cbs := make([]PendingCallback, 0, len(out.Items))
	for _, item := range out.Items {
		var cb PendingCallback
		if err := attributevalue.UnmarshalMap(item, &cb); err != nil {
			return nil, fmt.Errorf("unmarshal callback: %w", err)
		}
		cbs = append(cbs, cb)
	}
	return cbs, nil
}

func (s *Store) classifyRejection(ctx context.Context, correlationID string) error {
	cb, err := s.Get(ctx, correlationID)
	if err != nil {
		return err
	}
	switch {
	case cb == nil:
		return ErrNotFound
	case cb.Status == StatusCompleted:
		return ErrAlreadyCompleted
	case cb.Status == StatusExpired:
		return ErrExpired
	case cb.Status == StatusAwaiting && cb.ExpiresAt <= s.nowFunc().Unix():
		return ErrExpired
	}
	return fmt.Errorf("pending callback %s in unexpected status %s", correlationID, cb.Status)
}

func keyOf(correlationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"correlation_id": &types.AttributeValueMemberS{Value: correlationID},
	}
}

func epoch(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func boolPtr(b bool) *bool { return &b }
