package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/aws"
)

const defaultLeaseWindow = 30 * time.Second

// ErrLeaseLost is returned when Complete or Release is called by a caller
// that no longer owns the IN_PROGRESS record.
var ErrLeaseLost = errors.New("idempotency lease lost")

// ErrInvalidStatus is returned when Complete is asked for a non-terminal status.
var ErrInvalidStatus = errors.New("completion status must be SUCCEEDED or FAILED")

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client      aws.DynamoDBAPI
	tableName   string
	ttlWindow   time.Duration // how long terminal results stay cached
	leaseWindow time.Duration // how long an IN_PROGRESS record blocks other callers
	nowFunc     func() time.Time
}

// NewStore returns a configured Store.
// tableName: DynamoDB table name for idempotency entries.
// ttlWindow: default TTL window (e.g., 48*time.Hour)
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:      client,
		tableName:   tableName,
		ttlWindow:   ttlWindow,
		leaseWindow: defaultLeaseWindow,
		nowFunc:     time.Now,
	}
}

// WithLease overrides the IN_PROGRESS lease window.
func (s *Store) WithLease(d time.Duration) *Store {
	if d > 0 {
		s.leaseWindow = d
	}
	return s
}

// Lease returns the IN_PROGRESS lease window.
func (s *Store) Lease() time.Duration { return s.leaseWindow }

// Begin atomically inserts an IN_PROGRESS record owned by owner. The insert
// also succeeds over a record whose TTL has passed and over an IN_PROGRESS
// record whose lease expired (its owner crashed). Otherwise the existing
// record decides the outcome: terminal records are replayed, live
// IN_PROGRESS records report InProgress.
func (s *Store) Begin(ctx context.Context, key, operation, owner string) (Decision, error) {
	for attempt := 0; attempt < 3; attempt++ {
		now := s.nowFunc()
		rec := IdempotencyRecord{
			IdempotencyKey: key,
			Operation:      operation,
			Status:         StatusInProgress,
			Owner:          owner,
			CreatedAt:      now,
			UpdatedAt:      now,
			LeaseExpiresAt: now.Add(s.leaseWindow).Unix(),
			ExpiresAt:      now.Add(s.ttlWindow).Unix(),
		}
		item, err := attributevalue.MarshalMap(rec)
		if err != nil {
			return Decision{}, fmt.Errorf("marshal record: %w", err)
		}

		_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
			TableName: &s.tableName,
			Item:      item,
			ConditionExpression: aws.String("attribute_not_exists(idempotency_key) OR expires_at < :now" +
				" OR (#s = :in_progress AND lease_expires_at < :now)"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now":         epoch(now),
				":in_progress": &types.AttributeValueMemberS{Value: StatusInProgress},
			},
		})
		if err == nil {
			return Decision{Outcome: Admitted}, nil
		}
		if !aws.IsConditionalCheckFailed(err) {
			return Decision{}, fmt.Errorf("put item: %w", err)
		}

		existing, err := s.Get(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		if existing == nil {
			// released between our put and get; try again
			continue
		}
		if existing.Terminal() {
			return Decision{Outcome: Replay, Record: existing}, nil
		}
		return Decision{Outcome: InProgress, Record: existing}, nil
	}
	return Decision{}, fmt.Errorf("begin %s: record kept changing under contention", key)
}

// Get retrieves an idempotency record by key. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	input := &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyOf(key),
		ConsistentRead: boolPtr(true),
	}
	out, err := s.client.GetItem(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec IdempotencyRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// Complete transitions the caller's IN_PROGRESS record to a terminal status
// and caches the result for duplicate invocations.
func (s *Store) Complete(ctx context.Context, key, owner string, c Completion) error {
	if c.Status != StatusSucceeded && c.Status != StatusFailed {
		return ErrInvalidStatus
	}
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       keyOf(key),
		UpdateExpression: aws.String("SET #s = :status, #r = :result, error_code = :code, error_message = :msg," +
			" updated_at = :ua, expires_at = :exp REMOVE lease_expires_at"),
		ConditionExpression: aws.String("#s = :in_progress AND #o = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
			"#r": "result",
			"#o": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":      &types.AttributeValueMemberS{Value: c.Status},
			":result":      &types.AttributeValueMemberS{Value: c.Result},
			":code":        &types.AttributeValueMemberS{Value: c.ErrorCode},
			":msg":         &types.AttributeValueMemberS{Value: c.ErrorMessage},
			":ua":          &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
			":exp":         epoch(now.Add(s.ttlWindow)),
			":in_progress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":owner":       &types.AttributeValueMemberS{Value: owner},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrLeaseLost
		}
		return fmt.Errorf("update item (complete): %w", err)
	}
	return nil
}

// Release deletes the caller's IN_PROGRESS record so the next attempt is
// admitted. Used after retryable failures where no side effect committed.
func (s *Store) Release(ctx context.Context, key, owner string) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:                &s.tableName,
		Key:                      keyOf(key),
		ConditionExpression:      aws.String("#s = :in_progress AND #o = :owner"),
		ExpressionAttributeNames: map[string]string{"#s": "status", "#o": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":in_progress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":owner":       &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrLeaseLost
		}
		return fmt.Errorf("delete item (release): %w", err)
	}
	return nil
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func epoch(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func boolPtr(b bool) *bool { return &b }
