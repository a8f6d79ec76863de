package dynamotest

import (
	"context"
	"errors"
	"testing"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func s(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }
func n(v string) *types.AttributeValueMemberN { return &types.AttributeValueMemberN{Value: v} }
func ptr(v string) *string                    { return &v }

func TestFake_ConditionalPutAndUpdate(t *testing.T) {
	f := New()
	f.CreateTable("t", KeySchema{PK: "id"}, nil)
	ctx := context.Background()

	put := &dyn.PutItemInput{
		TableName:           ptr("t"),
		Item:                map[string]types.AttributeValue{"id": s("a"), "status": s("OPEN"), "exp": n("10")},
		ConditionExpression: ptr("attribute_not_exists(id) OR exp < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": n("5"),
		},
	}
	if _, err := f.PutItem(ctx, put); err != nil {
		t.Fatalf("first put: %v", err)
	}
	var ccf *types.ConditionalCheckFailedException
	if _, err := f.PutItem(ctx, put); !errors.As(err, &ccf) {
		t.Fatalf("expected conditional failure, got %v", err)
	}
	put.ExpressionAttributeValues[":now"] = n("11")
	if _, err := f.PutItem(ctx, put); err != nil {
		t.Fatalf("expired item should be replaceable: %v", err)
	}

	upd := &dyn.UpdateItemInput{
		TableName:                 ptr("t"),
		Key:                       map[string]types.AttributeValue{"id": s("a")},
		UpdateExpression:          ptr("SET #s = :new REMOVE exp"),
		ConditionExpression:       ptr("#s = :expected"),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":new": s("CLOSED"), ":expected": s("OPEN")},
		ReturnValues:              types.ReturnValueAllNew,
	}
	out, err := f.UpdateItem(ctx, upd)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if out.Attributes["status"].(*types.AttributeValueMemberS).Value != "CLOSED" {
		t.Fatalf("status not updated")
	}
	if _, ok := out.Attributes["exp"]; ok {
		t.Fatalf("exp should be removed")
	}
	if _, err := f.UpdateItem(ctx, upd); !errors.As(err, &ccf) {
		t.Fatalf("second CAS should fail, got %v", err)
	}
}

func TestFake_QueryIndexSortedAndFiltered(t *testing.T) {
	f := New()
	f.CreateTable("t", KeySchema{PK: "pk", SK: "sk"}, map[string]KeySchema{
		"by_group": {PK: "group", SK: "rank"},
	})
	for _, it := range []map[string]types.AttributeValue{
		{"pk": s("p1"), "sk": s("b"), "group": s("g"), "rank": n("20")},
		{"pk": s("p1"), "sk": s("a"), "group": s("g"), "rank": n("3")},
		{"pk": s("p2"), "sk": s("a"), "group": s("h"), "rank": n("1")},
		{"pk": s("p3"), "sk": s("a")},
	} {
		if err := f.Put("t", it); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	out, err := f.Query(context.Background(), &dyn.QueryInput{
		TableName:                 ptr("t"),
		IndexName:                 ptr("by_group"),
		KeyConditionExpression:    ptr("#g = :g AND #r < :max"),
		ExpressionAttributeNames:  map[string]string{"#g": "group", "#r": "rank"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":g": s("g"), ":max": n("100")},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(out.Items))
	}
	if out.Items[0]["rank"].(*types.AttributeValueMemberN).Value != "3" {
		t.Fatalf("items not sorted numerically by rank")
	}
}

func TestFake_TransactWriteIsAllOrNothing(t *testing.T) {
	f := New()
	f.CreateTable("t", KeySchema{PK: "id"}, nil)
	_ = f.Put("t", map[string]types.AttributeValue{"id": s("taken")})

	_, err := f.TransactWriteItems(context.Background(), &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: ptr("t"), Item: map[string]types.AttributeValue{"id": s("new")}}},
			{Put: &types.Put{
				TableName:           ptr("t"),
				Item:                map[string]types.AttributeValue{"id": s("taken")},
				ConditionExpression: ptr("attribute_not_exists(id)"),
			}},
		},
	})
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		t.Fatalf("expected transaction cancel, got %v", err)
	}
	if len(f.Items("t")) != 1 {
		t.Fatalf("no item should have been written")
	}
}
