package aws

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func TestIsConditionalCheckFailed(t *testing.T) {
	wrapped := fmt.Errorf("put item: %w", &types.ConditionalCheckFailedException{})
	if !IsConditionalCheckFailed(wrapped) {
		t.Fatalf("expected wrapped conditional failure to be detected")
	}
	if IsConditionalCheckFailed(errors.New("throttled")) {
		t.Fatalf("plain error must not be a conditional failure")
	}
}

func TestIsTransactionConditionFailed(t *testing.T) {
	code := "ConditionalCheckFailed"
	none := "None"
	err := fmt.Errorf("transact: %w", &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: &none}, {Code: &code}},
	})
	if !IsTransactionConditionFailed(err) {
		t.Fatalf("expected condition failure")
	}

	throttled := "ThrottlingError"
	err = &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: &throttled}},
	}
	if IsTransactionConditionFailed(err) {
		t.Fatalf("throttling cancellation is not a condition failure")
	}
}
