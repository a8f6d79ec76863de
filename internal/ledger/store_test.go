package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/dynamotest"
)

const testTable = "saga-ledger"

func newTestStore(t *testing.T) (*Store, *dynamotest.Fake, *time.Time) {
	t.Helper()
	fake := dynamotest.New()
	fake.CreateTable(testTable, dynamotest.KeySchema{PK: "transaction_id", SK: "step_id"}, map[string]dynamotest.KeySchema{
		CorrelationIndex: {PK: "correlation_id", SK: "recorded_at"},
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(fake, testTable, 30*24*time.Hour)
	s.nowFunc = func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
	return s, fake, &now
}

func TestRecordStep_AppendOnly(t *testing.T) {
	s, fake, _ := newTestStore(t)
	ctx := context.Background()
	payload := map[string]string{"payment_id": "pay_1", "amount_cents": "45000"}

	first, err := s.RecordStep(ctx, "tx-1", "charge", "", payload)
	if err != nil {
		t.Fatalf("RecordStep: %v", err)
	}

	// a legitimate retry is a no-op success returning the original entry
	again, err := s.RecordStep(ctx, "tx-1", "charge", "", map[string]string{"amount_cents": "45000", "payment_id": "pay_1"})
	if err != nil {
		t.Fatalf("retried RecordStep should succeed, got %v", err)
	}
	if again.RecordedAt != first.RecordedAt {
		t.Fatalf("retry must not overwrite the entry")
	}
	if n := len(fake.Items(testTable)); n != 1 {
		t.Fatalf("expected 1 stored entry, got %d", n)
	}

	_, err = s.RecordStep(ctx, "tx-1", "charge", "", map[string]string{"payment_id": "pay_2"})
	if !errors.Is(err, ErrStepConflict) {
		t.Fatalf("expected ErrStepConflict, got %v", err)
	}
}

func TestListSteps_CompletionOrder(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	// step ids sort differently than completion order on purpose
	for _, step := range []string{"validate", "charge", "book"} {
		if _, err := s.RecordStep(ctx, "tx-2", step, "", map[string]string{"step": step}); err != nil {
			t.Fatalf("RecordStep %s: %v", step, err)
		}
	}
	if _, err := s.RecordStep(ctx, "tx-other", "charge", "", nil); err != nil {
		t.Fatalf("RecordStep: %v", err)
	}

	entries, err := s.ListSteps(ctx, "tx-2")
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.StepID)
	}
	want := []string{"validate", "charge", "book"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestFindByCorrelationID(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordStep(ctx, "tx-3", "book_pending", "prov-ref-9", map[string]string{"provider_ref": "prov-ref-9"}); err != nil {
		t.Fatalf("RecordStep: %v", err)
	}
	if _, err := s.RecordStep(ctx, "tx-3", "charge", "", nil); err != nil {
		t.Fatalf("RecordStep: %v", err)
	}

	entries, err := s.FindByCorrelationID(ctx, "prov-ref-9")
	if err != nil {
		t.Fatalf("FindByCorrelationID: %v", err)
	}
	if len(entries) != 1 || entries[0].TransactionID != "tx-3" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	e, err := s.GetStep(ctx, "tx-3", "charge")
	if err != nil || e == nil || e.StepID != "charge" {
		t.Fatalf("GetStep charge = %+v, %v", e, err)
	}
	e, err = s.GetStep(ctx, "tx-3", "refund")
	if err != nil || e != nil {
		t.Fatalf("GetStep refund = %+v, %v", e, err)
	}
}

func TestListSteps_HidesExpiredEntries(t *testing.T) {
	s, _, now := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordStep(ctx, "tx-4", "charge", "", nil); err != nil {
		t.Fatalf("RecordStep: %v", err)
	}
	*now = now.Add(31 * 24 * time.Hour)

	entries, err := s.ListSteps(ctx, "tx-4")
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected expired entries to be hidden, got %d", len(entries))
	}
	if e, err := s.GetStep(ctx, "tx-4", "charge"); err != nil || e != nil {
		t.Fatalf("GetStep expired = %+v, %v", e, err)
	}
}
