package callbacks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/dynamotest"
)

const testTable = "pending-callbacks"

func newTestStore(t *testing.T) (*Store, *dynamotest.Fake, *time.Time) {
	t.Helper()
	fake := dynamotest.New()
	fake.CreateTable(testTable, dynamotest.KeySchema{PK: "correlation_id"}, map[string]dynamotest.KeySchema{
		StatusIndex: {PK: "status", SK: "expires_at"},
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(fake, testTable)
	s.nowFunc = func() time.Time { return now }
	return s, fake, &now
}

func TestRegister_IdempotentForSameToken(t *testing.T) {
	s, fake, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Register(ctx, "prov-1", "exec-1", "tok-1", time.Hour); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := s.Register(ctx, "prov-1", "exec-1", "tok-1", time.Hour); err != nil {
		t.Fatalf("re-register with same token should succeed: %v", err)
	}
	if n := len(fake.Items(testTable)); n != 1 {
		t.Fatalf("expected 1 item, got %d", n)
	}
	_, err := s.Register(ctx, "prov-1", "exec-2", "tok-2", time.Hour)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestComplete_OnlyOnce(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Register(ctx, "prov-2", "exec-1", "tok-1", time.Hour); err != nil {
		t.Fatalf("Register: %v", err)
	}
	cb, err := s.Complete(ctx, "prov-2")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if cb.TaskToken != "tok-1" || cb.Status != StatusCompleted || cb.CompletedAt == "" {
		t.Fatalf("unexpected callback %+v", cb)
	}
	if _, err := s.Complete(ctx, "prov-2"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if _, err := s.Complete(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestComplete_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Register(ctx, "prov-3", "exec-1", "tok-1", time.Hour); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Complete(ctx, "prov-3")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrAlreadyCompleted) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}

func TestComplete_AfterDeadline(t *testing.T) {
	s, _, now := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Register(ctx, "prov-4", "exec-1", "tok-1", time.Minute); err != nil {
		t.Fatalf("Register: %v", err)
	}
	*now = now.Add(2 * time.Minute)
	if _, err := s.Complete(ctx, "prov-4"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestComplete_ReplayAfterDeadlineIsAlreadyCompleted(t *testing.T) {
	s, _, now := newTestStore(t)
	ctx := context.Background()

	cb, err := s.Register(ctx, "prov-late", "exec-1", "tok-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if want := now.Add(10*time.Minute + DefaultRetention).Unix(); cb.TTL != want {
		t.Fatalf("TTL = %d, want %d", cb.TTL, want)
	}
	if _, err := s.Complete(ctx, "prov-late"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	*now = now.Add(time.Hour)
	if _, err := s.Complete(ctx, "prov-late"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("replay past the deadline: expected ErrAlreadyCompleted, got %v", err)
	}

	*now = now.Add(DefaultRetention)
	if _, err := s.Complete(ctx, "prov-late"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("replay past retention: expected ErrNotFound, got %v", err)
	}
}

func TestRelease_AllowsRetry(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Register(ctx, "prov-5", "exec-1", "tok-1", time.Hour); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := s.Complete(ctx, "prov-5"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.Release(ctx, "prov-5"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	cb, err := s.Get(ctx, "prov-5")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cb.Status != StatusAwaiting || cb.CompletedAt != "" {
		t.Fatalf("expected AWAITING without completed_at, got %+v", cb)
	}
	if _, err := s.Complete(ctx, "prov-5"); err != nil {
		t.Fatalf("Complete after release: %v", err)
	}
}

func TestListExpired_AndExpire(t *testing.T) {
	s, _, now := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Register(ctx, "short", "exec-1", "tok-1", time.Minute); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := s.Register(ctx, "long", "exec-2", "tok-2", time.Hour); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := s.Register(ctx, "done", "exec-3", "tok-3", time.Minute); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := s.Complete(ctx, "done"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	*now = now.Add(5 * time.Minute)
	expired, err := s.ListExpired(ctx, *now, 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].CorrelationID != "short" {
		t.Fatalf("unexpected expired set %+v", expired)
	}

	if err := s.Expire(ctx, "short"); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if err := s.Expire(ctx, "short"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired on second expire, got %v", err)
	}
	if err := s.Expire(ctx, "done"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
}
