package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newTestScheduler() (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC)}
	return NewScheduler(NewMemoryStore(), WithClock(clock.Now)), clock
}

func enqueue(t *testing.T, s *Scheduler, conversationID, ownerID string, when time.Time, maxAttempts int) *QueuedCall {
	t.Helper()

	call, err := s.Enqueue(context.Background(), EnqueueRequest{
		ConversationID: conversationID,
		OwnerID:        ownerID,
		Destination:    "+15550100",
		When:           when,
		MaxAttempts:    maxAttempts,
	})
	require.NoError(t, err)

	return call
}

func TestRetryThenCompleteScenario(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestScheduler()

	enqueue(t, s, "C1", "u1", clock.Now(), 3)

	_, err := s.BeginAttempt(ctx, "C1")
	require.NoError(t, err)

	call, err := s.Retry(ctx, "C1", 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, StatusPending, call.Status)
	require.Equal(t, clock.Now().Add(5*time.Minute), *call.NextRetryAt)

	clock.Advance(5 * time.Minute)

	_, err = s.BeginAttempt(ctx, "C1")
	require.NoError(t, err)

	call, err = s.Complete(ctx, "C1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, call.Status)
	require.Equal(t, 2, call.AttemptCount)
	require.NotNil(t, call.CompletedAt)
	require.Nil(t, call.Error)
}

func TestEnqueueRejectsSecondActiveRecord(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestScheduler()

	enqueue(t, s, "C1", "u1", clock.Now(), 2)

	_, err := s.Enqueue(ctx, EnqueueRequest{
		ConversationID: "C1", OwnerID: "u1", Destination: "+15550100", When: clock.Now(), MaxAttempts: 2,
	})
	require.ErrorIs(t, err, ErrActiveCallExists)

	_, err = s.BeginAttempt(ctx, "C1")
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, EnqueueRequest{
		ConversationID: "C1", OwnerID: "u1", Destination: "+15550100", When: clock.Now(), MaxAttempts: 2,
	})
	require.ErrorIs(t, err, ErrActiveCallExists)

	_, err = s.Complete(ctx, "C1")
	require.NoError(t, err)

	next := enqueue(t, s, "C1", "u1", clock.Now().Add(24*time.Hour), 2)
	require.Equal(t, StatusPending, next.Status)

	latest, err := s.Get(ctx, "C1")
	require.NoError(t, err)
	require.Equal(t, next.ID, latest.ID)
}

func TestEnqueueValidatesRequest(t *testing.T) {
	s, clock := newTestScheduler()

	_, err := s.Enqueue(context.Background(), EnqueueRequest{ConversationID: "C1", Destination: "+1", When: clock.Now()})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.Enqueue(context.Background(), EnqueueRequest{Destination: "+1", When: clock.Now(), MaxAttempts: 1})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAttemptBudget(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestScheduler()

	enqueue(t, s, "C1", "u1", clock.Now(), 2)

	_, err := s.BeginAttempt(ctx, "C1")
	require.NoError(t, err)
	_, err = s.Retry(ctx, "C1", time.Minute)
	require.NoError(t, err)
	_, err = s.BeginAttempt(ctx, "C1")
	require.NoError(t, err)

	_, err = s.Retry(ctx, "C1", time.Minute)
	require.ErrorIs(t, err, ErrAttemptsExhausted)

	call, err := s.Get(ctx, "C1")
	require.NoError(t, err)
	require.Equal(t, StatusAttempting, call.Status)
	require.Equal(t, 2, call.AttemptCount)

	call, err = s.Fail(ctx, "C1", "no answer")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, call.Status)
	require.Equal(t, "no answer", *call.Error)
	require.NotNil(t, call.CompletedAt)
	require.LessOrEqual(t, call.AttemptCount, call.MaxAttempts)
}

func TestIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestScheduler()

	_, err := s.BeginAttempt(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	enqueue(t, s, "C1", "u1", clock.Now(), 3)

	_, err = s.Retry(ctx, "C1", time.Minute)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.Complete(ctx, "C1")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.Fail(ctx, "C1", "x")
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.BeginAttempt(ctx, "C1")
	require.NoError(t, err)
	_, err = s.BeginAttempt(ctx, "C1")
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Complete(ctx, "C1")
	require.NoError(t, err)
	_, err = s.Complete(ctx, "C1")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.Cancel(ctx, "C1")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelFromPendingAndAttempting(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestScheduler()

	enqueue(t, s, "C1", "u1", clock.Now(), 3)
	enqueue(t, s, "C2", "u1", clock.Now(), 3)

	call, err := s.Cancel(ctx, "C1")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, call.Status)
	require.NotNil(t, call.CompletedAt)

	_, err = s.BeginAttempt(ctx, "C2")
	require.NoError(t, err)

	call, err = s.Cancel(ctx, "C2")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, call.Status)
}

func TestDueWorkOrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestScheduler()
	now := clock.Now()

	enqueue(t, s, "late", "u1", now.Add(-time.Minute), 3)
	enqueue(t, s, "early", "u2", now.Add(-time.Hour), 3)
	enqueue(t, s, "tie", "u3", now.Add(-time.Minute), 3)
	enqueue(t, s, "future", "u4", now.Add(time.Hour), 3)

	enqueue(t, s, "retrying", "u5", now.Add(-2*time.Hour), 3)
	_, err := s.BeginAttempt(ctx, "retrying")
	require.NoError(t, err)
	_, err = s.Retry(ctx, "retrying", 10*time.Minute)
	require.NoError(t, err)

	due, err := s.DueWork(ctx, now, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"early", "late", "tie"}, conversationIDs(due))

	limited, err := s.DueWork(ctx, now, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"early", "late"}, conversationIDs(limited))

	due, err = s.DueWork(ctx, now.Add(10*time.Minute), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"early", "late", "tie", "retrying"}, conversationIDs(due))
}

func TestActiveForAndAttempting(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestScheduler()

	enqueue(t, s, "C1", "u1", clock.Now(), 3)
	enqueue(t, s, "C2", "u1", clock.Now(), 3)
	enqueue(t, s, "C3", "u2", clock.Now(), 3)

	_, err := s.BeginAttempt(ctx, "C2")
	require.NoError(t, err)
	_, err = s.Cancel(ctx, "C1")
	require.NoError(t, err)

	active, err := s.ActiveFor(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"C2"}, conversationIDs(active))

	attempting, err := s.Attempting(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"C2"}, conversationIDs(attempting))
}

func TestConcurrentEnqueueKeepsOneActiveRecord(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestScheduler()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)

	for range 32 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.Enqueue(ctx, EnqueueRequest{
				ConversationID: "C1", OwnerID: "u1", Destination: "+15550100", When: clock.Now(), MaxAttempts: 1,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()

				return
			}

			if !errors.Is(err, ErrActiveCallExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()
	require.Equal(t, 1, succeeded)
}

func TestConcurrentBeginAttemptAdmitsOne(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestScheduler()

	enqueue(t, s, "C1", "u1", clock.Now(), 5)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.BeginAttempt(ctx, "C1")
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	require.Equal(t, 1, admitted)

	call, err := s.Get(ctx, "C1")
	require.NoError(t, err)
	require.Equal(t, 1, call.AttemptCount)
}

func conversationIDs(calls []QueuedCall) []string {
	ids := make([]string, 0, len(calls))
	for _, call := range calls {
		ids = append(ids, call.ConversationID)
	}

	return ids
}
