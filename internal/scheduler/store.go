package scheduler

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound          = errors.New("queued call not found")
	ErrActiveCallExists  = errors.New("conversation already has an active queued call")
	ErrInvalidTransition = errors.New("invalid queued call transition")
	ErrAttemptsExhausted = errors.New("queued call has no attempts left")
	ErrConcurrentUpdate  = errors.New("queued call was modified concurrently")
	ErrInvalidRequest    = errors.New("invalid enqueue request")
)

// Store is the durable queue. Mutate applies fn to the latest record of a conversation as
// one atomic read-check-write; fn returning an error leaves the record untouched.
type Store interface {
	Insert(ctx context.Context, call *QueuedCall) error
	Mutate(ctx context.Context, conversationID string, fn func(*QueuedCall) error) (*QueuedCall, error)
	Latest(ctx context.Context, conversationID string) (*QueuedCall, error)
	Due(ctx context.Context, asOf time.Time, limit int) ([]QueuedCall, error)
	ListByOwner(ctx context.Context, ownerID string, statuses ...Status) ([]QueuedCall, error)
	ListByStatus(ctx context.Context, status Status) ([]QueuedCall, error)
}

// MemoryStore keeps the queue in process. Every method holds one mutex, which makes each
// Mutate atomic.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  uint64
	records []QueuedCall
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Insert(_ context.Context, call *QueuedCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx := range m.records {
		if m.records[idx].ConversationID == call.ConversationID && m.records[idx].Status.Active() {
			return ErrActiveCallExists
		}
	}

	m.nextID++
	call.ID = m.nextID
	call.CreatedAt = m.now()
	call.UpdatedAt = call.CreatedAt
	m.records = append(m.records, *call)

	return nil
}

func (m *MemoryStore) Mutate(
	_ context.Context,
	conversationID string,
	fn func(*QueuedCall) error,
) (*QueuedCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.latestIndex(conversationID)
	if idx < 0 {
		return nil, ErrNotFound
	}

	updated := m.records[idx]

	err := fn(&updated)
	if err != nil {
		return nil, err
	}

	updated.Version++
	updated.UpdatedAt = m.now()
	m.records[idx] = updated

	return &updated, nil
}

func (m *MemoryStore) Latest(_ context.Context, conversationID string) (*QueuedCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.latestIndex(conversationID)
	if idx < 0 {
		return nil, ErrNotFound
	}

	call := m.records[idx]

	return &call, nil
}

func (m *MemoryStore) Due(_ context.Context, asOf time.Time, limit int) ([]QueuedCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []QueuedCall

	for _, call := range m.records {
		if call.Status == StatusPending && !call.DueAt().After(asOf) {
			due = append(due, call)
		}
	}

	sortDue(due)

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string, statuses ...Status) ([]QueuedCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var calls []QueuedCall

	for _, call := range m.records {
		if call.OwnerID == ownerID && slices.Contains(statuses, call.Status) {
			calls = append(calls, call)
		}
	}

	return calls, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]QueuedCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var calls []QueuedCall

	for _, call := range m.records {
		if call.Status == status {
			calls = append(calls, call)
		}
	}

	return calls, nil
}

func (m *MemoryStore) latestIndex(conversationID string) int {
	for idx := len(m.records) - 1; idx >= 0; idx-- {
		if m.records[idx].ConversationID == conversationID {
			return idx
		}
	}

	return -1
}

// sortDue orders by due time, then insertion order.
func sortDue(calls []QueuedCall) {
	sort.SliceStable(calls, func(i, j int) bool {
		left, right := calls[i].DueAt(), calls[j].DueAt()
		if !left.Equal(right) {
			return left.Before(right)
		}

		return calls[i].ID < calls[j].ID
	})
}
