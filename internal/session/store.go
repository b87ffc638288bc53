package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrSessionNotFound = errors.New("call session not found")

// Record is the durable snapshot of a Session, keyed by call handle.
type Record struct {
	ID             string
	ConversationID string
	OwnerID        string
	CallHandle     string
	Status         Status
	Prompts        []Prompt
	PromptIndex    int
	Transcript     string
	TurnBuffer     string
	LastSpeechAt   *time.Time
	Answers        []Answer
	Error          string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// Store persists in-flight sessions so a restart can settle them.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, callHandle string) (*Record, error)
	ListActive(ctx context.Context) ([]Record, error)
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.CallHandle] = rec

	return nil
}

func (m *MemoryStore) Get(_ context.Context, callHandle string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[callHandle]
	if !ok {
		return nil, ErrSessionNotFound
	}

	return &rec, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []Record

	for _, rec := range m.records {
		if !rec.Status.Terminal() {
			active = append(active, rec)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	return active, nil
}
