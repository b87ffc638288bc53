package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrLocked = errors.New("lock is held by another owner")

// Locker hands out exclusive, expiring leases per key. The orchestrator holds one per owner
// for the whole life of a call so two calls for the same person never overlap.
type Locker interface {
	TryLock(ctx context.Context, key string) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is the single-process Locker.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (m *MemoryLocker) TryLock(_ context.Context, key string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	entry, ok := m.entries[key]
	if ok && now.Before(entry.expiresAt) {
		return nil, ErrLocked
	}

	token := uuid.NewString()
	m.entries[key] = memoryEntry{token: token, expiresAt: now.Add(m.ttl)}

	return &memoryLease{locker: m, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

// Release drops the lease only if it still owns the key.
func (l *memoryLease) Release(_ context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	entry, ok := l.locker.entries[l.key]
	if ok && entry.token == l.token {
		delete(l.locker.entries, l.key)
	}

	return nil
}
