package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/require"
)

type memoryRepository struct {
	mu      sync.Mutex
	records map[string]*JournalDeadLetter
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{records: map[string]*JournalDeadLetter{}}
}

func (m *memoryRepository) Upsert(_ context.Context, sessionID string, payload []byte, errMsg string) (*JournalDeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.records[sessionID]
	if !ok {
		dl = &JournalDeadLetter{SessionID: sessionID}
		m.records[sessionID] = dl
	}

	dl.Payload = payload
	dl.Error = errMsg
	dl.Status = StatusPending

	return dl, nil
}

func (m *memoryRepository) GetPending(_ context.Context) ([]JournalDeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []JournalDeadLetter

	for _, dl := range m.records {
		if dl.Status == StatusPending {
			out = append(out, *dl)
		}
	}

	return out, nil
}

func (m *memoryRepository) UpdateStatus(_ context.Context, dl *JournalDeadLetter, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[dl.SessionID].Status = status

	return nil
}

func (m *memoryRepository) IncreaseRetryCount(_ context.Context, dl *JournalDeadLetter, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.records[dl.SessionID]
	stored.RetryCount++
	stored.Error = errMsg
	stored.Status = StatusPending

	return nil
}

func (m *memoryRepository) Delete(_ context.Context, dl *JournalDeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, dl.SessionID)

	return nil
}

func (m *memoryRepository) get(sessionID string) (JournalDeadLetter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.records[sessionID]
	if !ok {
		return JournalDeadLetter{}, false
	}

	return *dl, true
}

type fakeReplayer struct {
	mu       sync.Mutex
	err      error
	replayed [][]byte
}

func (f *fakeReplayer) Replay(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.replayed = append(f.replayed, payload)

	return nil
}

func TestProcessDeadLetterDeletesOnSuccess(t *testing.T) {
	repo := newMemoryRepository()
	replayer := &fakeReplayer{}
	service := NewService(repo, replayer)

	require.NoError(t, service.MarkRecord(context.Background(), "s-1", []byte(`{"session_id":"s-1"}`), "broker down"))

	pending, err := repo.GetPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	service.ProcessDeadLetter(context.Background(), &pending[0])

	_, ok := repo.get("s-1")
	require.False(t, ok)
	require.Len(t, replayer.replayed, 1)
}

func TestProcessDeadLetterCountsFailedReplay(t *testing.T) {
	repo := newMemoryRepository()
	service := NewService(repo, &fakeReplayer{err: errors.New("still down")})

	require.NoError(t, service.MarkRecord(context.Background(), "s-1", []byte(`{}`), "broker down"))

	pending, err := repo.GetPending(context.Background())
	require.NoError(t, err)

	service.ProcessDeadLetter(context.Background(), &pending[0])

	dl, ok := repo.get("s-1")
	require.True(t, ok)
	require.Equal(t, 1, dl.RetryCount)
	require.Equal(t, StatusPending, dl.Status)
	require.Equal(t, "still down", dl.Error)
}

func TestWorkerReplaysPendingRecords(t *testing.T) {
	repo := newMemoryRepository()
	replayer := &fakeReplayer{}
	service := NewService(repo, replayer)

	pool, err := ants.NewPool(2)
	require.NoError(t, err)

	worker := &DeadLetterWorker{WorkerPool: pool, DLService: service, Interval: 10 * time.Millisecond}

	require.NoError(t, service.MarkRecord(context.Background(), "s-1", []byte(`{}`), "x"))
	require.NoError(t, service.MarkRecord(context.Background(), "s-2", []byte(`{}`), "x"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		pending, _ := repo.GetPending(context.Background())
		_, first := repo.get("s-1")
		_, second := repo.get("s-2")

		return len(pending) == 0 && !first && !second
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
