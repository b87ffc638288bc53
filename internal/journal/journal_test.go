package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/session"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeProducer) SendMessage(topic string, key, value []byte) (int32, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return 0, 0, f.err
	}

	f.sent = append(f.sent, sentMessage{topic: topic, key: string(key), value: value})

	return 0, int64(len(f.sent)), nil
}

type fakeArchive struct {
	objects map[string][]byte
	err     error
}

func (f *fakeArchive) Upload(_ context.Context, data []byte, key, _ string) error {
	if f.err != nil {
		return f.err
	}

	f.objects[key] = data

	return nil
}

func completedSnapshot() session.Record {
	completed := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)

	return session.Record{
		ID:             "s-1",
		ConversationID: "c-1",
		OwnerID:        "u-1",
		CallHandle:     "CA1",
		Status:         session.StatusCompleted,
		Transcript:     "I walked the dog. Probably an eight.",
		Answers: []session.Answer{
			{PromptIndex: 0, Prompt: "What went well?", Text: "I walked the dog."},
			{PromptIndex: 1, Prompt: "Rate your day.", Text: "Probably an eight.", IsRating: true},
		},
		CreatedAt:   completed.Add(-5 * time.Minute),
		CompletedAt: &completed,
	}
}

func TestExtractRating(t *testing.T) {
	cases := []struct {
		answer string
		want   int
		ok     bool
	}{
		{answer: "I'd say a 7.", want: 7, ok: true},
		{answer: "Ten, easily!", want: 10, ok: true},
		{answer: "eight out of ten", want: 8, ok: true},
		{answer: "maybe 12 or so, no wait, 6", want: 6, ok: true},
		{answer: "zero", ok: false},
		{answer: "it was fine", ok: false},
		{answer: "", ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.answer, func(t *testing.T) {
			got, ok := ExtractRating(tc.answer)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestFromSessionCopiesAnswersAndRating(t *testing.T) {
	rec := FromSession(completedSnapshot())

	require.Equal(t, "s-1", rec.SessionID)
	require.Len(t, rec.Entries, 2)
	require.Nil(t, rec.Entries[0].Rating)
	require.NotNil(t, rec.Entries[1].Rating)
	require.Equal(t, 8, *rec.Entries[1].Rating)
	require.NotNil(t, rec.Rating)
	require.Equal(t, 8, *rec.Rating)
	require.Equal(t, 5*time.Minute, rec.CompletedAt.Sub(rec.StartedAt))
}

func TestSinkWriteArchivesThenPublishes(t *testing.T) {
	producer := &fakeProducer{}
	archive := &fakeArchive{objects: map[string][]byte{}}
	sink := &Sink{Producer: producer, Archive: archive, Topic: "journal", Prefix: "transcripts"}

	rec := FromSession(completedSnapshot())
	require.NoError(t, sink.Write(context.Background(), rec))

	require.Contains(t, archive.objects, "transcripts/u-1/c-1/s-1.json")
	require.Len(t, producer.sent, 1)
	require.Equal(t, "journal", producer.sent[0].topic)
	require.Equal(t, "s-1", producer.sent[0].key)

	var decoded Record
	require.NoError(t, json.Unmarshal(producer.sent[0].value, &decoded))
	require.Equal(t, rec.Transcript, decoded.Transcript)
}

func TestSinkWriteStopsOnArchiveFailure(t *testing.T) {
	producer := &fakeProducer{}
	sink := &Sink{Producer: producer, Archive: &fakeArchive{err: errors.New("bucket gone")}, Topic: "journal"}

	require.Error(t, sink.Write(context.Background(), FromSession(completedSnapshot())))
	require.Empty(t, producer.sent)
}

func TestSinkReplayPublishesStoredPayload(t *testing.T) {
	producer := &fakeProducer{}
	sink := &Sink{Producer: producer, Topic: "journal"}

	payload, err := json.Marshal(FromSession(completedSnapshot()))
	require.NoError(t, err)

	require.NoError(t, sink.Replay(context.Background(), payload))
	require.Len(t, producer.sent, 1)
	require.Equal(t, payload, producer.sent[0].value)

	require.Error(t, sink.Replay(context.Background(), []byte("{not json")))
}

func TestNotifierPublishesExhaustion(t *testing.T) {
	producer := &fakeProducer{}
	notifier := &Notifier{Producer: producer, Topic: "notifications"}

	err := notifier.NotifyExhausted(context.Background(), Exhaustion{ConversationID: "c-1", Attempts: 3, Error: "busy"})
	require.NoError(t, err)
	require.Len(t, producer.sent, 1)
	require.Equal(t, "c-1", producer.sent[0].key)

	producer.err = errors.New("broker down")
	require.Error(t, notifier.NotifyExhausted(context.Background(), Exhaustion{ConversationID: "c-2"}))
}
