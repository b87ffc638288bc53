package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func threePrompts() []Prompt {
	return []Prompt{
		{Text: "How are you feeling today?"},
		{Text: "What are you grateful for?"},
		{Text: "How would you rate your day from one to ten?", IsRating: true},
	}
}

func newInProgress(t *testing.T, clock *fakeClock) *Session {
	t.Helper()

	s, err := New(Params{
		ConversationID: "c1",
		OwnerID:        "u1",
		CallHandle:     "CA1",
		Prompts:        threePrompts(),
	}, WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, s.Connect())
	require.NoError(t, s.BeginPrompting())

	return s
}

func TestNewValidatesParams(t *testing.T) {
	_, err := New(Params{CallHandle: "CA1"})
	require.ErrorIs(t, err, ErrNoPrompts)

	_, err = New(Params{Prompts: threePrompts()})
	require.ErrorIs(t, err, ErrMissingCallHandle)
}

func TestForwardTransitionsAreStrict(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	s, err := New(Params{CallHandle: "CA1", Prompts: threePrompts()}, WithClock(clock.Now))
	require.NoError(t, err)
	require.Equal(t, StatusInitiated, s.Status())

	err = s.BeginPrompting()
	require.ErrorIs(t, err, ErrIllegalTransition)

	err = s.AppendSpeech("too early")
	require.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, s.Connect())
	require.ErrorIs(t, s.Connect(), ErrIllegalTransition)

	require.NoError(t, s.BeginPrompting())
	require.Equal(t, StatusInProgress, s.Status())
	require.Equal(t, 0, s.PromptIndex())

	var transitionErr *TransitionError
	require.ErrorAs(t, s.BeginPrompting(), &transitionErr)
	require.Equal(t, StatusInProgress, transitionErr.From)
}

func TestAppendSpeechFillsBufferAndTranscript(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newInProgress(t, clock)

	require.NoError(t, s.AppendSpeech("I love"))
	clock.Advance(time.Second)
	require.NoError(t, s.AppendSpeech(" my family."))

	require.Equal(t, "I love my family.", s.TurnText())
	require.Equal(t, "I love my family.", s.Transcript())
	require.Equal(t, clock.now, s.LastSpeechAt())

	clock.Advance(4 * time.Second)
	require.Equal(t, 4*time.Second, s.Silence())
}

func TestAdvanceClearsBufferAndKeepsTranscript(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newInProgress(t, clock)

	require.NoError(t, s.AppendSpeech("I love my family."))
	require.NoError(t, s.Advance())

	require.Equal(t, 1, s.PromptIndex())
	require.Empty(t, s.TurnText())
	require.Zero(t, s.Silence())
	require.Equal(t, "I love my family.", s.Transcript())

	answers := s.Answers()
	require.Len(t, answers, 1)
	require.Equal(t, "I love my family.", answers[0].Text)
	require.Equal(t, "How are you feeling today?", answers[0].Prompt)
}

func TestAdvanceAtLastPromptIsAnError(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newInProgress(t, clock)

	require.NoError(t, s.Advance())
	require.NoError(t, s.Advance())
	require.True(t, s.IsLastPrompt())

	require.ErrorIs(t, s.Advance(), ErrNoNextPrompt)
	require.Equal(t, 2, s.PromptIndex())
	require.Equal(t, StatusInProgress, s.Status())
}

func TestCompleteOnlyFromLastPrompt(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newInProgress(t, clock)

	require.ErrorIs(t, s.Complete(), ErrPromptsRemaining)

	require.NoError(t, s.Advance())
	require.NoError(t, s.Advance())
	require.NoError(t, s.AppendSpeech("Eight."))

	clock.Advance(time.Minute)
	require.NoError(t, s.Complete())
	require.Equal(t, StatusCompleted, s.Status())
	require.Equal(t, clock.now, s.CompletedAt())

	answers := s.Answers()
	require.Len(t, answers, 3)
	require.True(t, answers[2].IsRating)
	require.Equal(t, "Eight.", answers[2].Text)
}

func TestTerminalTransitionsAreIdempotent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newInProgress(t, clock)

	require.NoError(t, s.Advance())
	require.NoError(t, s.Abandon("completed"))

	first := s.Snapshot()

	clock.Advance(time.Second)
	require.NoError(t, s.Abandon("completed"))
	require.Equal(t, first, s.Snapshot())

	require.ErrorIs(t, s.Fail("timeout"), ErrIllegalTransition)
	require.ErrorIs(t, s.Complete(), ErrIllegalTransition)
	require.ErrorIs(t, s.Advance(), ErrIllegalTransition)
	require.ErrorIs(t, s.AppendSpeech("late"), ErrIllegalTransition)
	require.Equal(t, StatusAbandoned, s.Status())
	require.Equal(t, 1, s.PromptIndex())
}

func TestFailBeforeConnect(t *testing.T) {
	s, err := New(Params{CallHandle: "CA1", Prompts: threePrompts()})
	require.NoError(t, err)

	require.NoError(t, s.Fail("transcription unavailable"))
	require.NoError(t, s.Fail("transcription unavailable"))
	require.Equal(t, StatusFailed, s.Status())
	require.Equal(t, "transcription unavailable", s.ErrorDetail())
	require.False(t, s.CompletedAt().IsZero())
}

func TestSnapshotRoundTripThroughMemoryStore(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newInProgress(t, clock)

	require.NoError(t, s.AppendSpeech("Calm."))
	require.NoError(t, s.Advance())
	require.NoError(t, s.AppendSpeech("My dog"))

	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, s.Snapshot()))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	restored := Restore(active[0], WithClock(clock.Now))
	require.Equal(t, s.ID(), restored.ID())
	require.Equal(t, StatusInProgress, restored.Status())
	require.Equal(t, 1, restored.PromptIndex())
	require.Equal(t, "My dog", restored.TurnText())
	require.Equal(t, "Calm.My dog", restored.Transcript())
	require.Len(t, restored.Answers(), 1)

	require.NoError(t, restored.Fail("process restarted"))
	require.NoError(t, store.Save(ctx, restored.Snapshot()))

	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}
