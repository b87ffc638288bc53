package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusConnected  Status = "connected"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned || s == StatusFailed
}

var (
	ErrIllegalTransition = errors.New("illegal session transition")
	ErrNoNextPrompt      = errors.New("no next prompt, the session must be completed")
	ErrPromptsRemaining  = errors.New("prompts remain, the session must be advanced")
	ErrNoPrompts         = errors.New("session needs at least one prompt")
	ErrMissingCallHandle = errors.New("session needs a call handle")
)

// TransitionError reports an operation that is not allowed from the current status.
type TransitionError struct {
	Op   string
	From Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s from %s", ErrIllegalTransition, e.Op, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

type Prompt struct {
	Text     string `json:"text"`
	IsRating bool   `json:"is_rating"`
}

// Answer is the committed text spoken in reply to one prompt.
type Answer struct {
	PromptIndex int    `json:"prompt_index"`
	Prompt      string `json:"prompt"`
	Text        string `json:"text"`
	IsRating    bool   `json:"is_rating"`
}

type Params struct {
	ConversationID string
	OwnerID        string
	CallHandle     string
	Prompts        []Prompt
}

// Session is the lifecycle of one live call. It is not safe for concurrent use; the call
// task that owns it is its only writer.
type Session struct {
	id             string
	conversationID string
	ownerID        string
	callHandle     string
	status         Status
	prompts        []Prompt
	index          int
	transcript     strings.Builder
	buffer         TurnBuffer
	answers        []Answer
	errDetail      string
	createdAt      time.Time
	completedAt    time.Time
	now            func() time.Time
}

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

func New(params Params, opts ...Option) (*Session, error) {
	if len(params.Prompts) == 0 {
		return nil, ErrNoPrompts
	}

	if params.CallHandle == "" {
		return nil, ErrMissingCallHandle
	}

	s := &Session{
		id:             uuid.NewString(),
		conversationID: params.ConversationID,
		ownerID:        params.OwnerID,
		callHandle:     params.CallHandle,
		status:         StatusInitiated,
		prompts:        append([]Prompt(nil), params.Prompts...),
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.createdAt = s.now()

	return s, nil
}

// Restore rebuilds a session from its persisted snapshot.
func Restore(rec Record, opts ...Option) *Session {
	s := &Session{
		id:             rec.ID,
		conversationID: rec.ConversationID,
		ownerID:        rec.OwnerID,
		callHandle:     rec.CallHandle,
		status:         rec.Status,
		prompts:        append([]Prompt(nil), rec.Prompts...),
		index:          rec.PromptIndex,
		answers:        append([]Answer(nil), rec.Answers...),
		errDetail:      rec.Error,
		createdAt:      rec.CreatedAt,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.transcript.WriteString(rec.Transcript)

	var lastSpeechAt time.Time
	if rec.LastSpeechAt != nil {
		lastSpeechAt = *rec.LastSpeechAt
	}

	s.buffer.restore(rec.TurnBuffer, lastSpeechAt)

	if rec.CompletedAt != nil {
		s.completedAt = *rec.CompletedAt
	}

	return s
}

func (s *Session) ID() string             { return s.id }
func (s *Session) ConversationID() string { return s.conversationID }
func (s *Session) OwnerID() string        { return s.ownerID }
func (s *Session) CallHandle() string     { return s.callHandle }
func (s *Session) Status() Status         { return s.status }
func (s *Session) PromptIndex() int       { return s.index }
func (s *Session) PromptCount() int       { return len(s.prompts) }
func (s *Session) Transcript() string     { return s.transcript.String() }
func (s *Session) TurnText() string       { return s.buffer.Text() }
func (s *Session) TurnLen() int           { return s.buffer.Len() }
func (s *Session) ErrorDetail() string    { return s.errDetail }
func (s *Session) CreatedAt() time.Time   { return s.createdAt }
func (s *Session) CompletedAt() time.Time { return s.completedAt }

func (s *Session) LastSpeechAt() time.Time {
	return s.buffer.LastSpeechAt()
}

func (s *Session) Answers() []Answer {
	return append([]Answer(nil), s.answers...)
}

func (s *Session) CurrentPrompt() Prompt {
	return s.prompts[s.index]
}

func (s *Session) IsLastPrompt() bool {
	return s.index == len(s.prompts)-1
}

// Silence is the time since the last appended speech, zero if nothing was said this turn.
func (s *Session) Silence() time.Duration {
	return s.buffer.SilenceAt(s.now())
}

func (s *Session) Connect() error {
	if s.status != StatusInitiated {
		return &TransitionError{Op: "connect", From: s.status}
	}

	s.status = StatusConnected

	return nil
}

func (s *Session) BeginPrompting() error {
	if s.status != StatusConnected {
		return &TransitionError{Op: "beginPrompting", From: s.status}
	}

	s.status = StatusInProgress
	s.index = 0
	s.buffer.Reset()

	return nil
}

// AppendSpeech adds transcribed text to both the transcript and the current turn.
func (s *Session) AppendSpeech(text string) error {
	if s.status != StatusInProgress {
		return &TransitionError{Op: "appendSpeech", From: s.status}
	}

	s.transcript.WriteString(text)
	s.buffer.Append(text, s.now())

	return nil
}

// Advance commits the current answer and moves to the next prompt.
func (s *Session) Advance() error {
	if s.status != StatusInProgress {
		return &TransitionError{Op: "advance", From: s.status}
	}

	if s.IsLastPrompt() {
		return ErrNoNextPrompt
	}

	s.commitAnswer()
	s.buffer.Reset()
	s.index++

	return nil
}

// Complete finishes the session from the last prompt.
func (s *Session) Complete() error {
	if s.status == StatusCompleted {
		return nil
	}

	if s.status != StatusInProgress {
		return &TransitionError{Op: "complete", From: s.status}
	}

	if !s.IsLastPrompt() {
		return ErrPromptsRemaining
	}

	s.commitAnswer()
	s.buffer.Reset()
	s.terminate(StatusCompleted, "")

	return nil
}

// Abandon records that the far end went away. The first reason is kept on repeats.
func (s *Session) Abandon(reason string) error {
	return s.end(StatusAbandoned, "abandon", reason)
}

func (s *Session) Fail(detail string) error {
	return s.end(StatusFailed, "fail", detail)
}

func (s *Session) end(target Status, op, detail string) error {
	if s.status == target {
		return nil
	}

	if s.status.Terminal() {
		return &TransitionError{Op: op, From: s.status}
	}

	s.terminate(target, detail)

	return nil
}

func (s *Session) terminate(status Status, detail string) {
	s.status = status
	s.errDetail = detail
	s.completedAt = s.now()
}

func (s *Session) commitAnswer() {
	prompt := s.prompts[s.index]

	s.answers = append(s.answers, Answer{
		PromptIndex: s.index,
		Prompt:      prompt.Text,
		Text:        strings.TrimSpace(s.buffer.Text()),
		IsRating:    prompt.IsRating,
	})
}

// Snapshot returns the persistable view of the session.
func (s *Session) Snapshot() Record {
	rec := Record{
		ID:             s.id,
		ConversationID: s.conversationID,
		OwnerID:        s.ownerID,
		CallHandle:     s.callHandle,
		Status:         s.status,
		Prompts:        append([]Prompt(nil), s.prompts...),
		PromptIndex:    s.index,
		Transcript:     s.transcript.String(),
		TurnBuffer:     s.buffer.Text(),
		Answers:        s.Answers(),
		Error:          s.errDetail,
		CreatedAt:      s.createdAt,
	}

	if lastSpeechAt := s.buffer.LastSpeechAt(); !lastSpeechAt.IsZero() {
		rec.LastSpeechAt = &lastSpeechAt
	}

	if !s.completedAt.IsZero() {
		completedAt := s.completedAt
		rec.CompletedAt = &completedAt
	}

	return rec
}
