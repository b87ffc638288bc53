package session

import (
	"strings"
	"time"
)

// TurnBuffer holds the not yet committed transcript of the answer currently being spoken.
type TurnBuffer struct {
	text         strings.Builder
	lastSpeechAt time.Time
}

// Append adds text exactly as given and refreshes the last speech timestamp.
func (b *TurnBuffer) Append(text string, at time.Time) {
	b.text.WriteString(text)
	b.lastSpeechAt = at
}

func (b *TurnBuffer) Text() string {
	return b.text.String()
}

// Len is the length of the buffered text without surrounding whitespace.
func (b *TurnBuffer) Len() int {
	return len(strings.TrimSpace(b.text.String()))
}

func (b *TurnBuffer) Empty() bool {
	return b.Len() == 0
}

// LastSpeechAt is zero when nothing was appended since the last reset.
func (b *TurnBuffer) LastSpeechAt() time.Time {
	return b.lastSpeechAt
}

// SilenceAt returns how long nobody has spoken as of now. It is zero for an empty buffer.
func (b *TurnBuffer) SilenceAt(now time.Time) time.Duration {
	if b.lastSpeechAt.IsZero() || now.Before(b.lastSpeechAt) {
		return 0
	}

	return now.Sub(b.lastSpeechAt)
}

func (b *TurnBuffer) Reset() {
	b.text.Reset()
	b.lastSpeechAt = time.Time{}
}

func (b *TurnBuffer) restore(text string, lastSpeechAt time.Time) {
	b.text.Reset()
	b.text.WriteString(text)
	b.lastSpeechAt = lastSpeechAt
}
