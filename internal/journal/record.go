package journal

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/session"
)

const (
	minRating = 1
	maxRating = 10
)

var ratingWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

type Entry struct {
	PromptIndex int    `json:"prompt_index"`
	Prompt      string `json:"prompt"`
	Answer      string `json:"answer"`
	IsRating    bool   `json:"is_rating"`
	Rating      *int   `json:"rating,omitempty"`
}

// Record is the journal entry written for a fully completed reflection call.
type Record struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	CallHandle     string    `json:"call_handle"`
	Entries        []Entry   `json:"entries"`
	Transcript     string    `json:"transcript"`
	Rating         *int      `json:"rating,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// FromSession builds the journal record of a completed session snapshot.
func FromSession(rec session.Record) Record {
	out := Record{
		SessionID:      rec.ID,
		ConversationID: rec.ConversationID,
		OwnerID:        rec.OwnerID,
		CallHandle:     rec.CallHandle,
		Entries:        make([]Entry, 0, len(rec.Answers)),
		Transcript:     rec.Transcript,
		StartedAt:      rec.CreatedAt,
	}

	if rec.CompletedAt != nil {
		out.CompletedAt = *rec.CompletedAt
	}

	for _, answer := range rec.Answers {
		entry := Entry{
			PromptIndex: answer.PromptIndex,
			Prompt:      answer.Prompt,
			Answer:      answer.Text,
			IsRating:    answer.IsRating,
		}

		if answer.IsRating {
			if rating, ok := ExtractRating(answer.Text); ok {
				entry.Rating = &rating
				out.Rating = &rating
			}
		}

		out.Entries = append(out.Entries, entry)
	}

	return out
}

// ExtractRating finds the first whole number from one to ten in a spoken answer, written
// either as digits or as an English word.
func ExtractRating(answer string) (int, bool) {
	tokens := strings.FieldsFunc(strings.ToLower(answer), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for _, token := range tokens {
		if value, ok := ratingWords[token]; ok {
			return value, true
		}

		value, err := strconv.Atoi(token)
		if err == nil && value >= minRating && value <= maxRating {
			return value, true
		}
	}

	return 0, false
}
