package scheduler

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAttempting Status = "attempting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Active() bool {
	return s == StatusPending || s == StatusAttempting
}

// QueuedCall is one planned or running attempt to reach a conversation by phone. The partial
// unique index uq_queued_calls_active_conversation (see migrations) keeps at most one active
// row per conversation.
type QueuedCall struct {
	ID             uint64     `gorm:"column:id;primaryKey;autoIncrement"                          json:"id"`
	ConversationID string     `gorm:"column:conversation_id;type:varchar(255);not null;index"     json:"conversation_id"`
	OwnerID        string     `gorm:"column:owner_id;type:varchar(255);not null;index"            json:"owner_id"`
	Destination    string     `gorm:"column:destination;type:varchar(64);not null"                json:"destination"`
	ScheduledAt    time.Time  `gorm:"column:scheduled_at;type:timestamptz;not null"               json:"scheduled_at"`
	Status         Status     `gorm:"column:status;type:varchar(20);default:'pending';not null"   json:"status"`
	AttemptCount   int        `gorm:"column:attempt_count;type:int;default:0;not null"            json:"attempt_count"`
	MaxAttempts    int        `gorm:"column:max_attempts;type:int;not null"                       json:"max_attempts"`
	LastAttemptAt  *time.Time `gorm:"column:last_attempt_at;type:timestamptz"                     json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time `gorm:"column:next_retry_at;type:timestamptz"                       json:"next_retry_at,omitempty"`
	Error          *string    `gorm:"column:error;type:text"                                      json:"error,omitempty"`
	CompletedAt    *time.Time `gorm:"column:completed_at;type:timestamptz"                        json:"completed_at,omitempty"`
	Version        int        `gorm:"column:version;type:int;default:0;not null"                  json:"-"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"                            json:"created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"                            json:"updated_at"`
}

func (QueuedCall) TableName() string {
	return "queued_calls"
}

// DueAt is the time the record becomes eligible: the next retry time when set, else the
// scheduled time.
func (q *QueuedCall) DueAt() time.Time {
	if q.NextRetryAt != nil {
		return *q.NextRetryAt
	}

	return q.ScheduledAt
}

func (q *QueuedCall) AttemptsLeft() bool {
	return q.AttemptCount < q.MaxAttempts
}
