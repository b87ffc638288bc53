package deadletter

import (
	"time"

	"gorm.io/datatypes"
)

// JournalDeadLetter parks a journal record whose write failed, keyed by session id, until
// the worker replays it.
type JournalDeadLetter struct {
	SessionID   string         `gorm:"column:session_id;type:varchar(255);primaryKey;not null"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb;not null"`
	Error       string         `gorm:"column:error;type:text;not null"`
	Status      string         `gorm:"column:status;type:varchar(20);default:'pending';not null"`
	RetryCount  int            `gorm:"column:retry_count;type:int;default:0;not null"`
	LastRetryAt *time.Time     `gorm:"column:last_retry_at;type:timestamptz"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
}

const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
)

func (JournalDeadLetter) TableName() string {
	return "journal_dl"
}
