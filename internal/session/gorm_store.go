package session

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidCallSessionResult = errors.New("invalid result type, it should be pointer to CallSession")

type CallSession struct {
	ID             string         `gorm:"column:id;type:uuid;primaryKey"`
	ConversationID string         `gorm:"column:conversation_id;type:varchar(255);not null;index"`
	OwnerID        string         `gorm:"column:owner_id;type:varchar(255);not null;index"`
	CallHandle     string         `gorm:"column:call_handle;type:varchar(64);not null;uniqueIndex"`
	Status         string         `gorm:"column:status;type:varchar(20);not null;index"`
	Prompts        datatypes.JSON `gorm:"column:prompts;type:jsonb;not null"`
	PromptIndex    int            `gorm:"column:prompt_index;type:int;not null;default:0"`
	Transcript     string         `gorm:"column:transcript;type:text;not null;default:''"`
	TurnBuffer     string         `gorm:"column:turn_buffer;type:text;not null;default:''"`
	LastSpeechAt   *time.Time     `gorm:"column:last_speech_at;type:timestamptz"`
	Answers        datatypes.JSON `gorm:"column:answers;type:jsonb;not null"`
	Error          string         `gorm:"column:error;type:text;not null;default:''"`
	CreatedAt      time.Time      `gorm:"column:created_at;type:timestamptz;not null"`
	CompletedAt    *time.Time     `gorm:"column:completed_at;type:timestamptz"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (CallSession) TableName() string {
	return "call_sessions"
}

type GormStore struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewGormStore(dbConn *gorm.DB) *GormStore {
	cbSettings := database.GetCircuitBreakerSettings("call_sessions", func(err error) bool {
		return err == nil || errors.Is(err, gorm.ErrRecordNotFound)
	})

	return &GormStore{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// Save upserts the snapshot by call handle.
func (store *GormStore) Save(ctx context.Context, rec Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}

	_, err = store.CircuitBreaker.Execute(func() (any, error) {
		err := store.DBConn.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "call_handle"}},
				UpdateAll: true,
			}).
			Create(row).Error
		if err != nil {
			logging.Logger.Error("[Save] Failed to save call session",
				zap.String("call_handle", rec.CallHandle),
				zap.String("status", string(rec.Status)),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		return row, nil
	})

	return err
}

func (store *GormStore) Get(ctx context.Context, callHandle string) (*Record, error) {
	result, err := store.CircuitBreaker.Execute(func() (any, error) {
		var row CallSession

		err := store.DBConn.WithContext(ctx).
			Where("call_handle = ?", callHandle).
			First(&row).Error
		if err != nil {
			return nil, err
		}

		return &row, nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}

	if err != nil {
		return nil, err
	}

	row, ok := result.(*CallSession)
	if !ok {
		return nil, ErrInvalidCallSessionResult
	}

	return fromRow(row)
}

func (store *GormStore) ListActive(ctx context.Context) ([]Record, error) {
	result, err := store.CircuitBreaker.Execute(func() (any, error) {
		var rows []CallSession

		err := store.DBConn.WithContext(ctx).
			Where("status NOT IN ?", []string{
				string(StatusCompleted),
				string(StatusAbandoned),
				string(StatusFailed),
			}).
			Order("created_at ASC").
			Find(&rows).Error
		if err != nil {
			logging.Logger.Error("[ListActive] Failed to fetch active call sessions", zap.String("error", err.Error()))
			return nil, err
		}

		return rows, nil
	})
	if err != nil {
		return nil, err
	}

	rows, ok := result.([]CallSession)
	if !ok {
		return nil, ErrInvalidCallSessionResult
	}

	records := make([]Record, 0, len(rows))

	for idx := range rows {
		rec, err := fromRow(&rows[idx])
		if err != nil {
			return nil, err
		}

		records = append(records, *rec)
	}

	return records, nil
}

func toRow(rec Record) (*CallSession, error) {
	prompts, err := json.Marshal(rec.Prompts)
	if err != nil {
		return nil, err
	}

	answers := rec.Answers
	if answers == nil {
		answers = []Answer{}
	}

	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return nil, err
	}

	return &CallSession{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		OwnerID:        rec.OwnerID,
		CallHandle:     rec.CallHandle,
		Status:         string(rec.Status),
		Prompts:        prompts,
		PromptIndex:    rec.PromptIndex,
		Transcript:     rec.Transcript,
		TurnBuffer:     rec.TurnBuffer,
		LastSpeechAt:   rec.LastSpeechAt,
		Answers:        answersJSON,
		Error:          rec.Error,
		CreatedAt:      rec.CreatedAt,
		CompletedAt:    rec.CompletedAt,
	}, nil
}

func fromRow(row *CallSession) (*Record, error) {
	rec := &Record{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		OwnerID:        row.OwnerID,
		CallHandle:     row.CallHandle,
		Status:         Status(row.Status),
		PromptIndex:    row.PromptIndex,
		Transcript:     row.Transcript,
		TurnBuffer:     row.TurnBuffer,
		LastSpeechAt:   row.LastSpeechAt,
		Error:          row.Error,
		CreatedAt:      row.CreatedAt,
		CompletedAt:    row.CompletedAt,
	}

	err := json.Unmarshal(row.Prompts, &rec.Prompts)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(row.Answers, &rec.Answers)
	if err != nil {
		return nil, err
	}

	return rec, nil
}
