package prompt

import (
	"time"

	"gorm.io/datatypes"
)

// Script is the ordered prompt list spoken to one owner. Prompts holds a JSON array of
// session.Prompt.
type Script struct {
	OwnerID   string         `gorm:"column:owner_id;type:varchar(255);primaryKey;not null" json:"owner_id"`
	Prompts   datatypes.JSON `gorm:"column:prompts;type:jsonb;not null"                    json:"prompts"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"                      json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"                      json:"updated_at"`
}

func (Script) TableName() string {
	return "prompt_scripts"
}
