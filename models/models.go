package models

import (
	"time"
)

// Link is a shortened URL. Rows are written once and never updated.
type Link struct {
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Code        string    `json:"code" gorm:"type:varchar(16);uniqueIndex;not null"`
	OriginalURL string    `json:"original_url" gorm:"type:varchar(2048);not null"`
	CreatedAt   time.Time `json:"created_at"`
}

// Click is one redirect. EventID is the idempotency key of the click event.
type Click struct {
	ID          uint      `gorm:"primaryKey"`
	EventID     string    `gorm:"type:varchar(32);uniqueIndex;not null"`
	ShortCode   string    `gorm:"type:varchar(16);index;not null"`
	OriginalURL string    `gorm:"type:varchar(2048);not null"`
	ClickedAt   time.Time `gorm:"index"`
}

type OutboxStatus string

const (
	OutboxPending      OutboxStatus = "pending"
	OutboxProcessing   OutboxStatus = "processing"
	OutboxPublished    OutboxStatus = "published"
	OutboxDeadLettered OutboxStatus = "dead_lettered"
)

// OutboxRecord is an event waiting to be published. It is written in the same
// transaction as the row it describes and kept after publication.
type OutboxRecord struct {
	ID            uint         `gorm:"primaryKey"`
	AggregateType string       `gorm:"type:varchar(32);not null"`
	AggregateID   string       `gorm:"type:varchar(64);index;not null"`
	Topic         string       `gorm:"type:varchar(64);not null"`
	Payload       []byte       `gorm:"not null"`
	Status        OutboxStatus `gorm:"type:varchar(16);index:idx_outbox_status_next,priority:1;not null"`
	Attempts      int          `gorm:"default:0"`
	LastError     string       `gorm:"type:text"`
	NextAttemptAt time.Time    `gorm:"index:idx_outbox_status_next,priority:2"`
	// FirstAttemptAt starts the retry time budget.
	FirstAttemptAt *time.Time
	ClaimedAt      *time.Time
	PublishedAt    *time.Time
	CreatedAt      time.Time `gorm:"index"`
}

func (OutboxRecord) TableName() string { return "outbox" }

// All lists every model for migrations.
func All() []interface{} {
	return []interface{}{&Link{}, &Click{}, &OutboxRecord{}}
}
