package convert

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Format string

const (
	FormatHTML Format = "html"
	FormatSQL  Format = "sql"
)

func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatHTML, FormatSQL:
		return Format(s), true
	}
	return "", false
}

type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID uint64 `gorm:"index;not null"`

	OriginalFilename string `gorm:"size:255;not null"`
	InputPath        string `gorm:"size:512;not null"`

	// Filled when completed. Column names match the UPDATE the external
	// converter issues against the shared table; renaming them breaks
	// its direct finalization writes.
	OutputPath *string `gorm:"column:output_filepath;size:512"`

	Format Format `gorm:"type:varchar(8);not null"`
	Status Status `gorm:"type:varchar(16);index;not null"`

	// Filled when failed
	Error *string `gorm:"column:error_message;type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "conversion_jobs" }

// UserQuota tracks one user's daily submission counter. DailyCount only
// means anything for the calendar day of LastProcessedAt; readers on a
// later day must treat it as zero.
type UserQuota struct {
	UserID          uint64 `gorm:"primaryKey"`
	DailyCount      uint   `gorm:"not null"`
	LastProcessedAt time.Time
	UpdatedAt       time.Time
}

func (UserQuota) TableName() string { return "user_quotas" }

func NewJobID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
