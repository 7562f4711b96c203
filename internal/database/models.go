package database

import "time"

// OutboxKind tells which remote operation an outbox entry replays
type OutboxKind string

const (
	OutboxKindProgress   OutboxKind = "progress"
	OutboxKindCompletion OutboxKind = "completion"
)

// OutboxEntry is an update that could not be delivered when a session closed
type OutboxEntry struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Owner     string     `gorm:"index:idx_outbox_owner_course;not null" json:"owner"`
	CourseID  string     `gorm:"index:idx_outbox_owner_course;not null" json:"course_id"`
	ContentID string     `gorm:"not null" json:"content_id"`
	Kind      OutboxKind `gorm:"not null" json:"kind"`
	Payload   string     `gorm:"type:text" json:"payload"` // JSON encoded request body
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName pins the table name
func (OutboxEntry) TableName() string {
	return "outbox_entries"
}
