package models

import "time"

// RecordState tracks how a progress record relates to the remote source of truth
type RecordState string

const (
	// StateConfirmed means the last change was acknowledged by the course service
	StateConfirmed RecordState = "confirmed"
	// StatePendingLocal means a local change has not been acknowledged yet
	StatePendingLocal RecordState = "pending_local"
	// StateConflict means the service disagreed and the local value was kept
	StateConflict RecordState = "conflict"
)

// ProgressRecord is the progress of a single content item
type ProgressRecord struct {
	ContentID            string      `json:"contentId"`
	ModuleID             string      `json:"moduleId,omitempty"`
	ContentType          ContentType `json:"contentType,omitempty"`
	WatchedDuration      float64     `json:"watchedDuration"`
	TotalDuration        float64     `json:"totalDuration"`
	CompletionPercentage float64     `json:"completionPercentage"`
	Completed            bool        `json:"completed"`
	LastPosition         float64     `json:"lastPosition"`
	LastSyncedAt         *time.Time  `json:"lastSyncedAt,omitempty"`
	State                RecordState `json:"state"`
	// ChangedAt is the time of the last local change
	ChangedAt time.Time `json:"-"`
}

// ProgressUpdate is the payload pushed to the course service. A nil Completed
// lets the service decide from the percentage.
type ProgressUpdate struct {
	CourseID        string      `json:"courseId"`
	ContentID       string      `json:"contentId"`
	ModuleID        string      `json:"moduleId"`
	ContentType     ContentType `json:"contentType"`
	WatchedDuration float64     `json:"watchedDuration"`
	TotalDuration   float64     `json:"totalDuration"`
	Completed       *bool       `json:"completed"`
}

// CompletionRequest unconditionally marks an item complete on the service
type CompletionRequest struct {
	CourseID    string      `json:"courseId"`
	ContentID   string      `json:"contentId"`
	ModuleID    string      `json:"moduleId"`
	ContentType ContentType `json:"contentType"`
}

// ModuleContents lists the content ids of one module for a completion check
type ModuleContents struct {
	ModuleID   string   `json:"moduleId"`
	ContentIDs []string `json:"contentIds"`
}

// ProgressChanged is published whenever an item becomes complete or incomplete
type ProgressChanged struct {
	CourseID            string  `json:"courseId"`
	AggregatePercentage float64 `json:"aggregatePercentage"`
	ContentID           string  `json:"contentId"`
	Completed           bool    `json:"completed"`
}
