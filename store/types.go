package store

import "time"

// Status is the outcome recorded on one worker attempt row.
// Valid values: IN_PROGRESS, COMPLETED, FAILED.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// InstanceRecord is the persisted header of a TaskInstance.
type InstanceRecord struct {
	ID               string
	JobType          string
	ElectionID       string
	GuardianID       string
	SourceGuardianID string
	TargetGuardianID string
	MaxRetries       int
	CreatedAt        time.Time
	CancelledAt      *time.Time
}

// ChunkRecord is the dispatcher's durable view of one chunk. PayloadJSON is
// only populated on insert; listing queries leave it empty.
type ChunkRecord struct {
	ID          string
	InstanceID  string
	ElectionID  string
	Number      int
	State       string
	RetryCount  int
	Attempts    int
	Fatal       bool
	LastError   *string
	PayloadJSON string
	UpdatedAt   time.Time
}

// WorkerLogRecord is one row per chunk attempt. Rows are appended by workers
// and only ever moved from IN_PROGRESS to a final status.
type WorkerLogRecord struct {
	LogID            string
	JobType          string
	ElectionID       string
	InstanceID       string
	ChunkID          string
	GuardianID       string
	SourceGuardianID string
	TargetGuardianID string
	ChunkNumber      int
	Attempt          int
	Status           Status
	StartTime        time.Time
	EndTime          *time.Time
	ErrorMessage     *string // error message of a failed attempt
	Fatal            bool
	ResultJSON       *string // engine output of a completed attempt
}
