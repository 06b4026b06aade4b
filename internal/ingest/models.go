package ingest

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is one asynchronous ingestion of a user document. It carries the usage
// reservation taken at submission so the worker can settle it.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID

	UserID     uint64 `gorm:"not null;index:uniq_ingest_user_idempo,unique,priority:1" json:"-"`
	DocumentID string `gorm:"type:varchar(128);index;not null" json:"document_id"`
	Filename   string `gorm:"type:varchar(255);not null" json:"filename"`
	Text       string `gorm:"type:mediumtext;not null" json:"-"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_ingest_user_idempo,unique,priority:2" json:"-"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// QuotaDay is the usage bucket the reservation was taken from; empty once settled.
	QuotaDay string `gorm:"type:varchar(10)" json:"-"`

	ChunkCount int     `json:"chunk_count"`
	Error      *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "ingest_jobs" }
