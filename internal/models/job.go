package models

import "time"

// Job is the unit of work referenced by queue rows.
type Job struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      string     `gorm:"size:200;not null;index" json:"type"`
	Arguments string     `gorm:"type:text" json:"arguments"`
	StateName string     `gorm:"size:20;index" json:"state_name"` // enqueued, processing, succeeded, failed
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	ExpireAt  *time.Time `gorm:"index" json:"expire_at"`
}

const (
	JobStateEnqueued   = "enqueued"
	JobStateProcessing = "processing"
	JobStateSucceeded  = "succeeded"
	JobStateFailed     = "failed"
)

// JobQueue is one queue entry. A nil FetchedAt means nobody claimed the row;
// a FetchedAt older than the invisibility timeout means the claim expired.
type JobQueue struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID      int64      `gorm:"not null;index" json:"job_id"`
	Job        *Job       `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"job,omitempty"`
	Queue      string     `gorm:"size:50;not null;index" json:"queue"`
	FetchedAt  *time.Time `gorm:"index" json:"fetched_at"`
	FetchToken *string    `gorm:"size:36" json:"fetch_token"`
}

func (Job) TableName() string      { return "job" }
func (JobQueue) TableName() string { return "job_queue" }
