package jobs

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	StoryID string `gorm:"size:26;not null;index" json:"story_id"`
	UserID  string `gorm:"type:varchar(64);not null;index:idx_job_user_status,priority:1" json:"-"`

	Status   JobStatus `gorm:"type:varchar(16);not null;index;index:idx_job_user_status,priority:2" json:"status"`
	Attempts int       `gorm:"not null;default:0" json:"attempts"`

	LastError *string `gorm:"type:text" json:"last_error"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	// Claim time while processing, refreshed by the heartbeat.
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (Job) TableName() string { return "story_jobs" }
