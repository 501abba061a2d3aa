package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is one queued chat turn. The user message is written when the job is
// created; the worker only produces the assistant turn.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"job_id"` // ULID length

	UserID         string `gorm:"type:varchar(36);index:uniq_job_user_idempo,unique,priority:1;not null" json:"-"`
	ConversationID string `gorm:"type:varchar(36);index;not null" json:"conversation_id"`
	UserMessageID  uint64 `gorm:"not null" json:"user_message_id"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_job_user_idempo,unique,priority:2" json:"-"`

	Status   JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	Attempts int       `gorm:"not null;default:0" json:"attempts"`

	// Filled when succeeded
	ResultMessageID *uint64 `gorm:"index" json:"result_message_id,omitempty"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "chat_jobs" }

func (j *Job) Finished() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}
