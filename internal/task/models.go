package task

import "time"

const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 1000
)

type Task struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      string    `gorm:"type:varchar(36);index:idx_tasks_user_created,priority:1;not null" json:"user_id"`
	Title       string    `gorm:"type:varchar(200);index;not null" json:"title"`
	Description *string   `gorm:"type:text" json:"description"`
	Completed   bool      `gorm:"not null;default:false" json:"completed"`
	CreatedAt   time.Time `gorm:"index:idx_tasks_user_created,priority:2" json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// Status filters a task listing by completion state.
type Status string

const (
	StatusAll       Status = "all"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ParseStatus accepts "all", "pending", "completed" and the REST alias "active".
// An empty string means all.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "", string(StatusAll):
		return StatusAll, true
	case string(StatusPending), "active":
		return StatusPending, true
	case string(StatusCompleted):
		return StatusCompleted, true
	}
	return "", false
}

// ListOptions carries the extra knobs of the REST listing.
type ListOptions struct {
	Status Status
	Search string
	SortBy string // created_at | updated_at | title
	Asc    bool
}
