package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/suPer8Hu/taskflow/internal/task"
)

// Envelope is the result shape shared by every tool. Unset fields are omitted
// so each tool only reports what it touched.
type Envelope struct {
	Success     bool          `json:"success"`
	TaskID      *uint64       `json:"task_id,omitempty"`
	Title       *string       `json:"title,omitempty"`
	Description *string       `json:"description,omitempty"`
	Completed   *bool         `json:"completed,omitempty"`
	Count       *int          `json:"count,omitempty"`
	Tasks       []TaskSummary `json:"tasks,omitempty"`
	Message     string        `json:"message,omitempty"`
	Error       string        `json:"error,omitempty"`
}

type TaskSummary struct {
	ID          uint64  `json:"id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Completed   bool    `json:"completed"`
	CreatedAt   string  `json:"created_at"`
}

func Failure(format string, args ...any) Envelope {
	return Envelope{Success: false, Error: fmt.Sprintf(format, args...)}
}

// JSON is the compact encoding sent back to the model as the tool result.
func (e Envelope) JSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		return `{"success":false,"error":"failed to encode tool result"}`
	}
	return string(b)
}

func summarize(t task.Task) TaskSummary {
	return TaskSummary{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Completed:   t.Completed,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func ptr[T any](v T) *T { return &v }
