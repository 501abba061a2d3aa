package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/suPer8Hu/taskflow/internal/task"
)

// TaskStore is the owner-scoped task storage the tools run against.
type TaskStore interface {
	Create(ctx context.Context, ownerID, title string, description *string) (*task.Task, error)
	List(ctx context.Context, ownerID string, status task.Status) ([]task.Task, error)
	Mutate(ctx context.Context, ownerID string, id uint64, fn func(*task.Task) error) (*task.Task, error)
	Take(ctx context.Context, ownerID string, id uint64) (*task.Task, error)
}

const (
	AddTask      = "add_task"
	ListTasks    = "list_tasks"
	CompleteTask = "complete_task"
	DeleteTask   = "delete_task"
	UpdateTask   = "update_task"
)

var ownerProperty = map[string]any{
	"type":        "string",
	"description": "User identifier from JWT token",
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	all := map[string]any{OwnerField: ownerProperty}
	for k, v := range props {
		all[k] = v
	}
	return map[string]any{
		"type":                 "object",
		"properties":           all,
		"required":             append([]string{OwnerField}, required...),
		"additionalProperties": false,
	}
}

// optionalString admits null, which models send for an omitted field.
// Handlers decode into *string so null reads as not supplied.
func optionalString(description string) map[string]any {
	return map[string]any{"type": []string{"string", "null"}, "description": description}
}

func taskIDProperty(verb string) map[string]any {
	return map[string]any{"type": "integer", "description": "ID of the task to " + verb}
}

// NewTaskRegistry builds a registry holding the five task tools.
func NewTaskRegistry(store TaskStore) (*Registry, error) {
	r := NewRegistry()
	if err := RegisterTaskTools(r, store); err != nil {
		return nil, err
	}
	return r, nil
}

func RegisterTaskTools(r *Registry, store TaskStore) error {
	h := &taskTools{store: store}
	defs := []struct {
		name, desc string
		params     map[string]any
		fn         Func
	}{
		{AddTask, "Create a new task for the user", objectSchema(map[string]any{
			"title":       map[string]any{"type": "string", "description": "Task title (max 200 characters)"},
			"description": optionalString("Task description (optional, max 1000 characters)"),
		}, "title"), h.add},
		{ListTasks, "Retrieve user's tasks with optional filtering", objectSchema(map[string]any{
			"status": map[string]any{
				"type":        []string{"string", "null"},
				"enum":        []any{"all", "pending", "completed", nil},
				"description": "Filter tasks by status (default: all)",
			},
		}), h.list},
		{CompleteTask, "Mark a task as completed", objectSchema(map[string]any{
			"task_id": taskIDProperty("complete"),
		}, "task_id"), h.complete},
		{DeleteTask, "Delete a task permanently", objectSchema(map[string]any{
			"task_id": taskIDProperty("delete"),
		}, "task_id"), h.delete},
		{UpdateTask, "Update task title and/or description", objectSchema(map[string]any{
			"task_id":     taskIDProperty("update"),
			"title":       optionalString("New task title (optional)"),
			"description": optionalString("New task description (optional)"),
		}, "task_id"), h.update},
	}
	for _, d := range defs {
		if err := r.Register(d.name, d.desc, d.params, d.fn); err != nil {
			return err
		}
	}
	return nil
}

type taskTools struct {
	store TaskStore
}

type addArgs struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
}

type listArgs struct {
	Status string `json:"status"`
}

type idArgs struct {
	TaskID json.Number `json:"task_id"`
}

type updateArgs struct {
	TaskID      json.Number `json:"task_id"`
	Title       *string     `json:"title"`
	Description *string     `json:"description"`
}

func (h *taskTools) add(ctx context.Context, owner string, raw json.RawMessage) Envelope {
	var in addArgs
	if err := json.Unmarshal(raw, &in); err != nil {
		return Failure("Invalid arguments for %s: %v", AddTask, err)
	}
	title, desc, env, ok := checkFields(&in.Title, in.Description)
	if !ok {
		return env
	}

	t, err := h.store.Create(ctx, owner, *title, desc)
	if err != nil {
		return Failure("Failed to create task: %v", err)
	}
	return Envelope{
		Success: true,
		TaskID:  ptr(t.ID),
		Title:   ptr(t.Title),
		Message: fmt.Sprintf("Task '%s' created successfully", t.Title),
	}
}

func (h *taskTools) list(ctx context.Context, owner string, raw json.RawMessage) Envelope {
	var in listArgs
	if err := json.Unmarshal(raw, &in); err != nil {
		return Failure("Invalid arguments for %s: %v", ListTasks, err)
	}
	status, ok := task.ParseStatus(in.Status)
	if !ok || in.Status == "active" {
		return Failure("Invalid status '%s': must be all, pending or completed", in.Status)
	}

	tasks, err := h.store.List(ctx, owner, status)
	if err != nil {
		return Failure("Failed to retrieve tasks: %v", err)
	}
	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, summarize(t))
	}
	return Envelope{Success: true, Count: ptr(len(out)), Tasks: out}
}

func (h *taskTools) complete(ctx context.Context, owner string, raw json.RawMessage) Envelope {
	var in idArgs
	if err := json.Unmarshal(raw, &in); err != nil {
		return Failure("Invalid arguments for %s: %v", CompleteTask, err)
	}
	id, ok := parseTaskID(in.TaskID)
	if !ok {
		return Failure("Task %s not found", in.TaskID)
	}

	t, err := h.store.Mutate(ctx, owner, id, func(t *task.Task) error {
		t.Completed = true
		return nil
	})
	if errors.Is(err, task.ErrNotFound) {
		return Failure("Task %d not found", id)
	}
	if err != nil {
		return Failure("Failed to complete task: %v", err)
	}
	return Envelope{
		Success:   true,
		TaskID:    ptr(t.ID),
		Title:     ptr(t.Title),
		Completed: ptr(t.Completed),
		Message:   fmt.Sprintf("Task '%s' marked as completed", t.Title),
	}
}

func (h *taskTools) delete(ctx context.Context, owner string, raw json.RawMessage) Envelope {
	var in idArgs
	if err := json.Unmarshal(raw, &in); err != nil {
		return Failure("Invalid arguments for %s: %v", DeleteTask, err)
	}
	id, ok := parseTaskID(in.TaskID)
	if !ok {
		return Failure("Task %s not found", in.TaskID)
	}

	t, err := h.store.Take(ctx, owner, id)
	if errors.Is(err, task.ErrNotFound) {
		return Failure("Task %d not found", id)
	}
	if err != nil {
		return Failure("Failed to delete task: %v", err)
	}
	return Envelope{
		Success: true,
		TaskID:  ptr(id),
		Message: fmt.Sprintf("Task '%s' deleted successfully", t.Title),
	}
}

func (h *taskTools) update(ctx context.Context, owner string, raw json.RawMessage) Envelope {
	var in updateArgs
	if err := json.Unmarshal(raw, &in); err != nil {
		return Failure("Invalid arguments for %s: %v", UpdateTask, err)
	}
	if in.Title == nil && in.Description == nil {
		return Failure("No fields provided to update")
	}
	title, desc, env, ok := checkFields(in.Title, in.Description)
	if !ok {
		return env
	}
	id, ok := parseTaskID(in.TaskID)
	if !ok {
		return Failure("Task %s not found", in.TaskID)
	}

	t, err := h.store.Mutate(ctx, owner, id, func(t *task.Task) error {
		if title != nil {
			t.Title = *title
		}
		if in.Description != nil {
			t.Description = desc
		}
		return nil
	})
	if errors.Is(err, task.ErrNotFound) {
		return Failure("Task %d not found", id)
	}
	if err != nil {
		return Failure("Failed to update task: %v", err)
	}
	return Envelope{
		Success:     true,
		TaskID:      ptr(t.ID),
		Title:       ptr(t.Title),
		Description: t.Description,
		Message:     fmt.Sprintf("Task '%s' updated successfully", t.Title),
	}
}

// checkFields trims and length-checks an optional title and description.
// A blank description comes back as nil.
func checkFields(title, description *string) (*string, *string, Envelope, bool) {
	var outTitle, outDesc *string
	if title != nil {
		s := strings.TrimSpace(*title)
		if s == "" {
			return nil, nil, Failure("Task title cannot be empty"), false
		}
		if utf8.RuneCountInString(s) > task.MaxTitleLen {
			return nil, nil, Failure("Task title must be %d characters or less", task.MaxTitleLen), false
		}
		outTitle = &s
	}
	if description != nil {
		s := strings.TrimSpace(*description)
		if utf8.RuneCountInString(s) > task.MaxDescriptionLen {
			return nil, nil, Failure("Task description must be %d characters or less", task.MaxDescriptionLen), false
		}
		if s != "" {
			outDesc = &s
		}
	}
	return outTitle, outDesc, Envelope{}, true
}

// parseTaskID accepts integral numbers, including forms like 3.0.
func parseTaskID(n json.Number) (uint64, bool) {
	if i, err := n.Int64(); err == nil {
		return uint64(i), i > 0
	}
	f, err := n.Float64()
	if err != nil || f <= 0 || f != math.Trunc(f) || f > math.MaxInt64 {
		return 0, false
	}
	return uint64(f), true
}
