package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/taskflow/internal/common"
	"github.com/suPer8Hu/taskflow/internal/task"
)

type createTaskReq struct {
	Title       string  `json:"title" binding:"required,max=200"`
	Description *string `json:"description" binding:"omitempty,max=1000"`
}

type updateTaskReq struct {
	Title       *string `json:"title" binding:"omitempty,max=200"`
	Description *string `json:"description" binding:"omitempty,max=1000"`
	Completed   *bool   `json:"completed"`
}

var errBlankTitle = errors.New("title cannot be empty")

func cleanTitle(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errBlankTitle
	}
	if utf8.RuneCountInString(s) > task.MaxTitleLen {
		return "", errors.New("title must be at most 200 characters")
	}
	return s, nil
}

// cleanDescription trims and maps a blank description to nil.
func cleanDescription(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func parseTaskID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid task id")
		return 0, false
	}
	return id, true
}

func (h *Handler) ListTasks(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}

	status, valid := task.ParseStatus(strings.ToLower(c.Query("status")))
	if !valid {
		common.Fail(c, http.StatusBadRequest, 10002, "status must be one of all, active, completed")
		return
	}
	opts := task.ListOptions{
		Status: status,
		Search: c.Query("search"),
		SortBy: c.DefaultQuery("sort_by", "created_at"),
		Asc:    strings.EqualFold(c.Query("order"), "asc"),
	}
	switch opts.SortBy {
	case "created_at", "updated_at", "title":
	default:
		common.Fail(c, http.StatusBadRequest, 10002, "sort_by must be one of created_at, updated_at, title")
		return
	}

	tasks, err := h.Tasks.ListWithOptions(c.Request.Context(), uid, opts)
	if err != nil {
		h.internalError(c, "list_tasks", err)
		return
	}
	common.OK(c, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (h *Handler) CreateTask(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req createTaskReq
	if !bindJSON(c, &req) {
		return
	}
	title, err := cleanTitle(req.Title)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
		return
	}

	t, err := h.Tasks.Create(c.Request.Context(), uid, title, cleanDescription(req.Description))
	if err != nil {
		h.internalError(c, "create_task", err)
		return
	}
	common.Created(c, t)
}

func (h *Handler) GetTask(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	id, ok := parseTaskID(c)
	if !ok {
		return
	}

	t, err := h.Tasks.Find(c.Request.Context(), uid, id)
	if err != nil {
		h.taskError(c, "get_task", err)
		return
	}
	common.OK(c, t)
}

func (h *Handler) UpdateTask(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	var req updateTaskReq
	if !bindJSON(c, &req) {
		return
	}

	var title string
	if req.Title != nil {
		var err error
		if title, err = cleanTitle(*req.Title); err != nil {
			common.Fail(c, http.StatusBadRequest, 10002, err.Error())
			return
		}
	}

	t, err := h.Tasks.Mutate(c.Request.Context(), uid, id, func(t *task.Task) error {
		if req.Title != nil {
			t.Title = title
		}
		if req.Description != nil {
			t.Description = cleanDescription(req.Description)
		}
		if req.Completed != nil {
			t.Completed = *req.Completed
		}
		return nil
	})
	if err != nil {
		h.taskError(c, "update_task", err)
		return
	}
	common.OK(c, t)
}

func (h *Handler) DeleteTask(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	id, ok := parseTaskID(c)
	if !ok {
		return
	}

	deleted, err := h.Tasks.Delete(c.Request.Context(), uid, id)
	if err != nil {
		h.internalError(c, "delete_task", err)
		return
	}
	if !deleted {
		common.Fail(c, http.StatusNotFound, 40401, "task not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) taskError(c *gin.Context, where string, err error) {
	if errors.Is(err, task.ErrNotFound) {
		common.Fail(c, http.StatusNotFound, 40401, "task not found")
		return
	}
	h.internalError(c, where, err)
}
