package task

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned for a missing task and for a task owned by someone
// else. Callers cannot tell the two apart.
var ErrNotFound = errors.New("task not found")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, ownerID, title string, description *string) (*Task, error) {
	t := &Task{
		UserID:      ownerID,
		Title:       title,
		Description: description,
	}
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repo) Find(ctx context.Context, ownerID string, id uint64) (*Task, error) {
	var t Task
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, ownerID).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// List returns the owner's tasks newest first.
func (r *Repo) List(ctx context.Context, ownerID string, status Status) ([]Task, error) {
	return r.ListWithOptions(ctx, ownerID, ListOptions{Status: status})
}

func (r *Repo) ListWithOptions(ctx context.Context, ownerID string, opts ListOptions) ([]Task, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", ownerID)

	switch opts.Status {
	case StatusCompleted:
		q = q.Where("completed = ?", true)
	case StatusPending:
		q = q.Where("completed = ?", false)
	}

	if s := strings.TrimSpace(opts.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		q = q.Where("(LOWER(title) LIKE ? OR LOWER(COALESCE(description, '')) LIKE ?)", like, like)
	}

	col := "created_at"
	switch opts.SortBy {
	case "updated_at", "title":
		col = opts.SortBy
	}
	dir := " DESC"
	if opts.Asc {
		dir = " ASC"
	}
	q = q.Order(col + dir).Order("id" + dir)

	var tasks []Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// Update writes title, description and completed back for t.ID under t.UserID.
func (r *Repo) Update(ctx context.Context, t *Task) (*Task, error) {
	return r.update(r.db.WithContext(ctx), t)
}

func (r *Repo) update(tx *gorm.DB, t *Task) (*Task, error) {
	t.UpdatedAt = time.Now()
	res := tx.Model(&Task{}).
		Where("id = ? AND user_id = ?", t.ID, t.UserID).
		Updates(map[string]any{
			"title":       t.Title,
			"description": t.Description,
			"completed":   t.Completed,
			"updated_at":  t.UpdatedAt,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return t, nil
}

// Mutate loads the owner's task, applies fn and writes it back in one transaction.
// Returning an error from fn aborts without writing.
func (r *Repo) Mutate(ctx context.Context, ownerID string, id uint64, fn func(*Task) error) (*Task, error) {
	var out *Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Task
		if err := tx.Where("id = ? AND user_id = ?", id, ownerID).First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := fn(&t); err != nil {
			return err
		}
		// owner is immutable
		t.UserID = ownerID
		updated, err := r.update(tx, &t)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete reports whether an owner-matching row was removed.
func (r *Repo) Delete(ctx context.Context, ownerID string, id uint64) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, ownerID).
		Delete(&Task{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Take deletes the owner's task and returns the row as it was, in one transaction.
func (r *Repo) Take(ctx context.Context, ownerID string, id uint64) (*Task, error) {
	var out Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ?", id, ownerID).First(&out).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		res := tx.Where("id = ? AND user_id = ?", id, ownerID).Delete(&Task{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
