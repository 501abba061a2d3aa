package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrConversationNotFound covers both a missing conversation and one owned by someone else.
	ErrConversationNotFound = errors.New("conversation not found")
	ErrJobNotFound          = errors.New("job not found")
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateConversation(ctx context.Context, ownerID string) (*Conversation, error) {
	c := &Conversation{ID: uuid.NewString(), UserID: ownerID}
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Repo) FindConversation(ctx context.Context, ownerID, id string) (*Conversation, error) {
	return findConversation(r.db.WithContext(ctx), ownerID, id)
}

func findConversation(tx *gorm.DB, ownerID, id string) (*Conversation, error) {
	var c Conversation
	err := tx.Where("id = ? AND user_id = ?", id, ownerID).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListConversations returns the owner's conversations, most recently active first.
func (r *Repo) ListConversations(ctx context.Context, ownerID string) ([]Conversation, error) {
	var out []Conversation
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("updated_at DESC").
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// touchConversation bumps updated_at and sets the title if it was never set.
func touchConversation(tx *gorm.DB, c *Conversation, firstMessage string) error {
	now := time.Now()
	updates := map[string]any{"updated_at": now}
	if c.Title == nil {
		title := deriveTitle(firstMessage)
		updates["title"] = title
		c.Title = &title
	}
	c.UpdatedAt = now
	return tx.Model(&Conversation{}).
		Where("id = ? AND user_id = ?", c.ID, c.UserID).
		Updates(updates).Error
}

// DeleteConversation removes the conversation with its messages and jobs.
func (r *Repo) DeleteConversation(ctx context.Context, ownerID, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findConversation(tx, ownerID, id); err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&Job{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ? AND user_id = ?", id, ownerID).Delete(&Conversation{}).Error
	})
}

// FinishTurn stores the assistant reply and touches the conversation. A
// non-empty jobID is marked succeeded in the same transaction, so a job
// never ends up with a reply but without its result.
func (r *Repo) FinishTurn(ctx context.Context, c *Conversation, firstMessage string, reply *Message, jobID string) error {
	title := c.Title
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(reply).Error; err != nil {
			return err
		}
		if err := touchConversation(tx, c, firstMessage); err != nil {
			return err
		}
		if jobID == "" {
			return nil
		}
		res := tx.Model(&Job{}).
			Where("id = ? AND status = ?", jobID, JobRunning).
			Updates(map[string]any{
				"status":            JobSucceeded,
				"result_message_id": reply.ID,
				"error":             nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %s is no longer running", jobID)
		}
		return nil
	})
	if err != nil {
		c.Title = title
		reply.ID = 0
	}
	return err
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, conversationID string, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("id = ? AND conversation_id = ?", id, conversationID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// RecentMessages returns up to limit messages of the conversation in
// chronological order. With beforeID > 0 only messages older than it count.
func (r *Repo) RecentMessages(ctx context.Context, conversationID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var desc []Message
	if err := q.Find(&desc).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

// ListMessages returns the whole conversation oldest first.
func (r *Repo) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Job CRUD

// CreateJobWithMessage writes the user message and the job together. When the
// (user, idempotency key) pair already exists the existing job comes back and
// nothing is written.
func (r *Repo) CreateJobWithMessage(ctx context.Context, job *Job, msg *Message) (*Job, bool, error) {
	if job.IdempotencyKey != nil && *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
	}
	if job.IdempotencyKey != nil {
		existing, err := r.jobByIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		job.UserMessageID = msg.ID
		job.ConversationID = msg.ConversationID
		return tx.Create(job).Error
	})
	if err == nil {
		return job, true, nil
	}
	if job.IdempotencyKey == nil {
		return nil, false, err
	}

	// lost a race on the same key
	existing, getErr := r.jobByIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	return nil, false, err
}

func (r *Repo) jobByIdempotencyKey(ctx context.Context, userID, key string) (*Job, error) {
	var job Job
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Repo) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

// ClaimJob moves a queued job to running and counts the attempt. It reports
// false when the job is already finished, e.g. on redelivery.
func (r *Repo) ClaimJob(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, []JobStatus{JobQueued, JobRunning}).
		Updates(map[string]any{
			"status":     JobRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RequeueJob records a failed attempt that will be retried.
func (r *Repo) RequeueJob(ctx context.Context, id, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobQueued,
			"error":  errMsg,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

// AbandonJob undoes CreateJobWithMessage for a job no worker has seen: the
// job and its user message go, and so does the conversation when that
// message was all it held. It returns ErrJobNotFound once the job has left
// the queued state.
func (r *Repo) AbandonJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND status = ? AND attempts = 0", job.ID, JobQueued).Delete(&Job{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrJobNotFound
		}
		if err := tx.Where("id = ? AND conversation_id = ?", job.UserMessageID, job.ConversationID).
			Delete(&Message{}).Error; err != nil {
			return err
		}
		var left int64
		if err := tx.Model(&Message{}).Where("conversation_id = ?", job.ConversationID).Count(&left).Error; err != nil {
			return err
		}
		if left > 0 {
			return nil
		}
		return tx.Where("id = ? AND user_id = ? AND title IS NULL", job.ConversationID, job.UserID).
			Delete(&Conversation{}).Error
	})
}
