package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/taskflow/internal/agent"
	"github.com/suPer8Hu/taskflow/internal/common"
	"github.com/suPer8Hu/taskflow/internal/logging"
	"gorm.io/gorm"
)

// Runner runs one agent turn. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, identity, utterance string, history []agent.Turn) agent.Result
}

type Service struct {
	repo              *Repo
	runner            Runner
	contextWindowSize int
	log               logrus.FieldLogger
}

func NewService(repo *Repo, runner Runner, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 200 {
		contextWindowSize = 50
	}
	return &Service{repo: repo, runner: runner, contextWindowSize: contextWindowSize, log: logging.Discard()}
}

func (s *Service) WithLogger(log logrus.FieldLogger) *Service {
	s.log = log
	return s
}

type TurnResult struct {
	ConversationID     string      `json:"conversation_id"`
	Reply              string      `json:"response"`
	AssistantMessageID uint64      `json:"-"`
	State              agent.State `json:"-"`
}

// Chat runs one synchronous turn. An empty conversationID starts a new
// conversation. The user message is stored before the agent runs and the
// reply is stored after, apologies included.
func (s *Service) Chat(ctx context.Context, ownerID, conversationID, content string) (*TurnResult, error) {
	conv, err := s.resolveConversation(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}

	history, err := s.history(ctx, conv.ID, 0)
	if err != nil {
		return nil, err
	}

	userMsg := &Message{ConversationID: conv.ID, Role: RoleUser, Content: content}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	return s.complete(ctx, conv, content, history, "")
}

// complete runs the agent and stores its reply. For async turns jobID is
// marked succeeded together with the reply.
func (s *Service) complete(ctx context.Context, conv *Conversation, content string, history []agent.Turn, jobID string) (*TurnResult, error) {
	res := s.runner.Run(ctx, conv.UserID, content, history)

	assistantMsg := &Message{ConversationID: conv.ID, Role: RoleAssistant, Content: res.Reply}
	if err := s.repo.FinishTurn(ctx, conv, content, assistantMsg, jobID); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"state":           res.State.String(),
		"rounds":          res.Rounds,
	}).Info("chat: turn completed")

	return &TurnResult{
		ConversationID:     conv.ID,
		Reply:              res.Reply,
		AssistantMessageID: assistantMsg.ID,
		State:              res.State,
	}, nil
}

func (s *Service) resolveConversation(ctx context.Context, ownerID, conversationID string) (*Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return s.repo.CreateConversation(ctx, ownerID)
	}
	return s.repo.FindConversation(ctx, ownerID, conversationID)
}

func (s *Service) history(ctx context.Context, conversationID string, beforeID uint64) ([]agent.Turn, error) {
	msgs, err := s.repo.RecentMessages(ctx, conversationID, s.contextWindowSize, beforeID)
	if err != nil {
		return nil, err
	}
	turns := make([]agent.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, agent.Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

func (s *Service) ListConversations(ctx context.Context, ownerID string) ([]Conversation, error) {
	return s.repo.ListConversations(ctx, ownerID)
}

func (s *Service) ListMessages(ctx context.Context, ownerID, conversationID string) ([]Message, error) {
	if _, err := s.repo.FindConversation(ctx, ownerID, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, conversationID)
}

func (s *Service) DeleteConversation(ctx context.Context, ownerID, conversationID string) error {
	return s.repo.DeleteConversation(ctx, ownerID, conversationID)
}

// EnqueueTurn stores the user message and a queued job for it. created is
// false when the idempotency key matched an earlier job.
func (s *Service) EnqueueTurn(ctx context.Context, ownerID, conversationID, content, idempotencyKey string) (*Job, bool, error) {
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		// a replay must not open another conversation
		existing, err := s.repo.jobByIdempotencyKey(ctx, ownerID, key)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
	}

	conv, err := s.resolveConversation(ctx, ownerID, conversationID)
	if err != nil {
		return nil, false, err
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	job := &Job{ID: jobID, UserID: ownerID, Status: JobQueued}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		job.IdempotencyKey = &key
	}
	msg := &Message{ConversationID: conv.ID, Role: RoleUser, Content: content}
	return s.repo.CreateJobWithMessage(ctx, job, msg)
}

// AbandonTurn rolls back EnqueueTurn when the job could not be handed to
// the broker, so a retry with the same idempotency key starts over.
func (s *Service) AbandonTurn(ctx context.Context, job *Job) error {
	return s.repo.AbandonJob(ctx, job)
}

// GetJob is owner-scoped; a foreign job is reported as missing.
func (s *Service) GetJob(ctx context.Context, ownerID, jobID string) (*Job, error) {
	j, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != ownerID {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// ErrJobGone marks a job that can never succeed, e.g. its conversation was deleted.
var ErrJobGone = errors.New("job can no longer run")

// RunJob runs the agent turn for a queued job. A job that is already
// finished is left alone.
func (s *Service) RunJob(ctx context.Context, jobID string) (*Job, error) {
	claimed, err := s.repo.ClaimJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrJobGone, err)
		}
		return nil, err
	}
	if !claimed {
		return job, nil
	}

	conv, err := s.repo.FindConversation(ctx, job.UserID, job.ConversationID)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return job, fmt.Errorf("%w: %v", ErrJobGone, err)
		}
		return job, err
	}
	userMsg, err := s.repo.GetMessage(ctx, conv.ID, job.UserMessageID)
	if err != nil {
		return job, err
	}
	history, err := s.history(ctx, conv.ID, job.UserMessageID)
	if err != nil {
		return job, err
	}

	res, err := s.complete(ctx, conv, userMsg.Content, history, job.ID)
	if err != nil {
		return job, err
	}
	job.Status = JobSucceeded
	job.ResultMessageID = &res.AssistantMessageID
	return job, nil
}

// FailJob records a failed attempt. With final set the job is marked failed,
// otherwise it goes back to queued for a retry.
func (s *Service) FailJob(ctx context.Context, jobID string, cause error, final bool) error {
	if final {
		return s.repo.MarkJobFailed(ctx, jobID, cause.Error())
	}
	return s.repo.RequeueJob(ctx, jobID, cause.Error())
}
