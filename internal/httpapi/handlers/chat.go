package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/taskflow/internal/chat"
	"github.com/suPer8Hu/taskflow/internal/common"
)

const maxIdempotencyKeyLen = 128

type chatReq struct {
	Message        string `json:"message" binding:"required,min=1,max=5000"`
	ConversationID string `json:"conversation_id" binding:"omitempty,max=36"`
}

func (req *chatReq) content(c *gin.Context) (string, bool) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "message cannot be empty")
		return "", false
	}
	return msg, true
}

func (h *Handler) conversationError(c *gin.Context, where string, err error) {
	if errors.Is(err, chat.ErrConversationNotFound) {
		common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
		return
	}
	h.internalError(c, where, err)
}

// Chat runs one agent turn and answers with the final reply.
func (h *Handler) Chat(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var req chatReq
	if !bindJSON(c, &req) {
		return
	}
	msg, ok := req.content(c)
	if !ok {
		return
	}

	res, err := h.ChatSvc.Chat(c.Request.Context(), uid, strings.TrimSpace(req.ConversationID), msg)
	if err != nil {
		h.conversationError(c, "chat", err)
		return
	}
	common.OK(c, res)
}

func (h *Handler) ListConversations(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	convs, err := h.ChatSvc.ListConversations(c.Request.Context(), uid)
	if err != nil {
		h.internalError(c, "list_conversations", err)
		return
	}

	out := make([]gin.H, 0, len(convs))
	for i := range convs {
		out = append(out, gin.H{
			"id":         convs[i].ID,
			"title":      convs[i].DisplayTitle(),
			"created_at": convs[i].CreatedAt,
			"updated_at": convs[i].UpdatedAt,
		})
	}
	common.OK(c, gin.H{"conversations": out})
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.conversationError(c, "list_messages", err)
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	if err := h.ChatSvc.DeleteConversation(c.Request.Context(), uid, c.Param("id")); err != nil {
		h.conversationError(c, "delete_conversation", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ChatAsync stores the user turn and a queued job, then hands the job to the
// broker. A repeated Idempotency-Key returns the earlier job without publishing.
func (h *Handler) ChatAsync(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	if h.Publisher == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50302, "async chat is not enabled")
		return
	}
	var req chatReq
	if !bindJSON(c, &req) {
		return
	}
	msg, ok := req.content(c)
	if !ok {
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > maxIdempotencyKeyLen {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	job, created, err := h.ChatSvc.EnqueueTurn(c.Request.Context(), uid, strings.TrimSpace(req.ConversationID), msg, idempoKey)
	if err != nil {
		h.conversationError(c, "chat_async", err)
		return
	}

	// enqueue only when a new job was created
	if created {
		if err := h.Publisher.PublishJob(c.Request.Context(), job.ID); err != nil {
			log := h.Log.WithFields(logrus.Fields{"job_id": job.ID, "user_id": uid})
			log.WithError(err).Error("chat: publish job failed")
			// undo the turn so a retry with the same key enqueues again
			if abandonErr := h.ChatSvc.AbandonTurn(c.Request.Context(), job); abandonErr != nil {
				log.WithError(abandonErr).Error("chat: abandon job failed")
				_ = h.ChatSvc.FailJob(c.Request.Context(), job.ID, err, true)
			}
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "ok",
		"data": gin.H{
			"job_id":          job.ID,
			"conversation_id": job.ConversationID,
			"status":          job.Status,
		},
	})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), uid, jobID)
	if err != nil {
		if errors.Is(err, chat.ErrJobNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		h.internalError(c, "get_chat_job", err)
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"conversation_id":   j.ConversationID,
			"status":            j.Status,
			"attempts":          j.Attempts,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
