package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/taskflow/internal/auth"
	"github.com/suPer8Hu/taskflow/internal/chat"
	"github.com/suPer8Hu/taskflow/internal/common"
	"github.com/suPer8Hu/taskflow/internal/config"
	"github.com/suPer8Hu/taskflow/internal/httpapi/middleware"
	"github.com/suPer8Hu/taskflow/internal/logging"
	"github.com/suPer8Hu/taskflow/internal/task"
	"gorm.io/gorm"
)

// JobPublisher enqueues async chat jobs. *rabbitmq.Publisher satisfies it.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	DB        *gorm.DB
	Cfg       config.Config
	Auth      *auth.Authenticator
	Tasks     *task.Repo
	ChatSvc   *chat.Service
	Publisher JobPublisher // nil disables /api/chat/async
	Log       logrus.FieldLogger
}

func NewHandler(db *gorm.DB, cfg config.Config, authn *auth.Authenticator, chatSvc *chat.Service) *Handler {
	return &Handler{
		DB:      db,
		Cfg:     cfg,
		Auth:    authn,
		Tasks:   task.NewRepo(db),
		ChatSvc: chatSvc,
		Log:     logging.Discard(),
	}
}

func userIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// mustUser answers 401 and returns false when no identity was resolved.
func mustUser(c *gin.Context) (string, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

func (h *Handler) internalError(c *gin.Context, where string, err error) {
	h.Log.WithError(err).WithFields(logrus.Fields{
		"handler":    where,
		"request_id": c.GetString(middleware.RequestIDKey),
	}).Error("http: internal error")
	common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
}
