package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/taskflow/internal/common"
	"github.com/suPer8Hu/taskflow/internal/httpapi/handlers"
	"github.com/suPer8Hu/taskflow/internal/httpapi/middleware"
	"github.com/suPer8Hu/taskflow/internal/logging"
	"github.com/suPer8Hu/taskflow/internal/metrics"
	"github.com/suPer8Hu/taskflow/internal/ratelimit"
)

type Deps struct {
	Handler     *handlers.Handler
	Metrics     *metrics.Metrics  // nil disables /metrics
	ChatLimiter ratelimit.Limiter // nil disables chat rate limiting
	Log         *logrus.Logger
}

func NewRouter(d Deps) *gin.Engine {
	log := d.Log
	if log == nil {
		log = logging.Discard()
	}
	h := d.Handler
	h.Log = log

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.LoggerWithWriter(log.Writer()))
	r.Use(middleware.Recovery(log))
	r.Use(corsMiddleware(h.Cfg.CORSOrigins))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics))
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	r.GET("/ping", h.Ping)
	r.GET("/health", h.Health)

	api := r.Group("/api")

	// auth
	api.POST("/auth/signup", h.Signup)
	api.POST("/auth/login", h.Login)

	authGroup := api.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Auth))
	authGroup.GET("/auth/me", h.Me)
	authGroup.PATCH("/auth/me", h.UpdateMe)

	// tasks
	authGroup.GET("/tasks", h.ListTasks)
	authGroup.POST("/tasks", h.CreateTask)
	authGroup.GET("/tasks/:id", h.GetTask)
	authGroup.PATCH("/tasks/:id", h.UpdateTask)
	authGroup.DELETE("/tasks/:id", h.DeleteTask)

	// chat
	chatGroup := authGroup.Group("/chat")
	turns := chatGroup.Group("")
	if d.ChatLimiter != nil {
		turns.Use(middleware.RateLimit(d.ChatLimiter, log))
	}
	turns.POST("", h.Chat)
	turns.POST("/async", h.ChatAsync)
	chatGroup.GET("/jobs/:job_id", h.GetChatJob)
	chatGroup.GET("/conversations", h.ListConversations)
	chatGroup.GET("/conversations/:id/messages", h.ListMessages)
	chatGroup.DELETE("/conversations/:id", h.DeleteConversation)

	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	var list []string
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			list = append(list, o)
		}
	}
	if len(list) == 0 || (len(list) == 1 && list[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = list
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}
