package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/taskflow/internal/common"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// Health reports the database as reachable or not.
func (h *Handler) Health(c *gin.Context) {
	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		h.Log.WithError(err).Warn("health: database unreachable")
		common.Fail(c, http.StatusServiceUnavailable, 50301, "database unavailable")
		return
	}
	common.OK(c, gin.H{"status": "healthy"})
}
