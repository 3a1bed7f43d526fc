package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tablehq/sheetserve/internal/common"
)

func (h *Handler) Ping(c *gin.Context) {
	if h.Redis != nil {
		if err := h.Redis.Ping(c.Request.Context()); err != nil {
			common.Fail(c, http.StatusServiceUnavailable, 50300, "redis unavailable")
			return
		}
	}
	common.OK(c, gin.H{"message": "pong"})
}
