package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OK and Fail keep every handler on the same response envelope:
// a service-level code, a human message and an optional payload.

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
