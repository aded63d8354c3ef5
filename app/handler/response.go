package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ApiResponse is the envelope of every JSON reply.
type ApiResponse struct {
	Code    int    `json:"code"` // 0 on success
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func success(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

func fail(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, ApiResponse{
		Code:    statusCode,
		Message: message,
		Data:    nil,
	})
}
