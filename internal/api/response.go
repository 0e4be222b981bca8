package api

import (
	"github.com/gin-gonic/gin"
	"github.com/wfunc/sdl-simulator/internal/errors"
	"github.com/wfunc/sdl-simulator/internal/middleware"
)

// SuccessResponse 成功响应
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func respondOK(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, SuccessResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// respondError 按错误种类映射HTTP状态码
func respondError(c *gin.Context, err error, deviceID string) {
	derr := errors.Wrap(err, deviceID)
	_ = c.Error(err)
	c.JSON(derr.HTTPStatus(), errors.NewErrorResponse(derr, middleware.GetRequestID(c)))
}

// bindError 请求体解析失败
func bindError(c *gin.Context, err error) {
	respondError(c, errors.InvalidParameter("", "body", err.Error(), ""), "")
}
