package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/sdl-simulator/internal/device"
	"github.com/wfunc/sdl-simulator/internal/errors"
	"go.uber.org/zap"
)

// SendRequest 一次性创建并执行请求
type SendRequest struct {
	DeviceType string                 `json:"device_type" binding:"required"`
	Operation  string                 `json:"operation" binding:"required"`
	Config     json.RawMessage        `json:"config"`
	Parameters map[string]interface{} `json:"parameters"`
}

// SendResponse 一次性请求结果
type SendResponse struct {
	DeviceID string              `json:"device_id"`
	Status   string              `json:"status"` // success, error
	Data     interface{}         `json:"data"`
	Error    *errors.DeviceError `json:"error,omitempty"`
}

// SendHandler 新建设备并立即执行一个操作，设备保留在登记表中
type SendHandler struct {
	manager *device.Manager
	logger  *zap.Logger
}

// NewSendHandler 创建处理器
func NewSendHandler(manager *device.Manager, logger *zap.Logger) *SendHandler {
	return &SendHandler{manager: manager, logger: logger}
}

// Send 创建失败返回500，执行失败返回400
func (h *SendHandler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	id, err := h.manager.CreateDevice(req.DeviceType, "", req.Config)
	if err != nil {
		h.logger.Warn("一次性请求创建设备失败", zap.String("type", req.DeviceType), zap.Error(err))
		c.JSON(http.StatusInternalServerError, SendResponse{
			Status: "error",
			Error:  publicError(err, ""),
		})
		return
	}

	result, err := h.manager.ExecuteOperation(id, req.Operation, req.Parameters)
	if err != nil {
		c.JSON(http.StatusBadRequest, SendResponse{
			DeviceID: id,
			Status:   "error",
			Error:    publicError(err, id),
		})
		return
	}

	c.JSON(http.StatusOK, SendResponse{
		DeviceID: id,
		Status:   "success",
		Data:     result,
	})
}

// publicError 去除调用栈后的错误
func publicError(err error, deviceID string) *errors.DeviceError {
	derr := errors.Wrap(err, deviceID).Clone()
	derr.Stack = nil
	return derr
}
