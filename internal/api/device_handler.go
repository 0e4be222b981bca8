package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/sdl-simulator/internal/device"
	"go.uber.org/zap"
)

// DeviceHandler 设备处理器
type DeviceHandler struct {
	manager *device.Manager
	logger  *zap.Logger
}

// NewDeviceHandler 创建设备处理器
func NewDeviceHandler(manager *device.Manager, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		manager: manager,
		logger:  logger,
	}
}

// CreateDeviceRequest 创建设备请求
type CreateDeviceRequest struct {
	Type   string          `json:"type" binding:"required"`
	ID     string          `json:"id"`
	Config json.RawMessage `json:"config"`
}

// ExecuteRequest 执行操作请求
type ExecuteRequest struct {
	Operation  string                 `json:"operation" binding:"required"`
	Parameters map[string]interface{} `json:"parameters"`
}

// DeviceDetail 设备详情
type DeviceDetail struct {
	device.DeviceInfo
	State device.DeviceState `json:"state"`
}

// ListTypes 支持的设备类型
func (h *DeviceHandler) ListTypes(c *gin.Context) {
	respondOK(c, http.StatusOK, "", gin.H{"types": h.manager.SupportedTypes()})
}

// DefaultConfig 设备类型的默认配置
func (h *DeviceHandler) DefaultConfig(c *gin.Context) {
	cfg, err := h.manager.Factory().DefaultConfig(c.Param("type"))
	if err != nil {
		respondError(c, err, "")
		return
	}
	respondOK(c, http.StatusOK, "", cfg)
}

// CreateDevice 创建设备
func (h *DeviceHandler) CreateDevice(c *gin.Context) {
	var req CreateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	id, err := h.manager.CreateDevice(req.Type, req.ID, req.Config)
	if err != nil {
		respondError(c, err, req.ID)
		return
	}
	respondOK(c, http.StatusCreated, "设备已创建", gin.H{"device_id": id, "type": req.Type})
}

// ListDevices 设备列表
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices := h.manager.ListDevices()
	respondOK(c, http.StatusOK, "", gin.H{"devices": devices, "total": len(devices)})
}

// GetDevice 设备详情，不发布事件
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	id := c.Param("id")
	executor, err := h.manager.GetDevice(id)
	if err != nil {
		respondError(c, err, id)
		return
	}
	state, err := executor.GetStatus()
	if err != nil {
		respondError(c, err, id)
		return
	}
	respondOK(c, http.StatusOK, "", DeviceDetail{
		DeviceInfo: device.DeviceInfo{ID: id, Type: executor.Type(), Status: state.Status},
		State:      state,
	})
}

// DeleteDevice 删除设备
func (h *DeviceHandler) DeleteDevice(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.RemoveDevice(id); err != nil {
		respondError(c, err, id)
		return
	}
	respondOK(c, http.StatusOK, "设备已删除", nil)
}

// Execute 执行设备操作
func (h *DeviceHandler) Execute(c *gin.Context) {
	id := c.Param("id")
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.manager.ExecuteOperation(id, req.Operation, req.Parameters)
	if err != nil {
		h.logger.Debug("设备操作失败",
			zap.String("device_id", id),
			zap.String("operation", req.Operation),
			zap.Error(err))
		respondError(c, err, id)
		return
	}
	respondOK(c, http.StatusOK, "", gin.H{"device_id": id, "operation": req.Operation, "result": result})
}

// Reset 重置设备
func (h *DeviceHandler) Reset(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.ResetDevice(id); err != nil {
		respondError(c, err, id)
		return
	}
	respondOK(c, http.StatusOK, "设备已重置", nil)
}

// Status 查询设备状态，发布 status_changed 事件
func (h *DeviceHandler) Status(c *gin.Context) {
	id := c.Param("id")
	state, err := h.manager.GetDeviceStatus(id)
	if err != nil {
		respondError(c, err, id)
		return
	}
	respondOK(c, http.StatusOK, "", state)
}
