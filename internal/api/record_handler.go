package api

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/sdl-simulator/internal/errors"
	"github.com/wfunc/sdl-simulator/internal/repository"
	"go.uber.org/zap"
)

// RecordHandler 设备记录查询（数据库镜像）
type RecordHandler struct {
	repo   repository.DeviceRecordRepository
	logger *zap.Logger
}

// NewRecordHandler 创建处理器
func NewRecordHandler(repo repository.DeviceRecordRepository, logger *zap.Logger) *RecordHandler {
	return &RecordHandler{repo: repo, logger: logger}
}

// List 分页列出记录，支持 type、status 过滤
func (h *RecordHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	p := repository.NewPagination(page, pageSize)

	records, err := h.repo.List(c.Request.Context(), repository.DeviceRecordFilter{
		Type:   c.Query("type"),
		Status: c.Query("status"),
	}, p)
	if err != nil {
		h.logger.Error("查询设备记录失败", zap.Error(err))
		respondError(c, err, "")
		return
	}
	respondOK(c, http.StatusOK, "", gin.H{"records": records, "pagination": p})
}

// Get 单个设备记录
func (h *RecordHandler) Get(c *gin.Context) {
	id := c.Param("id")
	record, err := h.repo.GetByDeviceID(c.Request.Context(), id)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			err = errors.NotFound(id)
		}
		respondError(c, err, id)
		return
	}
	respondOK(c, http.StatusOK, "", record)
}

// Summary 按状态统计
func (h *RecordHandler) Summary(c *gin.Context) {
	counts, err := h.repo.CountByStatus(c.Request.Context())
	if err != nil {
		respondError(c, err, "")
		return
	}
	respondOK(c, http.StatusOK, "", gin.H{"status_counts": counts})
}
