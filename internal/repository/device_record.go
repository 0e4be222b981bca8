package repository

import (
	"context"
	"time"

	"github.com/wfunc/sdl-simulator/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceRecordRepository 设备记录仓储接口
type DeviceRecordRepository interface {
	BaseRepository
	Upsert(ctx context.Context, record *models.DeviceRecord) error
	GetByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	List(ctx context.Context, filter DeviceRecordFilter, p *Pagination) ([]*models.DeviceRecord, error)
	RecordEvent(ctx context.Context, deviceID string, update EventUpdate) error
	Delete(ctx context.Context, deviceID string) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// DeviceRecordFilter 列表过滤条件，空字段不过滤
type DeviceRecordFilter struct {
	Type   string
	Status string
}

// EventUpdate 一次设备事件带来的记录变更，空字段保持不变
type EventUpdate struct {
	Event      string
	At         time.Time
	Status     string
	Operation  string
	Error      string
	Parameters map[string]interface{}

	CountOperation bool
	CountError     bool
}

type deviceRecordRepo struct {
	*BaseRepo
}

// NewDeviceRecordRepository 创建设备记录仓储
func NewDeviceRecordRepository(db *gorm.DB) DeviceRecordRepository {
	return &deviceRecordRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// Upsert 按 device_id 插入或覆盖类型、状态和配置
func (r *deviceRecordRepo) Upsert(ctx context.Context, record *models.DeviceRecord) error {
	if record.Status == "" {
		record.Status = models.DeviceRecordIdle
	}
	if record.LastEventAt.IsZero() {
		record.LastEventAt = time.Now()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"type", "status", "config", "parameters",
				"last_event", "last_event_at", "updated_at",
			}),
		}).
		Create(record).Error
}

// GetByDeviceID 根据设备ID查找
func (r *deviceRecordRepo) GetByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	var record models.DeviceRecord
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&record).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &record, nil
}

// List 按设备ID排序列出记录，p 不为空时分页并回填总数
func (r *deviceRecordRepo) List(ctx context.Context, filter DeviceRecordFilter, p *Pagination) ([]*models.DeviceRecord, error) {
	query := r.db.WithContext(ctx).Model(&models.DeviceRecord{})
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	if p != nil {
		if err := query.Count(&p.Total).Error; err != nil {
			return nil, err
		}
		query = query.Scopes(Paginate(p))
	}

	var records []*models.DeviceRecord
	if err := query.Order("device_id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// RecordEvent 应用事件变更，计数字段原子递增
func (r *deviceRecordRepo) RecordEvent(ctx context.Context, deviceID string, update EventUpdate) error {
	at := update.At
	if at.IsZero() {
		at = time.Now()
	}
	updates := map[string]interface{}{
		"last_event":    update.Event,
		"last_event_at": at,
	}
	if update.Status != "" {
		updates["status"] = update.Status
	}
	if update.Operation != "" {
		updates["last_operation"] = update.Operation
	}
	if update.Error != "" {
		updates["last_error"] = update.Error
	}
	if update.Parameters != nil {
		updates["parameters"] = models.JSONMap(update.Parameters)
	}
	if update.CountOperation {
		updates["operation_count"] = gorm.Expr("operation_count + ?", 1)
	}
	if update.CountError {
		updates["error_count"] = gorm.Expr("error_count + ?", 1)
	}

	// 先确认记录存在再更新；MySQL 的 RowsAffected 只统计值有变化的行
	return r.Transaction(ctx, func(tx *gorm.DB) error {
		var id uint
		err := tx.Model(&models.DeviceRecord{}).
			Select("id").
			Where("device_id = ?", deviceID).
			Take(&id).Error
		if err != nil {
			return translateError(err)
		}
		return tx.Model(&models.DeviceRecord{}).
			Where("id = ?", id).
			Updates(updates).Error
	})
}

// Delete 物理删除，允许同一ID再次注册
func (r *deviceRecordRepo) Delete(ctx context.Context, deviceID string) error {
	result := r.db.WithContext(ctx).
		Unscoped().
		Where("device_id = ?", deviceID).
		Delete(&models.DeviceRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus 按状态统计设备数
func (r *deviceRecordRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.DeviceRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
