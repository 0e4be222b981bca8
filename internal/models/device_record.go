package models

import "time"

// DeviceRecord 已注册设备的镜像记录，每个存活设备一行
type DeviceRecord struct {
	BaseModel
	DeviceID       string    `gorm:"uniqueIndex;size:64;not null" json:"device_id"`
	Type           string    `gorm:"size:32;index;not null" json:"type"` // cva, sdl
	Status         string    `gorm:"size:16;default:'idle'" json:"status"` // idle, busy, error
	Config         JSONMap   `gorm:"type:text" json:"config"`
	Parameters     JSONMap   `gorm:"type:text" json:"parameters"`
	LastOperation  string    `gorm:"size:64" json:"last_operation"`
	LastEvent      string    `gorm:"size:32" json:"last_event"`
	LastError      string    `gorm:"size:500" json:"last_error"`
	LastEventAt    time.Time `json:"last_event_at"`
	OperationCount int64     `gorm:"default:0" json:"operation_count"`
	ErrorCount     int64     `gorm:"default:0" json:"error_count"`
}

// TableName 表名
func (DeviceRecord) TableName() string {
	return "device_records"
}

// 设备记录状态
const (
	DeviceRecordIdle  = "idle"
	DeviceRecordBusy  = "busy"
	DeviceRecordError = "error"
)

// AllModels 需要迁移的模型
func AllModels() []interface{} {
	return []interface{}{
		&DeviceRecord{},
	}
}
