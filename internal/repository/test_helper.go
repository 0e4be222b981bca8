package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/sdl-simulator/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB 创建已迁移的内存数据库；单连接保证所有查询落在同一个库
func SetupTestDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

// CreateTestDeviceRecord 构造测试设备记录
func CreateTestDeviceRecord(deviceID, deviceType string) *models.DeviceRecord {
	return &models.DeviceRecord{
		DeviceID: deviceID,
		Type:     deviceType,
		Status:   models.DeviceRecordIdle,
		Config: models.JSONMap{
			"simulation": map[string]interface{}{"latency_ms": float64(0)},
		},
	}
}

// AssertDeviceRecord 验证设备记录关键字段
func AssertDeviceRecord(t *testing.T, expected, actual *models.DeviceRecord) {
	t.Helper()
	assert.Equal(t, expected.DeviceID, actual.DeviceID)
	assert.Equal(t, expected.Type, actual.Type)
	assert.Equal(t, expected.Status, actual.Status)
}
