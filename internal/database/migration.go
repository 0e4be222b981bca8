package database

import (
	"fmt"

	"github.com/wfunc/sdl-simulator/internal/logger"
	"github.com/wfunc/sdl-simulator/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AutoMigrate 迁移全局数据库
func AutoMigrate() error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}
	return Migrate(DB)
}

// Migrate 迁移设备记录表；文件型SQLite通过锁文件避免多进程同时迁移
func Migrate(db *gorm.DB) error {
	log := logger.GetModuleLogger("database")

	if path := sqliteFilePath(db); path != "" {
		cleanupStaleLock(path)
		lockFile, err := acquireMigrationLock(path)
		if err != nil {
			log.Error("无法获取迁移锁", zap.Error(err))
			return fmt.Errorf("获取迁移锁失败: %w", err)
		}
		defer releaseMigrationLock(lockFile)
	}

	for _, model := range models.AllModels() {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("迁移 %T 失败: %w", model, err)
		}
	}

	log.Info("数据库迁移完成", zap.Int("models", len(models.AllModels())))
	return nil
}

// DropAll 删除所有表，仅用于测试与重置
func DropAll(db *gorm.DB) error {
	for _, model := range models.AllModels() {
		if err := db.Migrator().DropTable(model); err != nil {
			return fmt.Errorf("删除表失败: %w", err)
		}
	}
	return nil
}
