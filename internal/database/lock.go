package database

import (
	"fmt"
	"os"
	"time"

	"github.com/wfunc/sdl-simulator/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	lockRetries    = 30
	lockRetryDelay = time.Second
	lockStaleAfter = 5 * time.Minute
)

func lockPathFor(dbPath string) string {
	return dbPath + ".migration.lock"
}

// acquireMigrationLock 以独占方式创建锁文件
func acquireMigrationLock(dbPath string) (*os.File, error) {
	lockPath := lockPathFor(dbPath)

	for i := 0; i < lockRetries; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			logger.GetModuleLogger("database").Debug("获取迁移锁成功", zap.String("lock", lockPath))
			return lockFile, nil
		}
		if cleanupStaleLock(dbPath) {
			continue
		}
		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf("无法获取迁移锁 %s，可能有其他进程正在执行迁移", lockPath)
}

// releaseMigrationLock 释放迁移锁
func releaseMigrationLock(lockFile *os.File) {
	if lockFile == nil {
		return
	}
	lockPath := lockFile.Name()
	lockFile.Close()
	os.Remove(lockPath)
}

// cleanupStaleLock 删除过期锁文件，返回是否删除
func cleanupStaleLock(dbPath string) bool {
	lockPath := lockPathFor(dbPath)
	info, err := os.Stat(lockPath)
	if err != nil || time.Since(info.ModTime()) <= lockStaleAfter {
		return false
	}
	logger.GetModuleLogger("database").Warn("迁移锁文件过期，删除", zap.String("lock", lockPath))
	return os.Remove(lockPath) == nil
}

// sqliteFilePath 文件型SQLite的数据库路径，内存库或其他驱动返回空
func sqliteFilePath(db *gorm.DB) string {
	if db == nil {
		return ""
	}
	switch db.Dialector.Name() {
	case "sqlite", "sqlite3":
	default:
		return ""
	}

	sqlDB, err := db.DB()
	if err != nil {
		return ""
	}
	var (
		seq        int
		name, file string
	)
	if err := sqlDB.QueryRow("PRAGMA database_list").Scan(&seq, &name, &file); err != nil {
		return ""
	}
	return file
}
