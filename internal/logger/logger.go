package logger

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/wfunc/sdl-simulator/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
	mu     sync.RWMutex

	// 全局级别，支持热更新
	level = zap.NewAtomicLevel()

	// 模块日志器
	moduleLoggers = make(map[string]*zap.Logger)
)

// sinks 日志输出目标
type sinks struct {
	outputs []zapcore.WriteSyncer
	errors  zapcore.WriteSyncer // 仅 error 及以上
}

// Init 初始化日志系统
func Init(cfg *config.LogConfig) error {
	var err error
	once.Do(func() {
		level.SetLevel(parseLevel(cfg.Level))

		var out *sinks
		out, err = openSinks(cfg)
		if err != nil {
			return
		}
		encoder := newEncoder(cfg.Format)

		mu.Lock()
		defer mu.Unlock()

		logger = zap.New(
			out.core(encoder, level),
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
		)
		sugar = logger.Sugar()

		// 模块级别独立于全局级别，输出目标相同
		for module, levelStr := range cfg.Modules {
			moduleLoggers[module] = zap.New(
				out.core(encoder, parseLevel(levelStr)),
				zap.AddCaller(),
			).Named(module)
		}
	})

	return err
}

// newEncoder json 或带颜色的 console 编码
func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(encoderConfig)
	}
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// openSinks 按 output 配置打开 stdout 与滚动文件
func openSinks(cfg *config.LogConfig) (*sinks, error) {
	s := &sinks{}
	switch cfg.Output {
	case "", "stdout":
		s.outputs = append(s.outputs, zapcore.AddSync(os.Stdout))
		return s, nil
	case "file", "both":
	default:
		return nil, fmt.Errorf("不支持的日志输出: %s", cfg.Output)
	}

	if cfg.Output == "both" {
		s.outputs = append(s.outputs, zapcore.AddSync(os.Stdout))
	}
	if err := os.MkdirAll(cfg.File.Path, 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	s.outputs = append(s.outputs, zapcore.AddSync(rotating(cfg.File, cfg.File.Filename)))
	s.errors = zapcore.AddSync(rotating(cfg.File, "error.log"))
	return s, nil
}

// rotating lumberjack 滚动文件
func rotating(fc config.LogFileConfig, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(fc.Path, name),
		MaxSize:    fc.MaxSize, // MB
		MaxAge:     fc.MaxAge,  // days
		MaxBackups: fc.MaxBackups,
		Compress:   fc.Compress,
	}
}

func (s *sinks) core(encoder zapcore.Encoder, enab zapcore.LevelEnabler) zapcore.Core {
	cores := make([]zapcore.Core, 0, len(s.outputs)+1)
	for _, w := range s.outputs {
		cores = append(cores, zapcore.NewCore(encoder, w, enab))
	}
	if s.errors != nil {
		cores = append(cores, zapcore.NewCore(encoder, s.errors, zapcore.ErrorLevel))
	}
	return zapcore.NewTee(cores...)
}

// parseLevel 解析日志级别
func parseLevel(levelStr string) zapcore.Level {
	switch levelStr {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// GetLogger 获取日志器
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		// 未初始化时返回空日志器，避免测试输出噪音
		return zap.NewNop()
	}
	return logger
}

// GetSugar 获取Sugar日志器
func GetSugar() *zap.SugaredLogger {
	mu.RLock()
	s := sugar
	mu.RUnlock()
	if s == nil {
		return GetLogger().Sugar()
	}
	return s
}

// GetModuleLogger 获取模块日志器
func GetModuleLogger(module string) *zap.Logger {
	mu.RLock()
	moduleLogger, ok := moduleLoggers[module]
	mu.RUnlock()

	if ok {
		return moduleLogger
	}
	return GetLogger().Named(module)
}

// SetLevel 动态设置全局日志级别
func SetLevel(levelStr string) {
	level.SetLevel(parseLevel(levelStr))
}

// Level 当前全局日志级别
func Level() zapcore.Level {
	return level.Level()
}

// Sync 同步日志缓冲区
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()

	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Debug 输出调试日志
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Info 输出信息日志
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Warn 输出警告日志
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error 输出错误日志
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// LogPanic 记录panic日志
func LogPanic(log *zap.Logger, recovered interface{}, stack []byte) {
	if log == nil {
		log = GetLogger()
	}
	log.Error("panic recovered",
		zap.Any("panic", recovered),
		zap.ByteString("stack", stack),
	)
}

// LogDeviceOperation 记录设备操作
func LogDeviceOperation(log *zap.Logger, deviceID, operation string, duration time.Duration, err error) {
	if log == nil {
		log = GetModuleLogger("device")
	}
	fields := []zap.Field{
		zap.String("device_id", deviceID),
		zap.String("operation", operation),
		zap.Duration("duration", duration),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		log.Warn("device_operation_failed", fields...)
		return
	}
	log.Info("device_operation", fields...)
}

// LogDeviceEvent 记录设备事件
func LogDeviceEvent(eventType, deviceID string, data interface{}) {
	GetModuleLogger("event").Debug("device_event",
		zap.String("event_type", eventType),
		zap.String("device_id", deviceID),
		zap.Any("data", data),
	)
}

// LogWebSocketMessage 记录WebSocket消息
func LogWebSocketMessage(direction string, messageType string, payload interface{}) {
	GetModuleLogger("websocket").Debug("ws_message",
		zap.String("direction", direction), // "send" or "receive"
		zap.String("type", messageType),
		zap.Any("payload", payload),
	)
}

// LogMQTTMessage 记录MQTT消息
func LogMQTTMessage(topic string, action string, payload interface{}) {
	GetModuleLogger("mqtt").Debug("mqtt_message",
		zap.String("topic", topic),
		zap.String("action", action), // "publish" or "receive"
		zap.Any("payload", payload),
	)
}

// LogDatabaseOperation 记录数据库操作
func LogDatabaseOperation(operation string, table string, duration time.Duration, err error) {
	log := GetModuleLogger("database")
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("table", table),
		zap.Duration("duration", duration),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		log.Error("database_operation_failed", fields...)
	} else {
		log.Debug("database_operation", fields...)
	}
}

// Cleanup 刷新缓冲；stdout 不支持 fsync，忽略其错误
func Cleanup() {
	if err := Sync(); err != nil && !stderrors.Is(err, syscall.EINVAL) && !stderrors.Is(err, syscall.ENOTTY) {
		fmt.Fprintf(os.Stderr, "同步日志失败: %v\n", err)
	}
}
