package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/sdl-simulator/internal/api"
	"github.com/wfunc/sdl-simulator/internal/config"
	"github.com/wfunc/sdl-simulator/internal/database"
	"github.com/wfunc/sdl-simulator/internal/device"
	"github.com/wfunc/sdl-simulator/internal/event"
	"github.com/wfunc/sdl-simulator/internal/logger"
	"github.com/wfunc/sdl-simulator/internal/mqtt"
	"github.com/wfunc/sdl-simulator/internal/repository"
	"github.com/wfunc/sdl-simulator/internal/service"
	ws "github.com/wfunc/sdl-simulator/internal/websocket"
	"go.uber.org/zap"
)

// Server 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	bus      *event.Bus
	manager  *device.Manager
	hub      *ws.Hub
	mqtt     *mqtt.Client
	records  repository.DeviceRecordRepository
	recorder *service.Recorder
	http     *http.Server

	shutdownOnce sync.Once
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动SDL设备模拟服务器...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	s.initDevices()

	// 订阅者须在预置设备之前就位，才能收到 device_created
	if s.cfg.Database.Enabled {
		if err := s.initDatabase(); err != nil {
			return fmt.Errorf("初始化数据库失败: %w", err)
		}
	}
	if s.cfg.MQTT.Enabled {
		if err := s.initMQTT(); err != nil {
			return fmt.Errorf("初始化MQTT失败: %w", err)
		}
	}
	if s.cfg.WebSocket.Enabled {
		s.initWebSocket()
	}

	if err := s.preloadDevices(); err != nil {
		return fmt.Errorf("预置设备失败: %w", err)
	}
	if s.recorder != nil {
		if added, err := s.recorder.Sync(s.ctx, s.manager); err != nil {
			s.logger.Warn("设备记录同步失败", zap.Error(err))
		} else if added > 0 {
			s.logger.Info("设备记录已补齐", zap.Int("added", added))
		}
	}

	s.startHTTP()

	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", s.http.Addr),
		zap.Int("devices", s.manager.Count()),
		zap.Bool("websocket", s.hub != nil),
		zap.Bool("mqtt", s.mqtt != nil),
		zap.Bool("database", s.recorder != nil),
	)
	return nil
}

// initDevices 创建事件总线与设备管理器
func (s *Server) initDevices() {
	dc := s.cfg.Device
	s.bus = event.NewBus(s.cfg.EventBus.Capacity, logger.GetModuleLogger("event"))

	factory := device.NewFactory()
	factory.SetSimulationDefaults(device.SimulationConfig{
		LatencyMs:   dc.LatencyMs,
		FailRate:    dc.FailRate,
		EnableNoise: dc.EnableNoise,
		NoiseRange:  dc.NoiseRange,
	})

	var deviceOpts []device.Option
	if dc.Seed != 0 {
		deviceOpts = append(deviceOpts, device.WithRandomSource(device.NewRandomSource(dc.Seed)))
	}

	s.manager = device.NewManager(s.bus,
		device.WithFactory(factory),
		device.WithDeviceOptions(deviceOpts...),
		device.WithManagerLogger(logger.GetModuleLogger("device")),
	)
	s.logger.Info("设备管理器已创建",
		zap.Strings("types", s.manager.SupportedTypes()),
		zap.Int("bus_capacity", s.bus.Capacity()),
		zap.Int64("seed", dc.Seed))
}

// initDatabase 连接数据库并启动设备记录
func (s *Server) initDatabase() error {
	if err := database.Init(&s.cfg.Database); err != nil {
		return err
	}
	if s.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(); err != nil {
			return err
		}
	}

	s.records = repository.NewDeviceRecordRepository(database.GetDB())
	s.recorder = service.NewRecorder(s.records, logger.GetModuleLogger("database"))

	sub := s.manager.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recorder.Run(s.ctx, sub)
	}()
	return nil
}

// initMQTT 连接代理并启动事件转发
func (s *Server) initMQTT() error {
	client, err := mqtt.Connect(s.cfg.MQTT, logger.GetModuleLogger("mqtt"))
	if err != nil {
		return err
	}
	s.mqtt = client

	forwarder := mqtt.NewForwarder(client, s.cfg.MQTT, logger.GetModuleLogger("mqtt"))
	sub := s.manager.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		forwarder.Run(s.ctx, sub)
	}()
	return nil
}

// initWebSocket 启动Hub与事件推送
func (s *Server) initWebSocket() {
	s.hub = ws.NewHub(ws.ConfigFrom(&s.cfg.WebSocket), logger.GetModuleLogger("websocket"))
	sub := s.manager.Subscribe()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.hub.ForwardEvents(s.ctx, sub)
	}()
}

// preloadDevices 创建配置中预置的设备
func (s *Server) preloadDevices() error {
	for _, pd := range s.cfg.Device.Preload {
		var raw json.RawMessage
		if len(pd.Config) > 0 {
			b, err := json.Marshal(pd.Config)
			if err != nil {
				return fmt.Errorf("设备 %s 配置序列化失败: %w", pd.ID, err)
			}
			raw = b
		}
		id, err := s.manager.CreateDevice(pd.Type, pd.ID, raw)
		if err != nil {
			return err
		}
		s.logger.Info("预置设备已创建", zap.String("device_id", id), zap.String("type", pd.Type))
	}
	return nil
}

// startHTTP 启动HTTP服务
func (s *Server) startHTTP() {
	switch s.cfg.Server.Mode {
	case "production", "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	router := api.NewRouter(s.manager, api.Options{
		Hub:       s.hub,
		WebSocket: s.cfg.WebSocket,
		DB:        database.GetDB(),
		Records:   s.records,
	}, logger.GetModuleLogger("api"))

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP服务异常退出", zap.Error(err))
			s.cancel()
		}
	}()
}

// WaitForShutdown 等待退出信号或服务异常
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	case <-s.ctx.Done():
		s.logger.Warn("服务异常，准备退出")
	}
}

// Shutdown 优雅关闭，可重复调用
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.shutdown()
	})
	return err
}

func (s *Server) shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.http != nil {
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP服务关闭失败", zap.Error(err))
		}
	}

	// 取消主上下文并关闭总线，所有订阅者随之退出
	s.cancel()
	if s.bus != nil {
		s.bus.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("所有服务已正常关闭")
	case <-shutdownCtx.Done():
		s.logger.Warn("关闭超时，强制退出")
		return fmt.Errorf("关闭超时: %v", s.cfg.Server.ShutdownTimeout)
	}

	s.closeComponents()
	return nil
}

// closeComponents 关闭外部连接
func (s *Server) closeComponents() {
	if s.mqtt != nil {
		if err := s.mqtt.Close(); err != nil {
			s.logger.Error("关闭MQTT失败", zap.Error(err))
		}
	}
	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}
}

// reloadConfig 热更新：日志级别与模块级别
func (s *Server) reloadConfig(newCfg *config.Config) {
	if newCfg.Log.Level != s.cfg.Log.Level {
		logger.SetLevel(newCfg.Log.Level)
		s.logger.Info("日志级别已更新", zap.String("level", newCfg.Log.Level))
	}
	s.cfg.Log = newCfg.Log
	s.logger.Info("配置重新加载完成")
}
