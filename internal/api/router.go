package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/sdl-simulator/internal/config"
	"github.com/wfunc/sdl-simulator/internal/device"
	"github.com/wfunc/sdl-simulator/internal/errors"
	"github.com/wfunc/sdl-simulator/internal/logger"
	"github.com/wfunc/sdl-simulator/internal/middleware"
	"github.com/wfunc/sdl-simulator/internal/repository"
	ws "github.com/wfunc/sdl-simulator/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options 可选组件，未启用的组件为空
type Options struct {
	Hub       *ws.Hub
	WebSocket config.WebSocketConfig
	DB        *gorm.DB
	Records   repository.DeviceRecordRepository
}

// Router API路由器
type Router struct {
	engine  *gin.Engine
	manager *device.Manager
	opts    Options

	deviceHandler *DeviceHandler
	sendHandler   *SendHandler
	wsHandler     *WebSocketHandler
	recordHandler *RecordHandler
	log           *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(manager *device.Manager, opts Options, log *zap.Logger) *Router {
	if log == nil {
		log = logger.GetModuleLogger("api")
	}

	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Recovery(log))
	engine.Use(middleware.Logger(log))

	r := &Router{
		engine:        engine,
		manager:       manager,
		opts:          opts,
		deviceHandler: NewDeviceHandler(manager, log),
		sendHandler:   NewSendHandler(manager, log),
		log:           log,
	}
	if opts.Hub != nil {
		r.wsHandler = NewWebSocketHandler(opts.Hub, opts.WebSocket, log)
	}
	if opts.Records != nil {
		r.recordHandler = NewRecordHandler(opts.Records, log)
	}

	r.setupRoutes()
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)
	registerOpenAPIRoutes(r.engine)
	registerSwaggerRoutes(r.engine)

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/types", r.deviceHandler.ListTypes)
		v1.GET("/types/:type", r.deviceHandler.DefaultConfig)

		devices := v1.Group("/devices")
		{
			devices.POST("", r.deviceHandler.CreateDevice)
			devices.GET("", r.deviceHandler.ListDevices)
			devices.GET("/:id", r.deviceHandler.GetDevice)
			devices.DELETE("/:id", r.deviceHandler.DeleteDevice)
			devices.POST("/:id/execute", r.deviceHandler.Execute)
			devices.POST("/:id/reset", r.deviceHandler.Reset)
			devices.GET("/:id/status", r.deviceHandler.Status)
		}

		if r.recordHandler != nil {
			records := v1.Group("/records")
			{
				records.GET("", r.recordHandler.List)
				records.GET("/summary", r.recordHandler.Summary)
				records.GET("/:id", r.recordHandler.Get)
			}
		}

		if r.wsHandler != nil {
			v1.GET("/ws/online", r.wsHandler.OnlineCount)
		}
	}

	// 一次性创建并执行
	r.engine.POST("/api/device/send", r.sendHandler.Send)

	if r.wsHandler != nil {
		path := r.opts.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		r.engine.GET(path, r.wsHandler.Events)
		if path != "/api/ws" {
			r.engine.GET("/api/ws", r.wsHandler.Events)
		}
	}

	r.engine.NoRoute(func(c *gin.Context) {
		derr := errors.NotFound("")
		derr.Details = "接口不存在: " + c.Request.URL.Path
		c.JSON(http.StatusNotFound, errors.NewErrorResponse(derr, middleware.GetRequestID(c)))
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"devices": r.manager.Count(),
		"types":   r.manager.SupportedTypes(),
	}
	if r.opts.Hub != nil {
		body["websocket_clients"] = r.opts.Hub.GetOnlineCount()
	}

	if r.opts.DB == nil {
		body["database"] = "disabled"
		c.JSON(http.StatusOK, body)
		return
	}

	sqlDB, err := r.opts.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		body["status"] = "unhealthy"
		body["database"] = "unreachable"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["database"] = "connected"
	c.JSON(http.StatusOK, body)
}

// Handler 返回HTTP处理器
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
