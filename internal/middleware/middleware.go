package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wfunc/sdl-simulator/internal/errors"
	"github.com/wfunc/sdl-simulator/internal/logger"
	"go.uber.org/zap"
)

const (
	// RequestIDHeader 请求ID头
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "requestID"
)

// RequestID 为每个请求分配ID，沿用客户端传入的值
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID 从上下文获取请求ID
func GetRequestID(c *gin.Context) string {
	if id, exists := c.Get(requestIDKey); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// Logger 访问日志
func Logger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.GetModuleLogger("api")
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", GetRequestID(c)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			log.Error("HTTP请求", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("HTTP请求", fields...)
		default:
			log.Info("HTTP请求", fields...)
		}
	}
}

// Recovery 捕获处理器panic，返回 SystemError
func Recovery(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.GetModuleLogger("api")
	}
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.LogPanic(log, r, debug.Stack())
				derr := errors.SystemError("", fmt.Sprintf("请求处理异常: %v", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, errors.NewErrorResponse(derr, GetRequestID(c)))
			}
		}()
		c.Next()
	}
}
