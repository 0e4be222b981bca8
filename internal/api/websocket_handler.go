package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wfunc/sdl-simulator/internal/config"
	ws "github.com/wfunc/sdl-simulator/internal/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler WebSocket处理器
type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(hub *ws.Hub, cfg config.WebSocketConfig, logger *zap.Logger) *WebSocketHandler {
	readBuf, writeBuf := cfg.ReadBufferSize, cfg.WriteBufferSize
	if readBuf <= 0 {
		readBuf = 1024
	}
	if writeBuf <= 0 {
		writeBuf = 1024
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// Events 设备事件推送连接；device_id 查询参数可预设订阅，逗号分隔或重复
func (h *WebSocketHandler) Events(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket升级失败", zap.String("ip", c.ClientIP()), zap.Error(err))
		return
	}

	client := ws.NewClient(h.hub, conn)
	client.Subscribe(deviceFilter(c)...)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	h.logger.Info("WebSocket连接建立",
		zap.String("client_id", client.ID),
		zap.Strings("devices", client.Subscriptions()))
}

// OnlineCount 在线连接数
func (h *WebSocketHandler) OnlineCount(c *gin.Context) {
	respondOK(c, http.StatusOK, "", gin.H{"online_count": h.hub.GetOnlineCount()})
}

func deviceFilter(c *gin.Context) []string {
	var ids []string
	for _, v := range c.QueryArray("device_id") {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
