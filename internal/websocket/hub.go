package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/wfunc/sdl-simulator/internal/config"
	"github.com/wfunc/sdl-simulator/internal/event"
	"github.com/wfunc/sdl-simulator/internal/logger"
	"go.uber.org/zap"
)

// Hub WebSocket连接管理中心，将设备事件推送给已连接的客户端
type Hub struct {
	// 客户端连接池
	clients   map[string]*Client
	clientsMu sync.RWMutex

	// 消息广播通道
	broadcast chan *Message

	// 注册/注销通道
	register   chan *Client
	unregister chan *Client

	done     chan struct{}
	stopOnce sync.Once

	cfg    Config
	logger *zap.Logger
}

// Message WebSocket消息
type Message struct {
	Type      string          `json:"type"` // 消息类型
	DeviceID  string          `json:"device_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"` // 消息数据
	Timestamp int64           `json:"timestamp"`      // 时间戳
}

// MessageType 消息类型
const (
	// 系统消息
	MessageTypeConnected = "connected"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeError     = "error"

	// 订阅控制
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypeSubscribed  = "subscribed"

	// 设备事件
	MessageTypeDeviceEvent = "device_event"
	MessageTypeLagged      = "events_lagged"
)

// Config Hub运行参数
type Config struct {
	SendBufferSize int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		SendBufferSize: 256,
		PingInterval:   54 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// ConfigFrom 从应用配置构造，未设置的字段使用默认值
func ConfigFrom(c *config.WebSocketConfig) Config {
	cfg := DefaultConfig()
	if c == nil {
		return cfg
	}
	if c.SendBufferSize > 0 {
		cfg.SendBufferSize = c.SendBufferSize
	}
	if c.PingInterval > 0 {
		cfg.PingInterval = c.PingInterval
	}
	if c.PongTimeout > 0 {
		cfg.PongTimeout = c.PongTimeout
	}
	if c.WriteTimeout > 0 {
		cfg.WriteTimeout = c.WriteTimeout
	}
	// ping周期必须小于pong超时
	if cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	return cfg
}

// NewHub 创建Hub
func NewHub(cfg Config, log *zap.Logger) *Hub {
	if log == nil {
		log = logger.GetModuleLogger("websocket")
	}
	if cfg.SendBufferSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		cfg:        cfg,
		logger:     log,
	}
}

// Run 运行Hub，ctx 结束时断开所有客户端
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// stop 关闭所有客户端发送通道
func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.clientsMu.Lock()
		for id, client := range h.clients {
			close(client.Send)
			delete(h.clients, id)
		}
		h.clientsMu.Unlock()
		h.logger.Info("WebSocket Hub已停止")
	})
}

// ForwardEvents 将事件订阅中的事件推送给客户端，订阅关闭或 ctx 结束时返回
func (h *Hub) ForwardEvents(ctx context.Context, sub *event.Subscription) {
	defer sub.Close()

	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lagged *event.LaggedError
			if stderrors.As(err, &lagged) {
				h.logger.Warn("事件推送落后，部分事件已丢弃", zap.Uint64("missed", lagged.Missed))
				data, _ := json.Marshal(map[string]uint64{"missed": lagged.Missed})
				// 直接发送，保证通知先于后续事件到达
				h.broadcastMessage(&Message{Type: MessageTypeLagged, Data: data, Timestamp: time.Now().Unix()})
				continue
			}
			return
		}
		h.PublishEvent(ev)
	}
}

// PublishEvent 推送设备事件给订阅了该设备的客户端
func (h *Hub) PublishEvent(ev event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("序列化设备事件失败", zap.String("device_id", ev.DeviceID), zap.Error(err))
		return
	}
	data, err := json.Marshal(&Message{
		Type:      MessageTypeDeviceEvent,
		DeviceID:  ev.DeviceID,
		Data:      payload,
		Timestamp: ev.Timestamp.Unix(),
	})
	if err != nil {
		h.logger.Error("序列化消息失败", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for _, client := range h.clients {
		if !client.Wants(ev.DeviceID) {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("客户端发送缓冲区满，丢弃事件",
				zap.String("client_id", client.ID),
				zap.String("device_id", ev.DeviceID))
		}
	}
	logger.LogWebSocketMessage("send", MessageTypeDeviceEvent, ev.Type)
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端连接", zap.String("client_id", client.ID))

	// 发送连接成功消息
	msg := &Message{
		Type:      MessageTypeConnected,
		Timestamp: time.Now().Unix(),
		Data:      json.RawMessage(`{"client_id":"` + client.ID + `"}`),
	}
	h.SendToClient(client.ID, msg)
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端断开", zap.String("client_id", client.ID))
}

// broadcastMessage 广播消息
func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("序列化消息失败", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("客户端发送缓冲区满", zap.String("client_id", client.ID))
		}
	}
	h.clientsMu.RUnlock()
}

// SendToClient 发送消息给指定客户端
func (h *Hub) SendToClient(clientID string, message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	client, ok := h.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// GetOnlineCount 获取在线客户端数
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Broadcast 广播消息（公开方法）
func (h *Hub) Broadcast(message *Message) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

// Register 注册客户端（公开方法）
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister 注销客户端（公开方法）
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
