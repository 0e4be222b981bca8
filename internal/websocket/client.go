package websocket

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/sdl-simulator/internal/logger"
	"go.uber.org/zap"
)

// 错误定义
var (
	ErrClientNotFound = errors.New("客户端未找到")
	ErrSendBufferFull = errors.New("发送缓冲区已满")
	ErrInvalidMessage = errors.New("无效的消息格式")
)

// Client WebSocket客户端
type Client struct {
	ID   string          // 客户端ID
	Hub  *Hub            // Hub引用
	Conn *websocket.Conn // WebSocket连接
	Send chan []byte     // 发送通道

	// 订阅的设备，为空表示接收全部设备事件
	mu      sync.RWMutex
	devices map[string]struct{}
}

// subscribeRequest 订阅请求
type subscribeRequest struct {
	DeviceIDs []string `json:"device_ids"`
}

// NewClient 创建新客户端
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:      uuid.New().String(),
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, hub.cfg.SendBufferSize),
		devices: make(map[string]struct{}),
	}
}

// Wants 是否接收该设备的事件
func (c *Client) Wants(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.devices) == 0 {
		return true
	}
	_, ok := c.devices[deviceID]
	return ok
}

// Subscriptions 当前订阅的设备
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReadPump 读取消息
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	cfg := c.Hub.cfg
	c.Conn.SetReadLimit(cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket读取错误",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			break
		}

		// 处理接收到的消息
		if err := c.handleMessage(message); err != nil {
			break
		}
	}
}

// WritePump 写入消息
func (c *Client) WritePump() {
	cfg := c.Hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				// Hub关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// 每条消息一个帧，客户端按JSON逐条解析
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息，返回错误时断开连接
func (c *Client) handleMessage(data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.Hub.logger.Warn("解析WebSocket消息失败",
			zap.String("client_id", c.ID),
			zap.Error(err))
		c.sendError("消息格式错误")
		return ErrInvalidMessage
	}
	logger.LogWebSocketMessage("receive", msg.Type, msg.Data)

	switch msg.Type {
	case MessageTypePing:
		c.reply(MessageTypePong, nil)

	case MessageTypePong:
		c.Hub.logger.Debug("收到pong", zap.String("client_id", c.ID))

	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		var req subscribeRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				c.sendError("订阅参数错误")
				return nil
			}
		}
		c.updateSubscriptions(msg.Type == MessageTypeSubscribe, req.DeviceIDs)
		c.reply(MessageTypeSubscribed, map[string]interface{}{"device_ids": c.Subscriptions()})

	default:
		// 不支持的消息类型
		c.Hub.logger.Warn("收到不支持的消息类型",
			zap.String("client_id", c.ID),
			zap.String("type", msg.Type))
		c.sendError("不支持的消息类型: " + msg.Type)
	}
	return nil
}

// Subscribe 预设订阅的设备，空列表不改变订阅
func (c *Client) Subscribe(deviceIDs ...string) {
	if len(deviceIDs) == 0 {
		return
	}
	c.updateSubscriptions(true, deviceIDs)
}

// updateSubscriptions 增加或移除设备订阅；取消订阅时设备列表为空表示清空
func (c *Client) updateSubscriptions(subscribe bool, deviceIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !subscribe && len(deviceIDs) == 0 {
		c.devices = make(map[string]struct{})
		return
	}
	for _, id := range deviceIDs {
		if subscribe {
			c.devices[id] = struct{}{}
		} else {
			delete(c.devices, id)
		}
	}
}

// reply 回复消息给当前客户端
func (c *Client) reply(msgType string, data interface{}) {
	msg := &Message{Type: msgType, Timestamp: time.Now().Unix()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return
		}
		msg.Data = raw
	}
	if err := c.Hub.SendToClient(c.ID, msg); err != nil {
		c.Hub.logger.Debug("回复消息失败", zap.String("client_id", c.ID), zap.Error(err))
	}
}

// sendError 发送错误消息
func (c *Client) sendError(message string) {
	c.reply(MessageTypeError, map[string]string{"error": message})
}
