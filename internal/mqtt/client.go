package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/wfunc/sdl-simulator/internal/config"
	"github.com/wfunc/sdl-simulator/internal/logger"
	"go.uber.org/zap"
)

// 错误定义
var (
	ErrNotConnected     = errors.New("mqtt: 客户端未连接")
	ErrConnectionFailed = errors.New("mqtt: 连接失败")
	ErrPublishFailed    = errors.New("mqtt: 发布失败")
	ErrInvalidQoS       = errors.New("mqtt: QoS 必须为 0、1 或 2")
	ErrInvalidTopic     = errors.New("mqtt: 主题不能为空")
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultKeepAlive         = 60 * time.Second
	defaultDisconnectQuiesce = 1000 // 毫秒
	maxQoS                   = 2
	maxPayloadSize           = 1 << 20
)

// Client paho客户端封装：连接管理、遗嘱消息、带超时的发布
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	connected bool
	connMu    sync.RWMutex

	logger *zap.Logger
}

// Connect 连接MQTT代理
func Connect(cfg config.MQTTConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = logger.GetModuleLogger("mqtt")
	}
	c := &Client{cfg: cfg, logger: log}

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.setConnected(true)
		c.publishBridgeStatus("online")
		c.logger.Info("MQTT已连接", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.setConnected(false)
		c.logger.Warn("MQTT连接断开", zap.Error(err))
	})

	c.client = pahomqtt.NewClient(opts)
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("%w: %v 内未完成", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// 回调异步执行，这里直接标记已连接
	c.setConnected(true)
	return c, nil
}

// buildClientOptions 根据配置构造paho选项
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	// 异常断开时由代理发布离线状态
	opts.SetWill(BridgeStatusTopic(cfg.TopicPrefix), statusPayload(cfg.ClientID, "offline"), 1, true)
	return opts
}

// Publish 发布消息
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: 负载 %d 字节超过上限 %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: 超时 %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// IsConnected 当前连接状态
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil && c.connected && c.client.IsConnected()
}

// Close 发布离线状态并断开连接
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		c.publishBridgeStatus("offline")
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

func (c *Client) publishBridgeStatus(status string) {
	token := c.client.Publish(BridgeStatusTopic(c.cfg.TopicPrefix), c.cfg.QoS, true, statusPayload(c.cfg.ClientID, status))
	token.WaitTimeout(defaultPublishTimeout)
}

func statusPayload(clientID, status string) string {
	return fmt.Sprintf(`{"status":"%s","client_id":"%s","timestamp":"%s"}`,
		status, clientID, time.Now().UTC().Format(time.RFC3339))
}
