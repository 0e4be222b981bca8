package mqtt

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/wfunc/sdl-simulator/internal/config"
	"github.com/wfunc/sdl-simulator/internal/event"
	"github.com/wfunc/sdl-simulator/internal/logger"
	"go.uber.org/zap"
)

// DefaultTopicPrefix 默认主题前缀
const DefaultTopicPrefix = "sdl/devices"

// Publisher 消息发布接口，*Client 实现该接口
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// EventTopic 设备事件主题：<prefix>/<device_id>/<event_type>
func EventTopic(prefix, deviceID string, eventType event.EventType) string {
	return fmt.Sprintf("%s/%s/%s", normalizePrefix(prefix), deviceID, eventType)
}

// BridgeStatusTopic 转发器在线状态主题
func BridgeStatusTopic(prefix string) string {
	return normalizePrefix(prefix) + "/_bridge/status"
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return DefaultTopicPrefix
	}
	return prefix
}

// Forwarder 将事件总线上的设备事件转发到MQTT
type Forwarder struct {
	pub      Publisher
	prefix   string
	qos      byte
	retained bool
	logger   *zap.Logger
}

// NewForwarder 创建转发器
func NewForwarder(pub Publisher, cfg config.MQTTConfig, log *zap.Logger) *Forwarder {
	if log == nil {
		log = logger.GetModuleLogger("mqtt")
	}
	return &Forwarder{
		pub:      pub,
		prefix:   normalizePrefix(cfg.TopicPrefix),
		qos:      cfg.QoS,
		retained: cfg.Retained,
		logger:   log,
	}
}

// Forward 发布单个事件；仅状态变化事件按配置保留
func (f *Forwarder) Forward(ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	topic := EventTopic(f.prefix, ev.DeviceID, ev.Type)
	retained := f.retained && ev.Type == event.EventStatusChanged
	if err := f.pub.Publish(topic, payload, f.qos, retained); err != nil {
		return err
	}
	logger.LogMQTTMessage(topic, "publish", ev.Type)
	return nil
}

// Run 持续转发订阅中的事件，订阅关闭或 ctx 结束时返回
func (f *Forwarder) Run(ctx context.Context, sub *event.Subscription) {
	defer sub.Close()

	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lagged *event.LaggedError
			if stderrors.As(err, &lagged) {
				f.logger.Warn("MQTT转发落后，部分事件未发布", zap.Uint64("missed", lagged.Missed))
				continue
			}
			f.logger.Info("MQTT事件转发结束", zap.Error(err))
			return
		}

		if err := f.Forward(ev); err != nil {
			f.logger.Warn("MQTT发布事件失败",
				zap.String("device_id", ev.DeviceID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err))
		}
	}
}
