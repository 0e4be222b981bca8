package event

import (
	"time"
)

// EventType 设备事件类型
type EventType string

const (
	EventStatusChanged      EventType = "status_changed"
	EventOperationStarted   EventType = "operation_started"
	EventOperationCompleted EventType = "operation_completed"
	EventErrorOccurred      EventType = "error_occurred"
	EventDeviceCreated      EventType = "device_created"
	EventDeviceRemoved      EventType = "device_removed"
)

// Event 设备事件，发布后不再修改
type Event struct {
	DeviceID  string      `json:"device_id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      EventType   `json:"event_type"`
	Data      interface{} `json:"data"`
}

// New 创建带当前时间戳的事件
func New(deviceID string, eventType EventType, data interface{}) Event {
	return Event{
		DeviceID:  deviceID,
		Timestamp: time.Now(),
		Type:      eventType,
		Data:      data,
	}
}

// IsTerminal 是否为操作的终止事件
func (t EventType) IsTerminal() bool {
	return t == EventOperationCompleted || t == EventErrorOccurred
}
