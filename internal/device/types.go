package device

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// DeviceStatus 设备状态
type DeviceStatus int

const (
	StatusIdle  DeviceStatus = iota // 空闲，可接受操作
	StatusBusy                      // 正在执行一个操作
	StatusError                     // 上次操作失败，需重置
)

var statusNames = map[DeviceStatus]string{
	StatusIdle:  "idle",
	StatusBusy:  "busy",
	StatusError: "error",
}

// String 返回状态名称
func (s DeviceStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// MarshalJSON 序列化为小写字符串
func (s DeviceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON 从小写字符串解析
func (s *DeviceStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("未知设备状态: %s", name)
}

// DeviceState 设备状态快照
type DeviceState struct {
	Status     DeviceStatus           `json:"status"`
	Parameters map[string]interface{} `json:"parameters"`
}

// newState 初始状态
func newState() DeviceState {
	return DeviceState{
		Status:     StatusIdle,
		Parameters: make(map[string]interface{}),
	}
}

// Clone 复制状态，Parameters 为独立的map
func (s DeviceState) Clone() DeviceState {
	params := make(map[string]interface{}, len(s.Parameters))
	for k, v := range s.Parameters {
		params[k] = v
	}
	return DeviceState{Status: s.Status, Parameters: params}
}

// DeviceInfo 登记表中的设备概要
type DeviceInfo struct {
	ID     string       `json:"id"`
	Type   string       `json:"type"`
	Status DeviceStatus `json:"status"`
}

// NewDeviceID 生成设备ID
func NewDeviceID() string {
	return uuid.New().String()
}
