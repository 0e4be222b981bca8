package device

import (
	"encoding/json"
	"fmt"
	"time"
)

// snapshot 返回与调用方不共享内存的副本，发布到总线的事件数据都经过这里
func snapshot(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, uint, uint64, uint32:
		return val
	case DeviceStatus, Reading, MoveResult, time.Time:
		return val
	case []Sample:
		return append([]Sample(nil), val...)
	case []RateScan:
		out := make([]RateScan, len(val))
		for i, rs := range val {
			out[i] = RateScan{ScanRate: rs.ScanRate, Samples: append([]Sample(nil), rs.Samples...)}
		}
		return out
	case DeviceState:
		params := snapshotMap(val.Parameters)
		if params == nil {
			params = make(map[string]interface{})
		}
		return DeviceState{Status: val.Status, Parameters: params}
	case map[string]interface{}:
		return snapshotMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = snapshot(item)
		}
		return out
	case *CVAConfig:
		if val == nil {
			return nil
		}
		c := *val
		c.ScanRates = append([]float64(nil), val.ScanRates...)
		return &c
	case *SDLConfig:
		if val == nil {
			return nil
		}
		c := *val
		return &c
	default:
		return jsonSnapshot(val)
	}
}

func snapshotMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = snapshot(v)
	}
	return out
}

// jsonSnapshot 未知类型经JSON归一化为 map/slice/基本类型
func jsonSnapshot(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}
