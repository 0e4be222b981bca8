package device

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/wfunc/sdl-simulator/internal/errors"
)

// floatParam 读取数值参数，不存在时 ok 为 false
func floatParam(deviceID string, params map[string]interface{}, name string) (value float64, ok bool, err error) {
	raw, exists := params[name]
	if !exists || raw == nil {
		return 0, false, nil
	}

	switch v := raw.(type) {
	case float64:
		value = v
	case float32:
		value = float64(v)
	case int:
		value = float64(v)
	case int32:
		value = float64(v)
	case int64:
		value = float64(v)
	case uint:
		value = float64(v)
	case uint32:
		value = float64(v)
	case uint64:
		value = float64(v)
	case json.Number:
		value, err = v.Float64()
		if err != nil {
			return 0, false, errors.InvalidParameter(deviceID, name, "不是有效的数字", "")
		}
	default:
		return 0, false, errors.InvalidParameter(deviceID, name, fmt.Sprintf("类型必须为数字，实际为 %T", raw), "")
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false, errors.InvalidParameter(deviceID, name, "必须为有限数值", "")
	}
	return value, true, nil
}

// intParam 读取整数参数，浮点数必须为整数值
func intParam(deviceID string, params map[string]interface{}, name string) (int, bool, error) {
	value, ok, err := floatParam(deviceID, params, name)
	if err != nil || !ok {
		return 0, ok, err
	}
	if value != math.Trunc(value) || math.Abs(value) > math.MaxInt32 {
		return 0, false, errors.InvalidParameter(deviceID, name, fmt.Sprintf("必须为整数: %v", value), "")
	}
	return int(value), true, nil
}
