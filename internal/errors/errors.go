package errors

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode 错误类别码
type ErrorCode int

// 错误类别（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown ErrorCode = 1000
	ErrSystem  ErrorCode = 1001

	// 设备错误 (3000-3999)
	ErrHardware      ErrorCode = 3000
	ErrCommunication ErrorCode = 3001
	ErrState         ErrorCode = 3002

	// 配置错误 (6000-6999)
	ErrConfiguration ErrorCode = 6000
)

// 错误类别名称，用于事件和日志中的 code 字段
var codeNames = map[ErrorCode]string{
	ErrUnknown:       "Unknown",
	ErrSystem:        "SystemError",
	ErrHardware:      "HardwareError",
	ErrCommunication: "CommunicationError",
	ErrState:         "StateError",
	ErrConfiguration: "ConfigurationError",
}

// String 返回类别名称
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return codeNames[ErrUnknown]
}

// Kind 设备错误变体
type Kind string

const (
	KindNotInitialized   Kind = "not_initialized"
	KindBusy             Kind = "busy"
	KindInvalidParameter Kind = "invalid_parameter"
	KindHardware         Kind = "hardware_error"
	KindTimeout          Kind = "timeout"
	KindNotFound         Kind = "not_found"
	KindConfiguration    Kind = "configuration_error"
	KindState            Kind = "state_error"
	KindSystem           Kind = "system_error"
)

// 变体默认消息
var kindMessages = map[Kind]string{
	KindNotInitialized:   "设备未初始化",
	KindBusy:             "设备正在执行其他操作",
	KindInvalidParameter: "无效的参数",
	KindHardware:         "设备硬件错误",
	KindTimeout:          "操作超时",
	KindNotFound:         "设备未找到",
	KindConfiguration:    "设备配置错误",
	KindState:            "设备状态错误",
	KindSystem:           "系统内部错误",
}

// code 变体到错误类别的映射
func (k Kind) code() ErrorCode {
	switch k {
	case KindHardware:
		return ErrHardware
	case KindTimeout:
		return ErrCommunication
	case KindNotInitialized, KindBusy, KindState:
		return ErrState
	case KindInvalidParameter, KindConfiguration:
		return ErrConfiguration
	case KindNotFound, KindSystem:
		return ErrSystem
	default:
		return ErrUnknown
	}
}

// DeviceError 设备错误
// 在失败点构造，之后不再修改
type DeviceError struct {
	Kind       Kind          `json:"kind"`
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	DeviceID   string        `json:"device_id,omitempty"`
	Operation  string        `json:"operation,omitempty"`
	Parameter  string        `json:"parameter,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	ValidRange string        `json:"valid_range,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Since      time.Time     `json:"since,omitempty"`
	Details    string        `json:"details,omitempty"`
	Cause      error         `json:"-"`
	Stack      []StackFrame  `json:"stack,omitempty"`
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *DeviceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.DeviceID != "" {
		fmt.Fprintf(&b, " (device=%s)", e.DeviceID)
	}
	switch e.Kind {
	case KindBusy:
		if e.Operation != "" {
			fmt.Fprintf(&b, ": 正在执行 %s", e.Operation)
		}
	case KindInvalidParameter:
		fmt.Fprintf(&b, ": %s: %s", e.Parameter, e.Reason)
		if e.ValidRange != "" {
			fmt.Fprintf(&b, " (有效范围 %s)", e.ValidRange)
		}
	case KindTimeout:
		fmt.Fprintf(&b, ": %s 超过 %s", e.Operation, e.Timeout)
	case KindConfiguration:
		if e.Reason != "" {
			fmt.Fprintf(&b, ": %s", e.Reason)
		}
	}
	if e.Details != "" {
		fmt.Fprintf(&b, ": %s", e.Details)
	}
	return b.String()
}

// Unwrap 返回原始错误
func (e *DeviceError) Unwrap() error {
	return e.Cause
}

// Clone 复制错误，副本与原错误互不影响
func (e *DeviceError) Clone() *DeviceError {
	if e == nil {
		return nil
	}
	c := *e
	if e.Stack != nil {
		c.Stack = make([]StackFrame, len(e.Stack))
		copy(c.Stack, e.Stack)
	}
	return &c
}

// IsRetryable 仅忙和超时可重试，由调用方决定是否重试
func (e *DeviceError) IsRetryable() bool {
	return e.Kind == KindBusy || e.Kind == KindTimeout
}

// newError 创建指定变体的错误
func newError(kind Kind, deviceID string) *DeviceError {
	err := &DeviceError{
		Kind:     kind,
		Code:     kind.code(),
		Message:  kindMessages[kind],
		DeviceID: deviceID,
	}
	err.captureStack(3)
	return err
}

// NotInitialized 设备未初始化
func NotInitialized(deviceID string) *DeviceError {
	return newError(KindNotInitialized, deviceID)
}

// Busy 设备忙
func Busy(deviceID, operation string) *DeviceError {
	err := newError(KindBusy, deviceID)
	err.Operation = operation
	err.Since = time.Now()
	return err
}

// InvalidParameter 参数无效，validRange 可为空
func InvalidParameter(deviceID, parameter, reason, validRange string) *DeviceError {
	err := newError(KindInvalidParameter, deviceID)
	err.Parameter = parameter
	err.Reason = reason
	err.ValidRange = validRange
	return err
}

// HardwareError 模拟硬件故障
func HardwareError(deviceID, message string) *DeviceError {
	err := newError(KindHardware, deviceID)
	err.Details = message
	return err
}

// Timeout 操作超时
func Timeout(deviceID, operation string, timeout time.Duration) *DeviceError {
	err := newError(KindTimeout, deviceID)
	err.Operation = operation
	err.Timeout = timeout
	return err
}

// NotFound 设备不存在
func NotFound(deviceID string) *DeviceError {
	return newError(KindNotFound, deviceID)
}

// ConfigurationError 配置错误
func ConfigurationError(deviceID, reason string) *DeviceError {
	err := newError(KindConfiguration, deviceID)
	err.Reason = reason
	return err
}

// StateError 设备处于错误状态，需要先重置
func StateError(deviceID, message string) *DeviceError {
	err := newError(KindState, deviceID)
	err.Details = message
	return err
}

// SystemError 内部错误（例如操作中恢复的panic）
func SystemError(deviceID, message string) *DeviceError {
	err := newError(KindSystem, deviceID)
	err.Details = message
	return err
}

// Wrap 包装错误，已是DeviceError时原样返回
func Wrap(err error, deviceID string, details ...string) *DeviceError {
	if err == nil {
		return nil
	}

	if de, ok := As(err); ok {
		return de
	}

	de := newError(KindSystem, deviceID)
	de.Cause = err
	de.Details = err.Error()
	if len(details) > 0 {
		de.Details = strings.Join(details, "; ") + "; " + de.Details
	}
	return de
}

// As 提取错误链中的DeviceError
func As(err error) (*DeviceError, bool) {
	for err != nil {
		if de, ok := err.(*DeviceError); ok {
			return de, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// Is 判断错误是否为指定变体
func Is(err error, kind Kind) bool {
	de, ok := As(err)
	return ok && de.Kind == kind
}

// KindOf 获取错误变体，非DeviceError返回空
func KindOf(err error) Kind {
	if de, ok := As(err); ok {
		return de.Kind
	}
	return ""
}

// GetCode 获取错误类别
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}
	if de, ok := As(err); ok {
		return de.Code
	}
	return ErrUnknown
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	de, ok := As(err)
	return ok && de.IsRetryable()
}

// captureStack 捕获调用栈
func (e *DeviceError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()

		// 跳过runtime和本包的调用
		if !strings.Contains(frame.Function, "runtime.") &&
			!strings.Contains(frame.Function, "sdl-simulator/internal/errors.") {
			e.Stack = append(e.Stack, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
		}

		// 只保留前10个栈帧
		if !more || len(e.Stack) >= 10 {
			break
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *DeviceError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}
	return builder.String()
}

// HTTPStatus 返回对应的HTTP状态码
func (e *DeviceError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidParameter, KindConfiguration:
		return 400 // Bad Request
	case KindNotFound:
		return 404 // Not Found
	case KindBusy, KindState, KindNotInitialized:
		return 409 // Conflict
	case KindTimeout:
		return 504 // Gateway Timeout
	case KindHardware:
		return 502 // Bad Gateway
	default:
		return 500 // Internal Server Error
	}
}

// Fields 事件负载中使用的错误摘要
func (e *DeviceError) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"kind":    string(e.Kind),
		"code":    e.Code.String(),
		"message": e.Error(),
	}
	if e.Parameter != "" {
		fields["parameter"] = e.Parameter
	}
	if e.Operation != "" {
		fields["operation"] = e.Operation
	}
	fields["retryable"] = e.IsRetryable()
	return fields
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Success   bool         `json:"success"`
	Error     *DeviceError `json:"error,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *DeviceError, requestID string) *ErrorResponse {
	resp := &ErrorResponse{
		Success:   false,
		Error:     err.Clone(),
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
	}
	if resp.Error != nil {
		// 调用栈不对外暴露
		resp.Error.Stack = nil
	}
	return resp
}
