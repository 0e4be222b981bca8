package device

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/wfunc/sdl-simulator/internal/errors"
	"github.com/wfunc/sdl-simulator/internal/event"
	"github.com/wfunc/sdl-simulator/internal/logger"
	"go.uber.org/zap"
)

// Manager 设备管理器
//
// 登记表仅在创建和删除时持写锁，查找使用读锁；
// 找到执行器后锁即释放，同一设备的并发由执行器自身的忙状态串行化。
type Manager struct {
	mu      sync.RWMutex
	devices map[string]DeviceExecutor

	factory    *Factory
	bus        *event.Bus
	deviceOpts []Option
	logger     *zap.Logger
}

// ManagerOption 管理器选项
type ManagerOption func(*Manager)

// WithFactory 指定设备工厂
func WithFactory(f *Factory) ManagerOption {
	return func(m *Manager) {
		if f != nil {
			m.factory = f
		}
	}
}

// WithDeviceOptions 创建设备时附加的执行器选项
func WithDeviceOptions(opts ...Option) ManagerOption {
	return func(m *Manager) {
		m.deviceOpts = append(m.deviceOpts, opts...)
	}
}

// WithManagerLogger 指定日志器
func WithManagerLogger(log *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.logger = log
		}
	}
}

// NewManager 创建设备管理器，bus 为空时创建默认容量的总线
func NewManager(bus *event.Bus, opts ...ManagerOption) *Manager {
	m := &Manager{
		devices: make(map[string]DeviceExecutor),
		factory: NewFactory(),
		bus:     bus,
		logger:  logger.GetModuleLogger("device"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = event.NewBus(event.DefaultCapacity, m.logger)
	}
	m.deviceOpts = append([]Option{WithLogger(m.logger)}, m.deviceOpts...)
	return m
}

// Bus 事件总线
func (m *Manager) Bus() *event.Bus {
	return m.bus
}

// Factory 设备工厂
func (m *Manager) Factory() *Factory {
	return m.factory
}

// Subscribe 订阅设备事件
func (m *Manager) Subscribe() *event.Subscription {
	return m.bus.Subscribe()
}

// SupportedTypes 支持的设备类型
func (m *Manager) SupportedTypes() []string {
	return m.factory.SupportedTypes()
}

// CreateDevice 按类型和原始JSON配置创建设备，id 为空时自动生成
func (m *Manager) CreateDevice(deviceType, id string, rawConfig json.RawMessage) (string, error) {
	if id == "" {
		id = NewDeviceID()
	}
	if m.exists(id) {
		return "", errors.ConfigurationError(id, "设备已存在")
	}

	cfg, err := m.factory.ParseConfig(id, deviceType, rawConfig)
	if err != nil {
		m.logger.Warn("设备配置无效", zap.String("device_id", id), zap.String("type", deviceType), zap.Error(err))
		return "", err
	}
	return id, m.register(id, cfg)
}

// CreateDeviceWithConfig 使用已构造的配置创建设备
func (m *Manager) CreateDeviceWithConfig(id string, cfg DeviceConfig) (string, error) {
	if id == "" {
		id = NewDeviceID()
	}
	if cfg == nil {
		return "", errors.ConfigurationError(id, "配置不能为空")
	}
	if err := cfg.Validate(); err != nil {
		return "", errors.ConfigurationError(id, err.Error())
	}
	return id, m.register(id, cfg)
}

// register 构造执行器并加入登记表
func (m *Manager) register(id string, cfg DeviceConfig) error {
	m.mu.Lock()
	if _, ok := m.devices[id]; ok {
		m.mu.Unlock()
		return errors.ConfigurationError(id, "设备已存在")
	}

	executor, err := m.factory.Create(id, cfg, m.deviceOpts...)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := executor.Initialize(); err != nil {
		m.mu.Unlock()
		return errors.Wrap(err, id, "设备初始化失败")
	}
	m.devices[id] = executor
	m.mu.Unlock()

	m.logger.Info("设备已创建", zap.String("device_id", id), zap.String("type", cfg.Type()))
	m.publish(id, event.EventDeviceCreated, map[string]interface{}{
		"type":   cfg.Type(),
		"config": cfg,
	})
	return nil
}

// ExecuteOperation 在设备上执行操作
//
// 设备不存在时返回 NotFound 且不发布任何事件；
// 否则先发布 operation_started，之后恰好发布一个 operation_completed 或 error_occurred。
func (m *Manager) ExecuteOperation(id, operation string, params map[string]interface{}) (interface{}, error) {
	executor, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	before, _ := executor.GetStatus()
	m.publish(id, event.EventOperationStarted, map[string]interface{}{
		"operation": operation,
		"params":    copyParams(params),
	})

	result, err := m.safeExecute(executor, operation, params)
	if err != nil {
		m.publish(id, event.EventErrorOccurred, map[string]interface{}{
			"operation": operation,
			"error":     errors.Wrap(err, id).Fields(),
		})
		// 被拒绝的忙碌调用不拥有状态迁移，由正在执行的那次调用发布
		if errors.KindOf(err) == errors.KindBusy {
			return nil, err
		}
		if after, statusErr := executor.GetStatus(); statusErr == nil &&
			after.Status == StatusError && before.Status != StatusError {
			m.publish(id, event.EventStatusChanged, map[string]interface{}{
				"from":  before.Status,
				"to":    after.Status,
				"state": after,
			})
		}
		return nil, err
	}

	m.publish(id, event.EventOperationCompleted, map[string]interface{}{
		"operation": operation,
		"result":    result,
	})
	return result, nil
}

// safeExecute 执行器panic时转换为 SystemError
func (m *Manager) safeExecute(executor DeviceExecutor, operation string, params map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(m.logger, r, debug.Stack())
			result = nil
			err = errors.SystemError(executor.ID(), fmt.Sprintf("操作 %s 异常: %v", operation, r))
		}
	}()
	return executor.Execute(operation, params)
}

// GetDeviceStatus 获取设备状态
func (m *Manager) GetDeviceStatus(id string) (DeviceState, error) {
	executor, err := m.lookup(id)
	if err != nil {
		return DeviceState{}, err
	}

	state, err := executor.GetStatus()
	if err != nil {
		return DeviceState{}, err
	}
	m.publish(id, event.EventStatusChanged, map[string]interface{}{
		"source": "query",
		"state":  state,
	})
	return state, nil
}

// ResetDevice 重置设备
func (m *Manager) ResetDevice(id string) error {
	executor, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := executor.Reset(); err != nil {
		return err
	}

	state, _ := executor.GetStatus()
	m.publish(id, event.EventStatusChanged, map[string]interface{}{
		"source": "reset",
		"state":  state,
	})
	return nil
}

// RemoveDevice 删除设备
func (m *Manager) RemoveDevice(id string) error {
	m.mu.Lock()
	executor, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return errors.NotFound(id)
	}
	delete(m.devices, id)
	m.mu.Unlock()

	m.logger.Info("设备已删除", zap.String("device_id", id))
	m.publish(id, event.EventDeviceRemoved, map[string]interface{}{
		"type": executor.Type(),
	})
	return nil
}

// GetDevice 获取执行器
func (m *Manager) GetDevice(id string) (DeviceExecutor, error) {
	return m.lookup(id)
}

// ListDevices 列出设备，按ID排序
func (m *Manager) ListDevices() []DeviceInfo {
	m.mu.RLock()
	executors := make([]DeviceExecutor, 0, len(m.devices))
	for _, executor := range m.devices {
		executors = append(executors, executor)
	}
	m.mu.RUnlock()

	infos := make([]DeviceInfo, 0, len(executors))
	for _, executor := range executors {
		state, _ := executor.GetStatus()
		infos = append(infos, DeviceInfo{
			ID:     executor.ID(),
			Type:   executor.Type(),
			Status: state.Status,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Count 设备数量
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

func (m *Manager) exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.devices[id]
	return ok
}

func (m *Manager) lookup(id string) (DeviceExecutor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	executor, ok := m.devices[id]
	if !ok {
		return nil, errors.NotFound(id)
	}
	return executor, nil
}

func (m *Manager) publish(id string, eventType event.EventType, data interface{}) {
	// 事件发布后不可变，不与调用方共享结果或配置
	data = snapshot(data)
	logger.LogDeviceEvent(string(eventType), id, data)
	m.bus.Publish(event.New(id, eventType, data))
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
