package device

import (
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wfunc/sdl-simulator/internal/errors"
	"github.com/wfunc/sdl-simulator/internal/logger"
	"go.uber.org/zap"
)

// DeviceExecutor 模拟设备的统一能力接口
//
// 所有方法并发安全。Execute 是唯一会修改设备状态的入口，
// 同一设备同一时刻只允许一个操作，第二个调用直接返回 Busy，不排队。
// 进行中的操作无法从外部取消，调用方需等待完整的模拟延迟。
type DeviceExecutor interface {
	// ID 设备ID
	ID() string
	// Type 设备类型
	Type() string
	// Initialize 将状态置为空闲，可重复调用
	Initialize() error
	// Execute 执行指定操作
	Execute(operation string, params map[string]interface{}) (interface{}, error)
	// GetStatus 获取状态快照（只读）
	GetStatus() (DeviceState, error)
	// Reset 强制回到空闲并清空参数，总是成功
	Reset() error
}

// Option 执行器选项
type Option func(*options)

type options struct {
	rnd    RandomSource
	logger *zap.Logger
}

// WithRandomSource 指定随机源
func WithRandomSource(src RandomSource) Option {
	return func(o *options) {
		if src != nil {
			o.rnd = src
		}
	}
}

// WithLogger 指定日志器
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.rnd == nil {
		o.rnd = NewRandomSource(0)
	}
	if o.logger == nil {
		o.logger = logger.GetModuleLogger("device")
	}
	return o
}

// runFunc 在模拟延迟之后执行的操作主体，返回结果和需要记录的参数
type runFunc func() (result interface{}, updates map[string]interface{}, err error)

// prepareFunc 校验参数并返回操作主体，调用时持有写锁
type prepareFunc func(params map[string]interface{}) (runFunc, error)

// simulator 模拟设备的公共部分：状态、锁、延迟、故障注入和噪声
type simulator struct {
	id         string
	deviceType string
	sim        SimulationConfig
	rnd        RandomSource
	logger     *zap.Logger

	mu          sync.RWMutex
	state       DeviceState
	initialized bool
	current     string // 正在执行的操作
	epoch       uint64 // 每次重置递增，丢弃重置前启动的操作结果

	ops map[string]prepareFunc
}

func newSimulator(id, deviceType string, sim SimulationConfig, o *options) simulator {
	return simulator{
		id:         id,
		deviceType: deviceType,
		sim:        sim,
		rnd:        o.rnd,
		logger:     o.logger.With(zap.String("device_id", id), zap.String("device_type", deviceType)),
		state:      newState(),
		ops:        make(map[string]prepareFunc),
	}
}

// handle 注册操作
func (s *simulator) handle(operation string, prepare prepareFunc) {
	s.ops[operation] = prepare
}

// ID 设备ID
func (s *simulator) ID() string { return s.id }

// Type 设备类型
func (s *simulator) Type() string { return s.deviceType }

// Operations 支持的操作列表
func (s *simulator) Operations() []string {
	names := make([]string, 0, len(s.ops))
	for name := range s.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Initialize 初始化设备
func (s *simulator) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status != StatusBusy {
		s.state.Status = StatusIdle
	}
	s.initialized = true
	s.logger.Debug("设备已初始化")
	return nil
}

// GetStatus 获取状态快照
func (s *simulator) GetStatus() (DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone(), nil
}

// Reset 重置设备
func (s *simulator) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = newState()
	s.current = ""
	s.epoch++
	s.initialized = true
	s.logger.Info("设备已重置")
	return nil
}

// Execute 执行操作
//
// 检查顺序：未初始化、忙、错误状态、操作名与参数。
// 校验通过后置为忙并释放锁，模拟延迟结束后重新加锁回到空闲或错误状态。
func (s *simulator) Execute(operation string, params map[string]interface{}) (result interface{}, err error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil, errors.NotInitialized(s.id)
	}
	switch s.state.Status {
	case StatusBusy:
		current := s.current
		s.mu.Unlock()
		return nil, errors.Busy(s.id, current)
	case StatusError:
		s.mu.Unlock()
		return nil, errors.StateError(s.id, "设备处于错误状态，请先重置")
	}

	prepare, ok := s.ops[operation]
	if !ok {
		s.mu.Unlock()
		return nil, errors.InvalidParameter(s.id, "operation",
			fmt.Sprintf("不支持的操作 %q", operation), strings.Join(s.Operations(), "|"))
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	run, err := prepare(params)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	s.state.Status = StatusBusy
	s.current = operation
	epoch := s.epoch
	s.mu.Unlock()

	start := time.Now()
	var updates map[string]interface{}
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(s.logger, r, debug.Stack())
			result = nil
			err = errors.SystemError(s.id, fmt.Sprintf("操作 %s 异常: %v", operation, r))
		}
		s.finish(epoch, operation, updates, err)
		logger.LogDeviceOperation(s.logger, s.id, operation, time.Since(start), err)
	}()

	if latency := s.sim.Latency(); latency > 0 {
		time.Sleep(latency)
	}
	if s.shouldFail() {
		return nil, errors.HardwareError(s.id, fmt.Sprintf("模拟硬件故障: %s", operation))
	}

	result, updates, err = run()
	return result, err
}

// finish 操作结束后更新状态，重置后启动的新一轮状态不受影响
func (s *simulator) finish(epoch uint64, operation string, updates map[string]interface{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return
	}
	s.current = ""
	if err != nil {
		s.state.Status = StatusError
		s.state.Parameters["last_error"] = err.Error()
		return
	}

	s.state.Status = StatusIdle
	s.state.Parameters["last_operation"] = operation
	for k, v := range updates {
		s.state.Parameters[k] = v
	}
}

// shouldFail 按故障率抽样
func (s *simulator) shouldFail() bool {
	return s.sim.FailRate > 0 && s.rnd.Float64() < s.sim.FailRate
}

// noise 单次噪声扰动，关闭噪声时为0
func (s *simulator) noise() float64 {
	if !s.sim.EnableNoise || s.sim.NoiseRange == 0 {
		return 0
	}
	return uniform(s.rnd, s.sim.NoiseRange)
}
