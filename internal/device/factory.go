package device

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/wfunc/sdl-simulator/internal/errors"
)

// Constructor 根据已校验的配置创建执行器
type Constructor func(id string, cfg DeviceConfig, opts ...Option) (DeviceExecutor, error)

type registration struct {
	newConfig func() DeviceConfig
	construct Constructor
}

// Factory 按类型字符串创建设备
type Factory struct {
	mu          sync.RWMutex
	types       map[string]registration
	simDefaults *SimulationConfig
}

// NewFactory 创建内置 cva 与 sdl 类型的工厂
func NewFactory() *Factory {
	f := &Factory{types: make(map[string]registration)}

	f.RegisterType(TypeCVA, func() DeviceConfig { return DefaultCVAConfig() },
		func(id string, cfg DeviceConfig, opts ...Option) (DeviceExecutor, error) {
			c, ok := cfg.(*CVAConfig)
			if !ok {
				return nil, errors.ConfigurationError(id, fmt.Sprintf("配置类型不匹配: %T", cfg))
			}
			return NewCVADevice(id, c, opts...)
		})
	f.RegisterType(TypeSDL, func() DeviceConfig { return DefaultSDLConfig() },
		func(id string, cfg DeviceConfig, opts ...Option) (DeviceExecutor, error) {
			c, ok := cfg.(*SDLConfig)
			if !ok {
				return nil, errors.ConfigurationError(id, fmt.Sprintf("配置类型不匹配: %T", cfg))
			}
			return NewSDLDevice(id, c, opts...)
		})
	return f
}

// RegisterType 注册设备类型，已存在时覆盖
func (f *Factory) RegisterType(deviceType string, newConfig func() DeviceConfig, construct Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types[strings.ToLower(deviceType)] = registration{newConfig: newConfig, construct: construct}
}

// SetSimulationDefaults 覆盖各类型默认配置中的模拟参数
func (f *Factory) SetSimulationDefaults(sim SimulationConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simDefaults = &sim
}

// SupportedTypes 已注册的设备类型
func (f *Factory) SupportedTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.types))
	for t := range f.types {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (f *Factory) lookup(deviceID, deviceType string) (registration, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	reg, ok := f.types[strings.ToLower(deviceType)]
	if !ok {
		supported := make([]string, 0, len(f.types))
		for t := range f.types {
			supported = append(supported, t)
		}
		sort.Strings(supported)
		return registration{}, errors.InvalidParameter(deviceID, "type",
			fmt.Sprintf("不支持的设备类型 %q", deviceType), strings.Join(supported, "|"))
	}
	return reg, nil
}

// DefaultConfig 类型的默认配置
func (f *Factory) DefaultConfig(deviceType string) (DeviceConfig, error) {
	reg, err := f.lookup("", deviceType)
	if err != nil {
		return nil, err
	}
	return f.newConfig(reg), nil
}

// newConfig 默认配置，应用模拟参数覆盖
func (f *Factory) newConfig(reg registration) DeviceConfig {
	cfg := reg.newConfig()

	f.mu.RLock()
	if f.simDefaults != nil {
		*cfg.Simulation() = *f.simDefaults
	}
	f.mu.RUnlock()
	return cfg
}

// ParseConfig 解析并校验配置
//
// 未知类型返回 InvalidParameter；JSON格式错误、未知字段或校验失败返回 ConfigurationError。
// 空配置使用默认值。
func (f *Factory) ParseConfig(deviceID, deviceType string, raw json.RawMessage) (DeviceConfig, error) {
	reg, err := f.lookup(deviceID, deviceType)
	if err != nil {
		return nil, err
	}
	cfg := f.newConfig(reg)

	if err := decodeStrict(raw, cfg); err != nil {
		return nil, errors.ConfigurationError(deviceID, fmt.Sprintf("配置解析失败: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError(deviceID, err.Error())
	}
	return cfg, nil
}

// Create 根据已校验的配置创建执行器
func (f *Factory) Create(deviceID string, cfg DeviceConfig, opts ...Option) (DeviceExecutor, error) {
	if cfg == nil {
		return nil, errors.ConfigurationError(deviceID, "配置不能为空")
	}
	reg, err := f.lookup(deviceID, cfg.Type())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError(deviceID, err.Error())
	}
	return reg.construct(deviceID, cfg, opts...)
}

// ParseConfig 使用内置类型解析配置
func ParseConfig(deviceType string, raw json.RawMessage) (DeviceConfig, error) {
	return NewFactory().ParseConfig("", deviceType, raw)
}
