package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"
)

// DeviceConfig 设备配置（按设备类型区分的变体）
type DeviceConfig interface {
	// Type 设备类型标识
	Type() string
	// Validate 校验配置不变量
	Validate() error
	// Simulation 模拟参数
	Simulation() *SimulationConfig
}

// SimulationConfig 模拟参数：延迟、故障率、噪声
type SimulationConfig struct {
	LatencyMs   int64   `json:"latency_ms"`
	FailRate    float64 `json:"fail_rate"`
	EnableNoise bool    `json:"enable_noise"`
	NoiseRange  float64 `json:"noise_range"`
}

// Latency 模拟操作延迟
func (c SimulationConfig) Latency() time.Duration {
	return time.Duration(c.LatencyMs) * time.Millisecond
}

// Validate 校验模拟参数
func (c SimulationConfig) Validate() error {
	if c.LatencyMs < 0 {
		return fmt.Errorf("latency_ms 不能为负数: %d", c.LatencyMs)
	}
	if c.FailRate < 0 || c.FailRate > 1 {
		return fmt.Errorf("fail_rate 必须在 [0, 1] 范围内: %v", c.FailRate)
	}
	if c.NoiseRange < 0 {
		return fmt.Errorf("noise_range 不能为负数: %v", c.NoiseRange)
	}
	return nil
}

// CVAConfig 循环伏安设备配置
type CVAConfig struct {
	ScanRates      []float64        `json:"scan_rates"`      // V/s
	StartVoltage   float64          `json:"start_voltage"`   // V
	EndVoltage     float64          `json:"end_voltage"`     // V
	SampleInterval float64          `json:"sample_interval"` // s
	Sim            SimulationConfig `json:"simulation"`
}

// DefaultCVAConfig 默认CVA配置
func DefaultCVAConfig() *CVAConfig {
	return &CVAConfig{
		ScanRates:      []float64{0.01, 0.05, 0.1},
		StartVoltage:   -0.5,
		EndVoltage:     0.5,
		SampleInterval: 0.01,
		Sim: SimulationConfig{
			LatencyMs:   100,
			FailRate:    0.01,
			EnableNoise: true,
			NoiseRange:  0.1,
		},
	}
}

// Type 设备类型
func (c *CVAConfig) Type() string { return TypeCVA }

// Simulation 模拟参数
func (c *CVAConfig) Simulation() *SimulationConfig { return &c.Sim }

// Validate 校验CVA配置
func (c *CVAConfig) Validate() error {
	if len(c.ScanRates) == 0 {
		return fmt.Errorf("scan_rates 不能为空")
	}
	for i, rate := range c.ScanRates {
		if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
			return fmt.Errorf("scan_rates[%d] 必须是大于0的有限值: %v", i, rate)
		}
	}
	if c.StartVoltage >= c.EndVoltage {
		return fmt.Errorf("start_voltage (%v) 必须小于 end_voltage (%v)", c.StartVoltage, c.EndVoltage)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample_interval 必须大于0: %v", c.SampleInterval)
	}
	return c.Sim.Validate()
}

// SDLConfig 通用SDL设备配置
type SDLConfig struct {
	PositionMin float64          `json:"position_min"`
	PositionMax float64          `json:"position_max"`
	Sim         SimulationConfig `json:"simulation"`
}

// DefaultSDLConfig 默认SDL设备配置
func DefaultSDLConfig() *SDLConfig {
	return &SDLConfig{
		PositionMin: -100,
		PositionMax: 100,
		Sim: SimulationConfig{
			LatencyMs:   100,
			FailRate:    0.01,
			EnableNoise: true,
			NoiseRange:  0.05,
		},
	}
}

// Type 设备类型
func (c *SDLConfig) Type() string { return TypeSDL }

// Simulation 模拟参数
func (c *SDLConfig) Simulation() *SimulationConfig { return &c.Sim }

// Validate 校验SDL配置
func (c *SDLConfig) Validate() error {
	if c.PositionMin >= c.PositionMax {
		return fmt.Errorf("position_min (%v) 必须小于 position_max (%v)", c.PositionMin, c.PositionMax)
	}
	return c.Sim.Validate()
}

// decodeStrict 解析JSON到已填充默认值的配置，拒绝未知字段
func decodeStrict(raw []byte, cfg DeviceConfig) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("配置后存在多余内容")
	}
	return nil
}
