package device

import (
	"fmt"
	"time"

	"github.com/wfunc/sdl-simulator/internal/errors"
)

// TypeSDL 通用SDL设备类型
const TypeSDL = "sdl"

// baseReading 无噪声时的测量读数（mV）
const baseReading = 42.0

// Reading 通用设备的测量结果
type Reading struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// MoveResult 移动结果
type MoveResult struct {
	Position float64 `json:"position"`
	Status   string  `json:"status"`
}

// SDLDevice 通用SDL模拟设备，支持测量和移动
type SDLDevice struct {
	simulator
	cfg SDLConfig
}

// NewSDLDevice 创建通用设备
func NewSDLDevice(id string, cfg *SDLConfig, opts ...Option) (*SDLDevice, error) {
	if cfg == nil {
		cfg = DefaultSDLConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError(id, err.Error())
	}

	d := &SDLDevice{cfg: *cfg}
	d.simulator = newSimulator(id, TypeSDL, cfg.Sim, buildOptions(opts))

	d.handle("measure", d.prepareMeasure)
	d.handle("move", d.prepareMove)
	return d, nil
}

func (d *SDLDevice) prepareMeasure(map[string]interface{}) (runFunc, error) {
	return func() (interface{}, map[string]interface{}, error) {
		reading := Reading{
			Value:     baseReading * (1 + d.noise()),
			Unit:      "mV",
			Timestamp: time.Now(),
		}
		return reading, map[string]interface{}{
			"last_value": reading.Value,
		}, nil
	}, nil
}

func (d *SDLDevice) prepareMove(params map[string]interface{}) (runFunc, error) {
	position, ok, err := floatParam(d.id, params, "position")
	if err != nil {
		return nil, err
	}
	validRange := fmt.Sprintf("[%v, %v)", d.cfg.PositionMin, d.cfg.PositionMax)
	if !ok {
		return nil, errors.InvalidParameter(d.id, "position", "缺少参数", validRange)
	}
	if position < d.cfg.PositionMin || position >= d.cfg.PositionMax {
		return nil, errors.InvalidParameter(d.id, "position", fmt.Sprintf("超出范围: %v", position), validRange)
	}

	return func() (interface{}, map[string]interface{}, error) {
		return MoveResult{Position: position, Status: "completed"}, map[string]interface{}{
			"position": position,
		}, nil
	}, nil
}
