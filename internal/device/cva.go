package device

import (
	"fmt"
	"math"

	"github.com/wfunc/sdl-simulator/internal/errors"
)

// TypeCVA 循环伏安设备类型
const TypeCVA = "cva"

// 氧化还原峰模型参数
const (
	oxidationPeak   = 0.2 // V
	reductionPeak   = -0.2
	peakWidth       = 0.1
	peakAmplitude   = 5.0
	referenceRate   = 0.1 // 峰高按 sqrt(rate/referenceRate) 缩放
	backgroundSlope = 2.0
	stepEpsilon     = 1e-9
	maxScanSamples  = 5_000_000 // 单次操作返回的采样点上限
	defaultCycles   = 1
)

// Sample 单个采样点
type Sample struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
}

// RateScan 单个扫速的扫描结果
type RateScan struct {
	ScanRate float64  `json:"scan_rate"`
	Samples  []Sample `json:"samples"`
}

// RedoxCurrent 给定电压下的理想电流：一对符号相反的高斯峰加线性背景
func RedoxCurrent(voltage, scanRate float64) float64 {
	amplitude := peakAmplitude * math.Sqrt(scanRate/referenceRate)
	ox := amplitude * math.Exp(-math.Pow((voltage-oxidationPeak)/peakWidth, 2))
	red := -amplitude * math.Exp(-math.Pow((voltage-reductionPeak)/peakWidth, 2))
	return ox + red + backgroundSlope*voltage
}

// SweepPoints 单程扫描的采样点数 ⌈(end-start)/step⌉
func SweepPoints(startVoltage, endVoltage, scanRate, sampleInterval float64) int {
	step := scanRate * sampleInterval
	n := int(math.Ceil((endVoltage-startVoltage)/step - stepEpsilon))
	if n < 1 {
		n = 1
	}
	return n
}

// CVADevice 循环伏安模拟设备
type CVADevice struct {
	simulator
	cfg CVAConfig
}

// NewCVADevice 创建CVA设备，配置非法时返回 ConfigurationError
func NewCVADevice(id string, cfg *CVAConfig, opts ...Option) (*CVADevice, error) {
	if cfg == nil {
		cfg = DefaultCVAConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError(id, err.Error())
	}

	d := &CVADevice{cfg: *cfg}
	d.cfg.ScanRates = append([]float64(nil), cfg.ScanRates...)
	d.simulator = newSimulator(id, TypeCVA, cfg.Sim, buildOptions(opts))

	d.handle("measure", d.prepareMeasure)
	d.handle("multi_rate", d.prepareMultiRate)
	d.handle("status", d.prepareStatus)
	return d, nil
}

// Config 设备配置副本
func (d *CVADevice) Config() CVAConfig {
	cfg := d.cfg
	cfg.ScanRates = append([]float64(nil), d.cfg.ScanRates...)
	return cfg
}

func (d *CVADevice) prepareMeasure(params map[string]interface{}) (runFunc, error) {
	scanRate, ok, err := floatParam(d.id, params, "scan_rate")
	if err != nil {
		return nil, err
	}
	if !ok {
		scanRate = d.cfg.ScanRates[0]
	}
	cycles, err := d.cyclesParam(params)
	if err != nil {
		return nil, err
	}
	if err := d.checkScan(scanRate, cycles); err != nil {
		return nil, err
	}

	return func() (interface{}, map[string]interface{}, error) {
		samples := d.scan(scanRate, cycles)
		return samples, map[string]interface{}{
			"last_scan_rate":    scanRate,
			"last_cycles":       cycles,
			"last_sample_count": len(samples),
			"last_peak_current": peakCurrent(samples),
		}, nil
	}, nil
}

func (d *CVADevice) prepareMultiRate(params map[string]interface{}) (runFunc, error) {
	cycles, err := d.cyclesParam(params)
	if err != nil {
		return nil, err
	}
	for _, rate := range d.cfg.ScanRates {
		if err := d.checkScan(rate, cycles); err != nil {
			return nil, err
		}
	}

	return func() (interface{}, map[string]interface{}, error) {
		scans := make([]RateScan, 0, len(d.cfg.ScanRates))
		total := 0
		peak := 0.0
		for _, rate := range d.cfg.ScanRates {
			samples := d.scan(rate, cycles)
			total += len(samples)
			peak = math.Max(peak, peakCurrent(samples))
			scans = append(scans, RateScan{ScanRate: rate, Samples: samples})
		}
		return scans, map[string]interface{}{
			"last_scan_rates":   append([]float64(nil), d.cfg.ScanRates...),
			"last_cycles":       cycles,
			"last_sample_count": total,
			"last_peak_current": peak,
		}, nil
	}, nil
}

// prepareStatus 在持有锁时取快照，返回的是操作开始前的状态
func (d *CVADevice) prepareStatus(map[string]interface{}) (runFunc, error) {
	state := d.state.Clone()
	return func() (interface{}, map[string]interface{}, error) {
		return state, nil, nil
	}, nil
}

func (d *CVADevice) checkScan(scanRate float64, cycles int) error {
	if scanRate <= 0 {
		return errors.InvalidParameter(d.id, "scan_rate", fmt.Sprintf("必须大于0: %v", scanRate), "(0, +inf)")
	}
	// 步长与峰高都必须是有限值，否则电流会溢出为 Inf/NaN
	step := scanRate * d.cfg.SampleInterval
	amplitude := peakAmplitude * math.Sqrt(scanRate/referenceRate)
	if !isFinite(step) || !isFinite(amplitude) {
		return errors.InvalidParameter(d.id, "scan_rate",
			fmt.Sprintf("扫速过大，步长或峰电流溢出: %v", scanRate), maxScanRateRange(d.cfg.SampleInterval))
	}
	span := d.cfg.EndVoltage - d.cfg.StartVoltage
	total := 2 * math.Ceil(span/step) * float64(cycles)
	if total > maxScanSamples {
		return errors.InvalidParameter(d.id, "scan_rate",
			fmt.Sprintf("采样点总数超过 %d，请增大扫速或减少周期", maxScanSamples), "")
	}
	return nil
}

func (d *CVADevice) cyclesParam(params map[string]interface{}) (int, error) {
	cycles, ok, err := intParam(d.id, params, "cycles")
	if err != nil {
		return 0, err
	}
	if !ok {
		return defaultCycles, nil
	}
	if cycles < 1 {
		return 0, errors.InvalidParameter(d.id, "cycles", fmt.Sprintf("必须大于等于1: %d", cycles), "[1, +inf)")
	}
	return cycles, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// maxScanRateRange 步长不溢出的扫速区间
func maxScanRateRange(sampleInterval float64) string {
	limit := math.MaxFloat64 * referenceRate
	if sampleInterval > 1 {
		limit = math.Min(limit, math.MaxFloat64/sampleInterval)
	}
	return fmt.Sprintf("(0, %g]", limit)
}

// scan 生成正向+反向扫描序列，每周期 2n 个点
func (d *CVADevice) scan(scanRate float64, cycles int) []Sample {
	start, end := d.cfg.StartVoltage, d.cfg.EndVoltage
	step := scanRate * d.cfg.SampleInterval
	n := SweepPoints(start, end, scanRate, d.cfg.SampleInterval)

	samples := make([]Sample, 0, 2*n*cycles)
	for c := 0; c < cycles; c++ {
		for i := 0; i < n; i++ {
			v := start + float64(i)*step
			samples = append(samples, Sample{Voltage: v, Current: RedoxCurrent(v, scanRate) + d.noise()})
		}
		for i := 0; i < n; i++ {
			v := end - float64(i)*step
			samples = append(samples, Sample{Voltage: v, Current: RedoxCurrent(v, scanRate) + d.noise()})
		}
	}
	return samples
}

func peakCurrent(samples []Sample) float64 {
	peak := 0.0
	for _, s := range samples {
		peak = math.Max(peak, math.Abs(s.Current))
	}
	return peak
}
