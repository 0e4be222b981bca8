package device

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/sdl-simulator/internal/errors"
)

// quietCVAConfig 无延迟、无故障、无噪声
func quietCVAConfig() *CVAConfig {
	cfg := DefaultCVAConfig()
	cfg.Sim = SimulationConfig{}
	return cfg
}

func newTestCVA(t *testing.T, cfg *CVAConfig, seed int64) *CVADevice {
	t.Helper()
	d, err := NewCVADevice("cva-test", cfg, WithRandomSource(NewRandomSource(seed)))
	require.NoError(t, err)
	require.NoError(t, d.Initialize())
	return d
}

func measure(t *testing.T, d DeviceExecutor, params map[string]interface{}) []Sample {
	t.Helper()
	result, err := d.Execute("measure", params)
	require.NoError(t, err)
	samples, ok := result.([]Sample)
	require.True(t, ok, "结果类型 %T", result)
	return samples
}

func TestCVA_ExampleScan(t *testing.T) {
	cfg := quietCVAConfig()
	cfg.StartVoltage = -0.5
	cfg.EndVoltage = 0.5
	cfg.SampleInterval = 0.1
	d := newTestCVA(t, cfg, 1)

	samples := measure(t, d, map[string]interface{}{"scan_rate": 0.02, "cycles": 1})

	step := 0.02 * 0.1
	require.Len(t, samples, 2*int(math.Ceil(1.0/step-stepEpsilon)))
	require.Len(t, samples, 1000)

	half := len(samples) / 2
	assert.Equal(t, -0.5, samples[0].Voltage)
	assert.Equal(t, 0.5, samples[half].Voltage)
	assert.InDelta(t, -0.5, samples[len(samples)-1].Voltage, step+1e-12)

	for i := 1; i < half; i++ {
		assert.Greater(t, samples[i].Voltage, samples[i-1].Voltage)
	}
	for i := half + 1; i < len(samples); i++ {
		assert.Less(t, samples[i].Voltage, samples[i-1].Voltage)
	}

	maxV := -math.MaxFloat64
	for _, s := range samples {
		maxV = math.Max(maxV, s.Voltage)
	}
	assert.Equal(t, 0.5, maxV)
}

func TestCVA_EvenLengthForAnyValidConfig(t *testing.T) {
	configs := []struct {
		start, end, interval, rate float64
	}{
		{-0.5, 0.5, 0.01, 0.05},
		{-1, 0.3, 0.02, 0.07},
		{0, 0.1, 1, 1}, // 步长大于区间
		{-0.25, 0.25, 0.003, 0.011},
	}

	for _, c := range configs {
		cfg := quietCVAConfig()
		cfg.StartVoltage, cfg.EndVoltage, cfg.SampleInterval = c.start, c.end, c.interval
		d := newTestCVA(t, cfg, 1)

		samples := measure(t, d, map[string]interface{}{"scan_rate": c.rate})
		n := SweepPoints(c.start, c.end, c.rate, c.interval)
		assert.Len(t, samples, 2*n)
		assert.Zero(t, len(samples)%2)
		assert.Equal(t, c.start, samples[0].Voltage)
		assert.InDelta(t, c.start, samples[len(samples)-1].Voltage, c.rate*c.interval+1e-12)
	}
}

func TestCVA_Cycles(t *testing.T) {
	d := newTestCVA(t, quietCVAConfig(), 1)

	one := measure(t, d, map[string]interface{}{"scan_rate": 0.1, "cycles": 1})
	three := measure(t, d, map[string]interface{}{"scan_rate": 0.1, "cycles": 3.0})
	require.Len(t, three, 3*len(one))
	assert.Equal(t, one, three[:len(one)])
	assert.Equal(t, one, three[2*len(one):])
}

func TestCVA_DeterministicWithoutNoise(t *testing.T) {
	params := map[string]interface{}{"scan_rate": 0.05, "cycles": 2}

	a := measure(t, newTestCVA(t, quietCVAConfig(), 1), params)
	b := measure(t, newTestCVA(t, quietCVAConfig(), 99), params)
	assert.Equal(t, a, b)

	d := newTestCVA(t, quietCVAConfig(), 7)
	assert.Equal(t, measure(t, d, params), measure(t, d, params))
}

func TestCVA_NoiseBoundedAndSeeded(t *testing.T) {
	cfg := quietCVAConfig()
	cfg.Sim.EnableNoise = true
	cfg.Sim.NoiseRange = 0.1
	params := map[string]interface{}{"scan_rate": 0.1}

	a := measure(t, newTestCVA(t, cfg, 42), params)
	b := measure(t, newTestCVA(t, cfg, 42), params)
	assert.Equal(t, a, b, "相同种子输出一致")

	clean := measure(t, newTestCVA(t, quietCVAConfig(), 1), params)
	require.Len(t, a, len(clean))
	differs := false
	for i := range a {
		assert.Equal(t, clean[i].Voltage, a[i].Voltage)
		assert.LessOrEqual(t, math.Abs(a[i].Current-clean[i].Current), 0.1+1e-9)
		if a[i].Current != clean[i].Current {
			differs = true
		}
	}
	assert.True(t, differs)
}

func TestCVA_DefaultsAndParameters(t *testing.T) {
	d := newTestCVA(t, quietCVAConfig(), 1)

	samples := measure(t, d, nil)
	n := SweepPoints(-0.5, 0.5, 0.01, 0.01)
	assert.Len(t, samples, 2*n)

	state, err := d.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, state.Status)
	assert.Equal(t, "measure", state.Parameters["last_operation"])
	assert.Equal(t, 0.01, state.Parameters["last_scan_rate"])
	assert.Equal(t, 1, state.Parameters["last_cycles"])
	assert.Equal(t, 2*n, state.Parameters["last_sample_count"])
	assert.Greater(t, state.Parameters["last_peak_current"], 0.0)
}

func TestCVA_InvalidParameters(t *testing.T) {
	d := newTestCVA(t, quietCVAConfig(), 1)
	measure(t, d, map[string]interface{}{"scan_rate": 0.1})
	before, _ := d.GetStatus()

	tests := []struct {
		name      string
		params    map[string]interface{}
		parameter string
	}{
		{"zero scan rate", map[string]interface{}{"scan_rate": 0}, "scan_rate"},
		{"negative scan rate", map[string]interface{}{"scan_rate": -0.1}, "scan_rate"},
		{"string scan rate", map[string]interface{}{"scan_rate": "fast"}, "scan_rate"},
		{"tiny scan rate", map[string]interface{}{"scan_rate": 1e-12}, "scan_rate"},
		{"overflowing scan rate", map[string]interface{}{"scan_rate": 1e308}, "scan_rate"},
		{"zero cycles", map[string]interface{}{"cycles": 0}, "cycles"},
		{"fractional cycles", map[string]interface{}{"cycles": 1.5}, "cycles"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Execute("measure", tt.params)
			require.Error(t, err)
			de, ok := errors.As(err)
			require.True(t, ok)
			assert.Equal(t, errors.KindInvalidParameter, de.Kind)
			assert.Equal(t, tt.parameter, de.Parameter)
			if tt.name == "overflowing scan rate" {
				assert.NotEmpty(t, de.ValidRange)
			}

			after, _ := d.GetStatus()
			assert.Equal(t, before, after)
		})
	}
}

func TestCVA_MultiRate(t *testing.T) {
	d := newTestCVA(t, quietCVAConfig(), 1)

	result, err := d.Execute("multi_rate", map[string]interface{}{"cycles": 1})
	require.NoError(t, err)
	scans, ok := result.([]RateScan)
	require.True(t, ok)
	require.Len(t, scans, 3)

	total := 0
	for i, scan := range scans {
		assert.Equal(t, d.Config().ScanRates[i], scan.ScanRate)
		assert.Len(t, scan.Samples, 2*SweepPoints(-0.5, 0.5, scan.ScanRate, 0.01))
		total += len(scan.Samples)
	}

	state, _ := d.GetStatus()
	assert.Equal(t, total, state.Parameters["last_sample_count"])
}

func TestCVA_StatusOperation(t *testing.T) {
	d := newTestCVA(t, quietCVAConfig(), 1)

	result, err := d.Execute("status", nil)
	require.NoError(t, err)
	state, ok := result.(DeviceState)
	require.True(t, ok)
	assert.Equal(t, StatusIdle, state.Status)
}

func TestRedoxCurrent(t *testing.T) {
	// 氧化峰为正，还原峰为负，峰高随扫速平方根增长
	assert.Greater(t, RedoxCurrent(0.2, 0.1), 4.0)
	assert.Less(t, RedoxCurrent(-0.2, 0.1), -4.0)
	assert.Greater(t, RedoxCurrent(0.2, 0.4), RedoxCurrent(0.2, 0.1))
	assert.InDelta(t, 2*0.8, RedoxCurrent(0.8, 0.1), 1e-6)
}
