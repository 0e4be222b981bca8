package device

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/sdl-simulator/internal/errors"
)

// slowSDL 带延迟、无故障、无噪声的通用设备
func slowSDL(t *testing.T, id string, latencyMs int64) *SDLDevice {
	t.Helper()
	cfg := DefaultSDLConfig()
	cfg.Sim = SimulationConfig{LatencyMs: latencyMs}
	d, err := NewSDLDevice(id, cfg, WithRandomSource(NewRandomSource(1)))
	require.NoError(t, err)
	require.NoError(t, d.Initialize())
	return d
}

func waitForStatus(t *testing.T, d DeviceExecutor, status DeviceStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, err := d.GetStatus()
		return err == nil && state.Status == status
	}, time.Second, time.Millisecond)
}

func TestExecutor_NotInitialized(t *testing.T) {
	d, err := NewSDLDevice("sdl-1", nil)
	require.NoError(t, err)

	_, err = d.Execute("measure", nil)
	assert.True(t, errors.Is(err, errors.KindNotInitialized))

	require.NoError(t, d.Initialize())
	require.NoError(t, d.Initialize())
	state, _ := d.GetStatus()
	assert.Equal(t, StatusIdle, state.Status)
}

func TestExecutor_UnknownOperation(t *testing.T) {
	d := slowSDL(t, "sdl-1", 0)

	_, err := d.Execute("calibrate", nil)
	de, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindInvalidParameter, de.Kind)
	assert.Equal(t, "operation", de.Parameter)
	assert.Equal(t, "measure|move", de.ValidRange)

	state, _ := d.GetStatus()
	assert.Equal(t, StatusIdle, state.Status)
}

func TestExecutor_BusyRejectsWithoutMutation(t *testing.T) {
	d := slowSDL(t, "sdl-1", 100)
	_, err := d.Execute("move", map[string]interface{}{"position": 10})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.Execute("move", map[string]interface{}{"position": 20})
		done <- err
	}()
	waitForStatus(t, d, StatusBusy)

	before, _ := d.GetStatus()
	_, err = d.Execute("move", map[string]interface{}{"position": 30})
	de, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindBusy, de.Kind)
	assert.Equal(t, "move", de.Operation)
	assert.True(t, de.IsRetryable())

	after, _ := d.GetStatus()
	assert.Equal(t, before, after)
	assert.Equal(t, 10.0, after.Parameters["position"])

	require.NoError(t, <-done)
	state, _ := d.GetStatus()
	assert.Equal(t, StatusIdle, state.Status)
	assert.Equal(t, 20.0, state.Parameters["position"])
}

func TestExecutor_ConcurrentSameDevice(t *testing.T) {
	d := slowSDL(t, "sdl-1", 50)

	start := make(chan struct{})
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := d.Execute("measure", nil)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var ok, busy int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errors.KindBusy):
			busy++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, busy)
}

func TestExecutor_ConcurrentDifferentDevices(t *testing.T) {
	a := slowSDL(t, "sdl-a", 50)
	b := slowSDL(t, "sdl-b", 50)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, d := range []*SDLDevice{a, b} {
		wg.Add(1)
		go func(i int, d *SDLDevice) {
			defer wg.Done()
			_, errs[i] = d.Execute("measure", nil)
		}(i, d)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestExecutor_HardwareFailureRequiresReset(t *testing.T) {
	cfg := quietCVAConfig()
	cfg.Sim.FailRate = 1
	d := newTestCVA(t, cfg, 3)

	_, err := d.Execute("measure", nil)
	de, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindHardware, de.Kind)
	assert.False(t, de.IsRetryable())

	state, _ := d.GetStatus()
	assert.Equal(t, StatusError, state.Status)

	_, err = d.Execute("measure", nil)
	assert.True(t, errors.Is(err, errors.KindState))

	require.NoError(t, d.Reset())
	state, _ = d.GetStatus()
	assert.Equal(t, StatusIdle, state.Status)
	assert.Empty(t, state.Parameters)
}

func TestExecutor_ResetIdempotent(t *testing.T) {
	d := slowSDL(t, "sdl-1", 0)
	_, err := d.Execute("move", map[string]interface{}{"position": -5})
	require.NoError(t, err)

	require.NoError(t, d.Reset())
	first, _ := d.GetStatus()
	require.NoError(t, d.Reset())
	second, _ := d.GetStatus()

	assert.Equal(t, first, second)
	assert.Equal(t, StatusIdle, second.Status)
	assert.Empty(t, second.Parameters)
}

func TestExecutor_ResetDuringOperation(t *testing.T) {
	d := slowSDL(t, "sdl-1", 100)

	done := make(chan error, 1)
	go func() {
		_, err := d.Execute("move", map[string]interface{}{"position": 50})
		done <- err
	}()
	waitForStatus(t, d, StatusBusy)

	require.NoError(t, d.Reset())
	require.NoError(t, <-done)

	// 重置前启动的操作不再写回状态
	state, _ := d.GetStatus()
	assert.Equal(t, StatusIdle, state.Status)
	assert.Empty(t, state.Parameters)
}

func TestExecutor_PanicBecomesSystemError(t *testing.T) {
	d := &SDLDevice{cfg: *DefaultSDLConfig()}
	d.simulator = newSimulator("sdl-panic", TypeSDL, SimulationConfig{}, buildOptions(nil))
	d.handle("explode", func(map[string]interface{}) (runFunc, error) {
		return func() (interface{}, map[string]interface{}, error) {
			panic("模拟崩溃")
		}, nil
	})
	require.NoError(t, d.Initialize())

	result, err := d.Execute("explode", nil)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, errors.KindSystem))

	state, _ := d.GetStatus()
	assert.Equal(t, StatusError, state.Status)
}

func TestSDL_Measure(t *testing.T) {
	d := slowSDL(t, "sdl-1", 0)

	result, err := d.Execute("measure", nil)
	require.NoError(t, err)
	reading, ok := result.(Reading)
	require.True(t, ok)
	assert.Equal(t, 42.0, reading.Value)
	assert.Equal(t, "mV", reading.Unit)
	assert.False(t, reading.Timestamp.IsZero())

	cfg := DefaultSDLConfig()
	cfg.Sim = SimulationConfig{EnableNoise: true, NoiseRange: 0.05}
	noisy, err := NewSDLDevice("sdl-2", cfg, WithRandomSource(NewRandomSource(5)))
	require.NoError(t, err)
	require.NoError(t, noisy.Initialize())
	result, err = noisy.Execute("measure", nil)
	require.NoError(t, err)
	assert.InDelta(t, 42.0, result.(Reading).Value, 42*0.05)
}

func TestSDL_Move(t *testing.T) {
	d := slowSDL(t, "sdl-1", 0)

	result, err := d.Execute("move", map[string]interface{}{"position": 12.5})
	require.NoError(t, err)
	assert.Equal(t, MoveResult{Position: 12.5, Status: "completed"}, result)

	for _, params := range []map[string]interface{}{
		{},
		{"position": 100},
		{"position": -100.5},
		{"position": "left"},
	} {
		_, err := d.Execute("move", params)
		de, ok := errors.As(err)
		require.True(t, ok, "%v", params)
		assert.Equal(t, errors.KindInvalidParameter, de.Kind)
		assert.Equal(t, "position", de.Parameter)
	}

	state, _ := d.GetStatus()
	assert.Equal(t, 12.5, state.Parameters["position"])
}

func TestDeviceState_Clone(t *testing.T) {
	s := newState()
	s.Parameters["a"] = 1
	c := s.Clone()
	c.Parameters["a"] = 2
	assert.Equal(t, 1, s.Parameters["a"])
}
