package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/sdl-simulator/internal/device"
	"github.com/wfunc/sdl-simulator/internal/event"
	"github.com/wfunc/sdl-simulator/internal/models"
	"github.com/wfunc/sdl-simulator/internal/repository"
)

const (
	quietSDL  = `{"simulation":{"latency_ms":0,"fail_rate":0,"enable_noise":false,"noise_range":0}}`
	brokenSDL = `{"simulation":{"latency_ms":0,"fail_rate":1,"enable_noise":false,"noise_range":0}}`
)

type RecorderTestSuite struct {
	suite.Suite
	repo     repository.DeviceRecordRepository
	recorder *Recorder
	manager  *device.Manager
	sub      *event.Subscription
	ctx      context.Context
}

func (s *RecorderTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.repo = repository.NewDeviceRecordRepository(repository.SetupTestDB(s.T()))
	s.recorder = NewRecorder(s.repo, nil)
	s.manager = device.NewManager(event.NewBus(64, nil))
	s.sub = s.manager.Subscribe()
}

func (s *RecorderTestSuite) TearDownTest() {
	s.sub.Close()
}

// apply 同步处理当前积压的全部事件
func (s *RecorderTestSuite) apply() {
	for {
		ev, ok, err := s.sub.TryRecv()
		s.Require().NoError(err)
		if !ok {
			return
		}
		s.Require().NoError(s.recorder.Handle(s.ctx, ev))
	}
}

func (s *RecorderTestSuite) record(id string) *models.DeviceRecord {
	rec, err := s.repo.GetByDeviceID(s.ctx, id)
	s.Require().NoError(err)
	return rec
}

func (s *RecorderTestSuite) TestCreateAndComplete() {
	_, err := s.manager.CreateDevice("sdl", "sdl-1", json.RawMessage(quietSDL))
	s.Require().NoError(err)
	s.apply()

	rec := s.record("sdl-1")
	s.Equal("sdl", rec.Type)
	s.Equal(models.DeviceRecordIdle, rec.Status)
	s.Equal(string(event.EventDeviceCreated), rec.LastEvent)
	s.Contains(rec.Config, "simulation")

	_, err = s.manager.ExecuteOperation("sdl-1", "move", map[string]interface{}{"position": 12.5})
	s.Require().NoError(err)
	s.apply()

	rec = s.record("sdl-1")
	s.Equal(models.DeviceRecordIdle, rec.Status)
	s.Equal("move", rec.LastOperation)
	s.Equal(string(event.EventOperationCompleted), rec.LastEvent)
	s.Equal(int64(1), rec.OperationCount)
	s.Zero(rec.ErrorCount)
}

func (s *RecorderTestSuite) TestHardwareFailureThenReset() {
	_, err := s.manager.CreateDevice("sdl", "sdl-2", json.RawMessage(brokenSDL))
	s.Require().NoError(err)

	_, err = s.manager.ExecuteOperation("sdl-2", "measure", nil)
	s.Require().Error(err)
	s.apply()

	rec := s.record("sdl-2")
	s.Equal(models.DeviceRecordError, rec.Status)
	s.Equal(string(event.EventStatusChanged), rec.LastEvent)
	s.NotEmpty(rec.LastError)
	s.Equal(int64(1), rec.ErrorCount)
	s.Contains(rec.Parameters, "last_error")

	s.Require().NoError(s.manager.ResetDevice("sdl-2"))
	s.apply()

	rec = s.record("sdl-2")
	s.Equal(models.DeviceRecordIdle, rec.Status)
	s.Empty(rec.Parameters)
}

func (s *RecorderTestSuite) TestInvalidParameterKeepsIdle() {
	_, err := s.manager.CreateDevice("sdl", "sdl-3", json.RawMessage(quietSDL))
	s.Require().NoError(err)

	_, err = s.manager.ExecuteOperation("sdl-3", "move", map[string]interface{}{"position": 1000.0})
	s.Require().Error(err)
	s.apply()

	rec := s.record("sdl-3")
	s.Equal(models.DeviceRecordIdle, rec.Status)
	s.Equal(string(event.EventErrorOccurred), rec.LastEvent)
	s.Equal(int64(1), rec.ErrorCount)
}

func (s *RecorderTestSuite) TestRemoveDeletesRecord() {
	_, err := s.manager.CreateDevice("cva", "cva-1", nil)
	s.Require().NoError(err)
	s.Require().NoError(s.manager.RemoveDevice("cva-1"))
	s.apply()

	_, err = s.repo.GetByDeviceID(s.ctx, "cva-1")
	s.ErrorIs(err, repository.ErrNotFound)

	// 记录已不存在时删除事件不报错
	s.NoError(s.recorder.Handle(s.ctx, event.New("cva-1", event.EventDeviceRemoved, nil)))
}

func (s *RecorderTestSuite) TestSyncAddsMissing() {
	_, err := s.manager.CreateDevice("cva", "cva-a", nil)
	s.Require().NoError(err)
	_, err = s.manager.CreateDevice("sdl", "sdl-a", json.RawMessage(quietSDL))
	s.Require().NoError(err)

	added, err := s.recorder.Sync(s.ctx, s.manager)
	s.Require().NoError(err)
	s.Equal(2, added)

	added, err = s.recorder.Sync(s.ctx, s.manager)
	s.Require().NoError(err)
	s.Zero(added)
	s.Equal("sync", s.record("sdl-a").LastEvent)
}

func TestRecorderSuite(t *testing.T) {
	suite.Run(t, new(RecorderTestSuite))
}

func TestRecorder_Run(t *testing.T) {
	repo := repository.NewDeviceRecordRepository(repository.SetupTestDB(t))
	recorder := NewRecorder(repo, nil)
	manager := device.NewManager(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sub := manager.Subscribe()
	go func() {
		recorder.Run(ctx, sub)
		close(done)
	}()

	_, err := manager.CreateDevice("sdl", "sdl-run", json.RawMessage(quietSDL))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := repo.GetByDeviceID(context.Background(), "sdl-run")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("记录器未退出")
	}
}

func TestStatusAfterError(t *testing.T) {
	assert.Equal(t, models.DeviceRecordError, statusAfterError("hardware_error"))
	assert.Equal(t, models.DeviceRecordError, statusAfterError("state_error"))
	assert.Equal(t, "", statusAfterError("busy"))
	assert.Equal(t, models.DeviceRecordIdle, statusAfterError("invalid_parameter"))
}

func TestDecodePayload(t *testing.T) {
	p, err := decodePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, p.State)

	p, err = decodePayload(42)
	require.NoError(t, err)
	assert.Empty(t, p.Operation)

	p, err = decodePayload(map[string]interface{}{
		"operation": "measure",
		"state":     device.DeviceState{Status: device.StatusError},
	})
	require.NoError(t, err)
	assert.Equal(t, "measure", p.Operation)
	require.NotNil(t, p.State)
	assert.Equal(t, "error", p.State.Status)
}
