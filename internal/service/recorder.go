package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/wfunc/sdl-simulator/internal/device"
	"github.com/wfunc/sdl-simulator/internal/errors"
	"github.com/wfunc/sdl-simulator/internal/event"
	"github.com/wfunc/sdl-simulator/internal/logger"
	"github.com/wfunc/sdl-simulator/internal/models"
	"github.com/wfunc/sdl-simulator/internal/repository"
	"go.uber.org/zap"
)

// Registry 提供当前已注册设备列表
type Registry interface {
	ListDevices() []device.DeviceInfo
}

// Recorder 订阅设备事件，将登记表镜像到数据库
type Recorder struct {
	repo    repository.DeviceRecordRepository
	timeout time.Duration
	logger  *zap.Logger
}

// eventPayload 各类事件数据的并集
type eventPayload struct {
	Type      string                 `json:"type"`
	Config    map[string]interface{} `json:"config"`
	Operation string                 `json:"operation"`
	Error     *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
	State *struct {
		Status     string                 `json:"status"`
		Parameters map[string]interface{} `json:"parameters"`
	} `json:"state"`
}

// NewRecorder 创建记录器
func NewRecorder(repo repository.DeviceRecordRepository, log *zap.Logger) *Recorder {
	if log == nil {
		log = logger.GetModuleLogger("database")
	}
	return &Recorder{
		repo:    repo,
		timeout: 5 * time.Second,
		logger:  log,
	}
}

// Sync 补齐已存在但尚无记录的设备，返回新增数量
func (r *Recorder) Sync(ctx context.Context, registry Registry) (int, error) {
	added := 0
	for _, info := range registry.ListDevices() {
		_, err := r.repo.GetByDeviceID(ctx, info.ID)
		if err == nil {
			continue
		}
		if !stderrors.Is(err, repository.ErrNotFound) {
			return added, err
		}
		if err := r.repo.Upsert(ctx, &models.DeviceRecord{
			DeviceID:  info.ID,
			Type:      info.Type,
			Status:    info.Status.String(),
			LastEvent: "sync",
		}); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// Run 持续处理订阅中的事件，订阅关闭或 ctx 结束时返回
func (r *Recorder) Run(ctx context.Context, sub *event.Subscription) {
	defer sub.Close()

	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lagged *event.LaggedError
			if stderrors.As(err, &lagged) {
				r.logger.Warn("设备记录落后，部分事件未落库", zap.Uint64("missed", lagged.Missed))
				continue
			}
			r.logger.Info("设备记录结束", zap.Error(err))
			return
		}

		opCtx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := r.Handle(opCtx, ev); err != nil {
			r.logger.Warn("设备事件落库失败",
				zap.String("device_id", ev.DeviceID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err))
		}
		cancel()
	}
}

// Handle 将单个事件应用到设备记录
func (r *Recorder) Handle(ctx context.Context, ev event.Event) error {
	payload, err := decodePayload(ev.Data)
	if err != nil {
		return err
	}

	start := time.Now()
	table := models.DeviceRecord{}.TableName()

	switch ev.Type {
	case event.EventDeviceCreated:
		err = r.repo.Upsert(ctx, &models.DeviceRecord{
			DeviceID:    ev.DeviceID,
			Type:        payload.Type,
			Status:      models.DeviceRecordIdle,
			Config:      models.JSONMap(payload.Config),
			LastEvent:   string(ev.Type),
			LastEventAt: ev.Timestamp,
		})
		logger.LogDatabaseOperation("upsert", table, time.Since(start), err)
		return err

	case event.EventDeviceRemoved:
		err = r.repo.Delete(ctx, ev.DeviceID)
		if stderrors.Is(err, repository.ErrNotFound) {
			err = nil
		}
		logger.LogDatabaseOperation("delete", table, time.Since(start), err)
		return err
	}

	update, ok := updateFor(ev, payload)
	if !ok {
		return nil
	}
	err = r.repo.RecordEvent(ctx, ev.DeviceID, update)
	logger.LogDatabaseOperation("update", table, time.Since(start), err)
	return err
}

// updateFor 事件到记录变更的映射
func updateFor(ev event.Event, p *eventPayload) (repository.EventUpdate, bool) {
	update := repository.EventUpdate{
		Event:     string(ev.Type),
		At:        ev.Timestamp,
		Operation: p.Operation,
	}

	switch ev.Type {
	case event.EventOperationStarted:
		update.Status = models.DeviceRecordBusy
	case event.EventOperationCompleted:
		update.Status = models.DeviceRecordIdle
		update.CountOperation = true
	case event.EventErrorOccurred:
		update.CountOperation = true
		update.CountError = true
		if p.Error != nil {
			update.Error = p.Error.Message
			update.Status = statusAfterError(errors.Kind(p.Error.Kind))
		}
	case event.EventStatusChanged:
		if p.State == nil {
			return update, false
		}
		update.Status = p.State.Status
		update.Parameters = p.State.Parameters
		if update.Parameters == nil {
			update.Parameters = map[string]interface{}{}
		}
	default:
		return update, false
	}
	return update, true
}

// statusAfterError 失败后的设备状态；忙碌时由正在执行的操作决定，保持不变
func statusAfterError(kind errors.Kind) string {
	switch kind {
	case errors.KindHardware, errors.KindSystem, errors.KindTimeout, errors.KindState:
		return models.DeviceRecordError
	case errors.KindBusy:
		return ""
	default:
		return models.DeviceRecordIdle
	}
}

// decodePayload 事件数据统一经JSON归一化
func decodePayload(data interface{}) (*eventPayload, error) {
	p := &eventPayload{}
	if data == nil {
		return p, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("序列化事件数据失败: %w", err)
	}
	// 非对象数据按空负载处理
	if len(raw) == 0 || raw[0] != '{' {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("解析事件数据失败: %w", err)
	}
	return p, nil
}
