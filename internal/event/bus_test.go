package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvWithTimeout(t *testing.T, sub *Subscription) (Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return sub.Recv(ctx)
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewBus(0, nil)
	assert.Equal(t, DefaultCapacity, bus.Capacity())

	// 无订阅者时直接丢弃，不阻塞
	for i := 0; i < 1000; i++ {
		bus.Publish(New("d", EventStatusChanged, nil))
	}
	assert.Equal(t, uint64(1000), bus.Published())
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBus_FanOutPreservesOrder(t *testing.T) {
	bus := NewBus(10, nil)
	a := bus.Subscribe()
	b := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())

	for i := 0; i < 5; i++ {
		bus.Publish(New(fmt.Sprintf("d%d", i), EventOperationStarted, i))
	}

	for _, sub := range []*Subscription{a, b} {
		for i := 0; i < 5; i++ {
			ev, err := recvWithTimeout(t, sub)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("d%d", i), ev.DeviceID)
			assert.Equal(t, i, ev.Data)
		}
	}
}

func TestBus_LaggedSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(3, nil)
	slow := bus.Subscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(New("d", EventOperationCompleted, i))
	}
	assert.Equal(t, 3, slow.Len())

	// 先收到丢弃通知
	_, err := recvWithTimeout(t, slow)
	require.Error(t, err)
	assert.True(t, IsLagged(err))
	var lagged *LaggedError
	require.True(t, errors.As(err, &lagged))
	assert.Equal(t, uint64(2), lagged.Missed)

	// 然后是保留的最新三个事件，按发布顺序
	for _, want := range []int{2, 3, 4} {
		ev, err := recvWithTimeout(t, slow)
		require.NoError(t, err)
		assert.Equal(t, want, ev.Data)
	}
}

func TestBus_RecvBlocksUntilPublish(t *testing.T) {
	bus := NewBus(4, nil)
	sub := bus.Subscribe()

	got := make(chan Event, 1)
	go func() {
		ev, err := recvWithTimeout(t, sub)
		if err == nil {
			got <- ev
		}
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(New("cva-1", EventDeviceCreated, nil))

	select {
	case ev := <-got:
		assert.Equal(t, "cva-1", ev.DeviceID)
		assert.Equal(t, EventDeviceCreated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("未收到事件")
	}
}

func TestBus_RecvContextCancel(t *testing.T) {
	bus := NewBus(4, nil)
	sub := bus.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBus_CloseDrainsThenErrClosed(t *testing.T) {
	bus := NewBus(4, nil)
	sub := bus.Subscribe()
	bus.Publish(New("d", EventDeviceRemoved, nil))
	bus.Close()

	ev, err := recvWithTimeout(t, sub)
	require.NoError(t, err)
	assert.Equal(t, EventDeviceRemoved, ev.Type)

	_, err = recvWithTimeout(t, sub)
	assert.ErrorIs(t, err, ErrClosed)

	// 关闭后的发布与订阅都是安全的
	bus.Publish(New("d", EventDeviceCreated, nil))
	late := bus.Subscribe()
	_, err = recvWithTimeout(t, late)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscription_Close(t *testing.T) {
	bus := NewBus(4, nil)
	sub := bus.Subscribe()
	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(New("d", EventDeviceCreated, nil))
	_, ok, err := sub.TryRecv()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	bus := NewBus(1000, nil)
	sub := bus.Subscribe()

	const publishers, perPublisher = 4, 100
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(New(fmt.Sprintf("d%d", p), EventStatusChanged, i))
			}
		}(p)
	}
	wg.Wait()

	// 每个发布者内部保持FIFO
	last := map[string]int{}
	for i := 0; i < publishers*perPublisher; i++ {
		ev, ok, err := sub.TryRecv()
		require.NoError(t, err)
		require.True(t, ok)
		seq := ev.Data.(int)
		if prev, seen := last[ev.DeviceID]; seen {
			assert.Greater(t, seq, prev)
		}
		last[ev.DeviceID] = seq
	}
}

func TestEventType_IsTerminal(t *testing.T) {
	assert.True(t, EventOperationCompleted.IsTerminal())
	assert.True(t, EventErrorOccurred.IsTerminal())
	assert.False(t, EventOperationStarted.IsTerminal())
}
