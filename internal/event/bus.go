package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultCapacity 每个订阅者的默认缓冲容量
const DefaultCapacity = 100

// ErrClosed 订阅已关闭且缓冲区已取空
var ErrClosed = errors.New("事件订阅已关闭")

// LaggedError 订阅者消费过慢，最旧的事件被丢弃
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("订阅者落后，丢弃了 %d 个事件", e.Missed)
}

// IsLagged 判断是否为丢弃通知
func IsLagged(err error) bool {
	var lagged *LaggedError
	return errors.As(err, &lagged)
}

// Bus 设备事件广播总线
//
// Publish 从不阻塞也不失败；每个订阅者拥有独立的环形缓冲区，
// 缓冲区满时覆盖最旧的事件并记录丢弃数。
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]*Subscription
	nextID   uint64
	capacity int
	closed   bool

	published atomic.Uint64
	logger    *zap.Logger
}

// NewBus 创建事件总线，capacity<=0 时使用默认容量
func NewBus(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:     make(map[uint64]*Subscription),
		capacity: capacity,
		logger:   logger,
	}
}

// Capacity 每个订阅者的缓冲容量
func (b *Bus) Capacity() int {
	return b.capacity
}

// Publish 广播事件，无订阅者时直接丢弃
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subs {
		if dropped := sub.push(ev); dropped {
			b.logger.Debug("订阅者缓冲区已满，丢弃最旧事件",
				zap.Uint64("subscriber", sub.id),
				zap.String("event_type", string(ev.Type)))
		}
	}
}

// Subscribe 创建新的订阅
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		buf:    make([]Event, b.capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub.id] = sub

	b.logger.Debug("新增事件订阅", zap.Uint64("subscriber", sub.id))
	return sub
}

// SubscriberCount 当前订阅者数量
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published 已发布事件总数（无订阅者时也计数）
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Close 关闭总线及所有订阅，已缓冲的事件仍可读取
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription 独立的事件接收端
type Subscription struct {
	id  uint64
	bus *Bus

	mu     sync.Mutex
	buf    []Event
	head   int // 最旧事件下标
	size   int
	missed uint64
	closed bool

	notify chan struct{}
	done   chan struct{}
}

// push 写入事件，缓冲区满时覆盖最旧事件，返回是否发生丢弃
func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	dropped := false
	capacity := len(s.buf)
	if s.size == capacity {
		s.buf[s.head] = ev
		s.head = (s.head + 1) % capacity
		s.missed++
		dropped = true
	} else {
		s.buf[(s.head+s.size)%capacity] = ev
		s.size++
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// TryRecv 非阻塞读取；无事件时 ok 为 false
func (s *Subscription) TryRecv() (ev Event, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.missed > 0 {
		missed := s.missed
		s.missed = 0
		return Event{}, false, &LaggedError{Missed: missed}
	}
	if s.size > 0 {
		ev = s.buf[s.head]
		s.buf[s.head] = Event{}
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		return ev, true, nil
	}
	if s.closed {
		return Event{}, false, ErrClosed
	}
	return Event{}, false, nil
}

// Recv 阻塞读取下一个事件
//
// 如果上次读取后有事件被丢弃，先返回 *LaggedError，随后继续返回保留的最旧事件。
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	for {
		ev, ok, err := s.TryRecv()
		if err != nil || ok {
			return ev, err
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// Len 当前缓冲的事件数
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
