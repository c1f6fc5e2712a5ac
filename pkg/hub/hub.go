package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoSubscribers      = errors.New("no active subscribers")
	ErrHubClosed          = errors.New("hub closed")
	ErrEmpty              = errors.New("no message pending")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// DefaultCapacity 每个订阅者可落后的最大消息数
const DefaultCapacity = 100

// LagError 订阅者落后超过Hub容量时返回，Skipped为被跳过的消息数
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d messages skipped", e.Skipped)
}

// closedCh 一个永远处于关闭状态的通道，用于Ready立即返回
var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Hub 多生产者多消费者的广播通道。
// 所有发布的消息进入同一个全局顺序，保存在固定容量的环形缓冲中，
// 每个订阅者只持有自己的读位置，因此发布者从不等待慢速订阅者。
type Hub struct {
	mu       sync.Mutex
	buf      []Frame
	head     uint64        // 下一条消息的序号，即已发布消息总数
	subs     int           // 活跃订阅者数量
	notify   chan struct{} // 每次发布时关闭并替换，唤醒等待的订阅者
	closed   bool
	capacity uint64
}

// New 创建一个容量为capacity的Hub
func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		buf:      make([]Frame, capacity),
		notify:   make(chan struct{}),
		capacity: uint64(capacity),
	}
}

// Publish 将消息广播给当前所有订阅者，返回接收者数量。
// 没有订阅者时返回ErrNoSubscribers，消息被丢弃。
func (h *Hub) Publish(f Frame) (int, error) {
	f = f.Clone()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrHubClosed
	}
	if h.subs == 0 {
		return 0, ErrNoSubscribers
	}

	h.buf[h.head%h.capacity] = f
	h.head++

	close(h.notify)
	h.notify = make(chan struct{})

	return h.subs, nil
}

// Subscribe 创建一个新的订阅者，只会收到此后发布的消息
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs++
	return &Subscription{hub: h, next: h.head}
}

// Subscribers 当前订阅者数量
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs
}

// Published 已发布的消息总数
func (h *Hub) Published() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.head
}

// Capacity 返回环形缓冲容量
func (h *Hub) Capacity() int {
	return int(h.capacity)
}

// Close 关闭Hub。订阅者读完已保留的消息后收到ErrHubClosed。
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	close(h.notify)
	return nil
}

// Subscription 一个订阅者的读游标
type Subscription struct {
	hub    *Hub
	next   uint64 // 下一条要读取的消息序号，受hub.mu保护
	closed bool   // 受hub.mu保护
}

// TryRecv 非阻塞读取下一条消息。
// 没有新消息时返回ErrEmpty；落后超过容量时返回*LagError并跳到最旧的保留消息。
func (s *Subscription) TryRecv() (Frame, error) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return Frame{}, ErrSubscriptionClosed
	}

	if s.next == h.head {
		if h.closed {
			return Frame{}, ErrHubClosed
		}
		return Frame{}, ErrEmpty
	}

	if h.head-s.next > h.capacity {
		oldest := h.head - h.capacity
		skipped := oldest - s.next
		s.next = oldest
		return Frame{}, &LagError{Skipped: skipped}
	}

	f := h.buf[s.next%h.capacity]
	s.next++
	return f, nil
}

// Ready 返回一个通道，当TryRecv可能取得进展时该通道被关闭
func (s *Subscription) Ready() <-chan struct{} {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed || h.closed || s.next != h.head {
		return closedCh
	}
	return h.notify
}

// Recv 阻塞等待下一条消息，直到ctx结束、订阅关闭或Hub关闭
func (s *Subscription) Recv(ctx context.Context) (Frame, error) {
	for {
		f, err := s.TryRecv()
		if !errors.Is(err, ErrEmpty) {
			return f, err
		}

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.Ready():
		}
	}
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	h.subs--
}
