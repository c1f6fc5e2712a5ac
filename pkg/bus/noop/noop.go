// Package noop 提供一个空操作的消息总线实现
package noop

import (
	"context"
	"sync"

	"github.com/chenxilol/gorelay/pkg/bus"
)

// NoopBus 是一个空操作的消息总线实现，直接丢弃消息
// 适用于单节点模式，不需要跨节点通信
type NoopBus struct {
	closed bool
	mu     sync.Mutex
	subs   map[string][]chan []byte
}

// New 创建一个新的NoopBus实例
func New() *NoopBus {
	return &NoopBus{subs: make(map[string][]chan []byte)}
}

// Publish 实现MessageBus.Publish，实际上不做任何事情，直接返回nil
func (n *NoopBus) Publish(ctx context.Context, topic string, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return bus.ErrBusClosed
	}

	if topic == "" {
		return bus.ErrTopicEmpty
	}

	return nil
}

// Subscribe 实现MessageBus.Subscribe，返回的通道不会收到消息，
// 在ctx结束、取消订阅或总线关闭时被关闭
func (n *NoopBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, bus.ErrBusClosed
	}

	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}

	ch := make(chan []byte)
	n.subs[topic] = append(n.subs[topic], ch)

	go func() {
		<-ctx.Done()
		n.release(topic, ch)
	}()

	return ch, nil
}

// release 关闭并移除一个订阅通道
func (n *NoopBus) release(topic string, ch chan []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	chans := n.subs[topic]
	for i, c := range chans {
		if c == ch {
			close(c)
			n.subs[topic] = append(chans[:i], chans[i+1:]...)
			return
		}
	}
}

// Unsubscribe 实现MessageBus.Unsubscribe，关闭该主题的所有订阅通道
func (n *NoopBus) Unsubscribe(topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if topic == "" {
		return bus.ErrTopicEmpty
	}

	for _, ch := range n.subs[topic] {
		close(ch)
	}
	delete(n.subs, topic)
	return nil
}

// Close 实现MessageBus.Close，标记为已关闭
func (n *NoopBus) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}

	n.closed = true
	for topic, chans := range n.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(n.subs, topic)
	}
	return nil
}

// 确保NoopBus实现了MessageBus接口
var _ bus.MessageBus = (*NoopBus)(nil)
