package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chenxilol/gorelay/internal/metrics"
	"github.com/chenxilol/gorelay/pkg/bus"

	"github.com/redis/go-redis/v9"
)

// Subscribe 实现MessageBus.Subscribe，订阅Redis频道。
// 返回前已确认订阅成功，之后发布的消息都会送达。
func (r *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, bus.ErrBusClosed
	}
	subCtx, cancel := context.WithCancel(ctx)
	if prev, ok := r.subs[topic]; ok {
		prev()
	}
	r.subs[topic] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	channel := r.formatKey(topic)
	pubsub, err := r.confirm(subCtx, channel)
	if err != nil {
		cancel()
		r.wg.Done()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	outCh := make(chan []byte, 100)
	go r.subscribeRoutine(subCtx, channel, pubsub, outCh)

	slog.Info("subscribed to redis channel", "channel", channel)
	return outCh, nil
}

// confirm 建立订阅并等待Redis的订阅确认
func (r *RedisBus) confirm(ctx context.Context, channel string) (*redis.PubSub, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return pubsub, nil
}

// subscribeRoutine 转发消息，连接断开后按RetryInterval重新订阅，直到ctx结束
func (r *RedisBus) subscribeRoutine(ctx context.Context, channel string, pubsub *redis.PubSub, outCh chan<- []byte) {
	defer r.wg.Done()
	defer close(outCh)

	for {
		r.forward(ctx, channel, pubsub.Channel(), outCh)
		_ = pubsub.Close()

		for {
			if !sleepCtx(ctx, r.cfg.RetryInterval) {
				return
			}

			var err error
			pubsub, err = r.confirm(ctx, channel)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("redis resubscribe failed", "channel", channel, "error", err)
			metrics.BusSubscribeError(busName)
		}

		atomic.AddUint64(&r.reconnects, 1)
		metrics.BusReconnect(busName)
		slog.Info("redis subscription recovered", "channel", channel)
	}
}

// forward 把Redis消息投递到输出通道，直到消息通道关闭或ctx结束
func (r *RedisBus) forward(ctx context.Context, channel string, msgCh <-chan *redis.Message, outCh chan<- []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				slog.Warn("redis subscription disconnected", "channel", channel)
				return
			}

			select {
			case outCh <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.OpTimeout):
				slog.Warn("timeout sending message to subscriber channel", "channel", channel)
				metrics.BusSubscribeError(busName)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
