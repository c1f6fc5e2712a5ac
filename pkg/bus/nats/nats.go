// Package nats 提供基于NATS核心发布订阅的消息总线实现
package nats

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenxilol/gorelay/internal/metrics"
	"github.com/chenxilol/gorelay/pkg/bus"

	"github.com/nats-io/nats.go"
)

const busName = "nats"

var ErrPublishTimeout = errors.New("publish timeout")

// Config NATS连接配置选项
type Config struct {
	// 连接地址，例如 nats://localhost:4222
	URLs []string `mapstructure:"urls"`

	// 连接名称，用于标识客户端
	Name string `mapstructure:"name"`

	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`

	// 最大重连次数，-1表示无限重连
	MaxReconnects int `mapstructure:"max_reconnects"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// 发布超时，以及向订阅通道投递的最长等待
	OpTimeout time.Duration `mapstructure:"op_timeout"`

	// 主题前缀
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		URLs:           []string{nats.DefaultURL},
		Name:           "gorelay",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		OpTimeout:      500 * time.Millisecond,
		SubjectPrefix:  "gorelay.",
	}
}

// NatsBus 基于NATS的消息总线实现
type NatsBus struct {
	conn       *nats.Conn
	cfg        Config
	mu         sync.Mutex
	closed     bool
	subs       map[string]*subscription
	reconnects uint64
}

type subscription struct {
	sub  *nats.Subscription
	done chan struct{} // 关闭后转发goroutine退出并关闭输出通道
	once sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() {
		_ = s.sub.Unsubscribe()
		close(s.done)
	})
}

// New 创建一个新的NatsBus实例
func New(cfg Config) (*NatsBus, error) {
	nb := &NatsBus{
		cfg:  cfg,
		subs: make(map[string]*subscription),
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			atomic.AddUint64(&nb.reconnects, 1)
			metrics.BusReconnect(busName)
			slog.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("nats connection closed")
		}),
	}

	serverURL := nats.DefaultURL
	if len(cfg.URLs) > 0 {
		// 多个地址时NATS客户端会自动选择其中一个连接
		serverURL = strings.Join(cfg.URLs, ",")
	}

	nc, err := nats.Connect(serverURL, opts...)
	if err != nil {
		return nil, err
	}
	nb.conn = nc

	slog.Info("connected to nats", "urls", cfg.URLs)
	return nb, nil
}

func (n *NatsBus) subject(topic string) string {
	return n.cfg.SubjectPrefix + topic
}

// Publish 实现MessageBus.Publish
func (n *NatsBus) Publish(ctx context.Context, topic string, data []byte) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()

	if closed {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	if err := ctx.Err(); err != nil {
		return ErrPublishTimeout
	}

	if err := n.conn.Publish(n.subject(topic), data); err != nil {
		metrics.BusPublishError(busName)
		slog.Debug("nats publish failed", "topic", topic, "error", err)
		return bus.ErrPublishFailed
	}
	return nil
}

// Subscribe 实现MessageBus.Subscribe，订阅NATS主题
func (n *NatsBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, bus.ErrBusClosed
	}

	msgCh := make(chan *nats.Msg, 100)
	sub, err := n.conn.ChanSubscribe(n.subject(topic), msgCh)
	if err != nil {
		return nil, err
	}
	// 确保服务器已经处理了订阅，之后的发布都能送达
	if err := n.conn.FlushTimeout(n.cfg.ConnectTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	if prev, ok := n.subs[topic]; ok {
		prev.stop()
	}
	s := &subscription{sub: sub, done: make(chan struct{})}
	n.subs[topic] = s

	outCh := make(chan []byte, 100)
	go n.forward(ctx, topic, s, msgCh, outCh)

	slog.Info("subscribed to nats subject", "subject", n.subject(topic))
	return outCh, nil
}

// forward 把NATS消息投递到输出通道，直到ctx结束或订阅被取消
func (n *NatsBus) forward(ctx context.Context, topic string, s *subscription, msgCh <-chan *nats.Msg, outCh chan<- []byte) {
	defer close(outCh)

	for {
		select {
		case <-ctx.Done():
			n.mu.Lock()
			if n.subs[topic] == s {
				delete(n.subs, topic)
			}
			n.mu.Unlock()
			s.stop()
			return
		case <-s.done:
			return
		case msg := <-msgCh:
			data := make([]byte, len(msg.Data))
			copy(data, msg.Data)

			select {
			case outCh <- data:
			case <-s.done:
				return
			case <-time.After(n.cfg.OpTimeout):
				slog.Warn("timeout sending message to subscriber channel", "topic", topic)
				metrics.BusSubscribeError(busName)
			}
		}
	}
}

// Unsubscribe 实现MessageBus.Unsubscribe，取消NATS订阅
func (n *NatsBus) Unsubscribe(topic string) error {
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if s, ok := n.subs[topic]; ok {
		s.stop()
		delete(n.subs, topic)
	}
	return nil
}

// GetReconnectCount 获取重连次数
func (n *NatsBus) GetReconnectCount() uint64 {
	return atomic.LoadUint64(&n.reconnects)
}

// Close 实现MessageBus.Close，关闭NATS连接
func (n *NatsBus) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	for topic, s := range n.subs {
		s.stop()
		delete(n.subs, topic)
	}
	n.conn.Close()
	return nil
}

// 确保NatsBus实现了MessageBus接口
var _ bus.MessageBus = (*NatsBus)(nil)
