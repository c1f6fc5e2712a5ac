// Package cluster 通过消息总线把多个中继进程连成一个广播域
package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenxilol/gorelay/internal/metrics"
	"github.com/chenxilol/gorelay/internal/utils"
	"github.com/chenxilol/gorelay/pkg/bus"
	"github.com/chenxilol/gorelay/pkg/hub"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultTopic 广播使用的总线主题
const DefaultTopic = "broadcast"

// Config 集群桥接配置
type Config struct {
	NodeID     string        `mapstructure:"node_id"`
	Topic      string        `mapstructure:"topic"`
	BusTimeout time.Duration `mapstructure:"bus_timeout"`
	DedupTTL   time.Duration `mapstructure:"dedup_ttl"`
	// 只用作指标标签
	BusName string        `mapstructure:"-"`
	Backoff utils.Backoff `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		Topic:      DefaultTopic,
		BusTimeout: 5 * time.Second,
		DedupTTL:   30 * time.Second,
		BusName:    "noop",
		Backoff:    subscribeBackoff(),
	}
}

// subscribeBackoff 总线订阅一直重试直到ctx结束，间隔比默认值更长
func subscribeBackoff() utils.Backoff {
	b := utils.DefaultBackoff()
	b.Initial = time.Second
	b.Max = 30 * time.Second
	b.Retries = -1
	return b
}

// Bridge 把本节点产生的消息转发到总线，并把其他节点的消息注入本地Hub
type Bridge struct {
	hub   *hub.Hub
	bus   bus.MessageBus
	cfg   Config
	dedup *Deduplicator

	forwarded atomic.Uint64
	received  atomic.Uint64

	ready     chan struct{}
	readyOnce sync.Once
}

// NewBridge 创建桥接，NodeID为空时生成一个随机ID
func NewBridge(h *hub.Hub, b bus.MessageBus, cfg Config) *Bridge {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.BusTimeout <= 0 {
		cfg.BusTimeout = 5 * time.Second
	}
	if cfg.Backoff == (utils.Backoff{}) {
		cfg.Backoff = subscribeBackoff()
	}
	return &Bridge{
		hub:   h,
		bus:   b,
		cfg:   cfg,
		dedup: NewDeduplicator(cfg.DedupTTL),
		ready: make(chan struct{}),
	}
}

// Ready 第一次成功订阅总线后关闭
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

func (b *Bridge) NodeID() string {
	return b.cfg.NodeID
}

// Forwarded 已转发到总线的消息数
func (b *Bridge) Forwarded() uint64 {
	return b.forwarded.Load()
}

// Received 从总线注入本地Hub的消息数
func (b *Bridge) Received() uint64 {
	return b.received.Load()
}

// Run 运行桥接直到ctx结束或Hub关闭
func (b *Bridge) Run(ctx context.Context) error {
	// 先订阅Hub，之后本地发布的消息都会被转发
	sub := b.hub.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("cluster bridge started", "node_id", b.cfg.NodeID, "topic", b.cfg.Topic, "bus", b.cfg.BusName)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return b.outbound(gctx, sub)
	})
	g.Go(func() error {
		defer cancel()
		return b.inbound(gctx)
	})

	err := g.Wait()
	_ = b.bus.Unsubscribe(b.cfg.Topic)
	slog.Info("cluster bridge stopped", "node_id", b.cfg.NodeID)
	return err
}

// outbound 把本节点产生的消息发布到总线
func (b *Bridge) outbound(ctx context.Context, sub *hub.Subscription) error {
	for {
		frame, err := sub.Recv(ctx)
		if err != nil {
			var lagErr *hub.LagError
			switch {
			case errors.As(err, &lagErr):
				slog.Warn("cluster bridge lagging, frames not forwarded", "skipped", lagErr.Skipped)
				metrics.SubscriberLagged(lagErr.Skipped)
				continue
			case errors.Is(err, hub.ErrHubClosed), ctx.Err() != nil:
				return nil
			default:
				return err
			}
		}

		// 来自总线的消息不再转发
		if !frame.IsLocal() {
			continue
		}
		b.forward(ctx, frame)
	}
}

func (b *Bridge) forward(ctx context.Context, frame hub.Frame) {
	msg := bus.NewMessage(b.cfg.NodeID, frame.Data)
	data, err := msg.Marshal()
	if err != nil {
		slog.Error("failed to marshal bus message", "error", err)
		metrics.RecordError()
		return
	}
	b.dedup.Seen(msg.ID)

	pubCtx, cancel := context.WithTimeout(ctx, b.cfg.BusTimeout)
	defer cancel()

	if err := b.bus.Publish(pubCtx, b.cfg.Topic, data); err != nil {
		slog.Warn("failed to publish broadcast via bus", "error", err)
		return
	}
	b.forwarded.Add(1)
}

// inbound 订阅总线，订阅通道关闭后重新订阅
func (b *Bridge) inbound(ctx context.Context) error {
	for {
		var ch <-chan []byte
		err := utils.RetryWithBackoff(ctx, "subscribe "+b.cfg.Topic, b.cfg.Backoff, func() error {
			var err error
			ch, err = b.bus.Subscribe(ctx, b.cfg.Topic)
			if err != nil {
				metrics.BusSubscribeError(b.cfg.BusName)
				slog.Warn("failed to subscribe to broadcast topic, retrying", "error", err)
			}
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.RecordCriticalError("failed_to_subscribe_broadcast")
			return err
		}
		slog.Info("subscribed to broadcast topic", "topic", b.cfg.Topic)
		b.readyOnce.Do(func() { close(b.ready) })

		if done := b.consume(ctx, ch); done {
			return nil
		}
		slog.Warn("broadcast channel closed, resubscribing")
	}
}

// consume 处理总线消息，返回true表示应当停止
func (b *Bridge) consume(ctx context.Context, ch <-chan []byte) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case data, ok := <-ch:
			if !ok {
				return ctx.Err() != nil
			}
			if err := b.deliver(data); errors.Is(err, hub.ErrHubClosed) {
				return true
			}
		}
	}
}

// deliver 把一条总线消息注入本地Hub
func (b *Bridge) deliver(data []byte) error {
	msg, err := bus.UnmarshalMessage(data)
	if err != nil {
		slog.Error("failed to unmarshal bus message", "error", err)
		metrics.RecordError()
		return nil
	}

	if msg.NodeID == b.cfg.NodeID {
		return nil
	}
	if b.dedup.Seen(msg.ID) {
		slog.Debug("ignoring duplicate bus message", "id", msg.ID)
		return nil
	}
	metrics.ObserveBusLatency(b.cfg.BusName, msg.Latency())

	frame := hub.NewTextFrame("", msg.Data)
	frame.Origin = msg.NodeID
	if _, err := b.hub.Publish(frame); err != nil {
		slog.Debug("failed to publish bus message locally", "error", err)
		return err
	}
	b.received.Add(1)
	slog.Debug("processed bus broadcast message", "id", msg.ID, "source_node", msg.NodeID)
	return nil
}
