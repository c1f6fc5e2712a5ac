// Package redis 提供基于Redis Pub/Sub的消息总线实现
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenxilol/gorelay/internal/metrics"
	"github.com/chenxilol/gorelay/pkg/bus"

	"github.com/redis/go-redis/v9"
)

const busName = "redis"

// Config Redis连接配置选项
type Config struct {
	// 连接地址 (单机模式、集群模式或哨兵模式)
	Addrs []string `mapstructure:"addrs"`

	// 密码，如果需要的话
	Password string `mapstructure:"password"`

	// 数据库编号 (仅单机模式和哨兵模式有效)
	DB int `mapstructure:"db"`

	// 哨兵模式的主节点名称
	MasterName string `mapstructure:"master_name"`

	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// 订阅断开后的重连间隔
	RetryInterval time.Duration `mapstructure:"retry_interval"`

	MaxRetries int `mapstructure:"max_retries"`

	// 发布超时，以及向订阅通道投递的最长等待
	OpTimeout time.Duration `mapstructure:"op_timeout"`

	// 频道前缀
	KeyPrefix string `mapstructure:"key_prefix"`

	// 模式: single(单机), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`
}

func DefaultConfig() Config {
	return Config{
		Addrs:         []string{"localhost:6379"},
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		RetryInterval: 200 * time.Millisecond,
		MaxRetries:    3,
		OpTimeout:     500 * time.Millisecond,
		KeyPrefix:     "gorelay:",
		Mode:          "single",
	}
}

type RedisBus struct {
	client     redis.UniversalClient // 通用客户端接口，兼容单机、哨兵和集群模式
	cfg        Config
	mu         sync.Mutex
	closed     bool
	subs       map[string]context.CancelFunc // 活跃订阅的取消函数
	wg         sync.WaitGroup
	reconnects uint64
}

// retryHook 记录go-redis内部的命令重试
type retryHook struct{}

func (retryHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			slog.Warn("redis dial failed", "addr", addr, "error", err)
		}
		return conn, err
	}
}

func (retryHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return next
}

func (retryHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func New(cfg Config) (*RedisBus, error) {
	if len(cfg.Addrs) == 0 {
		cfg.Addrs = []string{"localhost:6379"}
	}

	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	}

	switch cfg.Mode {
	case "sentinel":
		opts.MasterName = cfg.MasterName
	case "cluster", "single", "":
	default:
		return nil, fmt.Errorf("unsupported redis mode: %s", cfg.Mode)
	}

	client := redis.NewUniversalClient(opts)
	client.AddHook(retryHook{})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	slog.Info("connected to redis", "addrs", cfg.Addrs, "mode", cfg.Mode)
	return &RedisBus{
		client: client,
		cfg:    cfg,
		subs:   make(map[string]context.CancelFunc),
	}, nil
}

func (r *RedisBus) formatKey(topic string) string {
	return r.cfg.KeyPrefix + topic
}

// Publish 实现MessageBus.Publish，通过Redis PUBLISH发布消息。
// 没有订阅者在Redis Pub/Sub中是正常情况，不视为错误。
func (r *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	publishCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()

	if err := r.client.Publish(publishCtx, r.formatKey(topic), data).Err(); err != nil {
		metrics.BusPublishError(busName)
		slog.Debug("redis publish failed", "topic", topic, "error", err)
		return bus.ErrPublishFailed
	}
	return nil
}

// Unsubscribe 实现MessageBus.Unsubscribe，取消Redis订阅
func (r *RedisBus) Unsubscribe(topic string) error {
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.subs[topic]; ok {
		cancel()
		delete(r.subs, topic)
	}
	return nil
}

// GetReconnectCount 获取订阅重连次数
func (r *RedisBus) GetReconnectCount() uint64 {
	return atomic.LoadUint64(&r.reconnects)
}

// Close 实现MessageBus.Close，取消所有订阅并关闭Redis连接
func (r *RedisBus) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for topic, cancel := range r.subs {
		cancel()
		delete(r.subs, topic)
	}
	r.mu.Unlock()

	r.wg.Wait()
	return r.client.Close()
}

var _ bus.MessageBus = (*RedisBus)(nil)
