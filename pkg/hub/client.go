package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenxilol/gorelay/internal/metrics"

	"github.com/gorilla/websocket"
)

// State 连接状态
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	WriteControl(int, []byte, time.Time) error
	SetReadLimit(int64)
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	SetPongHandler(func(string) error)
	Close() error
}

type Config struct {
	ReadTimeout      time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	PingPeriod       time.Duration `mapstructure:"ping_period" json:"ping_period"`
	ReadBufferSize   int           `mapstructure:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size" json:"write_buffer_size"`
	MaxMessageSize   int64         `mapstructure:"max_message_size" json:"max_message_size"`
	MessageBufferCap int           `mapstructure:"message_buffer_cap" json:"message_buffer_cap"`
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadBufferSize:   4 << 10,  // 4KB
		WriteBufferSize:  4 << 10,  // 4KB
		MaxMessageSize:   64 << 10, // 64KB
		MessageBufferCap: DefaultCapacity,
	}
}

// pingPeriod 未显式配置时取读超时的9/10，读超时为0时不发送心跳
func (c Config) pingPeriod() time.Duration {
	if c.PingPeriod > 0 {
		return c.PingPeriod
	}
	return c.ReadTimeout * 9 / 10
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// Client 一个客户端连接。读半部只由readLoop使用，写半部只由writeLoop使用。
type Client struct {
	id      string
	conn    WSConn
	hub     *Hub
	sub     *Subscription
	history *History
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     Config
	onClose func(string) // 关闭时的回调函数，只调用一次
	closed  sync.Once
	done    chan struct{}
	state   atomic.Int32
}

// NewClient 订阅Hub并启动读写两个循环
func NewClient(ctx context.Context, id string, conn WSConn, h *Hub, history *History, cfg Config, onClose func(string)) *Client {
	clientCtx, cancel := context.WithCancel(ctx)

	client := &Client{
		id:      id,
		conn:    conn,
		hub:     h,
		history: history,
		ctx:     clientCtx,
		cancel:  cancel,
		cfg:     cfg,
		onClose: onClose,
		done:    make(chan struct{}),
	}
	client.state.Store(int32(StateConnecting))

	// 先订阅再开始读，保证客户端能收到自己发出的第一条消息
	client.sub = h.Subscribe()
	client.state.Store(int32(StateActive))

	go client.readLoop()
	go client.writeLoop()

	return client
}

func (c *Client) readLoop() {
	defer c.shutdown()

	if c.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(deadline(c.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(deadline(c.cfg.ReadTimeout))
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if IsWebsocketCloseError(err) || c.ctx.Err() != nil {
				slog.Debug("client closed connection", "client_id", c.id)
			} else {
				slog.Warn("read failed", "client_id", c.id, "error", err)
				metrics.RecordError()
			}
			return
		}
		_ = c.conn.SetReadDeadline(deadline(c.cfg.ReadTimeout))

		if msgType != websocket.TextMessage {
			slog.Debug("ignoring non-text message", "client_id", c.id, "type", msgType)
			continue
		}

		c.relay(message)
	}
}

// relay 记录消息并原样发布到Hub
func (c *Client) relay(message []byte) {
	metrics.MessageReceived(float64(len(message)))
	if c.history != nil {
		c.history.Append(c.id, string(message))
	}
	slog.Info("message received", "client_id", c.id, "size", len(message))

	if _, err := c.hub.Publish(NewTextFrame(c.id, message)); err != nil {
		slog.Warn("failed to broadcast message", "client_id", c.id, "error", err)
		metrics.BroadcastDropped()
	}
}

func (c *Client) writeLoop() {
	defer c.shutdown()

	var pingC <-chan time.Time
	if period := c.cfg.pingPeriod(); period > 0 {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-pingC:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline(c.cfg.WriteTimeout)); err != nil {
				slog.Info("ping failed", "error", err, "client_id", c.id)
				return
			}

		case <-c.sub.Ready():
			if err := c.flush(); err != nil {
				if errors.Is(err, ErrHubClosed) || errors.Is(err, ErrSubscriptionClosed) {
					slog.Debug("subscription ended", "client_id", c.id, "reason", err)
				} else {
					slog.Info("write failed", "error", err, "client_id", c.id)
				}
				return
			}
		}
	}
}

// flush 写出订阅中所有待发送的消息，落后时跳过丢失部分继续
func (c *Client) flush() error {
	for {
		frame, err := c.sub.TryRecv()

		var lagErr *LagError
		switch {
		case err == nil:
			_ = c.conn.SetWriteDeadline(deadline(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(frame.MsgType, frame.Data); err != nil {
				return err
			}
			metrics.MessageSent(float64(len(frame.Data)))
		case errors.Is(err, ErrEmpty):
			return nil
		case errors.As(err, &lagErr):
			slog.Warn("client lagging behind broadcast, messages skipped", "client_id", c.id, "skipped", lagErr.Skipped)
			metrics.SubscriberLagged(lagErr.Skipped)
		default:
			return err
		}
	}
}

func (c *Client) shutdown() {
	c.closed.Do(func() {
		c.state.Store(int32(StateClosed))
		c.cancel()
		c.sub.Close()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
		slog.Info("client disconnected", "client_id", c.id)
		close(c.done)
	})
}

// Shutdown 主动关闭连接
func (c *Client) Shutdown() {
	c.shutdown()
}

func IsWebsocketCloseError(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}

func (c *Client) ID() string {
	return c.id
}

// State 返回当前连接状态
func (c *Client) State() State {
	return State(c.state.Load())
}

// Done 连接关闭且onClose执行完毕后该通道被关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}
