// Package server 把Hub、连接计数器、历史记录和集群桥接组装成HTTP服务
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chenxilol/gorelay/configs"
	"github.com/chenxilol/gorelay/internal/metrics"
	internalwebsocket "github.com/chenxilol/gorelay/internal/websocket"
	"github.com/chenxilol/gorelay/pkg/bus"
	busamqp "github.com/chenxilol/gorelay/pkg/bus/amqp"
	busnats "github.com/chenxilol/gorelay/pkg/bus/nats"
	"github.com/chenxilol/gorelay/pkg/bus/noop"
	busredis "github.com/chenxilol/gorelay/pkg/bus/redis"
	"github.com/chenxilol/gorelay/pkg/cluster"
	"github.com/chenxilol/gorelay/pkg/hub"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// 请求体上限
const maxBroadcastBody = 1 << 20

type Server struct {
	config     *configs.Config
	hub        *hub.Hub
	registry   *hub.Registry
	history    *hub.History
	messageBus bus.MessageBus
	bridge     *cluster.Bridge
	upgrader   *websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	// 所有连接的父context，关闭服务器时取消
	ctx        context.Context
	cancel     context.CancelFunc
	bridgeDone chan struct{}
	closeOnce  sync.Once
}

// NewServer 创建服务器，集群模式下同时连接消息总线
func NewServer(cfg *configs.Config) (*Server, error) {
	if cfg == nil {
		def := configs.NewDefaultConfig()
		cfg = &def
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		hub:      hub.New(cfg.Server.Hub.MessageBufferCap),
		registry: hub.NewRegistry(),
		upgrader: internalwebsocket.NewUpgrader(cfg.Server.Hub, cfg.Server.AllowedOrigins),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.History.Enabled {
		s.history = hub.NewHistory(cfg.History.Seed...)
	}

	if cfg.Cluster.Enabled {
		messageBus, err := createMessageBus(cfg.Cluster)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create message bus: %w", err)
		}
		s.messageBus = messageBus
		s.bridge = cluster.NewBridge(s.hub, messageBus, cfg.Cluster.Bridge())
	}

	return s, nil
}

// createMessageBus 根据配置创建并返回一个 MessageBus 实例
func createMessageBus(c configs.Cluster) (bus.MessageBus, error) {
	switch c.BusType {
	case "redis":
		return busredis.New(c.Redis)
	case "nats":
		return busnats.New(c.NATS)
	case "amqp":
		return busamqp.New(c.AMQP)
	case "noop", "":
		return noop.New(), nil
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", c.BusType)
	}
}

// Hub 返回服务器使用的Hub
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Registry 返回连接计数器
func (s *Server) Registry() *hub.Registry {
	return s.registry
}

// ClusterReady 集群桥接订阅总线后关闭，单节点模式下立即返回
func (s *Server) ClusterReady() <-chan struct{} {
	if s.bridge == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.bridge.Ready()
}

// Handler 返回注册了所有路由的HTTP处理器
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	// 兼容直接连接根路径的客户端
	r.Get("/", s.handleRoot)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/history", s.handleHistory)
	r.Post("/api/broadcast", s.handleBroadcast)

	return r
}

// listen 绑定监听地址，失败时启动中止
func (s *Server) listen() error {
	ln, err := net.Listen("tcp", s.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Server.Addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.bridge != nil {
		s.bridgeDone = make(chan struct{})
		go func() {
			defer close(s.bridgeDone)
			if err := s.bridge.Run(s.ctx); err != nil {
				slog.Error("cluster bridge failed", "error", err)
			}
		}()
	}

	slog.Info("relay server listening", "address", ln.Addr().String(), "cluster", s.bridge != nil)
	return nil
}

// Start 绑定地址并在后台提供服务
func (s *Server) Start() error {
	if err := s.listen(); err != nil {
		return err
	}

	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Run 提供服务直到ctx结束，然后优雅关闭
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := s.listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Addr 返回实际监听的地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Server.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown 关闭HTTP服务、所有连接、Hub和消息总线
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		slog.Info("Shutting down relay server...")

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}

		// 已升级的连接不受http.Server管理，通过context关闭
		s.cancel()
		if closeErr := s.hub.Close(); closeErr != nil {
			slog.Error("Failed to close hub", "error", closeErr)
		}

		if s.bridgeDone != nil {
			select {
			case <-s.bridgeDone:
			case <-ctx.Done():
			}
		}
		if s.messageBus != nil {
			if closeErr := s.messageBus.Close(); closeErr != nil {
				slog.Error("Failed to close message bus", "error", closeErr)
			}
		}
	})
	return err
}

// handleRoot 根路径只接受WebSocket握手，普通HTTP请求不计入握手失败
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		slog.Debug("plain http request on websocket root", "remoteAddr", r.RemoteAddr)
		w.Header().Set("Sec-WebSocket-Version", "13")
		http.Error(w, "websocket endpoint, use ws://", http.StatusUpgradeRequired)
		return
	}
	s.handleWebSocket(w, r)
}

// handleWebSocket 完成握手，计数并启动连接的读写循环
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade已经写回了HTTP错误
		slog.Warn("websocket handshake failed", "error", err, "remoteAddr", r.RemoteAddr)
		metrics.HandshakeFailed()
		return
	}

	clientID := uuid.NewString()
	active := s.registry.Inc()
	metrics.ClientConnected()
	slog.Info("client connected", "client_id", clientID, "active", active, "remoteAddr", r.RemoteAddr)

	onClose := func(id string) {
		left := s.registry.Dec()
		metrics.ClientDisconnected()
		slog.Info("connection closed", "client_id", id, "active", left)
	}

	hub.NewClient(s.ctx, clientID, internalwebsocket.NewGorillaConn(conn), s.hub, s.history, s.config.Server.Hub, onClose)
}

// handleHealth 处理健康检查
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.config.Version,
		"time":    time.Now().Format(time.RFC3339),
	})
}

// Stats /stats 的响应
type Stats struct {
	ActiveConnections int64  `json:"active_connections"`
	TotalConnections  uint64 `json:"total_connections"`
	Subscribers       int    `json:"subscribers"`
	Capacity          int    `json:"capacity"`
	Published         uint64 `json:"published"`
	HistoryLen        int    `json:"history_len"`
	NodeID            string `json:"node_id,omitempty"`
	Forwarded         uint64 `json:"forwarded,omitempty"`
	Received          uint64 `json:"received,omitempty"`
}

func (s *Server) Stats() Stats {
	st := Stats{
		ActiveConnections: s.registry.Active(),
		TotalConnections:  s.registry.Total(),
		Subscribers:       s.hub.Subscribers(),
		Capacity:          s.hub.Capacity(),
		Published:         s.hub.Published(),
	}
	if s.history != nil {
		st.HistoryLen = s.history.Len()
	}
	if s.bridge != nil {
		st.NodeID = s.bridge.NodeID()
		st.Forwarded = s.bridge.Forwarded()
		st.Received = s.bridge.Received()
	}
	return st
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

// handleHistory 返回最近的消息记录，limit缺省时返回全部
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.history.Snapshot(limit))
}

// handleBroadcast 由服务端向所有连接广播一条文本消息
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var requestBody struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBroadcastBody)).Decode(&requestBody); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if requestBody.Message == "" {
		http.Error(w, "Message field cannot be empty", http.StatusBadRequest)
		return
	}

	if s.history != nil {
		s.history.Append("", requestBody.Message)
	}
	n, err := s.hub.Publish(hub.NewTextFrame("", []byte(requestBody.Message)))
	switch {
	case errors.Is(err, hub.ErrNoSubscribers):
		slog.Warn("broadcast dropped, no subscribers")
		metrics.BroadcastDropped()
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("Failed to broadcast message via API", "error", err)
		http.Error(w, "Failed to broadcast message", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"receivers": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
