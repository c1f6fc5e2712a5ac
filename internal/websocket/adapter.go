// Package websocket 提供gorilla/websocket到hub.WSConn的适配以及握手配置
package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/chenxilol/gorelay/pkg/hub"

	"github.com/gorilla/websocket"
)

// GorillaConn 适配gorilla/websocket到WSConn接口
type GorillaConn struct {
	*websocket.Conn
}

// 确保GorillaConn实现了WSConn接口
var _ hub.WSConn = (*GorillaConn)(nil)

// NewGorillaConn 创建一个新的gorilla适配器
func NewGorillaConn(conn *websocket.Conn) *GorillaConn {
	return &GorillaConn{Conn: conn}
}

// NewUpgrader 根据Hub配置创建握手用的Upgrader。
// allowedOrigins为空时接受任意来源。
func NewUpgrader(cfg hub.Config, allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     OriginChecker(allowedOrigins),
	}
}

// OriginChecker 返回检查Origin头的函数，比较时忽略大小写。
// 没有Origin头的请求（非浏览器客户端）总是放行。
func OriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}

	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// 常量定义
const (
	TextMessage  = websocket.TextMessage
	CloseMessage = websocket.CloseMessage

	CloseNormalClosure = websocket.CloseNormalClosure
)

// FormatCloseMessage 格式化WebSocket关闭消息
func FormatCloseMessage(closeCode int, text string) []byte {
	return websocket.FormatCloseMessage(closeCode, text)
}
