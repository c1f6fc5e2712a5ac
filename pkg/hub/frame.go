// Package hub 提供消息中继的核心：广播Hub、连接计数器、历史记录和连接处理
package hub

import "github.com/gorilla/websocket"

// Frame 封装一条要中继的websocket消息
type Frame struct {
	MsgType  int    // websocket.TextMessage
	Data     []byte // 消息内容，发布后只读
	ClientID string // 发送者客户端ID（服务端注入的消息为空）
	Origin   string // 产生该消息的节点ID，本节点产生时为空
}

// NewTextFrame 创建一个文本帧
func NewTextFrame(clientID string, data []byte) Frame {
	return Frame{
		MsgType:  websocket.TextMessage,
		Data:     data,
		ClientID: clientID,
	}
}

// IsLocal 判断消息是否由本节点产生
func (f Frame) IsLocal() bool {
	return f.Origin == ""
}

// Text 返回消息的文本内容
func (f Frame) Text() string {
	return string(f.Data)
}

// Clone 返回数据独立的副本
func (f Frame) Clone() Frame {
	if f.Data != nil {
		data := make([]byte, len(f.Data))
		copy(data, f.Data)
		f.Data = data
	}
	return f
}
