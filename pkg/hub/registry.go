package hub

import (
	"log/slog"
	"sync/atomic"
)

// Registry 进程级的活跃连接计数器，只用于日志和监控
type Registry struct {
	active atomic.Int64
	total  atomic.Uint64
}

// NewRegistry 创建连接计数器
func NewRegistry() *Registry {
	return &Registry{}
}

// Inc 握手成功后调用，返回当前活跃连接数
func (r *Registry) Inc() int64 {
	r.total.Add(1)
	return r.active.Add(1)
}

// Dec 连接结束时调用，计数不会小于0
func (r *Registry) Dec() int64 {
	for {
		cur := r.active.Load()
		if cur <= 0 {
			slog.Error("connection registry decremented below zero, ignoring")
			return 0
		}
		if r.active.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// Active 当前活跃连接数
func (r *Registry) Active() int64 {
	return r.active.Load()
}

// Total 启动以来接受的连接总数
func (r *Registry) Total() uint64 {
	return r.total.Load()
}
