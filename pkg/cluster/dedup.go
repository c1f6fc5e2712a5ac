package cluster

import (
	"sync"
	"sync/atomic"
	"time"
)

// Deduplicator 记录一段时间内处理过的消息ID
type Deduplicator struct {
	cache       sync.Map // key=消息ID, value=time.Time
	count       uint64
	cleanupMu   sync.Mutex
	lastCleanup time.Time
	ttl         time.Duration
	now         func() time.Time
}

// NewDeduplicator 创建去重器，ttl<=0时使用30秒
func NewDeduplicator(ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Deduplicator{
		ttl:         ttl,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Seen 检查并标记消息ID，ID在ttl内出现过时返回true
func (d *Deduplicator) Seen(id string) bool {
	now := d.now()
	if v, loaded := d.cache.LoadOrStore(id, now); loaded {
		if at, ok := v.(time.Time); ok && now.Sub(at) <= d.ttl {
			return true
		}
		// 过期记录视为新消息
		d.cache.Store(id, now)
	}

	// 每处理100条消息，尝试清理过期的缓存
	if atomic.AddUint64(&d.count, 1)%100 == 0 {
		d.cleanExpired()
	}
	return false
}

// Len 当前缓存的ID数量
func (d *Deduplicator) Len() int {
	n := 0
	d.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (d *Deduplicator) cleanExpired() {
	// 避免多个goroutine同时清理
	if !d.cleanupMu.TryLock() {
		return
	}
	defer d.cleanupMu.Unlock()

	now := d.now()
	if now.Sub(d.lastCleanup) < d.ttl {
		return
	}
	d.lastCleanup = now

	d.cache.Range(func(key, value any) bool {
		at, ok := value.(time.Time)
		if !ok || now.Sub(at) > d.ttl {
			d.cache.Delete(key)
		}
		return true
	})
}
