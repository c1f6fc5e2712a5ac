package hub

import (
	"sync"
	"time"
)

// Record 历史记录中的一条消息
type Record struct {
	Seq        uint64    `json:"seq"`
	ClientID   string    `json:"client_id,omitempty"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// History 只追加的消息历史，仅用于查看和测试，不参与广播
type History struct {
	mu      sync.Mutex
	records []Record
}

// NewHistory 创建历史记录，seed中的内容作为初始记录
func NewHistory(seed ...string) *History {
	h := &History{}
	for _, text := range seed {
		h.Append("", text)
	}
	return h
}

// Append 追加一条记录并返回其序号
func (h *History) Append(clientID, text string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	seq := uint64(len(h.records)) + 1
	h.records = append(h.records, Record{
		Seq:        seq,
		ClientID:   clientID,
		Text:       text,
		ReceivedAt: time.Now(),
	})
	return seq
}

// Snapshot 返回最近limit条记录的副本，limit<=0时返回全部
func (h *History) Snapshot(limit int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := 0
	if limit > 0 && limit < len(h.records) {
		start = len(h.records) - limit
	}
	out := make([]Record, len(h.records)-start)
	copy(out, h.records[start:])
	return out
}

// Len 记录条数
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
