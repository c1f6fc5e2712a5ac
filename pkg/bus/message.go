package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message 在总线上传输的消息信封
type Message struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"data"`
}

func NewMessage(nodeID string, data []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *Message) Latency() time.Duration {
	return time.Since(m.Timestamp)
}
