// Package events 发布与消费领域事件，支持内存、Redis 与 RabbitMQ 三种传输。
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type 标识事件类型。
type Type string

const (
	TypeDispatchCompleted Type = "dispatch.completed"
	TypeAgentCreated      Type = "agent.created"
	TypeAgentDeleted      Type = "agent.deleted"
	TypeAgentNetwork      Type = "agent.network_changed"
	TypeNetworkSwitched   Type = "session.network_switched"
)

// Event 是在组件之间传递的领域事件，不携带任何签名材料。
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Network    string    `json:"network,omitempty"`
	Function   string    `json:"function,omitempty"`
	Tag        string    `json:"tag,omitempty"`
	OK         bool      `json:"ok"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	LatencyMS  int64     `json:"latency_ms,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New 创建带 ID 与时间戳的事件。
func New(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC()}
}

// Encode 序列化事件。
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode 反序列化事件。
func Decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Handler 处理单个事件。
type Handler func(ctx context.Context, e Event) error

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Subscriber 负责消费事件。
type Subscriber interface {
	Subscribe(ctx context.Context, workers int, handler Handler) error
	Close() error
}

// Bus 同时具备发布与订阅能力。
type Bus interface {
	Publisher
	Subscriber
}

// Discard 丢弃所有事件。
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
func (Discard) Close() error                         { return nil }
