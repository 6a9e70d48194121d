package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority 消息优先级，数值越大越优先
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// PrioritiesDescending 按出队顺序排列的优先级
var PrioritiesDescending = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// String 返回优先级名称
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid 是否为已定义的优先级
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority 解析优先级名称或数值
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return PriorityLow, nil
	case "normal", "2", "":
		return PriorityNormal, nil
	case "high", "3":
		return PriorityHigh, nil
	case "critical", "4":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("未知的消息优先级: %s", s)
	}
}

const (
	// DefaultMaxRetries 默认最大重试次数
	DefaultMaxRetries = 3
	// DefaultTimeoutSeconds 默认处理超时（秒）
	DefaultTimeoutSeconds = 300
)

// Payload 带类型和版本的消息体
type Payload struct {
	Type          string          `json:"type"`           // 负载类型，如 video.render.requested
	SchemaVersion int             `json:"schema_version"` // 负载结构版本
	Data          json.RawMessage `json:"data,omitempty"` // 原始JSON数据
}

// NewPayload 将任意值编码为消息体
func NewPayload(payloadType string, schemaVersion int, data any) (Payload, error) {
	p := Payload{Type: payloadType, SchemaVersion: schemaVersion}
	if data == nil {
		return p, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Payload{}, fmt.Errorf("序列化消息体失败: %w", err)
	}
	p.Data = raw
	return p, nil
}

// Decode 将消息体数据解码到 v
func (p Payload) Decode(v any) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("消息体数据为空: %s", p.Type)
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("解析消息体失败: %w", err)
	}
	return nil
}

// Message 队列中的消息
type Message struct {
	ID          string            `json:"id"`                 // 消息ID（UUID）
	Topic       string            `json:"topic"`              // 主题
	Payload     Payload           `json:"payload"`            // 消息体
	Priority    Priority          `json:"priority"`           // 优先级
	CreatedAt   time.Time         `json:"created_at"`         // 创建时间
	ScheduledAt *time.Time        `json:"scheduled_at"`       // 计划执行时间
	RetryCount  int               `json:"retry_count"`        // 已重试次数
	MaxRetries  int               `json:"max_retries"`        // 最大重试次数
	Timeout     int               `json:"timeout"`            // 处理超时（秒）
	Metadata    map[string]string `json:"metadata,omitempty"` // 元数据
}

// NewMessage 创建带默认重试次数和超时的消息
func NewMessage(topic string, payload Payload, priority Priority) *Message {
	if !priority.Valid() {
		priority = PriorityNormal
	}
	return &Message{
		ID:         uuid.New().String(),
		Topic:      topic,
		Payload:    payload,
		Priority:   priority,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: DefaultMaxRetries,
		Timeout:    DefaultTimeoutSeconds,
		Metadata:   map[string]string{},
	}
}

// TimeoutDuration 返回处理超时
func (m *Message) TimeoutDuration() time.Duration {
	if m.Timeout <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(m.Timeout) * time.Second
}

// IsDue 消息在 now 时刻是否可以投递
func (m *Message) IsDue(now time.Time) bool {
	return m.ScheduledAt == nil || !m.ScheduledAt.After(now)
}

// Clone 返回消息副本
func (m *Message) Clone() *Message {
	c := *m
	if m.ScheduledAt != nil {
		t := *m.ScheduledAt
		c.ScheduledAt = &t
	}
	c.Metadata = make(map[string]string, len(m.Metadata))
	maps.Copy(c.Metadata, m.Metadata)
	return &c
}

// Encode 序列化为存储格式
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("序列化消息失败: %w", err)
	}
	return data, nil
}

// DecodeMessage 从存储格式解析消息
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("解析消息失败: %w", err)
	}
	return &m, nil
}
