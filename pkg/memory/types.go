package memory

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallStatus tracks a tool call through one round.
type ToolCallStatus string

const (
	ToolCallPending  ToolCallStatus = "pending"
	ToolCallComplete ToolCallStatus = "complete"
	ToolCallError    ToolCallStatus = "error"
)

// ToolCall is a model-issued tool request. On a tool-role message the same
// struct carries the result for the call with the matching ID.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Status    ToolCallStatus  `json:"status,omitempty"`
	Result    string          `json:"result,omitempty"`
}

// Message is one entry of a session's history.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (m Message) Clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Arguments != nil {
				out.ToolCalls[i].Arguments = append(json.RawMessage(nil), tc.Arguments...)
			}
		}
	}
	return out
}

// EvictionCause says why an entry left the cache.
type EvictionCause string

const (
	EvictionCapacity EvictionCause = "capacity"
	EvictionExpired  EvictionCause = "expired"
	EvictionExplicit EvictionCause = "explicit"
)

// EvictionListener is notified synchronously once per removed entry.
type EvictionListener interface {
	OnEvict(key string, cause EvictionCause)
}

// EvictionListenerFunc adapts a function to EvictionListener.
type EvictionListenerFunc func(key string, cause EvictionCause)

// OnEvict implements EvictionListener.
func (f EvictionListenerFunc) OnEvict(key string, cause EvictionCause) {
	f(key, cause)
}

// Gauge is the subset of prometheus.Gauge the cache drives.
type Gauge interface {
	Inc()
	Dec()
	Set(float64)
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Active      int                   `json:"active"`
	MaxSessions int                   `json:"max_sessions"`
	MaxMessages int                   `json:"max_messages"`
	Created     int64                 `json:"created"`
	Evictions   map[EvictionCause]int `json:"evictions"`
}
