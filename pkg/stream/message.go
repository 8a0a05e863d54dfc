package stream

import (
	"encoding/json"
	"strings"
)

// ToolStatus tracks a tool invocation seen on the stream.
type ToolStatus string

const (
	ToolPending  ToolStatus = "pending"
	ToolComplete ToolStatus = "complete"
	ToolError    ToolStatus = "error"
)

// ToolInvocation is a tool call rebuilt from 9 and a records.
type ToolInvocation struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Status ToolStatus      `json:"status"`
}

// Message accumulates decoded events into the assistant message a client
// renders. The zero value is ready to use.
type Message struct {
	content      strings.Builder
	ToolCalls    []ToolInvocation
	FinishReason FinishReason
	Error        string
}

// Apply folds one event into the message. Results whose tool call id was
// never announced are ignored.
func (m *Message) Apply(ev Event) {
	switch ev.Type {
	case EventText, EventRaw:
		m.content.WriteString(ev.Text)
	case EventToolCall:
		if ev.ToolCall == nil {
			return
		}
		m.ToolCalls = append(m.ToolCalls, ToolInvocation{
			ID:     ev.ToolCall.ToolCallID,
			Name:   ev.ToolCall.ToolName,
			Args:   ev.ToolCall.Args,
			Status: ToolPending,
		})
	case EventToolResult:
		if ev.ToolResult == nil {
			return
		}
		for i := range m.ToolCalls {
			tc := &m.ToolCalls[i]
			if tc.ID != ev.ToolResult.ToolCallID {
				continue
			}
			tc.Result = ev.ToolResult.Result
			tc.Status = ToolComplete
			if isErrorResult(ev.ToolResult.Result) {
				tc.Status = ToolError
			}
			return
		}
	case EventFinish:
		m.FinishReason = ev.FinishReason
	case EventError:
		m.Error = ev.Error
	}
}

// Content returns the accumulated visible text.
func (m *Message) Content() string {
	return m.content.String()
}

// Done reports whether a terminal record was seen.
func (m *Message) Done() bool {
	return m.FinishReason != "" || m.Error != ""
}

func isErrorResult(result json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(result, &obj); err != nil {
		return false
	}
	_, ok := obj["error"]
	return ok
}
