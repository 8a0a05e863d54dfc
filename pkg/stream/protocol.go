package stream

import (
	"encoding/json"
	"fmt"
)

// Code is the single-character record prefix.
type Code byte

const (
	CodeText       Code = '0'
	CodeToolCall   Code = '9'
	CodeToolResult Code = 'a'
	CodeFinish     Code = 'd'
	CodeError      Code = 'e'
)

func (c Code) valid() bool {
	switch c {
	case CodeText, CodeToolCall, CodeToolResult, CodeFinish, CodeError:
		return true
	}
	return false
}

// FinishReason is carried by the d record.
type FinishReason string

const (
	FinishStop          FinishReason = "STOP"
	FinishMaxIterations FinishReason = "MAX_ITERATIONS"
)

// EventType classifies decoded and emitted events.
type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventFinish     EventType = "finish"
	EventError      EventType = "error"
	// EventRaw is a line the decoder could not interpret.
	EventRaw EventType = "raw"
)

// ToolCallPayload is the body of a 9 record.
type ToolCallPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

// ToolResultPayload is the body of an a record.
type ToolResultPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Result     json.RawMessage `json:"result"`
}

// FinishPayload is the body of a d record.
type FinishPayload struct {
	FinishReason FinishReason `json:"finishReason"`
}

// ErrorPayload is the body of an e record.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Event is one protocol record in typed form.
type Event struct {
	Type         EventType
	Text         string
	ToolCall     *ToolCallPayload
	ToolResult   *ToolResultPayload
	FinishReason FinishReason
	Error        string
}

// TextEvent builds a text event.
func TextEvent(text string) Event {
	return Event{Type: EventText, Text: text}
}

// ToolCallEvent builds a tool-call event. Empty or invalid args become {}.
func ToolCallEvent(id, name string, args json.RawMessage) Event {
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage(`{}`)
	}
	return Event{Type: EventToolCall, ToolCall: &ToolCallPayload{ToolCallID: id, ToolName: name, Args: args}}
}

// ToolResultEvent builds a tool-result event. A result that is valid JSON is
// embedded as-is, anything else as a JSON string.
func ToolResultEvent(id, name, result string) Event {
	return Event{Type: EventToolResult, ToolResult: &ToolResultPayload{ToolCallID: id, ToolName: name, Result: EmbedResult(result)}}
}

// FinishEvent builds a finish event.
func FinishEvent(reason FinishReason) Event {
	return Event{Type: EventFinish, FinishReason: reason}
}

// ErrorEvent builds an error event.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Error: msg}
}

// EmbedResult returns result as raw JSON when valid, otherwise quoted.
func EmbedResult(result string) json.RawMessage {
	if result != "" && json.Valid([]byte(result)) {
		return json.RawMessage(result)
	}
	quoted, _ := json.Marshal(result)
	return quoted
}

// MarshalRecord renders an event as one protocol record including the
// trailing newline.
func MarshalRecord(ev Event) ([]byte, error) {
	var (
		code    Code
		payload interface{}
	)
	switch ev.Type {
	case EventText:
		code, payload = CodeText, ev.Text
	case EventToolCall:
		if ev.ToolCall == nil {
			return nil, fmt.Errorf("tool call event without payload")
		}
		code, payload = CodeToolCall, ev.ToolCall
	case EventToolResult:
		if ev.ToolResult == nil {
			return nil, fmt.Errorf("tool result event without payload")
		}
		code, payload = CodeToolResult, ev.ToolResult
	case EventFinish:
		code, payload = CodeFinish, FinishPayload{FinishReason: ev.FinishReason}
	case EventError:
		code, payload = CodeError, ErrorPayload{Error: ev.Error}
	default:
		return nil, fmt.Errorf("cannot encode event type %q", ev.Type)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %c payload: %w", code, err)
	}

	out := make([]byte, 0, len(body)+3)
	out = append(out, byte(code), ':')
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}
