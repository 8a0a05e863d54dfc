package agent

import (
	"context"
	"time"

	"github.com/harun/datalens/pkg/memory"
	"github.com/harun/datalens/pkg/stream"
	"github.com/harun/datalens/pkg/toolexecutor"
)

// Message is one history entry as handed to the model.
type Message = memory.Message

// ToolCall is a model-issued tool request or, on a tool message, its result.
type ToolCall = memory.ToolCall

// State is where a turn ended up.
type State string

const (
	StateAwaitingModel         State = "AWAITING_MODEL"
	StateExecutingTools        State = "EXECUTING_TOOLS"
	StateFinished              State = "FINISHED"
	StateErrored               State = "ERRORED"
	StateIterationLimitReached State = "ITERATION_LIMIT_REACHED"
	StateCancelled             State = "CANCELLED"
)

// TokenUsage tracks token consumption of one model call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// EventSink receives the protocol events of a turn. *stream.Encoder
// satisfies it.
type EventSink interface {
	Emit(ev stream.Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev stream.Event) error

// Emit implements EventSink.
func (f EventSinkFunc) Emit(ev stream.Event) error {
	return f(ev)
}

// Dispatcher runs tools by name. *toolexecutor.ToolExecutor satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, name, argsJSON string) string
	Schemas() []toolexecutor.ToolSchema
}

// MetricsRecorder is the subset of the metrics registry the engine drives.
type MetricsRecorder interface {
	RecordTokens(prompt, completion int)
	RecordTurn(outcome string, d time.Duration)
	RecordError(errType, source string)
}

type nopMetrics struct{}

func (nopMetrics) RecordTokens(int, int)            {}
func (nopMetrics) RecordTurn(string, time.Duration) {}
func (nopMetrics) RecordError(string, string)       {}
