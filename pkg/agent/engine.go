package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/datalens/internal/observability"
	"github.com/harun/datalens/internal/tracing"
	"github.com/harun/datalens/pkg/commandqueue"
	"github.com/harun/datalens/pkg/memory"
	"github.com/harun/datalens/pkg/stream"
	"github.com/harun/datalens/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MaxIterationsMessage is streamed when a turn uses up its model calls.
const MaxIterationsMessage = "I apologize, but I've reached the maximum number of tool calls. Please try rephrasing your request."

// Config holds engine dependencies and limits.
type Config struct {
	Provider LLMProvider
	Tools    Dispatcher
	Memory   *memory.Cache
	Queue    *commandqueue.CommandQueue
	Prompt   *Prompt

	Model       string
	Temperature float64
	MaxTokens   int

	// MaxIterations caps model calls per inbound message.
	MaxIterations int
	HistoryWindow int
	ChunkSize     int
	// TurnTimeout bounds a whole turn including queue wait. Zero disables it.
	TurnTimeout time.Duration

	Metrics MetricsRecorder
	Logger  zerolog.Logger
}

// DefaultConfig returns the loop limits: 10 model calls, 50 history messages,
// 50-rune text chunks, 5 minute turns.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 10,
		HistoryWindow: 50,
		ChunkSize:     50,
		TurnTimeout:   5 * time.Minute,
	}
}

// Engine runs agent turns.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	seq    uint64
	active map[string]map[uint64]context.CancelFunc
}

type turnResult struct {
	state State
	err   error
}

// NewEngine validates cfg and applies defaults.
func NewEngine(cfg Config) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool dispatcher is required")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("memory cache is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}

	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Prompt == nil {
		cfg.Prompt = NewPrompt("", "")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}

	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "agent").Logger(),
		active: make(map[string]map[uint64]context.CancelFunc),
	}, nil
}

// Run executes one turn for sessionID and streams its events to sink. Turns
// of the same session run one after another. The sink is not written to
// after Run returns.
//
// A cancelled turn (ctx done or Abort) returns StateCancelled and a nil
// error; model and queue failures return StateErrored with the error that
// was also sent as an e event.
func (e *Engine) Run(ctx context.Context, sessionID, message string, sink EventSink) (State, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if sink == nil {
		sink = EventSinkFunc(func(stream.Event) error { return nil })
	}
	parent := ctx
	start := time.Now()

	ctx = tracing.NewTurnContext(ctx, sessionID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.cfg.TurnTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, e.cfg.TurnTimeout)
		defer cancelTimeout()
	}

	id := e.track(sessionID, cancel)
	defer e.untrack(sessionID, id)

	logger := tracing.LoggerFromContext(ctx, e.logger)
	out := &guardedSink{sink: sink}

	value, err := e.cfg.Queue.EnqueueWithContext(ctx, commandqueue.SessionLane(sessionID), func(taskCtx context.Context) (interface{}, error) {
		return e.runTurn(taskCtx, sessionID, message, out), nil
	}, &commandqueue.Options{Name: "turn"})

	res := turnResult{state: StateCancelled}
	if err == nil {
		if r, ok := value.(turnResult); ok {
			res = r
		}
	}

	switch {
	case res.state != StateCancelled:
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		res = turnResult{state: StateErrored, err: fmt.Errorf("turn timed out after %s", e.cfg.TurnTimeout)}
		out.closeWith(stream.ErrorEvent("Request timed out after " + e.cfg.TurnTimeout.String()))
		e.cfg.Metrics.RecordError("timeout", "agent")
	case ctx.Err() == nil && err != nil:
		res = turnResult{state: StateErrored, err: err}
		out.closeWith(stream.ErrorEvent(err.Error()))
		e.cfg.Metrics.RecordError("queue", "agent")
	}
	out.close()

	duration := time.Since(start)
	e.cfg.Metrics.RecordTurn(strings.ToLower(string(res.state)), duration)
	logger.Info().
		Str("state", string(res.state)).
		Dur("duration", duration).
		Msg("Turn completed")

	return res.state, res.err
}

// RunSync executes a turn and returns the streamed text. An e event becomes
// the returned error.
func (e *Engine) RunSync(ctx context.Context, sessionID, message string) (string, error) {
	var (
		mu  sync.Mutex
		msg stream.Message
	)
	_, err := e.Run(ctx, sessionID, message, EventSinkFunc(func(ev stream.Event) error {
		mu.Lock()
		msg.Apply(ev)
		mu.Unlock()
		return nil
	}))

	mu.Lock()
	defer mu.Unlock()
	if msg.Error != "" {
		return msg.Content(), errors.New(msg.Error)
	}
	return msg.Content(), err
}

// Abort cancels every running or queued turn of sessionID.
func (e *Engine) Abort(sessionID string) bool {
	e.mu.Lock()
	turns := e.active[sessionID]
	delete(e.active, sessionID)
	e.mu.Unlock()

	for _, cancel := range turns {
		cancel()
	}
	if len(turns) > 0 {
		e.logger.Info().Str("session_id", sessionID).Int("turns", len(turns)).Msg("Aborted session turns")
	}
	return len(turns) > 0
}

// ActiveTurns returns how many turns are running or queued.
func (e *Engine) ActiveTurns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, turns := range e.active {
		n += len(turns)
	}
	return n
}

func (e *Engine) track(sessionID string, cancel context.CancelFunc) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	if e.active[sessionID] == nil {
		e.active[sessionID] = make(map[uint64]context.CancelFunc)
	}
	e.active[sessionID][e.seq] = cancel
	return e.seq
}

func (e *Engine) untrack(sessionID string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	turns := e.active[sessionID]
	delete(turns, id)
	if len(turns) == 0 {
		delete(e.active, sessionID)
	}
}

func (e *Engine) runTurn(ctx context.Context, sessionID, message string, sink EventSink) (res turnResult) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.turn", attribute.String("session_id", sessionID))
	defer func() {
		span.SetAttributes(attribute.String("state", string(res.state)))
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		span.End()
	}()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	turn := newTurnBuffer(e.cfg.Memory, sessionID, e.cfg.HistoryWindow)
	turn.add(Message{Role: memory.RoleUser, Content: message})
	tools := e.cfg.Tools.Schemas()

	for iteration := 1; iteration <= e.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return turnResult{state: StateCancelled}
		}
		logger.Debug().Int("iteration", iteration).Msg("Calling model")

		resp, err := e.callModel(ctx, turn.messages(), tools)
		if err != nil {
			if ctx.Err() != nil {
				return turnResult{state: StateCancelled}
			}
			logger.Error().Err(err).Int("iteration", iteration).Msg("Model call failed")
			e.cfg.Metrics.RecordError("llm", e.cfg.Provider.Provider())
			_ = sink.Emit(stream.ErrorEvent(err.Error()))
			return turnResult{state: StateErrored, err: err}
		}

		if len(resp.ToolCalls) == 0 {
			for _, chunk := range stream.ChunkText(resp.Content, e.cfg.ChunkSize) {
				if err := sink.Emit(stream.TextEvent(chunk)); err != nil {
					return turnResult{state: StateCancelled}
				}
			}
			turn.add(Message{Role: memory.RoleAssistant, Content: resp.Content})
			turn.commit()
			if err := sink.Emit(stream.FinishEvent(stream.FinishStop)); err != nil {
				return turnResult{state: StateCancelled}
			}
			return turnResult{state: StateFinished}
		}

		if !e.executeTools(ctx, resp, turn, sink) {
			return turnResult{state: StateCancelled}
		}
	}

	logger.Warn().Int("max_iterations", e.cfg.MaxIterations).Msg("Max tool iterations reached")
	if err := sink.Emit(stream.TextEvent(MaxIterationsMessage)); err != nil {
		return turnResult{state: StateCancelled}
	}
	if err := sink.Emit(stream.FinishEvent(stream.FinishMaxIterations)); err != nil {
		return turnResult{state: StateCancelled}
	}
	return turnResult{state: StateIterationLimitReached}
}

func (e *Engine) callModel(ctx context.Context, messages []Message, tools []toolexecutor.ToolSchema) (*LLMResponse, error) {
	provider := e.cfg.Provider.Provider()
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.llm_call", attribute.String("provider", provider))
	defer span.End()

	start := time.Now()
	resp, err := e.cfg.Provider.Call(ctx, LLMRequest{
		Model:        e.cfg.Model,
		SystemPrompt: e.cfg.Prompt.Text(),
		Messages:     messages,
		Tools:        tools,
		Temperature:  e.cfg.Temperature,
		MaxTokens:    e.cfg.MaxTokens,
	})
	if err == nil && resp == nil {
		err = fmt.Errorf("empty response from %s", provider)
	}
	observability.RecordLLMCall(provider, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if resp.Usage != nil {
		e.cfg.Metrics.RecordTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
		span.SetAttributes(
			attribute.Int("tokens.prompt", resp.Usage.InputTokens),
			attribute.Int("tokens.completion", resp.Usage.OutputTokens),
		)
	}
	return resp, nil
}

// executeTools runs one tool round in order and commits it. It returns false
// when the turn must stop without emitting anything else.
func (e *Engine) executeTools(ctx context.Context, resp *LLMResponse, turn *turnBuffer, sink EventSink) bool {
	calls := make([]ToolCall, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		if tc.ID == "" {
			tc.ID = uuid.NewString()
		}
		if len(tc.Arguments) == 0 || string(tc.Arguments) == "null" {
			tc.Arguments = json.RawMessage(`{}`)
		}
		tc.Status = memory.ToolCallPending
		tc.Result = ""
		calls[i] = tc
	}

	results := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		if ctx.Err() != nil {
			return false
		}
		if err := sink.Emit(stream.ToolCallEvent(tc.ID, tc.Name, tc.Arguments)); err != nil {
			return false
		}

		callCtx := tracing.WithToolCallID(ctx, tc.ID)
		result := e.cfg.Tools.Dispatch(callCtx, tc.Name, string(tc.Arguments))

		status := memory.ToolCallComplete
		if isErrorResult(result) {
			status = memory.ToolCallError
		}
		results = append(results, ToolCall{ID: tc.ID, Name: tc.Name, Status: status, Result: result})

		if ctx.Err() != nil {
			return false
		}
		if err := sink.Emit(stream.ToolResultEvent(tc.ID, tc.Name, result)); err != nil {
			return false
		}
	}

	turn.add(
		Message{Role: memory.RoleAssistant, Content: resp.Content, ToolCalls: calls},
		Message{Role: memory.RoleTool, ToolCalls: results},
	)
	turn.commit()
	return true
}

func isErrorResult(result string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(result), &obj); err != nil {
		return false
	}
	_, ok := obj["error"]
	return ok
}
