package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/datalens/pkg/commandqueue"
	"github.com/harun/datalens/pkg/memory"
	"github.com/harun/datalens/pkg/stream"
	"github.com/harun/datalens/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	args := m.Called(ctx, request)
	resp, _ := args.Get(0).(*LLMResponse)
	return resp, args.Error(1)
}

func (m *mockProvider) Provider() string { return "mock" }

// funcProvider delegates to fn; used where a call must block or count.
type funcProvider func(ctx context.Context, request LLMRequest) (*LLMResponse, error)

func (f funcProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	return f(ctx, request)
}

func (f funcProvider) Provider() string { return "func" }

type fakeDispatcher struct {
	mu      sync.Mutex
	results map[string]string
	calls   []string
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, name, argsJSON string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, name+" "+argsJSON)
	if r, ok := d.results[name]; ok {
		return r
	}
	return toolexecutor.ErrorPayload("Unknown tool: " + name)
}

func (d *fakeDispatcher) Schemas() []toolexecutor.ToolSchema {
	return []toolexecutor.ToolSchema{{
		Name:        "listTables",
		Description: "List tables",
		Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
	}}
}

func (d *fakeDispatcher) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []stream.Event
	err    error
}

func (s *recordingSink) Emit(ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Events() []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Event(nil), s.events...)
}

func (s *recordingSink) Types() []stream.EventType {
	var out []stream.EventType
	for _, ev := range s.Events() {
		out = append(out, ev.Type)
	}
	return out
}

type fakeMetrics struct {
	mu       sync.Mutex
	prompt   int
	complete int
	turns    []string
	errors   []string
}

func (m *fakeMetrics) RecordTokens(prompt, completion int) {
	m.mu.Lock()
	m.prompt += prompt
	m.complete += completion
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordTurn(outcome string, d time.Duration) {
	m.mu.Lock()
	m.turns = append(m.turns, outcome)
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordError(errType, source string) {
	m.mu.Lock()
	m.errors = append(m.errors, errType+":"+source)
	m.mu.Unlock()
}

func toolCallResponse(id, name, args string) *LLMResponse {
	return &LLMResponse{
		ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: json.RawMessage(args)}},
		Usage:     &TokenUsage{InputTokens: 10, OutputTokens: 2},
	}
}

func textResponse(text string) *LLMResponse {
	return &LLMResponse{Content: text, Usage: &TokenUsage{InputTokens: 20, OutputTokens: 5}}
}

type harness struct {
	engine   *Engine
	cache    *memory.Cache
	queue    *commandqueue.CommandQueue
	tools    *fakeDispatcher
	metrics  *fakeMetrics
	provider LLMProvider
}

func newHarness(t *testing.T, provider LLMProvider, mutate ...func(*Config)) *harness {
	t.Helper()

	h := &harness{
		cache: memory.New(memory.Config{MaxMessages: 100, MaxSessions: 10, TTL: time.Hour}),
		queue: commandqueue.New(),
		tools: &fakeDispatcher{results: map[string]string{
			"listTables": `{"tables":["USERS","ORDERS"],"count":2}`,
		}},
		metrics:  &fakeMetrics{},
		provider: provider,
	}
	t.Cleanup(func() { _ = h.queue.Close() })

	cfg := Config{
		Provider: provider,
		Tools:    h.tools,
		Memory:   h.cache,
		Queue:    h.queue,
		Metrics:  h.metrics,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(Config{})
	assert.EqualError(t, err, "llm provider is required")

	_, err = NewEngine(Config{Provider: &mockProvider{}})
	assert.EqualError(t, err, "tool dispatcher is required")

	_, err = NewEngine(Config{Provider: &mockProvider{}, Tools: &fakeDispatcher{}})
	assert.EqualError(t, err, "memory cache is required")

	_, err = NewEngine(Config{Provider: &mockProvider{}, Tools: &fakeDispatcher{}, Memory: memory.New(memory.DefaultConfig())})
	assert.EqualError(t, err, "command queue is required")
}

func TestRunToolRoundThenAnswer(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).Return(toolCallResponse("call-1", "listTables", `{"schema":"SCHEMA_A"}`), nil).Once()
	provider.On("Call", mock.Anything, mock.Anything).Return(textResponse("There are 2 tables."), nil).Once()

	h := newHarness(t, provider)
	sink := &recordingSink{}

	state, err := h.engine.Run(context.Background(), "s1", "what tables exist?", sink)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, state)

	assert.Equal(t, []stream.EventType{
		stream.EventToolCall,
		stream.EventToolResult,
		stream.EventText,
		stream.EventFinish,
	}, sink.Types())

	events := sink.Events()
	assert.Equal(t, "call-1", events[0].ToolCall.ToolCallID)
	assert.Equal(t, "listTables", events[0].ToolCall.ToolName)
	assert.JSONEq(t, `{"schema":"SCHEMA_A"}`, string(events[0].ToolCall.Args))
	assert.JSONEq(t, `{"tables":["USERS","ORDERS"],"count":2}`, string(events[1].ToolResult.Result))
	assert.Equal(t, "There are 2 tables.", events[2].Text)
	assert.Equal(t, stream.FinishStop, events[3].FinishReason)

	assert.Equal(t, []string{`listTables {"schema":"SCHEMA_A"}`}, h.tools.Calls())
	provider.AssertNumberOfCalls(t, "Call", 2)

	second := provider.Calls[1].Arguments.Get(1).(LLMRequest)
	require.Len(t, second.Messages, 3)
	assert.Equal(t, memory.RoleUser, second.Messages[0].Role)
	assert.Equal(t, memory.RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, memory.RoleTool, second.Messages[2].Role)
	assert.Equal(t, "call-1", second.Messages[2].ToolCalls[0].ID)
	assert.Len(t, second.Tools, 1)
	assert.Contains(t, second.SystemPrompt, "SCHEMA_A")

	history := h.cache.Get("s1", 100)
	require.Len(t, history, 4)
	assert.Equal(t, "what tables exist?", history[0].Content)
	assert.Equal(t, memory.ToolCallComplete, history[2].ToolCalls[0].Status)
	assert.Equal(t, "There are 2 tables.", history[3].Content)

	assert.Equal(t, 30, h.metrics.prompt)
	assert.Equal(t, 7, h.metrics.complete)
	assert.Equal(t, []string{"finished"}, h.metrics.turns)
}

func TestRunChunksText(t *testing.T) {
	text := strings.Repeat("a", 50) + strings.Repeat("é", 50) + strings.Repeat("b", 20)
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).Return(textResponse(text), nil).Once()

	h := newHarness(t, provider)
	sink := &recordingSink{}

	_, err := h.engine.Run(context.Background(), "s1", "hi", sink)
	require.NoError(t, err)

	events := sink.Events()
	require.Len(t, events, 4)
	assert.Equal(t, strings.Repeat("a", 50), events[0].Text)
	assert.Equal(t, strings.Repeat("é", 50), events[1].Text)
	assert.Equal(t, strings.Repeat("b", 20), events[2].Text)
	assert.Equal(t, stream.EventFinish, events[3].Type)
}

func TestRunIterationLimit(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).Return(toolCallResponse("", "listTables", `{}`), nil)

	h := newHarness(t, provider)
	sink := &recordingSink{}

	state, err := h.engine.Run(context.Background(), "s1", "loop forever", sink)
	require.NoError(t, err)
	assert.Equal(t, StateIterationLimitReached, state)
	provider.AssertNumberOfCalls(t, "Call", 10)

	events := sink.Events()
	require.Len(t, events, 22)
	assert.Equal(t, stream.TextEvent(MaxIterationsMessage), events[20])
	assert.Equal(t, stream.FinishMaxIterations, events[21].FinishReason)

	// user message plus ten committed rounds
	assert.Len(t, h.cache.Get("s1", 100), 21)
	assert.Len(t, h.tools.Calls(), 10)
}

func TestRunAssignsMissingToolCallIDs(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).Return(toolCallResponse("", "listTables", ``), nil).Once()
	provider.On("Call", mock.Anything, mock.Anything).Return(textResponse("done"), nil).Once()

	h := newHarness(t, provider)
	sink := &recordingSink{}

	_, err := h.engine.Run(context.Background(), "s1", "go", sink)
	require.NoError(t, err)

	events := sink.Events()
	id := events[0].ToolCall.ToolCallID
	assert.NotEmpty(t, id)
	assert.Equal(t, id, events[1].ToolResult.ToolCallID)
	assert.JSONEq(t, `{}`, string(events[0].ToolCall.Args))

	history := h.cache.Get("s1", 100)
	assert.Equal(t, id, history[1].ToolCalls[0].ID)
	assert.Equal(t, id, history[2].ToolCalls[0].ID)
}

func TestRunToolErrorIsAResult(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).Return(toolCallResponse("call-1", "searchSplunk", `{}`), nil).Once()
	provider.On("Call", mock.Anything, mock.Anything).Return(textResponse("Splunk is unavailable."), nil).Once()

	h := newHarness(t, provider)
	sink := &recordingSink{}

	state, err := h.engine.Run(context.Background(), "s1", "search logs", sink)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, state)

	events := sink.Events()
	assert.JSONEq(t, `{"error":"Unknown tool: searchSplunk"}`, string(events[1].ToolResult.Result))

	history := h.cache.Get("s1", 100)
	assert.Equal(t, memory.ToolCallError, history[2].ToolCalls[0].Status)
}

func TestRunProviderError(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).Return(toolCallResponse("call-1", "listTables", `{}`), nil).Once()
	provider.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("rate limited")).Once()

	h := newHarness(t, provider)
	sink := &recordingSink{}

	state, err := h.engine.Run(context.Background(), "s1", "hi", sink)
	assert.EqualError(t, err, "rate limited")
	assert.Equal(t, StateErrored, state)

	events := sink.Events()
	last := events[len(events)-1]
	assert.Equal(t, stream.ErrorEvent("rate limited"), last)
	assert.Equal(t, []stream.EventType{stream.EventToolCall, stream.EventToolResult, stream.EventError}, sink.Types())

	// the first round was committed before the failure
	assert.Len(t, h.cache.Get("s1", 100), 3)
	assert.Equal(t, []string{"llm:mock"}, h.metrics.errors)
}

func TestRunProviderErrorCommitsNothing(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("boom")).Once()

	h := newHarness(t, provider)
	state, err := h.engine.Run(context.Background(), "s1", "hi", &recordingSink{})
	assert.Error(t, err)
	assert.Equal(t, StateErrored, state)
	assert.Empty(t, h.cache.Get("s1", 100))
}

func TestRunUsesHistory(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).Return(textResponse("first"), nil).Once()
	provider.On("Call", mock.Anything, mock.Anything).Return(textResponse("second"), nil).Once()

	h := newHarness(t, provider)
	_, err := h.engine.Run(context.Background(), "s1", "one", &recordingSink{})
	require.NoError(t, err)
	_, err = h.engine.Run(context.Background(), "s1", "two", &recordingSink{})
	require.NoError(t, err)

	req := provider.Calls[1].Arguments.Get(1).(LLMRequest)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "one", req.Messages[0].Content)
	assert.Equal(t, "first", req.Messages[1].Content)
	assert.Equal(t, "two", req.Messages[2].Content)
}

func TestRunSinkFailureStopsTurn(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).Return(toolCallResponse("call-1", "listTables", `{}`), nil).Once()

	h := newHarness(t, provider)
	sink := &recordingSink{err: errors.New("broken pipe")}

	state, err := h.engine.Run(context.Background(), "s1", "hi", sink)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, state)
	assert.Empty(t, h.tools.Calls())
	provider.AssertNumberOfCalls(t, "Call", 1)
}

func TestAbortCancelsRunningTurn(t *testing.T) {
	started := make(chan struct{})
	provider := funcProvider(func(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	h := newHarness(t, provider)
	sink := &recordingSink{}

	type result struct {
		state State
		err   error
	}
	done := make(chan result, 1)
	go func() {
		state, err := h.engine.Run(context.Background(), "s1", "hi", sink)
		done <- result{state, err}
	}()

	<-started
	assert.Equal(t, 1, h.engine.ActiveTurns())
	assert.True(t, h.engine.Abort("s1"))

	select {
	case r := <-done:
		assert.NoError(t, r.err)
		assert.Equal(t, StateCancelled, r.state)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop after abort")
	}
	assert.Empty(t, sink.Events())
	assert.Equal(t, 0, h.engine.ActiveTurns())
	assert.False(t, h.engine.Abort("s1"))
}

func TestCallerCancellationEmitsNothing(t *testing.T) {
	started := make(chan struct{})
	provider := funcProvider(func(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	h := newHarness(t, provider)
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-started
		cancel()
	}()

	state, err := h.engine.Run(ctx, "s1", "hi", sink)
	assert.NoError(t, err)
	assert.Equal(t, StateCancelled, state)
	assert.Empty(t, sink.Events())
}

func TestTurnTimeout(t *testing.T) {
	provider := funcProvider(func(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	h := newHarness(t, provider, func(c *Config) { c.TurnTimeout = 50 * time.Millisecond })
	sink := &recordingSink{}

	state, err := h.engine.Run(context.Background(), "s1", "hi", sink)
	assert.Error(t, err)
	assert.Equal(t, StateErrored, state)
	require.Len(t, sink.Events(), 1)
	assert.Equal(t, stream.EventError, sink.Events()[0].Type)
	assert.Contains(t, sink.Events()[0].Error, "timed out")
}

func TestSameSessionTurnsAreSerialized(t *testing.T) {
	var running, peak atomic.Int32
	provider := funcProvider(func(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return textResponse("ok"), nil
	})

	h := newHarness(t, provider)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Run(context.Background(), "shared", "hi", &recordingSink{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Len(t, h.cache.Get("shared", 100), 8)
}

func TestDifferentSessionsRunConcurrently(t *testing.T) {
	var arrived atomic.Int32
	both := make(chan struct{})
	provider := funcProvider(func(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
		if arrived.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return textResponse("ok"), nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("sessions did not overlap")
		}
	})

	h := newHarness(t, provider)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			state, err := h.engine.Run(context.Background(), id, "hi", &recordingSink{})
			assert.NoError(t, err)
			assert.Equal(t, StateFinished, state)
		}(id)
	}
	wg.Wait()
}

func TestRunSync(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).Return(toolCallResponse("call-1", "listTables", `{}`), nil).Once()
	provider.On("Call", mock.Anything, mock.Anything).Return(textResponse("USERS and ORDERS"), nil).Once()

	h := newHarness(t, provider)
	text, err := h.engine.RunSync(context.Background(), "s1", "tables?")
	require.NoError(t, err)
	assert.Equal(t, "USERS and ORDERS", text)
}

func TestRunSyncReturnsErrorEvent(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("invalid api key")).Once()

	h := newHarness(t, provider)
	text, err := h.engine.RunSync(context.Background(), "s1", "hi")
	assert.EqualError(t, err, "invalid api key")
	assert.Empty(t, text)
}
