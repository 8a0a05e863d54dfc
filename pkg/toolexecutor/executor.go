package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/harun/datalens/internal/observability"
	"github.com/harun/datalens/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ToolSchema is the description of a tool handed to the model.
type ToolSchema struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Group       ToolGroup              `json:"group" yaml:"group"`
	Parameters  map[string]interface{} `json:"parameters" yaml:"parameters"`
}

// MetricsRecorder receives one observation per tool execution.
type MetricsRecorder interface {
	RecordToolExecution(tool string, duration time.Duration, success bool)
}

// Config configures a ToolExecutor.
type Config struct {
	DefaultTimeout time.Duration
	Metrics        MetricsRecorder
	Logger         zerolog.Logger
}

// DefaultConfig returns a 60 second timeout.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 60 * time.Second,
		Logger:         log.Logger,
	}
}

type unavailableTool struct {
	group   ToolGroup
	message string
}

// ToolExecutor is the tool registry. It is safe for concurrent use.
type ToolExecutor struct {
	tools       map[string]*ToolDefinition
	schemas     map[string]*gojsonschema.Schema
	schemaDocs  map[string]map[string]interface{}
	unavailable map[string]unavailableTool
	cfg         Config
	mu          sync.RWMutex
}

// New creates a new ToolExecutor with DefaultConfig.
func New() *ToolExecutor {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a ToolExecutor.
func NewWithConfig(cfg Config) *ToolExecutor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}

	te := &ToolExecutor{
		tools:       make(map[string]*ToolDefinition),
		schemas:     make(map[string]*gojsonschema.Schema),
		schemaDocs:  make(map[string]map[string]interface{}),
		unavailable: make(map[string]unavailableTool),
		cfg:         cfg,
	}

	cfg.Logger.Debug().Msg("Tool executor initialized")

	return te
}

// RegisterTool compiles def's argument schema and adds it, replacing any
// tool or unavailable binding with the same name.
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := def.validate(); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	if def.Group == "" {
		def.Group = GroupGeneral
	}

	doc := def.schemaDocument()
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", def.Name, err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	name := def.Name
	te.tools[name] = &def
	te.schemas[name] = schema
	te.schemaDocs[name] = doc
	delete(te.unavailable, name)

	te.cfg.Logger.Debug().Str("tool", name).Str("group", string(def.Group)).Msg("Tool registered")

	return nil
}

// RegisterUnavailable binds tool names of a disabled group so dispatching
// them yields the group's "not available" payload instead of "Unknown tool".
func (te *ToolExecutor) RegisterUnavailable(group ToolGroup, names ...string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	msg := UnavailableMessage(group)
	for _, name := range names {
		if _, registered := te.tools[name]; registered {
			continue
		}
		te.unavailable[name] = unavailableTool{group: group, message: msg}
	}

	te.cfg.Logger.Info().
		Str("group", string(group)).
		Int("tools", len(names)).
		Msg("Tool group disabled")
}

// GetTool returns the registered definition of name, or nil.
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	def := te.tools[name]
	te.mu.RUnlock()
	return def
}

// ListTools returns all registered tool names, sorted.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	names := make([]string, 0, len(te.tools))
	for n := range te.tools {
		names = append(names, n)
	}
	te.mu.RUnlock()

	sort.Strings(names)
	return names
}

// GetToolCount reports how many tools are registered. Unavailable bindings
// are not counted.
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	n := len(te.tools)
	te.mu.RUnlock()
	return n
}

// Schemas returns the schema of every registered tool, sorted by name.
func (te *ToolExecutor) Schemas() []ToolSchema {
	te.mu.RLock()
	defer te.mu.RUnlock()

	out := make([]ToolSchema, 0, len(te.tools))
	for name, def := range te.tools {
		out = append(out, ToolSchema{
			Name:        name,
			Description: def.Description,
			Group:       def.Group,
			Parameters:  te.schemaDocs[name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs a tool by name with JSON arguments and always returns a JSON
// string. Every failure is reported as {"error": "..."}; it never panics.
//
// The handler runs detached from ctx cancellation so an in-flight call
// finishes even if the turn is abandoned; it is still bounded by the tool
// timeout.
func (te *ToolExecutor) Dispatch(ctx context.Context, name, argsJSON string) string {
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, te.cfg.Logger).With().Str("tool", name).Logger()

	te.mu.RLock()
	tool := te.tools[name]
	schema := te.schemas[name]
	unavailable, isUnavailable := te.unavailable[name]
	te.mu.RUnlock()

	if tool == nil {
		status := "unknown"
		msg := "Unknown tool: " + name
		if isUnavailable {
			status = "unavailable"
			msg = unavailable.message
		}
		logger.Warn().Str("status", status).Msg("Tool dispatch rejected")
		te.audit(ctx, name, status, time.Since(start))
		return ErrorPayload(msg)
	}

	params, err := decodeArguments(argsJSON)
	if err == nil {
		err = checkArguments(schema, params)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid tool arguments")
		te.audit(ctx, name, "invalid_arguments", time.Since(start))
		te.record(name, time.Since(start), false)
		return ErrorPayload(fmt.Sprintf("Invalid arguments for %s: %v", name, err))
	}

	timeout := te.timeoutFor(tool)
	output, err := te.invoke(context.WithoutCancel(ctx), tool, params, timeout)
	duration := time.Since(start)

	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("Tool execution failed")
		te.audit(ctx, name, "failure", duration)
		te.record(name, duration, false)
		return ErrorPayload("Tool execution failed: " + err.Error())
	}

	encoded, err := EncodeResult(output)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode tool result")
		te.audit(ctx, name, "failure", duration)
		te.record(name, duration, false)
		return ErrorPayload("Tool execution failed: " + err.Error())
	}

	logger.Debug().Dur("duration", duration).Int("bytes", len(encoded)).Msg("Tool execution completed")
	te.audit(ctx, name, "success", duration)
	te.record(name, duration, true)

	return encoded
}

// invoke runs the handler with a timeout and converts panics to errors.
func (te *ToolExecutor) invoke(ctx context.Context, tool *ToolDefinition, params map[string]interface{}, timeout time.Duration) (interface{}, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "tool."+tool.Name,
		attribute.String("tool.name", tool.Name),
		attribute.String("tool.group", string(tool.Group)),
	)
	defer span.End()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				te.cfg.Logger.Error().
					Str("tool", tool.Name).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Tool handler panicked")
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err := tool.Handler(timeoutCtx, params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		}
		return out.result, out.err
	case <-timeoutCtx.Done():
		err := fmt.Errorf("tool execution timeout after %v", timeout)
		if ctx.Err() != nil {
			err = fmt.Errorf("tool execution cancelled: %w", ctx.Err())
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
}

func (te *ToolExecutor) timeoutFor(tool *ToolDefinition) time.Duration {
	if tool.Timeout > 0 {
		return tool.Timeout
	}
	return te.cfg.DefaultTimeout
}

func (te *ToolExecutor) record(name string, d time.Duration, success bool) {
	if te.cfg.Metrics != nil {
		te.cfg.Metrics.RecordToolExecution(name, d, success)
	}
}

func (te *ToolExecutor) audit(ctx context.Context, name, status string, d time.Duration) {
	metadata := map[string]interface{}{
		"duration_ms": d.Milliseconds(),
	}
	if id := tracing.GetToolCallID(ctx); id != "" {
		metadata["tool_call_id"] = id
	}
	if group, ok := te.GroupOf(name); ok {
		metadata["group"] = string(group)
	}
	observability.RecordToolAudit(ctx, name, tracing.GetSessionID(ctx), status, metadata)
}

// decodeArguments parses a tool-call argument string. Empty input and JSON
// null mean no arguments; null-valued keys are treated as absent.
func decodeArguments(argsJSON string) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if argsJSON == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(argsJSON), &params); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	for k, v := range params {
		if v == nil {
			delete(params, k)
		}
	}
	return params, nil
}

// EncodeResult renders a handler result as the JSON string given to the
// model. Strings and raw JSON pass through unchanged.
func EncodeResult(v interface{}) (string, error) {
	switch r := v.(type) {
	case string:
		return r, nil
	case json.RawMessage:
		return string(r), nil
	case []byte:
		return string(r), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ErrorPayload renders {"error": msg}.
func ErrorPayload(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}
