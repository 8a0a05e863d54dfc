package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

// Identifiers carried on a request context. The order is the order they
// appear in log lines.
const (
	keyTrace ctxKey = iota
	keyRun
	keySession
	keyClient
	keyToolCall
)

var logFields = [...]struct {
	key  ctxKey
	name string
}{
	{keyTrace, "trace_id"},
	{keyRun, "run_id"},
	{keySession, "session_id"},
	{keyClient, "client_id"},
	{keyToolCall, "tool_call_id"},
}

// NewTraceID returns a random trace id.
func NewTraceID() string { return uuid.NewString() }

func with(ctx context.Context, key ctxKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func get(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context   { return with(ctx, keyTrace, id) }
func WithRunID(ctx context.Context, id string) context.Context     { return with(ctx, keyRun, id) }
func WithSessionID(ctx context.Context, id string) context.Context { return with(ctx, keySession, id) }
func WithClientID(ctx context.Context, id string) context.Context  { return with(ctx, keyClient, id) }
func WithToolCallID(ctx context.Context, id string) context.Context {
	return with(ctx, keyToolCall, id)
}

func GetTraceID(ctx context.Context) string    { return get(ctx, keyTrace) }
func GetRunID(ctx context.Context) string      { return get(ctx, keyRun) }
func GetSessionID(ctx context.Context) string  { return get(ctx, keySession) }
func GetClientID(ctx context.Context) string   { return get(ctx, keyClient) }
func GetToolCallID(ctx context.Context) string { return get(ctx, keyToolCall) }

// NewRequestContext tags an inbound request with a fresh trace id.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewTurnContext tags ctx with the session and a fresh run id for one
// agent turn.
func NewTurnContext(ctx context.Context, sessionID string) context.Context {
	return WithSessionID(WithRunID(ctx, uuid.NewString()), sessionID)
}

// LoggerFromContext returns base with every identifier set on ctx added as
// a field. Unset identifiers are omitted.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	for _, f := range logFields {
		if v := get(ctx, f.key); v != "" {
			lc = lc.Str(f.name, v)
		}
	}
	return lc.Logger()
}
