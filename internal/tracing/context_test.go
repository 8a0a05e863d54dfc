package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceID(t *testing.T) {
	assert.NotEmpty(t, NewTraceID())
	assert.NotEqual(t, NewTraceID(), NewTraceID())
}

func TestIdentifiersRoundTrip(t *testing.T) {
	ctx := WithToolCallID(WithClientID(WithSessionID(WithRunID(WithTraceID(
		context.Background(), "trace-1"), "run-1"), "sess-1"), "client-1"), "call-1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "run-1", GetRunID(ctx))
	assert.Equal(t, "sess-1", GetSessionID(ctx))
	assert.Equal(t, "client-1", GetClientID(ctx))
	assert.Equal(t, "call-1", GetToolCallID(ctx))
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetRunID(ctx))
	assert.Empty(t, GetSessionID(ctx))
}

func TestNewTurnContext(t *testing.T) {
	ctx := NewTurnContext(NewRequestContext(context.Background()), "abc")

	assert.Equal(t, "abc", GetSessionID(ctx))
	assert.NotEmpty(t, GetRunID(ctx))
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSessionID(WithTraceID(context.Background(), "trace-x"), "sess-x")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-x", entry["trace_id"])
	assert.Equal(t, "sess-x", entry["session_id"])
	assert.NotContains(t, entry, "run_id")
}
