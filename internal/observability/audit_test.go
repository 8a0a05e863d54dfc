package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestRecordToolAudit(t *testing.T) {
	var buf bytes.Buffer
	prev := GetAuditLogger()
	SetAuditLogger(NewAuditLogger(zerolog.New(&buf)))
	t.Cleanup(func() { SetAuditLogger(prev) })

	RecordToolAudit(context.Background(), "executeQuery", "sess-1", "success", map[string]interface{}{"duration_ms": 12})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tool", entry["type"])
	assert.Equal(t, "execute:executeQuery", entry["action"])
	assert.Equal(t, "sess-1", entry["actor"])
	assert.Equal(t, "success", entry["status"])
	assert.Equal(t, float64(12), entry["duration_ms"])
	assert.NotContains(t, entry, "trace_id")
}

func TestAuditCarriesTraceID(t *testing.T) {
	var buf bytes.Buffer
	prev := GetAuditLogger()
	SetAuditLogger(NewAuditLogger(zerolog.New(&buf)))
	t.Cleanup(func() { SetAuditLogger(prev) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "chat")
	defer span.End()

	RecordConfigAudit(ctx, "prompt_reload", "watcher", map[string]interface{}{"path": "prompt.md"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, AuditConfig, entry["type"])
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, "prompt.md", entry["path"])
}

func TestInitAuditLogger(t *testing.T) {
	prev := GetAuditLogger()
	t.Cleanup(func() { SetAuditLogger(prev) })

	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	require.NoError(t, InitAuditLogger(path))

	RecordSessionAudit(context.Background(), "clear", "sess-2", nil)
	require.NoError(t, GetAuditLogger().Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"clear"`)
}

func TestLaneLabel(t *testing.T) {
	assert.Equal(t, "session", laneLabel("session-7f2c"))
	assert.Equal(t, "outlook", laneLabel("outlook"))
	assert.Equal(t, "session-", laneLabel("session-"))
}
