package toolexecutor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/datalens/internal/observability"
	"github.com/harun/datalens/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedExecution struct {
	tool    string
	success bool
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []recordedExecution
}

func (f *fakeRecorder) RecordToolExecution(tool string, _ time.Duration, success bool) {
	f.mu.Lock()
	f.runs = append(f.runs, recordedExecution{tool: tool, success: success})
	f.mu.Unlock()
}

func newDispatchExecutor(t *testing.T) (*ToolExecutor, *fakeRecorder) {
	t.Helper()

	rec := &fakeRecorder{}
	cfg := DefaultConfig()
	cfg.Metrics = rec
	cfg.DefaultTimeout = time.Second
	te := NewWithConfig(cfg)

	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "listTables",
		Description: "List tables in a schema",
		Group:       GroupDatabase,
		Parameters: []ToolParameter{
			{Name: "schema", Type: "string", Description: "Schema name"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			schema := StringParam(params, "schema")
			if schema == "" {
				schema = "SCHEMA_A"
			}
			return map[string]interface{}{"schema": schema, "tableCount": 3}, nil
		},
	}))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "executeQuery",
		Description: "Run a SELECT",
		Group:       GroupDatabase,
		Parameters: []ToolParameter{
			{Name: "sql", Type: "string", Description: "SQL text", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("connection refused")
		},
	}))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "preformatted",
		Description: "Returns a JSON string",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return `{"status":"success"}`, nil
		},
	}))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "explode",
		Description: "Panics",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			panic("nil map")
		},
	}))

	return te, rec
}

func decodePayload(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &out), s)
	return out
}

func TestDispatch_UnknownTool(t *testing.T) {
	te, _ := newDispatchExecutor(t)

	assert.Equal(t, `{"error":"Unknown tool: X"}`, te.Dispatch(context.Background(), "X", `{}`))
}

func TestDispatch_UnavailableGroup(t *testing.T) {
	te, _ := newDispatchExecutor(t)
	te.RegisterUnavailable(GroupSplunk, "splunkExecuteQuery", "splunkCheckConnection")

	out := te.Dispatch(context.Background(), "splunkExecuteQuery", `{"query":"index=app"}`)
	assert.Equal(t, `{"error":"Splunk tools not available. Enable the splunk profile."}`, out)

	group, ok := te.GroupOf("splunkCheckConnection")
	assert.True(t, ok)
	assert.Equal(t, GroupSplunk, group)

	// unavailable tools are not offered to the model
	for _, s := range te.Schemas() {
		assert.NotEqual(t, "splunkExecuteQuery", s.Name)
	}
}

func TestDispatch_RegisterUnavailableDoesNotShadowRegistered(t *testing.T) {
	te, _ := newDispatchExecutor(t)
	te.RegisterUnavailable(GroupDatabase, "listTables")

	out := decodePayload(t, te.Dispatch(context.Background(), "listTables", `{}`))
	assert.Equal(t, "SCHEMA_A", out["schema"])
}

func TestDispatch_InvalidArguments(t *testing.T) {
	te, rec := newDispatchExecutor(t)

	tests := []struct {
		name string
		args string
	}{
		{"malformed json", `{"schema":`},
		{"wrong type", `{"schema": 42}`},
		{"unknown property", `{"schema":"A","extra":true}`},
		{"missing required", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := "listTables"
			if tt.name == "missing required" {
				tool = "executeQuery"
			}
			out := decodePayload(t, te.Dispatch(context.Background(), tool, tt.args))
			assert.Contains(t, out["error"], "Invalid arguments for "+tool+": ")
		})
	}

	for _, r := range rec.runs {
		assert.False(t, r.success)
	}
}

func TestDispatch_EmptyAndNullArguments(t *testing.T) {
	te, _ := newDispatchExecutor(t)

	for _, args := range []string{"", "null", "{}", `{"schema":null}`} {
		out := decodePayload(t, te.Dispatch(context.Background(), "listTables", args))
		assert.Equal(t, "SCHEMA_A", out["schema"], args)
	}
}

func TestDispatch_Success(t *testing.T) {
	te, rec := newDispatchExecutor(t)

	out := te.Dispatch(context.Background(), "listTables", `{"schema":"SCHEMA_B"}`)
	assert.JSONEq(t, `{"schema":"SCHEMA_B","tableCount":3}`, out)

	assert.Equal(t, `{"status":"success"}`, te.Dispatch(context.Background(), "preformatted", ""))

	require.Len(t, rec.runs, 2)
	assert.Equal(t, recordedExecution{tool: "listTables", success: true}, rec.runs[0])
}

func TestDispatch_HandlerFailureAndPanic(t *testing.T) {
	te, rec := newDispatchExecutor(t)

	assert.Equal(t,
		`{"error":"Tool execution failed: connection refused"}`,
		te.Dispatch(context.Background(), "executeQuery", `{"sql":"SELECT 1"}`))

	out := decodePayload(t, te.Dispatch(context.Background(), "explode", `{}`))
	assert.Equal(t, "Tool execution failed: panic: nil map", out["error"])

	require.Len(t, rec.runs, 2)
	assert.False(t, rec.runs[0].success)
	assert.False(t, rec.runs[1].success)
}

func TestDispatch_Timeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 50 * time.Millisecond
	te := NewWithConfig(cfg)
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "slow",
		Description: "Blocks until cancelled",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	out := decodePayload(t, te.Dispatch(context.Background(), "slow", `{}`))
	assert.Contains(t, out["error"], "Tool execution failed: ")
}

func TestDispatch_SurvivesCallerCancellation(t *testing.T) {
	te := New()
	started := make(chan struct{})
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "steady",
		Description: "Finishes even if the turn is abandoned",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return "finished", nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	assert.Equal(t, "finished", te.Dispatch(ctx, "steady", `{}`))
}

func TestDispatch_PropagatesTraceContext(t *testing.T) {
	te := New()
	var seen string
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "whoami",
		Description: "Reports the session",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			seen = tracing.GetSessionID(ctx)
			return "ok", nil
		},
	}))

	ctx := tracing.WithSessionID(context.Background(), "session-42")
	te.Dispatch(ctx, "whoami", "")
	assert.Equal(t, "session-42", seen)
}

func TestSchemas(t *testing.T) {
	te, _ := newDispatchExecutor(t)

	schemas := te.Schemas()
	require.Len(t, schemas, 4)
	assert.Equal(t, "executeQuery", schemas[0].Name)
	assert.Equal(t, GroupDatabase, schemas[0].Group)
	assert.Equal(t, "object", schemas[0].Parameters["type"])
	assert.Equal(t, false, schemas[0].Parameters["additionalProperties"])
	assert.Equal(t, []string{"sql"}, schemas[0].Parameters["required"])
	assert.Equal(t, GroupGeneral, te.GetTool("explode").Group)
}

func TestDispatch_AuditCarriesGroup(t *testing.T) {
	var buf bytes.Buffer
	prev := observability.GetAuditLogger()
	observability.SetAuditLogger(observability.NewAuditLogger(zerolog.New(&buf)))
	t.Cleanup(func() { observability.SetAuditLogger(prev) })

	te, _ := newDispatchExecutor(t)
	te.RegisterUnavailable(GroupSplunk, "splunkExecuteQuery")

	ctx := tracing.WithToolCallID(tracing.WithSessionID(context.Background(), "s1"), "call_1")
	te.Dispatch(ctx, "listTables", `{}`)
	te.Dispatch(ctx, "splunkExecuteQuery", `{}`)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "execute:listTables", first["action"])
	assert.Equal(t, "success", first["status"])
	assert.Equal(t, "database", first["group"])
	assert.Equal(t, "call_1", first["tool_call_id"])
	assert.Equal(t, "s1", first["actor"])
	assert.Equal(t, "unavailable", second["status"])
	assert.Equal(t, "splunk", second["group"])
}

func TestGroups(t *testing.T) {
	assert.True(t, IsValidGroup("SPLUNK"))
	assert.False(t, IsValidGroup("shell"))
	assert.Equal(t, "Bitbucket tools not available. Enable the bitbucket profile.", UnavailableMessage(GroupBitbucket))
	assert.Equal(t, "Outlook tools not available. Enable the outlook profile.", UnavailableMessage(GroupOutlook))

	te, _ := newDispatchExecutor(t)
	assert.Equal(t, []string{"executeQuery", "listTables"}, te.FilterByGroup(GroupDatabase))

	err := te.RegisterTool(ToolDefinition{
		Name:        "bad",
		Description: "Bad group",
		Group:       "shell",
		Handler:     func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
	})
	assert.Error(t, err)
}

func TestParamHelpers(t *testing.T) {
	params := map[string]interface{}{
		"s":   "  padded ",
		"n":   float64(25),
		"b":   false,
		"bad": "x",
	}

	assert.Equal(t, "padded", StringParam(params, "s"))
	assert.Equal(t, "", StringParam(params, "missing"))
	assert.Equal(t, 25, IntParam(params, "n", 10))
	assert.Equal(t, 10, IntParam(params, "bad", 10))
	assert.False(t, BoolParam(params, "b", true))
	assert.True(t, BoolParam(params, "missing", true))
}

func TestEncodeResult(t *testing.T) {
	out, err := EncodeResult(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", out)

	out, err = EncodeResult(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)

	_, err = EncodeResult(make(chan int))
	assert.Error(t, err)
}
