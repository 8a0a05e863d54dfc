package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	require.NotNil(t, m)
	assert.NotNil(t, m.Registry())
	assert.NotNil(t, m.ChatRequestsTotal)
	assert.NotNil(t, m.SessionsActive)
	assert.NotNil(t, m.LLMTokensTotal)
}

func TestMetricsIsolation(t *testing.T) {
	m1 := NewMetrics()
	m2 := NewMetrics()

	m1.SessionsActive.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m1.SessionsActive))
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.SessionsActive))
}

func TestRecordHelpers(t *testing.T) {
	m := NewMetrics()

	m.RecordChatRequest("UAT", "executeQuery")
	m.RecordChatRequest("", "splunkExecuteQuery")
	m.RecordToolExecution("executeQuery", 20*time.Millisecond, true)
	m.RecordToolExecution("executeQuery", 5*time.Millisecond, false)
	m.RecordTokens(120, 30)
	m.RecordTokens(0, 10)
	m.RecordError("tool", "splunk")
	m.RecordTurn("STOP", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChatRequestsTotal.WithLabelValues("UAT", "executeQuery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChatRequestsTotal.WithLabelValues("none", "splunkExecuteQuery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutionsTotal.WithLabelValues("executeQuery", "error")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.LLMTokensTotal.WithLabelValues("prompt")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.LLMTokensTotal.WithLabelValues("completion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("STOP")))
}

func TestSnapshot(t *testing.T) {
	m := NewMetrics()

	m.SessionsActive.Set(3)
	m.RecordChatRequest("DEV", "executeQuery")
	m.RecordChatRequest("DEV", "listTables")
	m.RecordChatRequest("PROD", "executeQuery")
	m.RecordQueryDuration("DEV", 10*time.Millisecond)
	m.RecordQueryDuration("DEV", 30*time.Millisecond)
	m.RecordTokens(500, 100)
	m.RecordError("llm", "agent")
	m.RecordError("tool", "bitbucket")

	s, err := m.Snapshot("DataLens Backend", "1.0.0", 1000)
	require.NoError(t, err)

	assert.Equal(t, "DataLens Backend", s.Application)
	assert.Equal(t, 3, s.Sessions.Active)
	assert.Equal(t, 1000, s.Sessions.MaxAllowed)
	assert.Equal(t, int64(3), s.Requests.Total)
	assert.Equal(t, int64(2), s.Requests.ByEnvironment["DEV"])
	assert.Equal(t, int64(2), s.Requests.ByTool["executeQuery"])
	assert.InDelta(t, 20.0, s.Performance.AvgQueryDurationMs, 0.01)
	assert.InDelta(t, 30.0, s.Performance.MaxQueryDurationMs, 0.01)
	assert.Equal(t, int64(500), s.LLM.PromptTokens)
	assert.Equal(t, int64(100), s.LLM.CompletionTokens)
	assert.Equal(t, int64(2), s.Errors.Total)
}

func TestSnapshotEmpty(t *testing.T) {
	s, err := NewMetrics().Snapshot("app", "v", 10)
	require.NoError(t, err)

	assert.Zero(t, s.Requests.Total)
	assert.Zero(t, s.Performance.AvgQueryDurationMs)
	assert.NotNil(t, s.Requests.ByTool)
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordChatRequest("UAT", "listTables")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "datalens_chat_requests_total")
	assert.Contains(t, string(body), `environment="UAT"`)
}
