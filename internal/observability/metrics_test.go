package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestQueueMetricsFoldSessionLanes(t *testing.T) {
	m := getRuntime()
	before := testutil.ToFloat64(m.laneEnqueued.WithLabelValues("session"))

	RecordQueueEnqueue("session-a1", 2)
	RecordQueueEnqueue("session-b2", 1)

	assert.Equal(t, before+2, testutil.ToFloat64(m.laneEnqueued.WithLabelValues("session")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.laneDepth.WithLabelValues("session")))
}

func TestRecordQueueCompletion(t *testing.T) {
	m := getRuntime()
	ok := testutil.ToFloat64(m.laneCompleted.WithLabelValues("outlook", "success"))
	failed := testutil.ToFloat64(m.laneCompleted.WithLabelValues("outlook", "error"))

	RecordQueueCompletion("outlook", 40*time.Millisecond, true, 3)
	RecordQueueCompletion("outlook", time.Second, false, 0)

	assert.Equal(t, ok+1, testutil.ToFloat64(m.laneCompleted.WithLabelValues("outlook", "success")))
	assert.Equal(t, failed+1, testutil.ToFloat64(m.laneCompleted.WithLabelValues("outlook", "error")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.laneDepth.WithLabelValues("outlook")))
}

func TestRecordUpstreamRetry(t *testing.T) {
	c := getRuntime().upstreamRetries.WithLabelValues("splunk")
	before := testutil.ToFloat64(c)

	RecordUpstreamRetry("splunk")

	assert.Equal(t, before+1, testutil.ToFloat64(c))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(getRuntime().upstreamRetries, "datalens_upstream_retries_total"), 1)
}
