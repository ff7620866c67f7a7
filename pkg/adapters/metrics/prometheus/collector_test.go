package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRunStarted("wf")
	c.RecordRunStarted("wf")
	c.RecordRunCompleted("failed", time.Second)
	c.RecordNodeExecuted("tool", "FAILED", 10*time.Millisecond)
	c.RecordToolCall("search", time.Millisecond, nil)
	c.RecordToolCall("search", time.Millisecond, errors.New("boom"))
	c.RecordLLMCall("claude", time.Second, 10, 4)
	c.RecordWorkerPoolStatus(3, 1, 0)
	c.SetActiveRuns(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsStarted.WithLabelValues("wf")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsCompleted.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodesExecuted.WithLabelValues("tool", "FAILED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.toolCalls.WithLabelValues("search")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolFailures.WithLabelValues("search")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.llmTokens.WithLabelValues("claude", "input")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.llmTokens.WithLabelValues("claude", "output")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.workerPoolIdle))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.activeRuns))

	count, err := testutil.GatherAndCount(reg, "dagflow_run_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCollectorsUseSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}
