package ports

import "time"

// MetricsCollector records engine metrics
type MetricsCollector interface {
	RecordRunStarted(workflowID string)
	RecordRunCompleted(status string, duration time.Duration)
	RecordNodeExecuted(kind, state string, duration time.Duration)
	RecordToolCall(tool string, duration time.Duration, err error)
	RecordLLMCall(model string, latency time.Duration, inputTokens, outputTokens int)
	RecordWorkerPoolStatus(idle, busy, stopped int)
	SetActiveRuns(count int)
}
