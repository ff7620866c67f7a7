package domain

import (
	"fmt"
	"sync"
	"time"
)

// NodeState is the lifecycle state of a node within one run
type NodeState string

const (
	NodeStatePending   NodeState = "PENDING"
	NodeStateRunning   NodeState = "RUNNING"
	NodeStateSucceeded NodeState = "SUCCEEDED"
	NodeStateFailed    NodeState = "FAILED"
	NodeStateSkipped   NodeState = "SKIPPED"
)

// IsTerminal reports whether no further transition is possible
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeStateSucceeded, NodeStateFailed, NodeStateSkipped:
		return true
	default:
		return false
	}
}

// SkipReason records why a node was skipped
type SkipReason string

const (
	SkipReasonUpstreamFailed SkipReason = "upstream_failed"
	SkipReasonBranchNotTaken SkipReason = "branch_not_taken"
	SkipReasonCancelled      SkipReason = "cancelled"
)

// RunStatus is the coarse status of a run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusTimeout   RunStatus = "timeout"
)

// RunOptions tunes a single run
type RunOptions struct {
	// DisableHistory suppresses run records and event mirroring.
	DisableHistory bool `json:"disable_history"`
	// Timeout bounds the total run duration. Zero means no bound.
	Timeout time.Duration `json:"timeout"`
}

// ExecutionContext is owned by exactly one run
type ExecutionContext struct {
	RunID     string
	Input     map[string]interface{}
	StartedAt time.Time

	mu      sync.RWMutex
	outputs map[string]interface{}
}

// NewExecutionContext creates the context for a fresh run
func NewExecutionContext(runID string, input map[string]interface{}, startedAt time.Time) *ExecutionContext {
	if input == nil {
		input = make(map[string]interface{})
	}
	return &ExecutionContext{
		RunID:     runID,
		Input:     input,
		StartedAt: startedAt,
		outputs:   make(map[string]interface{}),
	}
}

// SetOutput records a node output. Outputs are write-once.
func (c *ExecutionContext) SetOutput(nodeID string, output interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.outputs[nodeID]; exists {
		return fmt.Errorf("%w: %s", ErrOutputImmutable, nodeID)
	}
	c.outputs[nodeID] = output
	return nil
}

// Output returns the output produced by nodeID, if any
func (c *ExecutionContext) Output(nodeID string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out, ok := c.outputs[nodeID]
	return out, ok
}

// Outputs returns a copy of every output produced so far
func (c *ExecutionContext) Outputs() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]interface{}, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}

// RunResult is what a run resolves to
type RunResult struct {
	RunID      string                 `json:"run_id"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	IsOk       bool                   `json:"isOk"`
	Error      *NodeError             `json:"error,omitempty"`
	Cancelled  bool                   `json:"cancelled,omitempty"`
	Output     interface{}            `json:"output,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	NodeStates map[string]NodeState   `json:"node_states"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at"`
}

// Status maps the result onto a coarse run status
func (r *RunResult) Status() RunStatus {
	switch {
	case r.Error != nil && r.Error.Name == ErrorNameTimeout:
		return RunStatusTimeout
	case !r.IsOk:
		return RunStatusFailed
	case r.Cancelled:
		return RunStatusCancelled
	default:
		return RunStatusCompleted
	}
}

// RunRecord is the persisted artifact of a run
type RunRecord struct {
	RunID       string                 `json:"run_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      RunStatus              `json:"status"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Result      *RunResult             `json:"result,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}
