package domain

import "time"

// EventType identifies a lifecycle event
type EventType string

const (
	EventTypeWorkflowStart EventType = "WORKFLOW_START"
	EventTypeNodeStart     EventType = "NODE_START"
	EventTypeNodeEnd       EventType = "NODE_END"
	EventTypeWorkflowEnd   EventType = "WORKFLOW_END"
)

// NodeRef identifies the node an event is about
type NodeRef struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Kind NodeKind `json:"kind"`
}

// Event is a lifecycle event of a run. Seq increases by one per event
// within a run.
type Event struct {
	ID         string      `json:"id"`
	Seq        uint64      `json:"seq"`
	Type       EventType   `json:"eventType"`
	RunID      string      `json:"run_id"`
	WorkflowID string      `json:"workflow_id,omitempty"`
	Node       *NodeRef    `json:"node,omitempty"`
	State      NodeState   `json:"state,omitempty"`
	SkipReason SkipReason  `json:"skip_reason,omitempty"`
	Payload    interface{} `json:"payload,omitempty"`
	Error      *NodeError  `json:"error,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// External reports whether the event is delivered to external streams.
// Start and end events of skip nodes are internal only.
func (e Event) External() bool {
	if e.Node == nil {
		return true
	}
	if e.Type != EventTypeNodeStart && e.Type != EventTypeNodeEnd {
		return true
	}
	return e.Node.Kind != NodeKindSkip
}
