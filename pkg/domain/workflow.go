package domain

import "time"

// NodeKind selects the execution strategy of a node
type NodeKind string

const (
	NodeKindInput     NodeKind = "input"
	NodeKindOutput    NodeKind = "output"
	NodeKindLLM       NodeKind = "llm"
	NodeKindTool      NodeKind = "tool"
	NodeKindCondition NodeKind = "condition"
	NodeKindSkip      NodeKind = "skip"
)

// Visibility controls who may execute a workflow besides its owner
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Node is a unit of work in a workflow graph
type Node struct {
	ID          string                 `json:"id" yaml:"id"`
	Kind        NodeKind               `json:"kind" yaml:"kind"`
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge is a directed dependency from Source to Target. Condition is an
// optional branch label; it only matters on edges leaving a condition node.
type Edge struct {
	ID        string `json:"id" yaml:"id"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// WorkflowDefinition is the snapshot of a workflow loaded once per run
type WorkflowDefinition struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string     `json:"version" yaml:"version"`
	OwnerID     string     `json:"owner_id" yaml:"owner_id"`
	Visibility  Visibility `json:"visibility" yaml:"visibility"`
	Nodes       []Node     `json:"nodes" yaml:"nodes"`
	Edges       []Edge     `json:"edges" yaml:"edges"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// CanAccess reports whether userID may execute the workflow. Owners always
// can; anyone else only for read-only access to a public workflow.
func (w *WorkflowDefinition) CanAccess(userID string, requireWrite bool) bool {
	if userID != "" && w.OwnerID == userID {
		return true
	}
	return !requireWrite && w.Visibility == VisibilityPublic
}

// ToolClientConfig is the declarative configuration of one tool client
type ToolClientConfig struct {
	ID     string                 `json:"id" yaml:"id"`
	Name   string                 `json:"name" yaml:"name"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}
