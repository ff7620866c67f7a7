package orchestrator

import (
	"fmt"

	"github.com/aescanero/dagflow/internal/application/runners"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/domain/graph"
)

// Plan is a validated workflow ready to run: the graph, its definition and
// the runner bound to every node
type Plan struct {
	Workflow *domain.WorkflowDefinition
	Graph    *graph.Graph

	runners map[string]runners.Runner
	order   []string
}

// Runner returns the runner bound to nodeID
func (p *Plan) Runner(nodeID string) (runners.Runner, bool) {
	r, ok := p.runners[nodeID]
	return r, ok
}

// Validator turns workflow definitions into plans
type Validator struct {
	registry *runners.Registry
}

// NewValidator creates a new validator backed by a runner registry
func NewValidator(registry *runners.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate checks a workflow definition without keeping the plan
func (v *Validator) Validate(wf *domain.WorkflowDefinition) error {
	_, err := v.Build(wf)
	return err
}

// Build validates the structure of wf, then the configuration of every node,
// and binds runners. Structural errors are reported before configuration
// errors.
func (v *Validator) Build(wf *domain.WorkflowDefinition) (*Plan, error) {
	if wf == nil {
		return nil, fmt.Errorf("workflow is nil")
	}

	g, err := graph.Build(wf.Nodes, wf.Edges, v.registry)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Workflow: wf,
		Graph:    g,
		runners:  make(map[string]runners.Runner, g.Len()),
		order:    make([]string, 0, g.Len()),
	}

	for _, node := range g.Nodes() {
		if err := v.registry.Validate(node); err != nil {
			return nil, err
		}
		r, _ := v.registry.Get(node.Kind)
		plan.runners[node.ID] = r
	}

	for layer := range g.TopologicalLayers() {
		plan.order = append(plan.order, layer...)
	}

	return plan, nil
}
