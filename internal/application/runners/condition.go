package runners

import (
	"context"
	"fmt"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// DefaultBranch is taken when no named branch matches
const DefaultBranch = "default"

// Brancher is implemented by outputs that select an outgoing branch. Edges
// leaving the node whose condition label differs from TakenBranch are dead.
type Brancher interface {
	TakenBranch() string
}

// BranchResult is the output of a condition node
type BranchResult struct {
	Branch string      `json:"branch"`
	Value  interface{} `json:"value,omitempty"`
}

// TakenBranch returns the selected branch label
func (b BranchResult) TakenBranch() string { return b.Branch }

type branch struct {
	name string
	when hclsyntax.Expression
}

type conditionConfig struct {
	expression hclsyntax.Expression
	branches   []branch
	fallback   string
}

// ConditionRunner evaluates a predicate and selects a branch.
//
// Either `expression` is set, and its value picks the branch ("true" or
// "false" for booleans, the string itself otherwise), or `branches` lists
// {name, when} pairs checked in order with `default` naming the fallback.
type ConditionRunner struct{}

// Validate parses the predicates
func (r *ConditionRunner) Validate(node domain.Node) error {
	_, err := parseCondition(node)
	return err
}

// Run evaluates the predicate against the run
func (r *ConditionRunner) Run(_ context.Context, in Input) (interface{}, error) {
	cfg, err := parseCondition(in.Node)
	if err != nil {
		return nil, err
	}
	ectx, err := evalContext(in)
	if err != nil {
		return nil, err
	}

	if cfg.expression != nil {
		v, err := evaluate(cfg.expression, ectx)
		if err != nil {
			return nil, err
		}
		switch val := v.(type) {
		case bool:
			if val {
				return BranchResult{Branch: "true", Value: val}, nil
			}
			return BranchResult{Branch: "false", Value: val}, nil
		case string:
			return BranchResult{Branch: val, Value: val}, nil
		default:
			return nil, fmt.Errorf("condition must evaluate to a bool or string, got %T", v)
		}
	}

	for _, b := range cfg.branches {
		v, err := evaluate(b.when, ectx)
		if err != nil {
			return nil, fmt.Errorf("branch %s: %w", b.name, err)
		}
		matched, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("branch %s must evaluate to a bool, got %T", b.name, v)
		}
		if matched {
			return BranchResult{Branch: b.name}, nil
		}
	}
	return BranchResult{Branch: cfg.fallback}, nil
}

func parseCondition(node domain.Node) (*conditionConfig, error) {
	cfg := &conditionConfig{fallback: DefaultBranch}

	if src, ok := configString(node.Config, "expression"); ok {
		expr, err := parseExpression(src, node.ID+".expression")
		if err != nil {
			return nil, err
		}
		cfg.expression = expr
		return cfg, nil
	}

	if fallback, ok := configString(node.Config, "default"); ok && fallback != "" {
		cfg.fallback = fallback
	}

	raw, ok := node.Config["branches"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("condition needs an expression or a list of branches")
	}
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("branch %d must be a map, got %T", i, item)
		}
		name, _ := configString(m, "name")
		when, _ := configString(m, "when")
		if name == "" || when == "" {
			return nil, fmt.Errorf("branch %d needs a name and a when predicate", i)
		}
		expr, err := parseExpression(when, fmt.Sprintf("%s.branches[%d]", node.ID, i))
		if err != nil {
			return nil, err
		}
		cfg.branches = append(cfg.branches, branch{name: name, when: expr})
	}
	return cfg, nil
}
