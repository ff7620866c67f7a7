package runners

import (
	"context"
	"fmt"
	"sort"

	"dario.cat/mergo"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// OutputRunner aggregates upstream outputs into the run's final result.
//
// With a `fields` map every value is a template evaluated against the run,
// e.g. `answer: "${nodes.llm.text}"`. Without it, map outputs of the
// predecessors are merged in edge order and other values are keyed by the
// predecessor's id.
type OutputRunner struct{}

// Validate parses the field templates
func (r *OutputRunner) Validate(node domain.Node) error {
	_, err := outputFields(node)
	return err
}

// Run builds the final output
func (r *OutputRunner) Run(_ context.Context, in Input) (interface{}, error) {
	fields, err := outputFields(in.Node)
	if err != nil {
		return nil, err
	}

	if len(fields) > 0 {
		ectx, err := evalContext(in)
		if err != nil {
			return nil, err
		}
		out := make(map[string]interface{}, len(fields))
		for name, expr := range fields {
			v, err := evaluate(expr, ectx)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			out[name] = v
		}
		return out, nil
	}

	if len(in.Upstream) == 1 {
		return in.Upstream[0].Output, nil
	}

	merged := make(map[string]interface{})
	for _, u := range in.Upstream {
		m, ok := u.Output.(map[string]interface{})
		if !ok {
			merged[u.NodeID] = cloneValue(u.Output)
			continue
		}
		if err := mergo.Merge(&merged, cloneMap(m), mergo.WithOverride, mergo.WithAppendSlice); err != nil {
			return nil, fmt.Errorf("failed to merge output of %s: %w", u.NodeID, err)
		}
	}
	return merged, nil
}

func outputFields(node domain.Node) (map[string]hclsyntax.Expression, error) {
	raw, err := configMap(node.Config, "fields")
	if err != nil || len(raw) == 0 {
		return nil, err
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make(map[string]hclsyntax.Expression, len(raw))
	for _, name := range names {
		src, ok := raw[name].(string)
		if !ok {
			return nil, fmt.Errorf("field %s must be a string template, got %T", name, raw[name])
		}
		expr, err := parseTemplate(src, node.ID+"."+name)
		if err != nil {
			return nil, err
		}
		fields[name] = expr
	}
	return fields, nil
}
