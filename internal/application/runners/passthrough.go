package runners

import (
	"context"
	"fmt"

	"dario.cat/mergo"
	"github.com/aescanero/dagflow/pkg/domain"
)

// InputRunner produces the run's initial input. Optional config:
//
//	defaults: map of values used when the input lacks the key
//	required: list of keys the input must carry
type InputRunner struct{}

// Validate checks the defaults and required settings
func (r *InputRunner) Validate(node domain.Node) error {
	if _, err := configMap(node.Config, "defaults"); err != nil {
		return err
	}
	_, err := requiredKeys(node.Config)
	return err
}

// Run returns a copy of the run input completed with the defaults
func (r *InputRunner) Run(_ context.Context, in Input) (interface{}, error) {
	out := cloneMap(in.RunInput)

	defaults, err := configMap(in.Node.Config, "defaults")
	if err != nil {
		return nil, err
	}
	if len(defaults) > 0 {
		if err := mergo.Merge(&out, cloneMap(defaults)); err != nil {
			return nil, fmt.Errorf("failed to apply input defaults: %w", err)
		}
	}

	required, err := requiredKeys(in.Node.Config)
	if err != nil {
		return nil, err
	}
	for _, key := range required {
		if _, ok := out[key]; !ok {
			return nil, domain.NewNodeError("ValidationError", fmt.Sprintf("missing required input %q", key))
		}
	}

	return out, nil
}

func requiredKeys(cfg map[string]interface{}) ([]string, error) {
	raw, ok := cfg["required"]
	if !ok || raw == nil {
		return nil, nil
	}

	switch v := raw.(type) {
	case []string:
		return v, nil
	case []interface{}:
		keys := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("required must list strings, got %T", item)
			}
			keys = append(keys, s)
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("required must be a list, got %T", raw)
	}
}

// SkipRunner is a pure pass-through. It never fails and has no side effects.
type SkipRunner struct{}

// Run returns the single upstream output, or all upstream outputs keyed by
// node id when there are several
func (r *SkipRunner) Run(_ context.Context, in Input) (interface{}, error) {
	switch len(in.Upstream) {
	case 0:
		return in.RunInput, nil
	case 1:
		return in.Upstream[0].Output, nil
	default:
		return in.UpstreamMap(), nil
	}
}
