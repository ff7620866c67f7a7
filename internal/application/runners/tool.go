package runners

import (
	"context"
	"fmt"
	"time"

	"dario.cat/mergo"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"go.uber.org/zap"
)

// ToolRunner invokes a named tool of the Tool Provider.
//
// Config: `tool` names the tool; `args` is an optional map whose string
// values are templates. Without `args` the merged upstream maps are passed.
type ToolRunner struct {
	provider ports.ToolProvider
	metrics  ports.MetricsCollector
	logger   *zap.Logger
}

// Validate checks the tool name and argument templates
func (r *ToolRunner) Validate(node domain.Node) error {
	if name, ok := configString(node.Config, "tool"); !ok || name == "" {
		return fmt.Errorf("tool name is required")
	}
	args, err := configMap(node.Config, "args")
	if err != nil {
		return err
	}
	for key, v := range args {
		if s, ok := v.(string); ok {
			if _, err := parseTemplate(s, node.ID+".args."+key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run resolves and invokes the tool
func (r *ToolRunner) Run(ctx context.Context, in Input) (interface{}, error) {
	name, _ := configString(in.Node.Config, "tool")
	if r.provider == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolNotFound, name)
	}

	tools, err := r.provider.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrToolProvider, err)
	}
	tool, ok := tools[name]
	if !ok || tool.Invoke == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolNotFound, name)
	}

	args, err := r.arguments(in)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := tool.Invoke(ctx, args)
	if r.metrics != nil {
		r.metrics.RecordToolCall(name, time.Since(start), err)
	}
	if err != nil {
		r.logger.Debug("tool invocation failed",
			zap.String("run_id", in.RunID),
			zap.String("node_id", in.Node.ID),
			zap.String("tool", name),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrToolProvider, name, err)
	}
	return out, nil
}

func (r *ToolRunner) arguments(in Input) (map[string]interface{}, error) {
	raw, err := configMap(in.Node.Config, "args")
	if err != nil {
		return nil, err
	}

	if raw == nil {
		args := make(map[string]interface{})
		for _, u := range in.Upstream {
			if m, ok := u.Output.(map[string]interface{}); ok {
				if err := mergo.Merge(&args, cloneMap(m), mergo.WithOverride); err != nil {
					return nil, fmt.Errorf("failed to merge upstream arguments: %w", err)
				}
			}
		}
		return args, nil
	}

	ectx, err := evalContext(in)
	if err != nil {
		return nil, err
	}
	args := make(map[string]interface{}, len(raw))
	for key, v := range raw {
		s, ok := v.(string)
		if !ok {
			args[key] = cloneValue(v)
			continue
		}
		expr, err := parseTemplate(s, in.Node.ID+".args."+key)
		if err != nil {
			return nil, err
		}
		val, err := evaluate(expr, ectx)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", key, err)
		}
		args[key] = val
	}
	return args, nil
}
