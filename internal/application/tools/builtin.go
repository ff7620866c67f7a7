package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
)

// BuiltinFactory builds the in-process client types selected by the
// config's `type`:
//
//	echo   returns its arguments
//	sleep  waits `delay` (a duration) then returns its arguments
//	fail   always fails with `message`
//
// The exposed tool is named after the client's name.
func BuiltinFactory(_ context.Context, cfg domain.ToolClientConfig) (Client, error) {
	typ, _ := cfg.Config["type"].(string)
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}

	var invoke func(ctx context.Context, args map[string]interface{}) (interface{}, error)
	switch typ {
	case "echo", "":
		invoke = func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			return args, nil
		}
	case "sleep":
		delay, err := durationConfig(cfg.Config, "delay")
		if err != nil {
			return nil, err
		}
		invoke = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				return args, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	case "fail":
		message, _ := cfg.Config["message"].(string)
		if message == "" {
			message = "tool failed"
		}
		invoke = func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, domain.NewNodeError("ToolError", message)
		}
	default:
		return nil, fmt.Errorf("unknown tool client type %q", typ)
	}

	return &builtinClient{tool: ports.Tool{
		Name:        name,
		Description: fmt.Sprintf("builtin %s tool", typeOrDefault(typ)),
		InputSchema: map[string]interface{}{"type": "object"},
		Invoke:      invoke,
	}}, nil
}

type builtinClient struct {
	tool ports.Tool
}

func (c *builtinClient) Tools(context.Context) ([]ports.Tool, error) {
	return []ports.Tool{c.tool}, nil
}

func (c *builtinClient) Close() error { return nil }

func typeOrDefault(typ string) string {
	if typ == "" {
		return "echo"
	}
	return typ
}

func durationConfig(cfg map[string]interface{}, key string) (time.Duration, error) {
	switch v := cfg[key].(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("%s must be a duration, got %T", key, v)
	}
}
