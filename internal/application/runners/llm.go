package runners

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"go.uber.org/zap"
)

// LLMRunner sends a templated prompt to the configured model.
//
// Config: `prompt` (template, required), `system` (template), `model`,
// `max_tokens`, `temperature`.
type LLMRunner struct {
	client  ports.LLMClient
	metrics ports.MetricsCollector
	logger  *zap.Logger

	defaultModel       string
	defaultMaxTokens   int
	defaultTemperature float64
}

// Validate parses the prompt templates
func (r *LLMRunner) Validate(node domain.Node) error {
	prompt, ok := configString(node.Config, "prompt")
	if !ok || prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if _, err := parseTemplate(prompt, node.ID+".prompt"); err != nil {
		return err
	}
	if system, ok := configString(node.Config, "system"); ok {
		if _, err := parseTemplate(system, node.ID+".system"); err != nil {
			return err
		}
	}
	return nil
}

// Run renders the prompt and calls the model
func (r *LLMRunner) Run(ctx context.Context, in Input) (interface{}, error) {
	if r.client == nil {
		return nil, domain.ErrLLMNotConfigured
	}

	ectx, err := evalContext(in)
	if err != nil {
		return nil, err
	}
	render := func(key string) (string, error) {
		src, ok := configString(in.Node.Config, key)
		if !ok {
			return "", nil
		}
		expr, err := parseTemplate(src, in.Node.ID+"."+key)
		if err != nil {
			return "", err
		}
		v, err := evaluate(expr, ectx)
		if err != nil {
			return "", fmt.Errorf("%s: %w", key, err)
		}
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	}

	prompt, err := render("prompt")
	if err != nil {
		return nil, err
	}
	system, err := render("system")
	if err != nil {
		return nil, err
	}

	req := ports.CompletionRequest{
		Model:       r.defaultModel,
		System:      system,
		Prompt:      prompt,
		MaxTokens:   r.defaultMaxTokens,
		Temperature: r.defaultTemperature,
	}
	if model, ok := configString(in.Node.Config, "model"); ok && model != "" {
		req.Model = model
	}
	if n, ok := configNumber(in.Node.Config, "max_tokens"); ok {
		req.MaxTokens = int(n)
	}
	if t, ok := configNumber(in.Node.Config, "temperature"); ok {
		req.Temperature = t
	}

	start := time.Now()
	resp, err := r.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm call failed: %w", err)
	}
	if r.metrics != nil {
		r.metrics.RecordLLMCall(resp.Model, time.Since(start), resp.InputTokens, resp.OutputTokens)
	}

	r.logger.Debug("llm call completed",
		zap.String("run_id", in.RunID),
		zap.String("node_id", in.Node.ID),
		zap.String("model", resp.Model),
		zap.Int("input_tokens", resp.InputTokens),
		zap.Int("output_tokens", resp.OutputTokens))

	return map[string]interface{}{
		"text":          resp.Text,
		"model":         resp.Model,
		"stop_reason":   resp.StopReason,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	}, nil
}
