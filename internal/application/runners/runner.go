package runners

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"go.uber.org/zap"
)

// NodeOutput is the output of one predecessor
type NodeOutput struct {
	NodeID string
	Name   string
	Output interface{}
}

// Input is everything a runner may read for one node execution
type Input struct {
	Node     domain.Node
	RunID    string
	RunInput map[string]interface{}
	// Upstream holds the outputs of the predecessors that produced one, in
	// edge definition order.
	Upstream []NodeOutput
	// Outputs is a snapshot of every output produced so far in the run.
	Outputs map[string]interface{}
}

// UpstreamMap returns the upstream outputs keyed by node id
func (in Input) UpstreamMap() map[string]interface{} {
	out := make(map[string]interface{}, len(in.Upstream))
	for _, u := range in.Upstream {
		out[u.NodeID] = u.Output
	}
	return out
}

// Runner executes a single node
type Runner interface {
	Run(ctx context.Context, in Input) (interface{}, error)
}

// ConfigValidator is implemented by runners that check node configuration
// ahead of execution
type ConfigValidator interface {
	Validate(node domain.Node) error
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, in Input) (interface{}, error)

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, in Input) (interface{}, error) {
	return f(ctx, in)
}

// Registry maps node kinds to runners
type Registry struct {
	mu      sync.RWMutex
	runners map[domain.NodeKind]Runner
}

// Options configures the default runners
type Options struct {
	Tools   ports.ToolProvider
	LLM     ports.LLMClient
	Metrics ports.MetricsCollector
	Logger  *zap.Logger

	DefaultModel       string
	DefaultMaxTokens   int
	DefaultTemperature float64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{runners: make(map[domain.NodeKind]Runner)}
}

// NewDefaultRegistry registers a runner for every built-in node kind
func NewDefaultRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := NewRegistry()
	r.Register(domain.NodeKindInput, &InputRunner{})
	r.Register(domain.NodeKindOutput, &OutputRunner{})
	r.Register(domain.NodeKindSkip, &SkipRunner{})
	r.Register(domain.NodeKindCondition, &ConditionRunner{})
	r.Register(domain.NodeKindTool, &ToolRunner{
		provider: opts.Tools,
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("tool"),
	})
	r.Register(domain.NodeKindLLM, &LLMRunner{
		client:             opts.LLM,
		metrics:            opts.Metrics,
		logger:             opts.Logger.Named("llm"),
		defaultModel:       opts.DefaultModel,
		defaultMaxTokens:   opts.DefaultMaxTokens,
		defaultTemperature: opts.DefaultTemperature,
	})
	return r
}

// Register sets the runner of a kind, replacing any previous one
func (r *Registry) Register(kind domain.NodeKind, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = runner
}

// Get returns the runner of a kind
func (r *Registry) Get(kind domain.NodeKind) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[kind]
	return runner, ok
}

// Supports reports whether a runner is registered for kind
func (r *Registry) Supports(kind domain.NodeKind) bool {
	_, ok := r.Get(kind)
	return ok
}

// Kinds lists the registered kinds in sorted order
func (r *Registry) Kinds() []domain.NodeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]domain.NodeKind, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Validate checks the configuration of node against its runner
func (r *Registry) Validate(node domain.Node) error {
	runner, ok := r.Get(node.Kind)
	if !ok {
		err := domain.NewGraphValidationError(domain.ErrUnknownNodeKind, "node %s has kind %q", node.ID, node.Kind)
		err.NodeID = node.ID
		return err
	}
	v, ok := runner.(ConfigValidator)
	if !ok {
		return nil
	}
	if err := v.Validate(node); err != nil {
		gve := domain.NewGraphValidationError(domain.ErrInvalidNodeConfig, "node %s: %v", node.ID, err)
		gve.NodeID = node.ID
		return gve
	}
	return nil
}

func configString(cfg map[string]interface{}, key string) (string, bool) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func configNumber(cfg map[string]interface{}, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	default:
		return 0, false
	}
}

func configMap(cfg map[string]interface{}, key string) (map[string]interface{}, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be a map, got %T", key, v)
	}
	return m, nil
}
