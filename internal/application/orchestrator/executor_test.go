package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/dagflow/internal/application/runners"
	"github.com/aescanero/dagflow/internal/application/workers"
	storagememory "github.com/aescanero/dagflow/pkg/adapters/storage/memory"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type toolSet map[string]ports.Tool

func (s toolSet) Tools(context.Context) (map[string]ports.Tool, error) { return s, nil }

func echoTool() ports.Tool {
	return ports.Tool{Name: "echo", Invoke: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
		return args, nil
	}}
}

func constTool(out map[string]interface{}) ports.Tool {
	return ports.Tool{Invoke: func(context.Context, map[string]interface{}) (interface{}, error) {
		return out, nil
	}}
}

func failTool() ports.Tool {
	return ports.Tool{Name: "fail", Invoke: func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, domain.NewNodeError("ToolError", "boom")
	}}
}

// blockTool signals started and waits for ctx to be done
func blockTool(started chan<- struct{}) ports.Tool {
	var once sync.Once
	return ports.Tool{Name: "block", Invoke: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

type step struct {
	typ   domain.EventType
	node  string
	state domain.NodeState
}

func steps(events []domain.Event) []step {
	out := make([]step, 0, len(events))
	for _, ev := range events {
		s := step{typ: ev.Type, state: ev.State}
		if ev.Node != nil {
			s.node = ev.Node.ID
		}
		out = append(out, s)
	}
	return out
}

func n(id string, kind domain.NodeKind, cfg map[string]interface{}) domain.Node {
	return domain.Node{ID: id, Name: id, Kind: kind, Config: cfg}
}

func e(source, target string) domain.Edge {
	return domain.Edge{ID: source + "-" + target, Source: source, Target: target}
}

func tool(id, name string) domain.Node {
	return n(id, domain.NodeKindTool, map[string]interface{}{"tool": name})
}

func linear(toolName string) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID: "wf-linear",
		Nodes: []domain.Node{
			n("in", domain.NodeKindInput, nil),
			tool("t", toolName),
			n("out", domain.NodeKindOutput, nil),
		},
		Edges: []domain.Edge{e("in", "t"), e("t", "out")},
	}
}

func newExecutor(t *testing.T, tools ports.ToolProvider, wf *domain.WorkflowDefinition, opts ...Option) (*Executor, *recorder) {
	t.Helper()
	plan, err := NewValidator(runners.NewDefaultRegistry(runners.Options{Tools: tools})).Build(wf)
	require.NoError(t, err)

	exec := NewExecutor(plan, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	t.Cleanup(func() { _ = exec.Close() })

	rec := &recorder{}
	exec.Subscribe(rec.handle)
	return exec, rec
}

func TestRunLinearSuccess(t *testing.T) {
	exec, rec := newExecutor(t, toolSet{"echo": echoTool()}, linear("echo"))

	res, err := exec.Run(context.Background(), map[string]interface{}{"query": "hello"}, domain.RunOptions{})
	require.NoError(t, err)

	assert.True(t, res.IsOk)
	assert.Nil(t, res.Error)
	assert.Equal(t, domain.RunStatusCompleted, res.Status())
	assert.Equal(t, map[string]interface{}{"query": "hello"}, res.Output)
	assert.Equal(t, map[string]domain.NodeState{
		"in": domain.NodeStateSucceeded, "t": domain.NodeStateSucceeded, "out": domain.NodeStateSucceeded,
	}, res.NodeStates)

	assert.Equal(t, []step{
		{domain.EventTypeWorkflowStart, "", ""},
		{domain.EventTypeNodeStart, "in", domain.NodeStateRunning},
		{domain.EventTypeNodeEnd, "in", domain.NodeStateSucceeded},
		{domain.EventTypeNodeStart, "t", domain.NodeStateRunning},
		{domain.EventTypeNodeEnd, "t", domain.NodeStateSucceeded},
		{domain.EventTypeNodeStart, "out", domain.NodeStateRunning},
		{domain.EventTypeNodeEnd, "out", domain.NodeStateSucceeded},
		{domain.EventTypeWorkflowEnd, "", ""},
	}, steps(rec.all()))
}

func TestRunFailureSkipsDownstream(t *testing.T) {
	exec, rec := newExecutor(t, toolSet{"fail": failTool()}, linear("fail"))

	res, err := exec.Run(context.Background(), map[string]interface{}{"query": "x"}, domain.RunOptions{})
	require.NoError(t, err)

	assert.False(t, res.IsOk)
	require.NotNil(t, res.Error)
	assert.Equal(t, "ToolError", res.Error.Name)
	assert.Contains(t, res.Error.Message, "boom")
	assert.Equal(t, "t", res.Error.NodeID)
	assert.Nil(t, res.Output)

	events := rec.all()
	assert.Equal(t, []step{
		{domain.EventTypeWorkflowStart, "", ""},
		{domain.EventTypeNodeStart, "in", domain.NodeStateRunning},
		{domain.EventTypeNodeEnd, "in", domain.NodeStateSucceeded},
		{domain.EventTypeNodeStart, "t", domain.NodeStateRunning},
		{domain.EventTypeNodeEnd, "t", domain.NodeStateFailed},
		{domain.EventTypeNodeEnd, "out", domain.NodeStateSkipped},
		{domain.EventTypeWorkflowEnd, "", ""},
	}, steps(events))
	assert.Equal(t, domain.SkipReasonUpstreamFailed, events[5].SkipReason)
	assert.Equal(t, res.Error, events[6].Error)
}

func TestRunIndependentBranchSurvivesFailure(t *testing.T) {
	wf := &domain.WorkflowDefinition{
		ID: "wf-branches",
		Nodes: []domain.Node{
			n("in", domain.NodeKindInput, nil),
			tool("a", "fail"),
			tool("b", "echo"),
			n("after-a", domain.NodeKindSkip, nil),
			n("out-a", domain.NodeKindOutput, nil),
			n("out-b", domain.NodeKindOutput, nil),
		},
		Edges: []domain.Edge{
			e("in", "a"), e("in", "b"),
			e("a", "after-a"), e("after-a", "out-a"),
			e("b", "out-b"),
		},
	}
	exec, _ := newExecutor(t, toolSet{"fail": failTool(), "echo": echoTool()}, wf)

	res, err := exec.Run(context.Background(), map[string]interface{}{"k": "v"}, domain.RunOptions{})
	require.NoError(t, err)

	assert.False(t, res.IsOk)
	assert.Equal(t, domain.NodeStateFailed, res.NodeStates["a"])
	assert.Equal(t, domain.NodeStateSkipped, res.NodeStates["after-a"])
	assert.Equal(t, domain.NodeStateSkipped, res.NodeStates["out-a"])
	assert.Equal(t, domain.NodeStateSucceeded, res.NodeStates["b"])
	assert.Equal(t, domain.NodeStateSucceeded, res.NodeStates["out-b"])
	assert.Equal(t, map[string]interface{}{"k": "v"}, res.Output)
}

func TestRunKeepsProducedOutputsIntact(t *testing.T) {
	t.Run("output merge leaves predecessors alone", func(t *testing.T) {
		wf := &domain.WorkflowDefinition{
			ID: "wf-diamond",
			Nodes: []domain.Node{
				n("in", domain.NodeKindInput, nil),
				tool("ta", "ta"),
				tool("tb", "tb"),
				n("out", domain.NodeKindOutput, nil),
			},
			Edges: []domain.Edge{e("in", "ta"), e("in", "tb"), e("ta", "out"), e("tb", "out")},
		}
		tools := toolSet{
			"ta": constTool(map[string]interface{}{"meta": map[string]interface{}{"a": 1}}),
			"tb": constTool(map[string]interface{}{"meta": map[string]interface{}{"b": 2}}),
		}
		exec, _ := newExecutor(t, tools, wf)

		res, err := exec.Run(context.Background(), nil, domain.RunOptions{})
		require.NoError(t, err)
		require.True(t, res.IsOk)

		assert.Equal(t, map[string]interface{}{"meta": map[string]interface{}{"a": 1, "b": 2}}, res.Output)
		assert.Equal(t, map[string]interface{}{"meta": map[string]interface{}{"a": 1}}, res.Outputs["ta"])
		assert.Equal(t, map[string]interface{}{"meta": map[string]interface{}{"b": 2}}, res.Outputs["tb"])
	})

	t.Run("input defaults leave the caller's map alone", func(t *testing.T) {
		wf := linear("echo")
		wf.Nodes[0].Config = map[string]interface{}{
			"defaults": map[string]interface{}{"opts": map[string]interface{}{"d": 1}},
		}
		exec, _ := newExecutor(t, toolSet{"echo": echoTool()}, wf)

		input := map[string]interface{}{"opts": map[string]interface{}{"x": 1}}
		for i := 0; i < 2; i++ {
			res, err := exec.Run(context.Background(), input, domain.RunOptions{})
			require.NoError(t, err)
			assert.Equal(t, map[string]interface{}{"opts": map[string]interface{}{"x": 1, "d": 1}}, res.Output)
		}
		assert.Equal(t, map[string]interface{}{"opts": map[string]interface{}{"x": 1}}, input)
	})
}

func TestRunConditionalBranches(t *testing.T) {
	wf := &domain.WorkflowDefinition{
		ID: "wf-condition",
		Nodes: []domain.Node{
			n("in", domain.NodeKindInput, nil),
			n("route", domain.NodeKindCondition, map[string]interface{}{"expression": `input.intent == "find"`}),
			tool("find", "find"),
			tool("chat", "chat"),
			n("out", domain.NodeKindOutput, nil),
		},
		Edges: []domain.Edge{
			e("in", "route"),
			{ID: "yes", Source: "route", Target: "find", Condition: "true"},
			{ID: "no", Source: "route", Target: "chat", Condition: "false"},
			e("find", "out"), e("chat", "out"),
		},
	}
	tools := toolSet{
		"find": constTool(map[string]interface{}{"via": "find"}),
		"chat": constTool(map[string]interface{}{"via": "chat"}),
	}

	tests := []struct {
		intent  string
		ran     string
		skipped string
	}{
		{intent: "find", ran: "find", skipped: "chat"},
		{intent: "smalltalk", ran: "chat", skipped: "find"},
	}

	for _, tt := range tests {
		t.Run(tt.intent, func(t *testing.T) {
			exec, rec := newExecutor(t, tools, wf)

			res, err := exec.Run(context.Background(), map[string]interface{}{"intent": tt.intent}, domain.RunOptions{})
			require.NoError(t, err)

			assert.True(t, res.IsOk)
			assert.Equal(t, domain.NodeStateSucceeded, res.NodeStates[tt.ran])
			assert.Equal(t, domain.NodeStateSkipped, res.NodeStates[tt.skipped])
			assert.Equal(t, domain.NodeStateSucceeded, res.NodeStates["out"])
			assert.Equal(t, map[string]interface{}{"via": tt.ran}, res.Output)

			for _, ev := range rec.all() {
				if ev.Node != nil && ev.Node.ID == tt.skipped {
					assert.Equal(t, domain.EventTypeNodeEnd, ev.Type)
					assert.Equal(t, domain.SkipReasonBranchNotTaken, ev.SkipReason)
				}
			}
		})
	}
}

func TestRunSkipNodeIsPassThrough(t *testing.T) {
	wf := &domain.WorkflowDefinition{
		ID: "wf-skip",
		Nodes: []domain.Node{
			n("in", domain.NodeKindInput, nil),
			n("noop", domain.NodeKindSkip, nil),
			n("out", domain.NodeKindOutput, nil),
		},
		Edges: []domain.Edge{e("in", "noop"), e("noop", "out")},
	}
	exec, rec := newExecutor(t, nil, wf)

	res, err := exec.Run(context.Background(), map[string]interface{}{"q": "x"}, domain.RunOptions{})
	require.NoError(t, err)
	assert.True(t, res.IsOk)
	assert.Equal(t, map[string]interface{}{"q": "x"}, res.Output)

	var external []step
	for _, ev := range rec.all() {
		if ev.External() {
			external = append(external, steps([]domain.Event{ev})...)
		}
	}
	assert.Equal(t, []step{
		{domain.EventTypeWorkflowStart, "", ""},
		{domain.EventTypeNodeStart, "in", domain.NodeStateRunning},
		{domain.EventTypeNodeEnd, "in", domain.NodeStateSucceeded},
		{domain.EventTypeNodeStart, "out", domain.NodeStateRunning},
		{domain.EventTypeNodeEnd, "out", domain.NodeStateSucceeded},
		{domain.EventTypeWorkflowEnd, "", ""},
	}, external)
}

func TestRunEventSequence(t *testing.T) {
	exec, rec := newExecutor(t, toolSet{"echo": echoTool()}, linear("echo"))

	res, err := exec.Run(context.Background(), nil, domain.RunOptions{})
	require.NoError(t, err)

	events := rec.all()
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, res.RunID, ev.RunID)
		assert.Equal(t, "wf-linear", ev.WorkflowID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestRunTimeout(t *testing.T) {
	started := make(chan struct{})
	exec, rec := newExecutor(t, toolSet{"block": blockTool(started)}, linear("block"))

	begin := time.Now()
	res, err := exec.Run(context.Background(), nil, domain.RunOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, time.Since(begin) < 2*time.Second)

	assert.False(t, res.IsOk)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.ErrorNameTimeout, res.Error.Name)
	assert.Equal(t, domain.RunStatusTimeout, res.Status())
	assert.Equal(t, domain.NodeStateSkipped, res.NodeStates["t"])
	assert.Equal(t, domain.NodeStateSkipped, res.NodeStates["out"])
	assert.True(t, exec.Closed())

	events := rec.all()
	last := events[len(events)-1]
	assert.Equal(t, domain.EventTypeWorkflowEnd, last.Type)
	ends := 0
	for _, ev := range events {
		if ev.Type == domain.EventTypeWorkflowEnd {
			ends++
		}
		if ev.Node != nil && ev.Node.ID == "out" {
			assert.NotEqual(t, domain.EventTypeNodeStart, ev.Type)
		}
	}
	assert.Equal(t, 1, ends)

	_, err = exec.Run(context.Background(), nil, domain.RunOptions{})
	assert.ErrorIs(t, err, domain.ErrExecutorClosed)
}

func TestRunNodeTimeout(t *testing.T) {
	started := make(chan struct{})
	exec, _ := newExecutor(t, toolSet{"block": blockTool(started)}, linear("block"),
		WithNodeTimeout(20*time.Millisecond))

	res, err := exec.Run(context.Background(), nil, domain.RunOptions{})
	require.NoError(t, err)

	assert.False(t, res.IsOk)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.ErrorNameTimeout, res.Error.Name)
	assert.Equal(t, domain.NodeStateFailed, res.NodeStates["t"])
	assert.Equal(t, domain.NodeStateSkipped, res.NodeStates["out"])
	assert.False(t, exec.Closed())
}

func TestExit(t *testing.T) {
	t.Run("stops scheduling and lets running nodes settle", func(t *testing.T) {
		started := make(chan struct{})
		exec, rec := newExecutor(t, toolSet{"block": blockTool(started)}, linear("block"))

		done := make(chan *domain.RunResult, 1)
		go func() {
			res, err := exec.Run(context.Background(), nil, domain.RunOptions{})
			assert.NoError(t, err)
			done <- res
		}()

		<-started
		exec.Exit()

		var res *domain.RunResult
		select {
		case res = <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("run did not resolve after exit")
		}

		assert.True(t, res.Cancelled)
		assert.True(t, res.IsOk)
		assert.Equal(t, domain.RunStatusCancelled, res.Status())
		assert.Equal(t, domain.NodeStateSkipped, res.NodeStates["t"])
		assert.Equal(t, domain.NodeStateSkipped, res.NodeStates["out"])

		for _, ev := range rec.all() {
			if ev.Node != nil && ev.Node.ID == "out" {
				assert.Equal(t, domain.EventTypeNodeEnd, ev.Type)
				assert.Equal(t, domain.SkipReasonCancelled, ev.SkipReason)
			}
		}

		_, err := exec.Run(context.Background(), nil, domain.RunOptions{})
		assert.ErrorIs(t, err, domain.ErrExecutorClosed)
	})

	t.Run("stops waiting for nodes that ignore cancellation", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		defer close(release)
		stubborn := ports.Tool{Invoke: func(context.Context, map[string]interface{}) (interface{}, error) {
			close(started)
			<-release
			return map[string]interface{}{}, nil
		}}
		exec, _ := newExecutor(t, toolSet{"stubborn": stubborn}, linear("stubborn"),
			WithSettleTimeout(20*time.Millisecond))

		done := make(chan *domain.RunResult, 1)
		go func() {
			res, _ := exec.Run(context.Background(), nil, domain.RunOptions{})
			done <- res
		}()

		<-started
		exec.Exit()

		select {
		case res := <-done:
			assert.True(t, res.Cancelled)
			assert.Equal(t, domain.NodeStateSkipped, res.NodeStates["t"])
		case <-time.After(5 * time.Second):
			t.Fatal("run waited for a node past the settle timeout")
		}
	})

	t.Run("context cancellation stops the run only", func(t *testing.T) {
		started := make(chan struct{})
		exec, _ := newExecutor(t, toolSet{"block": blockTool(started)}, linear("block"))

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-started
			cancel()
		}()

		res, err := exec.Run(ctx, nil, domain.RunOptions{})
		require.NoError(t, err)
		assert.True(t, res.Cancelled)
		assert.False(t, exec.Closed())
	})
}

func TestRunRecoversPanics(t *testing.T) {
	registry := runners.NewDefaultRegistry(runners.Options{})
	registry.Register("explode", runners.RunnerFunc(func(context.Context, runners.Input) (interface{}, error) {
		panic("kaboom")
	}))
	wf := &domain.WorkflowDefinition{
		ID: "wf-panic",
		Nodes: []domain.Node{
			n("in", domain.NodeKindInput, nil),
			n("bad", "explode", nil),
			n("out", domain.NodeKindOutput, nil),
		},
		Edges: []domain.Edge{e("in", "bad"), e("bad", "out")},
	}
	plan, err := NewValidator(registry).Build(wf)
	require.NoError(t, err)
	exec := NewExecutor(plan, WithLogger(zap.NewNop()))
	defer exec.Close()

	res, err := exec.Run(context.Background(), nil, domain.RunOptions{})
	require.NoError(t, err)
	assert.False(t, res.IsOk)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.ErrorNamePanic, res.Error.Name)
	assert.Equal(t, "kaboom", res.Error.Message)
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	exec, _ := newExecutor(t, toolSet{"echo": echoTool()}, linear("echo"))

	var wg sync.WaitGroup
	results := make([]*domain.RunResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := exec.Run(context.Background(), map[string]interface{}{"i": fmt.Sprint(i)}, domain.RunOptions{})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i, res := range results {
		require.NotNil(t, res)
		assert.True(t, res.IsOk)
		assert.Equal(t, map[string]interface{}{"i": fmt.Sprint(i)}, res.Output)
		ids[res.RunID] = true
	}
	assert.Len(t, ids, len(results))
}

func TestRunOnWorkerPool(t *testing.T) {
	pool := workers.NewPool(2, nil, zap.NewNop(), 0)
	require.NoError(t, pool.Start())
	defer pool.Shutdown(context.Background())

	exec, _ := newExecutor(t, toolSet{"echo": echoTool()}, linear("echo"), WithPool(pool))

	res, err := exec.Run(context.Background(), map[string]interface{}{"query": "pooled"}, domain.RunOptions{})
	require.NoError(t, err)
	assert.True(t, res.IsOk)
	assert.Equal(t, map[string]interface{}{"query": "pooled"}, res.Output)
}

type fakeMirror struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func (m *fakeMirror) Append(_ context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = make(map[string][]domain.Event)
	}
	m.events[ev.RunID] = append(m.events[ev.RunID], ev)
	return nil
}

func (m *fakeMirror) Replay(_ context.Context, runID string) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events, ok := m.events[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return events, nil
}

func (m *fakeMirror) Follow(context.Context, string, ports.EventHandler) error { return nil }

func TestRunHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("records and mirrors the run", func(t *testing.T) {
		store := storagememory.NewInMemoryRunStore()
		mirror := &fakeMirror{}
		exec, rec := newExecutor(t, toolSet{"echo": echoTool()}, linear("echo"),
			WithRunStore(store), WithEventMirror(mirror))

		res, err := exec.Run(ctx, map[string]interface{}{"query": "q"}, domain.RunOptions{})
		require.NoError(t, err)

		record, err := store.GetRun(ctx, res.RunID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusCompleted, record.Status)
		assert.Equal(t, "wf-linear", record.WorkflowID)
		require.NotNil(t, record.Result)
		assert.True(t, record.Result.IsOk)
		assert.NotNil(t, record.CompletedAt)

		mirrored, err := mirror.Replay(ctx, res.RunID)
		require.NoError(t, err)
		assert.Equal(t, steps(rec.all()), steps(mirrored))
	})

	t.Run("disabled history leaves no trace", func(t *testing.T) {
		store := storagememory.NewInMemoryRunStore()
		mirror := &fakeMirror{}
		exec, _ := newExecutor(t, toolSet{"echo": echoTool()}, linear("echo"),
			WithRunStore(store), WithEventMirror(mirror))

		res, err := exec.Run(ctx, nil, domain.RunOptions{DisableHistory: true})
		require.NoError(t, err)

		_, err = store.GetRun(ctx, res.RunID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
		_, err = mirror.Replay(ctx, res.RunID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})
}
