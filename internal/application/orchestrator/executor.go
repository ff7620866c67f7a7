package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/dagflow/internal/application/runners"
	"github.com/aescanero/dagflow/internal/application/workers"
	"github.com/aescanero/dagflow/pkg/adapters/events/memory"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultSettleTimeout is how long a stopped run waits for in-flight nodes
	DefaultSettleTimeout = 5 * time.Second

	flushTimeout = 5 * time.Second
	storeTimeout = 5 * time.Second
)

// Executor runs a validated workflow. Every Run gets its own execution
// context; lifecycle events of all runs are published on the executor's bus.
type Executor struct {
	id      string
	plan    *Plan
	bus     ports.EventBus
	ownsBus bool
	store   ports.RunStore
	mirror  ports.EventMirror
	metrics ports.MetricsCollector
	pool    *workers.Pool
	logger  *zap.Logger

	nodeTimeout   time.Duration
	settleTimeout time.Duration

	onRunStart func(runID string, e *Executor)
	onRunEnd   func(runID string)

	closed   atomic.Bool
	exit     chan struct{}
	exitOnce sync.Once
}

// Option configures an Executor
type Option func(*Executor)

// WithEventBus publishes events on bus instead of a private in-memory bus
func WithEventBus(bus ports.EventBus) Option {
	return func(e *Executor) {
		e.bus = bus
		e.ownsBus = false
	}
}

// WithRunStore persists a RunRecord at the start and end of every run
func WithRunStore(store ports.RunStore) Option {
	return func(e *Executor) { e.store = store }
}

// WithEventMirror appends every event of a run to mirror
func WithEventMirror(mirror ports.EventMirror) Option {
	return func(e *Executor) { e.mirror = mirror }
}

// WithMetrics records run and node metrics
func WithMetrics(metrics ports.MetricsCollector) Option {
	return func(e *Executor) { e.metrics = metrics }
}

// WithPool executes node tasks on a shared worker pool
func WithPool(pool *workers.Pool) Option {
	return func(e *Executor) { e.pool = pool }
}

// WithNodeTimeout bounds each node execution. Zero disables the bound.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Executor) { e.nodeTimeout = d }
}

// WithSettleTimeout sets how long a stopped run waits for in-flight nodes
func WithSettleTimeout(d time.Duration) Option {
	return func(e *Executor) { e.settleTimeout = d }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func withRunHooks(start func(string, *Executor), end func(string)) Option {
	return func(e *Executor) {
		e.onRunStart = start
		e.onRunEnd = end
	}
}

// NewExecutor creates an executor for plan
func NewExecutor(plan *Plan, opts ...Option) *Executor {
	e := &Executor{
		id:            uuid.New().String(),
		plan:          plan,
		settleTimeout: DefaultSettleTimeout,
		exit:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.With(
		zap.String("executor_id", e.id),
		zap.String("workflow_id", plan.Workflow.ID))
	if e.bus == nil {
		e.bus = memory.NewInMemoryEventBus(e.logger)
		e.ownsBus = true
	}
	return e
}

// ID returns the executor id
func (e *Executor) ID() string {
	return e.id
}

// Workflow returns the workflow the executor runs
func (e *Executor) Workflow() *domain.WorkflowDefinition {
	return e.plan.Workflow
}

// Subscribe registers a handler for lifecycle events and returns a function
// that removes it
func (e *Executor) Subscribe(handler ports.EventHandler) func() {
	return e.bus.Subscribe(handler)
}

// Run executes the workflow against input and blocks until the run resolves.
// Node failures, timeouts and cancellation are reported in the result; the
// returned error is only set when the run could not start.
func (e *Executor) Run(ctx context.Context, input map[string]interface{}, opts domain.RunOptions) (*domain.RunResult, error) {
	if e.closed.Load() {
		return nil, domain.ErrExecutorClosed
	}
	return e.newRun(input, opts).execute(ctx), nil
}

// Exit stops scheduling new nodes in every active run and closes the
// executor for further runs. It does not wait.
func (e *Executor) Exit() {
	e.exitOnce.Do(func() {
		e.closed.Store(true)
		close(e.exit)
		e.logger.Info("executor exit requested")
	})
}

// Closed reports whether Exit was called
func (e *Executor) Closed() bool {
	return e.closed.Load()
}

// Close calls Exit and releases the executor's bus
func (e *Executor) Close() error {
	e.Exit()
	if e.ownsBus {
		return e.bus.Close()
	}
	return nil
}

type nodeResult struct {
	nodeID string
	output interface{}
	err    error
}

// run holds the state of one execution. Apart from the results channel it
// is only touched by the goroutine that called execute.
type run struct {
	e      *Executor
	id     string
	opts   domain.RunOptions
	exec   *domain.ExecutionContext
	logger *zap.Logger

	states   *nodeStates
	branches map[string]string
	started  map[string]time.Time
	failure  *domain.NodeError
	inflight int
	stopping bool
	deadline time.Time

	nodeCtx     context.Context
	cancelNodes context.CancelFunc
	results     chan nodeResult

	seq   uint64
	ended bool
}

func (e *Executor) newRun(input map[string]interface{}, opts domain.RunOptions) *run {
	id := uuid.New().String()
	now := time.Now().UTC()
	r := &run{
		e:        e,
		id:       id,
		opts:     opts,
		exec:     domain.NewExecutionContext(id, input, now),
		logger:   e.logger.With(zap.String("run_id", id)),
		states:   newNodeStates(e.plan.order),
		branches: make(map[string]string),
		started:  make(map[string]time.Time),
		results:  make(chan nodeResult, len(e.plan.order)),
	}
	if opts.Timeout > 0 {
		r.deadline = now.Add(opts.Timeout)
	}
	return r
}

func (r *run) execute(ctx context.Context) *domain.RunResult {
	e := r.e
	r.nodeCtx, r.cancelNodes = context.WithCancel(ctx)
	defer r.cancelNodes()

	if e.onRunStart != nil {
		e.onRunStart(r.id, e)
	}
	if e.onRunEnd != nil {
		defer e.onRunEnd(r.id)
	}
	defer r.attachMirror()()

	if e.metrics != nil {
		e.metrics.RecordRunStarted(e.plan.Workflow.ID)
	}
	r.logger.Info("workflow run started", zap.Int("nodes", len(e.plan.order)))
	r.save(ctx, nil)
	r.emit(domain.Event{Type: domain.EventTypeWorkflowStart, Payload: r.exec.Input})

	var timeout <-chan time.Time
	if r.opts.Timeout > 0 {
		timer := time.NewTimer(r.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	exit := e.exit
	done := ctx.Done()
	var settle <-chan time.Time

loop:
	for {
		if r.expired() {
			return r.timeout(ctx)
		}
		if !r.stopping && ctx.Err() != nil {
			r.stop("context done")
		}
		if !r.stopping {
			r.schedule()
		}
		if r.inflight == 0 {
			break
		}

		select {
		case res := <-r.results:
			r.settle(res)
		case <-exit:
			exit = nil
			r.stop("exit requested")
		case <-done:
			done = nil
			r.stop("context done")
		case <-settle:
			r.logger.Warn("in-flight nodes did not settle", zap.Int("in_flight", r.inflight))
			r.abandon()
			break loop
		case <-timeout:
			return r.timeout(ctx)
		}

		if r.stopping && settle == nil {
			settle = time.After(e.settleTimeout)
		}
	}

	return r.finish(ctx, nil)
}

func (r *run) expired() bool {
	return !r.deadline.IsZero() && !time.Now().Before(r.deadline)
}

// schedule launches every ready node and skips the ones that cannot run.
// The plan order is topological, so one pass settles skip cascades.
func (r *run) schedule() {
	for _, id := range r.e.plan.order {
		if r.states.get(id) != domain.NodeStatePending || !r.ready(id) {
			continue
		}
		if reason, skip := r.skipReason(id); skip {
			r.skipNode(id, reason)
			continue
		}
		r.launch(id)
	}
}

func (r *run) ready(id string) bool {
	for _, p := range r.e.plan.Graph.Predecessors(id) {
		if !r.states.get(p).IsTerminal() {
			return false
		}
	}
	return true
}

func (r *run) skipReason(id string) (domain.SkipReason, bool) {
	g := r.e.plan.Graph
	preds := g.Predecessors(id)
	if len(preds) == 0 {
		return "", false
	}
	for _, p := range preds {
		switch r.states.get(p) {
		case domain.NodeStateFailed:
			return domain.SkipReasonUpstreamFailed, true
		case domain.NodeStateSkipped:
			if r.states.reason(p) == domain.SkipReasonUpstreamFailed {
				return domain.SkipReasonUpstreamFailed, true
			}
		}
	}
	for _, edge := range g.Incoming(id) {
		if r.live(edge) {
			return "", false
		}
	}
	return domain.SkipReasonBranchNotTaken, true
}

// live reports whether an edge carries data: its source succeeded and, for
// condition nodes, the edge label matches the taken branch
func (r *run) live(edge domain.Edge) bool {
	if r.states.get(edge.Source) != domain.NodeStateSucceeded {
		return false
	}
	taken, isBranch := r.branches[edge.Source]
	return !isBranch || edge.Condition == "" || edge.Condition == taken
}

func (r *run) upstream(id string) []runners.NodeOutput {
	var out []runners.NodeOutput
	seen := make(map[string]bool)
	for _, edge := range r.e.plan.Graph.Incoming(id) {
		if seen[edge.Source] || !r.live(edge) {
			continue
		}
		seen[edge.Source] = true
		output, ok := r.exec.Output(edge.Source)
		if !ok {
			continue
		}
		src, _ := r.e.plan.Graph.Node(edge.Source)
		out = append(out, runners.NodeOutput{NodeID: src.ID, Name: src.Name, Output: output})
	}
	return out
}

func (r *run) launch(id string) {
	node, _ := r.e.plan.Graph.Node(id)
	runner, _ := r.e.plan.Runner(id)

	if err := r.states.transition(id, domain.NodeStateRunning); err != nil {
		r.logger.Error("failed to start node", zap.String("node_id", id), zap.Error(err))
		return
	}
	r.started[id] = time.Now()

	in := runners.Input{
		Node:     node,
		RunID:    r.id,
		RunInput: r.exec.Input,
		Upstream: r.upstream(id),
		Outputs:  r.exec.Outputs(),
	}

	r.emit(domain.Event{Type: domain.EventTypeNodeStart, Node: ref(node), State: domain.NodeStateRunning})
	r.inflight++
	go r.executeNode(node, runner, in)
}

func (r *run) executeNode(node domain.Node, runner runners.Runner, in runners.Input) {
	res := nodeResult{nodeID: node.ID}
	task := func(ctx context.Context) {
		res.output, res.err = r.invoke(ctx, node, runner, in)
	}

	if pool := r.e.pool; pool != nil {
		done := make(chan struct{})
		err := pool.Submit(r.nodeCtx, func(ctx context.Context) {
			defer close(done)
			task(ctx)
		})
		if err != nil {
			res.err = err
		} else {
			<-done
		}
	} else {
		task(r.nodeCtx)
	}

	r.results <- res
}

// invoke calls the runner under the node timeout and turns panics into
// PANIC node errors
func (r *run) invoke(ctx context.Context, node domain.Node, runner runners.Runner, in runners.Input) (out interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("node panicked",
				zap.String("node_id", node.ID),
				zap.Any("panic", rec))
			ne := domain.Normalize(rec)
			ne.Name = domain.ErrorNamePanic
			err = ne
		}
	}()

	nodeCtx := ctx
	if t := r.e.nodeTimeout; t > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	out, err = runner.Run(nodeCtx, in)
	if err != nil && ctx.Err() == nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: node %s exceeded %s", domain.ErrTimeout, node.ID, r.e.nodeTimeout)
	}
	return out, err
}

func (r *run) settle(res nodeResult) {
	r.inflight--
	id := res.nodeID
	if r.states.get(id) != domain.NodeStateRunning {
		return
	}
	node, _ := r.e.plan.Graph.Node(id)
	duration := time.Since(r.started[id])

	err := res.err
	if err == nil {
		err = r.exec.SetOutput(id, res.output)
	}

	var state domain.NodeState
	switch {
	case err == nil:
		state = domain.NodeStateSucceeded
		if b, ok := res.output.(runners.Brancher); ok {
			r.branches[id] = b.TakenBranch()
		}
		r.mustTransition(id, state)
		r.emit(domain.Event{Type: domain.EventTypeNodeEnd, Node: ref(node), State: state, Payload: res.output})

	case (r.stopping || r.nodeCtx.Err() != nil) && isCancellation(err):
		state = domain.NodeStateSkipped
		r.skipNode(id, domain.SkipReasonCancelled)

	default:
		state = domain.NodeStateFailed
		ne := domain.Normalize(err)
		ne.NodeID = id
		if r.failure == nil {
			r.failure = ne
		}
		r.logger.Warn("node failed",
			zap.String("node_id", id),
			zap.String("error_name", ne.Name),
			zap.Error(err))
		r.mustTransition(id, state)
		r.emit(domain.Event{Type: domain.EventTypeNodeEnd, Node: ref(node), State: state, Error: ne})
	}

	if r.e.metrics != nil {
		r.e.metrics.RecordNodeExecuted(string(node.Kind), string(state), duration)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, workers.ErrPoolClosed)
}

func (r *run) skipNode(id string, reason domain.SkipReason) {
	if err := r.states.skip(id, reason); err != nil {
		r.logger.Error("failed to skip node", zap.String("node_id", id), zap.Error(err))
		return
	}
	node, _ := r.e.plan.Graph.Node(id)
	r.logger.Debug("node skipped",
		zap.String("node_id", id),
		zap.String("reason", string(reason)))
	r.emit(domain.Event{
		Type:       domain.EventTypeNodeEnd,
		Node:       ref(node),
		State:      domain.NodeStateSkipped,
		SkipReason: reason,
	})
}

func (r *run) mustTransition(id string, to domain.NodeState) {
	if err := r.states.transition(id, to); err != nil {
		r.logger.Error("invalid node transition", zap.Error(err))
	}
}

// stop halts scheduling, signals running nodes and skips the pending ones
func (r *run) stop(reason string) {
	if r.stopping {
		return
	}
	r.stopping = true
	r.logger.Info("stopping workflow run",
		zap.String("reason", reason),
		zap.Int("in_flight", r.inflight))
	r.cancelNodes()
	for _, id := range r.e.plan.order {
		if r.states.get(id) == domain.NodeStatePending {
			r.skipNode(id, domain.SkipReasonCancelled)
		}
	}
}

// abandon marks every unfinished node as cancelled. Late results of those
// nodes are ignored.
func (r *run) abandon() {
	for _, id := range r.e.plan.order {
		if !r.states.get(id).IsTerminal() {
			r.skipNode(id, domain.SkipReasonCancelled)
		}
	}
}

func (r *run) timeout(ctx context.Context) *domain.RunResult {
	r.logger.Warn("workflow run timed out", zap.Duration("timeout", r.opts.Timeout))
	r.stopping = true
	r.cancelNodes()
	r.abandon()
	r.e.Exit()
	return r.finish(ctx, domain.Normalize(fmt.Errorf("%w after %s", domain.ErrTimeout, r.opts.Timeout)))
}

func (r *run) finish(ctx context.Context, failure *domain.NodeError) *domain.RunResult {
	res := &domain.RunResult{
		RunID:      r.id,
		WorkflowID: r.e.plan.Workflow.ID,
		Output:     r.output(),
		Outputs:    r.exec.Outputs(),
		NodeStates: r.states.snapshot(),
		StartedAt:  r.exec.StartedAt,
		EndedAt:    time.Now().UTC(),
	}
	if failure != nil {
		res.Error = failure
	} else {
		res.Error = r.failure
		res.Cancelled = r.stopping
	}
	res.IsOk = res.Error == nil

	r.emit(domain.Event{
		Type:    domain.EventTypeWorkflowEnd,
		Payload: map[string]interface{}{"isOk": res.IsOk, "output": res.Output},
		Error:   res.Error,
	})

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := r.e.bus.Flush(flushCtx); err != nil {
		r.logger.Warn("failed to flush events", zap.Error(err))
	}

	r.save(ctx, res)

	duration := res.EndedAt.Sub(res.StartedAt)
	if r.e.metrics != nil {
		r.e.metrics.RecordRunCompleted(string(res.Status()), duration)
	}
	r.logger.Info("workflow run finished",
		zap.String("status", string(res.Status())),
		zap.Duration("duration", duration),
		zap.Int("failed", r.states.count(domain.NodeStateFailed)),
		zap.Int("skipped", r.states.count(domain.NodeStateSkipped)))

	return res
}

// output is the output of the output-kind nodes: the value itself for a
// single one, keyed by node id otherwise
func (r *run) output() interface{} {
	outputs := make(map[string]interface{})
	var last interface{}
	for _, node := range r.e.plan.Graph.Nodes() {
		if node.Kind != domain.NodeKindOutput {
			continue
		}
		if out, ok := r.exec.Output(node.ID); ok {
			outputs[node.ID] = out
			last = out
		}
	}
	switch len(outputs) {
	case 0:
		return nil
	case 1:
		return last
	default:
		return outputs
	}
}

func (r *run) emit(ev domain.Event) {
	if r.ended {
		return
	}
	r.seq++
	ev.ID = uuid.New().String()
	ev.Seq = r.seq
	ev.RunID = r.id
	ev.WorkflowID = r.e.plan.Workflow.ID
	ev.Timestamp = time.Now().UTC()
	if ev.Type == domain.EventTypeWorkflowEnd {
		r.ended = true
	}

	if err := r.e.bus.Publish(context.Background(), ev); err != nil {
		r.logger.Warn("failed to publish event",
			zap.String("event_type", string(ev.Type)),
			zap.Error(err))
	}
}

func (r *run) attachMirror() func() {
	mirror := r.e.mirror
	if mirror == nil || r.opts.DisableHistory {
		return func() {}
	}
	return r.e.bus.Subscribe(func(ctx context.Context, ev domain.Event) error {
		if ev.RunID != r.id {
			return nil
		}
		return mirror.Append(ctx, ev)
	})
}

func (r *run) save(ctx context.Context, res *domain.RunResult) {
	store := r.e.store
	if store == nil || r.opts.DisableHistory {
		return
	}

	record := &domain.RunRecord{
		RunID:      r.id,
		WorkflowID: r.e.plan.Workflow.ID,
		Status:     domain.RunStatusRunning,
		Input:      r.exec.Input,
		StartedAt:  r.exec.StartedAt,
	}
	if res != nil {
		record.Status = res.Status()
		record.Result = res
		completed := res.EndedAt
		record.CompletedAt = &completed
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := store.SaveRun(saveCtx, record); err != nil {
		r.logger.Error("failed to save run record", zap.Error(err))
	}
}

func ref(node domain.Node) *domain.NodeRef {
	return &domain.NodeRef{ID: node.ID, Name: node.Name, Kind: node.Kind}
}
