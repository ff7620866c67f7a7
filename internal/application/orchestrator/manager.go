package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/dagflow/internal/application/workers"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"go.uber.org/zap"
)

// ManagerConfig holds the timeouts applied to executors opened by a Manager
type ManagerConfig struct {
	RunTimeout    time.Duration
	NodeTimeout   time.Duration
	SettleTimeout time.Duration
}

// Manager opens executors for stored workflows and tracks the active runs
type Manager struct {
	repo      ports.WorkflowRepository
	validator *Validator
	store     ports.RunStore
	mirror    ports.EventMirror
	metrics   ports.MetricsCollector
	pool      *workers.Pool
	logger    *zap.Logger
	cfg       ManagerConfig

	// Track open executors and active runs
	executors sync.Map // map[string]*Executor
	runs      sync.Map // map[string]*Executor
	active    atomic.Int64
}

// NewManager creates a new run manager. store, mirror, metrics and pool may
// be nil.
func NewManager(
	repo ports.WorkflowRepository,
	validator *Validator,
	store ports.RunStore,
	mirror ports.EventMirror,
	metrics ports.MetricsCollector,
	pool *workers.Pool,
	logger *zap.Logger,
	cfg ManagerConfig,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		repo:      repo,
		validator: validator,
		store:     store,
		mirror:    mirror,
		metrics:   metrics,
		pool:      pool,
		logger:    logger,
		cfg:       cfg,
	}
}

// Open checks that userID may execute the workflow, loads and validates its
// structure and returns a ready executor. Release it with Close.
func (m *Manager) Open(ctx context.Context, workflowID, userID string) (*Executor, error) {
	if err := m.Authorize(ctx, workflowID, userID, false); err != nil {
		return nil, err
	}

	wf, err := m.repo.LoadStructure(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	plan, err := m.validator.Build(wf)
	if err != nil {
		m.logger.Warn("workflow validation failed",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	opts := []Option{
		WithLogger(m.logger),
		WithRunStore(m.store),
		WithMetrics(m.metrics),
		WithPool(m.pool),
		WithNodeTimeout(m.cfg.NodeTimeout),
		withRunHooks(m.trackRun, m.untrackRun),
	}
	if m.mirror != nil {
		opts = append(opts, WithEventMirror(m.mirror))
	}
	if m.cfg.SettleTimeout > 0 {
		opts = append(opts, WithSettleTimeout(m.cfg.SettleTimeout))
	}

	e := NewExecutor(plan, opts...)
	m.executors.Store(e.ID(), e)

	m.logger.Debug("executor opened",
		zap.String("executor_id", e.ID()),
		zap.String("workflow_id", workflowID),
		zap.String("user_id", userID))
	return e, nil
}

// Authorize returns domain.ErrAccessDenied unless userID may use the
// workflow. Unknown workflows yield domain.ErrWorkflowNotFound.
func (m *Manager) Authorize(ctx context.Context, workflowID, userID string, requireWrite bool) error {
	ok, err := m.repo.CheckAccess(ctx, workflowID, userID, requireWrite)
	if err != nil {
		return fmt.Errorf("failed to check access: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: workflow %s", domain.ErrAccessDenied, workflowID)
	}
	return nil
}

// Workflows lists the workflows userID may execute
func (m *Manager) Workflows(ctx context.Context, userID string) ([]*domain.WorkflowDefinition, error) {
	all, err := m.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	visible := make([]*domain.WorkflowDefinition, 0, len(all))
	for _, wf := range all {
		if wf.CanAccess(userID, false) {
			visible = append(visible, wf)
		}
	}
	return visible, nil
}

// Close exits the executor and forgets it
func (m *Manager) Close(e *Executor) error {
	m.executors.Delete(e.ID())
	return e.Close()
}

// RunOptions returns the default options for a run
func (m *Manager) RunOptions(disableHistory bool) domain.RunOptions {
	return domain.RunOptions{DisableHistory: disableHistory, Timeout: m.cfg.RunTimeout}
}

// Execute opens the workflow, runs it once and closes the executor
func (m *Manager) Execute(ctx context.Context, workflowID, userID string, input map[string]interface{}, opts domain.RunOptions) (*domain.RunResult, error) {
	e, err := m.Open(ctx, workflowID, userID)
	if err != nil {
		return nil, err
	}
	defer m.Close(e)

	return e.Run(ctx, input, opts)
}

// Cancel calls Exit on the executor running runID after checking that
// userID may use its workflow
func (m *Manager) Cancel(ctx context.Context, runID, userID string) error {
	val, ok := m.runs.Load(runID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}

	e := val.(*Executor)
	if err := m.Authorize(ctx, e.Workflow().ID, userID, false); err != nil {
		return err
	}
	e.Exit()
	m.logger.Info("workflow run cancelled", zap.String("run_id", runID))
	return nil
}

// GetRun returns the stored record of a run
func (m *Manager) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	if m.store == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return m.store.GetRun(ctx, runID)
}

// ListRuns returns the stored records of a workflow, newest first
func (m *Manager) ListRuns(ctx context.Context, workflowID string) ([]*domain.RunRecord, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.ListRuns(ctx, workflowID)
}

// Events replays the mirrored events of a run
func (m *Manager) Events(ctx context.Context, runID string) ([]domain.Event, error) {
	if m.mirror == nil {
		return nil, fmt.Errorf("%w: event mirror disabled", domain.ErrRunNotFound)
	}
	return m.mirror.Replay(ctx, runID)
}

// Follow streams the mirrored events of a run until it ends
func (m *Manager) Follow(ctx context.Context, runID string, handler ports.EventHandler) error {
	if m.mirror == nil {
		return fmt.Errorf("%w: event mirror disabled", domain.ErrRunNotFound)
	}
	return m.mirror.Follow(ctx, runID, handler)
}

// ActiveRuns returns the number of runs in progress
func (m *Manager) ActiveRuns() int {
	return int(m.active.Load())
}

// Shutdown exits every open executor and waits for active runs to resolve
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down run manager", zap.Int("active_runs", m.ActiveRuns()))

	m.executors.Range(func(_, value interface{}) bool {
		value.(*Executor).Exit()
		return true
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for m.active.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("run manager shutdown: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	var errs []error
	m.executors.Range(func(key, value interface{}) bool {
		if err := value.(*Executor).Close(); err != nil {
			errs = append(errs, err)
		}
		m.executors.Delete(key)
		return true
	})

	m.logger.Info("run manager shut down complete")
	return errors.Join(errs...)
}

func (m *Manager) trackRun(runID string, e *Executor) {
	m.runs.Store(runID, e)
	n := m.active.Add(1)
	if m.metrics != nil {
		m.metrics.SetActiveRuns(int(n))
	}
}

func (m *Manager) untrackRun(runID string) {
	m.runs.Delete(runID)
	n := m.active.Add(-1)
	if m.metrics != nil {
		m.metrics.SetActiveRuns(int(n))
	}
}
