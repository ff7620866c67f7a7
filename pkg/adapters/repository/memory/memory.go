package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dagflow/pkg/domain"
)

// InMemoryRepository implements WorkflowRepository and ToolConfigStore
type InMemoryRepository struct {
	mu        sync.RWMutex
	workflows map[string]*domain.WorkflowDefinition
	tools     []domain.ToolClientConfig
}

// NewInMemoryRepository creates an empty repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		workflows: make(map[string]*domain.WorkflowDefinition),
	}
}

// Put adds or replaces a workflow definition
func (r *InMemoryRepository) Put(def *domain.WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := cloneDefinition(def)
	r.workflows[def.ID] = cp
}

// SetTools replaces the persisted tool client configurations
func (r *InMemoryRepository) SetTools(tools []domain.ToolClientConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = append([]domain.ToolClientConfig(nil), tools...)
}

// LoadStructure returns a snapshot of the workflow
func (r *InMemoryRepository) LoadStructure(_ context.Context, workflowID string) (*domain.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, workflowID)
	}
	return cloneDefinition(def), nil
}

// CheckAccess applies the owner / public read rule
func (r *InMemoryRepository) CheckAccess(ctx context.Context, workflowID, userID string, requireWrite bool) (bool, error) {
	def, err := r.LoadStructure(ctx, workflowID)
	if err != nil {
		return false, err
	}
	return def.CanAccess(userID, requireWrite), nil
}

// List returns every workflow sorted by id
func (r *InMemoryRepository) List(_ context.Context) ([]*domain.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*domain.WorkflowDefinition, 0, len(r.workflows))
	for _, def := range r.workflows {
		defs = append(defs, cloneDefinition(def))
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// LoadAll returns the persisted tool client configurations
func (r *InMemoryRepository) LoadAll(_ context.Context) ([]domain.ToolClientConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.ToolClientConfig(nil), r.tools...), nil
}

func cloneDefinition(def *domain.WorkflowDefinition) *domain.WorkflowDefinition {
	cp := *def
	cp.Nodes = append([]domain.Node(nil), def.Nodes...)
	cp.Edges = append([]domain.Edge(nil), def.Edges...)
	return &cp
}
