package ports

import (
	"context"

	"github.com/aescanero/dagflow/pkg/domain"
)

// RunStore persists run records
type RunStore interface {
	// SaveRun creates or replaces the record of a run
	SaveRun(ctx context.Context, record *domain.RunRecord) error

	// GetRun returns domain.ErrRunNotFound when no record exists
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)

	// ListRuns returns the records of one workflow, newest first
	ListRuns(ctx context.Context, workflowID string) ([]*domain.RunRecord, error)

	DeleteRun(ctx context.Context, runID string) error
}

// WorkflowRepository loads workflow definitions
type WorkflowRepository interface {
	// LoadStructure returns domain.ErrWorkflowNotFound for unknown ids
	LoadStructure(ctx context.Context, workflowID string) (*domain.WorkflowDefinition, error)

	// CheckAccess reports whether userID may execute the workflow
	CheckAccess(ctx context.Context, workflowID, userID string, requireWrite bool) (bool, error)

	List(ctx context.Context) ([]*domain.WorkflowDefinition, error)
}

// ToolConfigStore is the declarative source of tool client configurations
type ToolConfigStore interface {
	LoadAll(ctx context.Context) ([]domain.ToolClientConfig, error)
}
