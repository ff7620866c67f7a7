package yamlfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aescanero/dagflow/pkg/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Repository reads workflow definitions from *.yaml files in a directory.
// Files are read on every call so edits apply to the next run.
type Repository struct {
	dir    string
	logger *zap.Logger
}

// NewRepository creates a repository over dir. A missing directory holds
// no workflows.
func NewRepository(dir string, logger *zap.Logger) *Repository {
	return &Repository{dir: strings.TrimSpace(dir), logger: logger}
}

// ParseWorkflow decodes a single workflow definition
func ParseWorkflow(data []byte) (*domain.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("workflow: definition is empty")
	}
	var def domain.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("workflow: decode definition: %w", err)
	}
	if def.ID == "" {
		return nil, fmt.Errorf("workflow: id is required")
	}
	if def.Visibility == "" {
		def.Visibility = domain.VisibilityPrivate
	}
	return &def, nil
}

// LoadStructure returns the workflow with the given id
func (r *Repository) LoadStructure(ctx context.Context, workflowID string) (*domain.WorkflowDefinition, error) {
	defs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.ID == workflowID {
			return def, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, workflowID)
}

// CheckAccess applies the owner / public read rule
func (r *Repository) CheckAccess(ctx context.Context, workflowID, userID string, requireWrite bool) (bool, error) {
	def, err := r.LoadStructure(ctx, workflowID)
	if err != nil {
		return false, err
	}
	return def.CanAccess(userID, requireWrite), nil
}

// List parses every workflow file. Files that fail to parse are logged and
// skipped; duplicate ids keep the first file in name order.
func (r *Repository) List(_ context.Context) ([]*domain.WorkflowDefinition, error) {
	if r.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("workflow: read %s: %w", r.dir, err)
	}

	seen := make(map[string]string)
	var defs []*domain.WorkflowDefinition
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("workflow: read %s: %w", path, err)
		}
		def, err := ParseWorkflow(data)
		if err != nil {
			r.logger.Warn("skipping workflow file", zap.String("path", path), zap.Error(err))
			continue
		}
		if first, dup := seen[def.ID]; dup {
			r.logger.Warn("duplicate workflow id",
				zap.String("workflow_id", def.ID),
				zap.String("path", path),
				zap.String("kept", first))
			continue
		}
		seen[def.ID] = path
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// ToolConfigFile reads tool client configurations from a YAML file:
//
//	clients:
//	  - id: search
//	    name: search
//	    config: {type: echo}
type ToolConfigFile struct {
	path string
}

// NewToolConfigFile creates a tool config source. A missing file holds no
// clients.
func NewToolConfigFile(path string) *ToolConfigFile {
	return &ToolConfigFile{path: strings.TrimSpace(path)}
}

// LoadAll returns the configured clients
func (f *ToolConfigFile) LoadAll(_ context.Context) ([]domain.ToolClientConfig, error) {
	if f.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("tools: read %s: %w", f.path, err)
	}

	var doc struct {
		Clients []domain.ToolClientConfig `yaml:"clients"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("tools: decode %s: %w", f.path, err)
	}
	for i, c := range doc.Clients {
		if c.ID == "" {
			return nil, fmt.Errorf("tools: client %d has no id", i)
		}
	}
	return doc.Clients, nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
