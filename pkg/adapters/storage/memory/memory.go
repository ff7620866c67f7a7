package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dagflow/pkg/domain"
	json "github.com/goccy/go-json"
)

// InMemoryRunStore implements RunStore using an in-memory map. Records are
// stored serialized so callers never share mutable state with the store.
type InMemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string][]byte
}

// NewInMemoryRunStore creates a new in-memory run store
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{
		runs: make(map[string][]byte),
	}
}

// SaveRun stores a copy of the record
func (s *InMemoryRunStore) SaveRun(_ context.Context, record *domain.RunRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[record.RunID] = data
	return nil
}

// GetRun returns a copy of the record
func (s *InMemoryRunStore) GetRun(_ context.Context, runID string) (*domain.RunRecord, error) {
	s.mu.RLock()
	data, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return decode(data)
}

// ListRuns returns the records of a workflow, newest first
func (s *InMemoryRunStore) ListRuns(_ context.Context, workflowID string) ([]*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*domain.RunRecord, 0)
	for _, data := range s.runs {
		record, err := decode(data)
		if err != nil {
			return nil, err
		}
		if record.WorkflowID == workflowID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

// DeleteRun removes a record
func (s *InMemoryRunStore) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

func decode(data []byte) (*domain.RunRecord, error) {
	var record domain.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &record, nil
}
