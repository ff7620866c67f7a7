package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RunStore implements RunStore using Redis
type RunStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRunStore creates a new Redis run store. Records expire ttl after
// their last save; zero keeps them forever.
func NewRunStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RunStore {
	return &RunStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveRun persists a run record and indexes it under its workflow
func (s *RunStore) SaveRun(ctx context.Context, record *domain.RunRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	indexKey := getWorkflowIndexKey(record.WorkflowID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, getRunKey(record.RunID), data, s.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{
		Score:  float64(record.StartedAt.UnixNano()),
		Member: record.RunID,
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, indexKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	s.logger.Debug("run saved",
		zap.String("run_id", record.RunID),
		zap.String("status", string(record.Status)))

	return nil
}

// GetRun retrieves a run record
func (s *RunStore) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	data, err := s.client.Get(ctx, getRunKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var record domain.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &record, nil
}

// ListRuns returns the records of a workflow, newest first. Index entries
// whose record expired are pruned.
func (s *RunStore) ListRuns(ctx context.Context, workflowID string) ([]*domain.RunRecord, error) {
	indexKey := getWorkflowIndexKey(workflowID)

	runIDs, err := s.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	records := make([]*domain.RunRecord, 0, len(runIDs))
	for _, runID := range runIDs {
		record, err := s.GetRun(ctx, runID)
		if errors.Is(err, domain.ErrRunNotFound) {
			s.client.ZRem(ctx, indexKey, runID)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// DeleteRun removes a run record
func (s *RunStore) DeleteRun(ctx context.Context, runID string) error {
	record, err := s.GetRun(ctx, runID)
	if errors.Is(err, domain.ErrRunNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, getRunKey(runID))
	pipe.ZRem(ctx, getWorkflowIndexKey(record.WorkflowID), runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	s.logger.Debug("run deleted", zap.String("run_id", runID))
	return nil
}

// getRunKey returns the Redis key of a run record
func getRunKey(runID string) string {
	return fmt.Sprintf("dagflow:run:%s", runID)
}

// getWorkflowIndexKey returns the Redis key of a workflow's run index
func getWorkflowIndexKey(workflowID string) string {
	return fmt.Sprintf("dagflow:workflow:%s:runs", workflowID)
}
