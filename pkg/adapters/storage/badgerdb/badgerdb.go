package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	runPrefix   = "run/"
	indexPrefix = "workflow/"
)

// RunStore implements RunStore on an embedded Badger database
type RunStore struct {
	db     *badger.DB
	logger *zap.Logger
	ttl    time.Duration
}

// Open opens the database in dir. An empty dir opens an in-memory database.
func Open(dir string, ttl time.Duration, logger *zap.Logger) (*RunStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(&zapLogger{l: logger.Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &RunStore{db: db, logger: logger, ttl: ttl}, nil
}

// Close closes the database
func (s *RunStore) Close() error {
	return s.db.Close()
}

// SaveRun persists a run record and its workflow index entry
func (s *RunStore) SaveRun(_ context.Context, record *domain.RunRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entries := []*badger.Entry{
			badger.NewEntry(runKey(record.RunID), data),
			badger.NewEntry(indexKey(record.WorkflowID, record.RunID), nil),
		}
		for _, e := range entries {
			if s.ttl > 0 {
				e = e.WithTTL(s.ttl)
			}
			if err := txn.SetEntry(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run record
func (s *RunStore) GetRun(_ context.Context, runID string) (*domain.RunRecord, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var record domain.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &record, nil
}

// ListRuns returns the records of a workflow, newest first
func (s *RunStore) ListRuns(ctx context.Context, workflowID string) ([]*domain.RunRecord, error) {
	prefix := []byte(indexPrefix + workflowID + "/")

	var runIDs []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			runIDs = append(runIDs, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	records := make([]*domain.RunRecord, 0, len(runIDs))
	for _, runID := range runIDs {
		record, err := s.GetRun(ctx, runID)
		if errors.Is(err, domain.ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
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

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(runKey(runID)); err != nil {
			return err
		}
		return txn.Delete(indexKey(record.WorkflowID, runID))
	})
}

func runKey(runID string) []byte {
	return []byte(runPrefix + runID)
}

func indexKey(workflowID, runID string) []byte {
	return []byte(indexPrefix + workflowID + "/" + runID)
}

// zapLogger routes Badger's internal logging to zap
type zapLogger struct {
	l *zap.SugaredLogger
}

func (z *zapLogger) Errorf(f string, v ...interface{})   { z.l.Errorf(f, v...) }
func (z *zapLogger) Warningf(f string, v ...interface{}) { z.l.Warnf(f, v...) }
func (z *zapLogger) Infof(f string, v ...interface{})    { z.l.Debugf(f, v...) }
func (z *zapLogger) Debugf(f string, v ...interface{})   { z.l.Debugf(f, v...) }
