// Package storagetest holds the behaviour every RunStore must show.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store with save, overwrite, list, get and delete
func Run(t *testing.T, store ports.RunStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	older := &domain.RunRecord{
		RunID: "run-old", WorkflowID: "wf-1", Status: domain.RunStatusRunning,
		Input: map[string]interface{}{"query": "first"}, StartedAt: base,
	}
	newer := &domain.RunRecord{
		RunID: "run-new", WorkflowID: "wf-1", Status: domain.RunStatusRunning,
		StartedAt: base.Add(time.Minute),
	}
	other := &domain.RunRecord{
		RunID: "run-other", WorkflowID: "wf-2", Status: domain.RunStatusRunning,
		StartedAt: base,
	}

	t.Run("get missing", func(t *testing.T) {
		_, err := store.GetRun(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})

	t.Run("save and get", func(t *testing.T) {
		require.NoError(t, store.SaveRun(ctx, older))
		require.NoError(t, store.SaveRun(ctx, newer))
		require.NoError(t, store.SaveRun(ctx, other))

		got, err := store.GetRun(ctx, "run-old")
		require.NoError(t, err)
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, "first", got.Input["query"])
		assert.True(t, base.Equal(got.StartedAt))
	})

	t.Run("overwrite with result", func(t *testing.T) {
		done := base.Add(2 * time.Second)
		final := *older
		final.Status = domain.RunStatusFailed
		final.CompletedAt = &done
		final.Result = &domain.RunResult{
			RunID: "run-old",
			IsOk:  false,
			Error: &domain.NodeError{Name: "ERROR", Message: "boom", NodeID: "tool"},
			NodeStates: map[string]domain.NodeState{
				"in":   domain.NodeStateSucceeded,
				"tool": domain.NodeStateFailed,
				"out":  domain.NodeStateSkipped,
			},
		}
		require.NoError(t, store.SaveRun(ctx, &final))

		got, err := store.GetRun(ctx, "run-old")
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusFailed, got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, "boom", got.Result.Error.Message)
		assert.Equal(t, domain.NodeStateSkipped, got.Result.NodeStates["out"])
	})

	t.Run("list newest first", func(t *testing.T) {
		runs, err := store.ListRuns(ctx, "wf-1")
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-new", runs[0].RunID)
		assert.Equal(t, "run-old", runs[1].RunID)

		runs, err = store.ListRuns(ctx, "wf-unknown")
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.DeleteRun(ctx, "run-new"))
		require.NoError(t, store.DeleteRun(ctx, "run-new"))

		_, err := store.GetRun(ctx, "run-new")
		assert.ErrorIs(t, err, domain.ErrRunNotFound)

		runs, err := store.ListRuns(ctx, "wf-1")
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})
}
