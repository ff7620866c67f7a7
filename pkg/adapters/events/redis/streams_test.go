package redis

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMirror(t *testing.T) (*StreamMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	m := NewStreamMirror(client, time.Hour, zaptest.NewLogger(t))
	m.block = 50 * time.Millisecond
	return m, mr
}

func runEvents(runID string) []domain.Event {
	return []domain.Event{
		{Seq: 1, Type: domain.EventTypeWorkflowStart, RunID: runID},
		{Seq: 2, Type: domain.EventTypeNodeStart, RunID: runID, Node: &domain.NodeRef{ID: "in", Kind: domain.NodeKindInput}},
		{Seq: 3, Type: domain.EventTypeNodeEnd, RunID: runID, Node: &domain.NodeRef{ID: "in", Kind: domain.NodeKindInput}, State: domain.NodeStateSucceeded},
		{Seq: 4, Type: domain.EventTypeWorkflowEnd, RunID: runID},
	}
}

func TestAppendAndReplay(t *testing.T) {
	m, mr := newMirror(t)
	ctx := context.Background()

	for _, ev := range runEvents("run-1") {
		require.NoError(t, m.Append(ctx, ev))
	}
	assert.True(t, mr.TTL("dagflow:events:run-1") > 0)

	events, err := m.Replay(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	assert.Equal(t, domain.NodeStateSucceeded, events[2].State)
	assert.Equal(t, "in", events[2].Node.ID)

	_, err = m.Replay(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestFollowStopsAtWorkflowEnd(t *testing.T) {
	m, _ := newMirror(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := runEvents("run-2")
	require.NoError(t, m.Append(ctx, events[0]))

	go func() {
		time.Sleep(20 * time.Millisecond)
		for _, ev := range events[1:] {
			_ = m.Append(context.Background(), ev)
		}
	}()

	var seen []domain.EventType
	err := m.Follow(ctx, "run-2", func(_ context.Context, ev domain.Event) error {
		seen = append(seen, ev.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.EventType{
		domain.EventTypeWorkflowStart, domain.EventTypeNodeStart,
		domain.EventTypeNodeEnd, domain.EventTypeWorkflowEnd,
	}, seen)
}
