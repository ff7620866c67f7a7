package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/dagflow/internal/application/orchestrator"
	"github.com/aescanero/dagflow/internal/application/runners"
	"github.com/aescanero/dagflow/internal/application/tools"
	repomemory "github.com/aescanero/dagflow/pkg/adapters/repository/memory"
	storagememory "github.com/aescanero/dagflow/pkg/adapters/storage/memory"
	apihttp "github.com/aescanero/dagflow/pkg/api/http"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// replayMirror keeps events in memory; Follow replays what it has
type replayMirror struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func (m *replayMirror) Append(_ context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = make(map[string][]domain.Event)
	}
	m.events[ev.RunID] = append(m.events[ev.RunID], ev)
	return nil
}

func (m *replayMirror) Replay(_ context.Context, runID string) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events, ok := m.events[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return append([]domain.Event(nil), events...), nil
}

func (m *replayMirror) Follow(ctx context.Context, runID string, handler ports.EventHandler) error {
	events, err := m.Replay(ctx, runID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := handler(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func workflow(id string, toolCfg map[string]interface{}) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:         id,
		Name:       id,
		OwnerID:    "alice",
		Visibility: domain.VisibilityPrivate,
		Nodes: []domain.Node{
			{ID: "in", Name: "in", Kind: domain.NodeKindInput},
			{ID: "t", Name: "t", Kind: domain.NodeKindTool, Config: toolCfg},
			{ID: "out", Name: "out", Kind: domain.NodeKindOutput},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "in", Target: "t"},
			{ID: "e2", Source: "t", Target: "out"},
		},
	}
}

type fixture struct {
	url  string
	runs *orchestrator.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	toolManager := tools.NewManager(nil, logger)
	require.NoError(t, toolManager.AddClient(ctx, domain.ToolClientConfig{ID: "echo", Name: "echo", Config: map[string]interface{}{"type": "echo"}}))
	require.NoError(t, toolManager.AddClient(ctx, domain.ToolClientConfig{ID: "slow", Name: "slow", Config: map[string]interface{}{"type": "sleep", "delay": "10s"}}))
	t.Cleanup(func() { _ = toolManager.Close() })

	repo := repomemory.NewInMemoryRepository()
	repo.Put(workflow("wf-echo", map[string]interface{}{"tool": "echo"}))
	repo.Put(workflow("wf-slow", map[string]interface{}{"tool": "slow"}))

	validator := orchestrator.NewValidator(runners.NewDefaultRegistry(runners.Options{Tools: toolManager, Logger: logger}))
	runs := orchestrator.NewManager(repo, validator, storagememory.NewInMemoryRunStore(), &replayMirror{}, nil, nil, logger,
		orchestrator.ManagerConfig{SettleTimeout: time.Second})

	server := apihttp.NewServer(&apihttp.Config{Runs: runs, Logger: logger})
	server.SetupWebSocket(NewHandler(runs, logger))

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &fixture{url: "ws" + strings.TrimPrefix(srv.URL, "http"), runs: runs}
}

func (f *fixture) dial(t *testing.T, path, user string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	header.Set(apihttp.UserHeader, user)
	return websocket.DefaultDialer.Dial(f.url+path, header)
}

// readEvents collects events until the server closes the connection
func readEvents(t *testing.T, ws *websocket.Conn, onEvent func(domain.Event)) ([]domain.Event, *websocket.CloseError) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var events []domain.Event
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "unexpected read error: %v", err)
			return events, closeErr
		}
		var ev domain.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		events = append(events, ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}
}

func TestHandleExecute(t *testing.T) {
	f := newFixture(t)

	ws, _, err := f.dial(t, "/api/v1/workflows/wf-echo/ws", "alice")
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"query":"hi"}`)))

	events, closeErr := readEvents(t, ws, nil)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, string(domain.RunStatusCompleted), closeErr.Text)

	require.Len(t, events, 8)
	assert.Equal(t, domain.EventTypeWorkflowStart, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventTypeWorkflowEnd, last.Type)
	assert.Nil(t, last.Error)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestHandleExecuteExit(t *testing.T) {
	f := newFixture(t)

	ws, _, err := f.dial(t, "/api/v1/workflows/wf-slow/ws", "alice")
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"query":"hi"}`)))

	start := time.Now()
	events, closeErr := readEvents(t, ws, func(ev domain.Event) {
		if ev.Type == domain.EventTypeNodeStart && ev.Node.ID == "t" {
			require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"action":"exit"}`)))
		}
	})
	assert.True(t, time.Since(start) < 5*time.Second)
	assert.Equal(t, string(domain.RunStatusCancelled), closeErr.Text)

	var tEnd *domain.Event
	for i := range events {
		if events[i].Type == domain.EventTypeNodeEnd && events[i].Node.ID == "t" {
			tEnd = &events[i]
		}
	}
	require.NotNil(t, tEnd)
	assert.Equal(t, domain.NodeStateSkipped, tEnd.State)
	assert.Equal(t, domain.SkipReasonCancelled, tEnd.SkipReason)
	assert.Equal(t, domain.EventTypeWorkflowEnd, events[len(events)-1].Type)
}

func TestHandleExecuteDisconnect(t *testing.T) {
	f := newFixture(t)

	ws, _, err := f.dial(t, "/api/v1/workflows/wf-slow/ws", "alice")
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"query":"hi","disableHistory":false}`)))

	start := time.Now()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var runID string
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var ev domain.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		runID = ev.RunID
		if ev.Type == domain.EventTypeNodeStart && ev.Node.ID == "t" {
			break
		}
	}
	require.NoError(t, ws.Close())

	var record *domain.RunRecord
	require.Eventually(t, func() bool {
		if f.runs.ActiveRuns() != 0 {
			return false
		}
		records, err := f.runs.ListRuns(context.Background(), "wf-slow")
		if err != nil || len(records) == 0 {
			return false
		}
		record = records[0]
		return record.Status != domain.RunStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, time.Since(start) < 5*time.Second, "run outlived the connection")
	assert.Equal(t, runID, record.RunID)
	assert.Equal(t, domain.RunStatusCancelled, record.Status)
	require.NotNil(t, record.Result)
	assert.Equal(t, domain.NodeStateSkipped, record.Result.NodeStates["t"])
}

func TestHandleExecuteRejects(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		user   string
		status int
	}{
		{"unknown workflow", "/api/v1/workflows/nope/ws", "alice", http.StatusNotFound},
		{"private workflow", "/api/v1/workflows/wf-echo/ws", "bob", http.StatusForbidden},
		{"missing user", "/api/v1/workflows/wf-echo/ws", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := f.dial(t, tt.path, tt.user)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestHandleWatch(t *testing.T) {
	f := newFixture(t)

	res, err := f.runs.Execute(context.Background(), "wf-echo", "alice", map[string]interface{}{"query": "hi"}, f.runs.RunOptions(false))
	require.NoError(t, err)
	require.True(t, res.IsOk)

	t.Run("replays the run", func(t *testing.T) {
		ws, _, err := f.dial(t, "/api/v1/runs/"+res.RunID+"/ws", "alice")
		require.NoError(t, err)
		defer ws.Close()

		events, closeErr := readEvents(t, ws, nil)
		assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
		require.Len(t, events, 8)
		assert.Equal(t, res.RunID, events[0].RunID)
		assert.Equal(t, domain.EventTypeWorkflowEnd, events[7].Type)
	})

	t.Run("checks access", func(t *testing.T) {
		_, resp, err := f.dial(t, "/api/v1/runs/"+res.RunID+"/ws", "bob")
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("unknown run", func(t *testing.T) {
		_, resp, err := f.dial(t, "/api/v1/runs/nope/ws", "alice")
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
