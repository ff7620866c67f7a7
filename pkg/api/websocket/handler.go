package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/dagflow/internal/application/orchestrator"
	apihttp "github.com/aescanero/dagflow/pkg/api/http"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ControlMessage is sent by clients after the execute request
type ControlMessage struct {
	Action string `json:"action"`
}

// ActionExit asks the executor to stop the current run
const ActionExit = "exit"

// Handler handles WebSocket connections
type Handler struct {
	runs   *orchestrator.Manager
	logger *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(runs *orchestrator.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		runs:   runs,
		logger: logger,
	}
}

// conn serializes writes; gorilla connections allow one concurrent writer.
// Once done, writes are dropped.
type conn struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	done bool
}

func (c *conn) writeEvent(ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.done = true
		return err
	}
	return nil
}

// close sends a close frame unless the connection is already done
func (c *conn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// finish drops every later write
func (c *conn) finish() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}

// HandleExecute runs a workflow over a WebSocket. The first client message
// is the execute request; events follow one per message until WORKFLOW_END.
// A disconnect or an exit message stops the run.
func (h *Handler) HandleExecute(c *gin.Context) {
	workflowID := c.Param("id")

	exec, err := h.runs.Open(c.Request.Context(), workflowID, apihttp.UserID(c))
	if err != nil {
		status, detail := apihttp.StatusFor(err)
		c.JSON(status, apihttp.ErrorResponse{Error: detail})
		return
	}
	defer h.runs.Close(exec)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = ws.Close() }()
	cn := &conn{ws: ws}
	defer cn.finish()

	h.logger.Info("WebSocket connection established",
		zap.String("workflow_id", workflowID),
		zap.String("executor_id", exec.ID()),
		zap.String("client", c.ClientIP()))

	var req apihttp.ExecuteRequest
	_, data, err := ws.ReadMessage()
	if err != nil {
		h.logger.Debug("connection closed before execute request", zap.Error(err))
		return
	}
	if err := json.Unmarshal(data, &req); err != nil {
		cn.close(websocket.CloseUnsupportedData, "invalid execute request")
		return
	}

	unsubscribe := exec.Subscribe(func(_ context.Context, ev domain.Event) error {
		if !ev.External() {
			return nil
		}
		if err := cn.writeEvent(ev); err != nil {
			exec.Exit()
			return err
		}
		return nil
	})
	defer unsubscribe()

	go h.readControl(cn, exec)

	res, err := exec.Run(context.Background(), req.RunInput(), req.RunOptions(h.runs.RunOptions(true)))
	if err != nil {
		h.logger.Error("failed to start workflow run",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		cn.close(websocket.CloseInternalServerErr, err.Error())
		return
	}

	h.logger.Info("WebSocket run finished",
		zap.String("run_id", res.RunID),
		zap.Bool("is_ok", res.IsOk))
	cn.close(websocket.CloseNormalClosure, string(res.Status()))
}

// readControl handles client messages until the connection drops
func (h *Handler) readControl(cn *conn, exec *orchestrator.Executor) {
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if !exec.Closed() {
				cn.finish()
				exec.Exit()
			}
			return
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed control message", zap.Error(err))
			continue
		}
		if msg.Action == ActionExit {
			exec.Exit()
		}
	}
}

// HandleWatch streams the mirrored events of a recorded run
func (h *Handler) HandleWatch(c *gin.Context) {
	runID := c.Param("id")

	record, err := h.runs.GetRun(c.Request.Context(), runID)
	if err == nil {
		err = h.runs.Authorize(c.Request.Context(), record.WorkflowID, apihttp.UserID(c), false)
	}
	if err != nil {
		status, detail := apihttp.StatusFor(err)
		c.JSON(status, apihttp.ErrorResponse{Error: detail})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = ws.Close() }()
	cn := &conn{ws: ws}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	err = h.runs.Follow(ctx, runID, func(_ context.Context, ev domain.Event) error {
		if !ev.External() {
			return nil
		}
		return cn.writeEvent(ev)
	})
	if err != nil && ctx.Err() == nil {
		h.logger.Warn("failed to follow run", zap.String("run_id", runID), zap.Error(err))
		cn.close(websocket.CloseInternalServerErr, "event history unavailable")
		return
	}
	cn.close(websocket.CloseNormalClosure, string(record.Status))
}
