package http

import (
	"context"
	"errors"
	"net/http"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/dagflow/internal/application/workers"
	"github.com/aescanero/dagflow/pkg/api/stream"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ExecuteRequest is the body of the execute and run endpoints. Query becomes
// the `query` key of the run input; Input adds further keys.
type ExecuteRequest struct {
	Query          interface{}            `json:"query"`
	Input          map[string]interface{} `json:"input"`
	DisableHistory *bool                  `json:"disableHistory"`
	TimeoutMs      *int64                 `json:"timeoutMs"`
}

// RunInput builds the initial input of the run
func (r *ExecuteRequest) RunInput() map[string]interface{} {
	input := make(map[string]interface{}, len(r.Input)+1)
	for k, v := range r.Input {
		input[k] = v
	}
	if r.Query != nil {
		input["query"] = r.Query
	}
	return input
}

// RunOptions applies the request overrides on top of defaults
func (r *ExecuteRequest) RunOptions(defaults domain.RunOptions) domain.RunOptions {
	opts := defaults
	if r.DisableHistory != nil {
		opts.DisableHistory = *r.DisableHistory
	}
	if r.TimeoutMs != nil && *r.TimeoutMs > 0 {
		opts.Timeout = time.Duration(*r.TimeoutMs) * time.Millisecond
	}
	return opts
}

// RunResponse is the body returned by the run endpoint
type RunResponse struct {
	RunID      string                      `json:"run_id"`
	IsOk       bool                        `json:"isOk"`
	Error      *domain.NodeError           `json:"error,omitempty"`
	Output     interface{}                 `json:"output,omitempty"`
	Cancelled  bool                        `json:"cancelled,omitempty"`
	Status     domain.RunStatus            `json:"status"`
	NodeStates map[string]domain.NodeState `json:"node_states"`
}

// WorkflowSummary describes a workflow in listings
type WorkflowSummary struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Visibility  domain.Visibility `json:"visibility"`
	Nodes       int               `json:"nodes"`
	Edges       int               `json:"edges"`
}

// WorkerResponse represents one node-task worker
type WorkerResponse struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	HealthStatus string `json:"healthStatus"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	pool := "disabled"
	if s.pool != nil {
		pool = "ok"
		if !s.pool.Health().IsHealthy() {
			pool = "degraded"
			status = "degraded"
		}
	}

	active := 0
	if s.runs != nil {
		active = s.runs.ActiveRuns()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"timestamp":   time.Now().UTC(),
		"active_runs": active,
		"checks": gin.H{
			"orchestrator": "ok",
			"workers":      pool,
		},
	})
}

// handleListWorkflows lists the workflows the caller may execute
func (s *Server) handleListWorkflows(c *gin.Context) {
	defs, err := s.runs.Workflows(c.Request.Context(), UserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}

	out := make([]WorkflowSummary, 0, len(defs))
	for _, wf := range defs {
		out = append(out, WorkflowSummary{
			ID:          wf.ID,
			Name:        wf.Name,
			Description: wf.Description,
			Visibility:  wf.Visibility,
			Nodes:       len(wf.Nodes),
			Edges:       len(wf.Edges),
		})
	}
	c.JSON(http.StatusOK, gin.H{"workflows": out, "total": len(out)})
}

// handleExecute runs a workflow and streams its events, one JSON object per
// line, until WORKFLOW_END. A client disconnect stops the run.
func (s *Server) handleExecute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.invalidRequest(c, err)
		return
	}

	exec, err := s.runs.Open(c.Request.Context(), c.Param("id"), UserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer s.runs.Close(exec)

	c.Header("Content-Type", stream.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	out := newEventWriter(c.Writer)
	unsubscribe := exec.Subscribe(func(_ context.Context, ev domain.Event) error {
		if !ev.External() {
			return nil
		}
		if err := out.write(ev); err != nil {
			exec.Exit()
			return err
		}
		return nil
	})
	defer unsubscribe()
	// the response writer is invalid once the handler returns, even if the
	// bus is still delivering events
	defer out.close()

	stop := context.AfterFunc(c.Request.Context(), func() {
		out.close()
		exec.Exit()
	})
	defer stop()

	opts := req.RunOptions(s.runs.RunOptions(true))
	res, err := exec.Run(context.WithoutCancel(c.Request.Context()), req.RunInput(), opts)
	if err != nil {
		s.logger.Error("failed to start workflow run",
			zap.String("workflow_id", c.Param("id")),
			zap.Error(err))
		return
	}
	if !res.IsOk {
		s.logger.Warn("workflow execution error",
			zap.String("workflow_id", res.WorkflowID),
			zap.String("run_id", res.RunID),
			zap.Any("error", res.Error))
	}
}

// handleRun runs a workflow and returns its result once it resolves
func (s *Server) handleRun(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.invalidRequest(c, err)
		return
	}

	exec, err := s.runs.Open(c.Request.Context(), c.Param("id"), UserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer s.runs.Close(exec)

	res, err := exec.Run(c.Request.Context(), req.RunInput(), req.RunOptions(s.runs.RunOptions(false)))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, RunResponse{
		RunID:      res.RunID,
		IsOk:       res.IsOk,
		Error:      res.Error,
		Output:     res.Output,
		Cancelled:  res.Cancelled,
		Status:     res.Status(),
		NodeStates: res.NodeStates,
	})
}

// handleListRuns lists the recorded runs of a workflow
func (s *Server) handleListRuns(c *gin.Context) {
	workflowID := c.Param("id")
	if err := s.runs.Authorize(c.Request.Context(), workflowID, UserID(c), false); err != nil {
		s.writeError(c, err)
		return
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), workflowID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if runs == nil {
		runs = []*domain.RunRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

// handleGetRun returns the record of a run
func (s *Server) handleGetRun(c *gin.Context) {
	record, ok := s.authorizedRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, record)
}

// handleGetRunEvents replays the mirrored events of a run
func (s *Server) handleGetRunEvents(c *gin.Context) {
	record, ok := s.authorizedRun(c)
	if !ok {
		return
	}

	events, err := s.runs.Events(c.Request.Context(), record.RunID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": record.RunID, "events": events})
}

// handleCancelRun stops an active run
func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")

	if err := s.runs.Cancel(c.Request.Context(), runID, UserID(c)); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":       runID,
		"status":       "cancelling",
		"cancelled_at": time.Now().UTC(),
	})
}

// handleReconcileTools syncs the live tool clients with the stored config
func (s *Server) handleReconcileTools(c *gin.Context) {
	if s.reconcile == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: ErrorDetail{
				Code:    "RECONCILE_NOT_AVAILABLE",
				Message: "Tool reconciliation is not configured",
			},
		})
		return
	}

	report, err := s.reconcile(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to reconcile tools", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "RECONCILE_FAILED",
				Message: "Failed to reconcile tool clients",
				Details: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// handleListWorkers reports the node-task workers
func (s *Server) handleListWorkers(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: ErrorDetail{
				Code:    "POOL_NOT_AVAILABLE",
				Message: "Worker pool is not configured",
			},
		})
		return
	}

	status := s.pool.GetStatus()
	out := make([]WorkerResponse, 0, len(status))
	for id, st := range status {
		out = append(out, workerToResponse(id, st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	c.JSON(http.StatusOK, gin.H{
		"data":      out,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) authorizedRun(c *gin.Context) (*domain.RunRecord, bool) {
	record, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}
	if err := s.runs.Authorize(c.Request.Context(), record.WorkflowID, UserID(c), false); err != nil {
		s.writeError(c, err)
		return nil, false
	}
	return record, true
}

func (s *Server) invalidRequest(c *gin.Context, err error) {
	s.logger.Debug("invalid request", zap.Error(err))
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		},
	})
}

// writeError maps domain errors onto HTTP status codes
func (s *Server) writeError(c *gin.Context, err error) {
	status, detail := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: detail})
}

// StatusFor returns the HTTP status and error body for err
func StatusFor(err error) (int, ErrorDetail) {
	var gve *domain.GraphValidationError
	switch {
	case errors.Is(err, domain.ErrWorkflowNotFound):
		return http.StatusNotFound, ErrorDetail{Code: "WORKFLOW_NOT_FOUND", Message: err.Error()}
	case errors.Is(err, domain.ErrRunNotFound):
		return http.StatusNotFound, ErrorDetail{Code: "RUN_NOT_FOUND", Message: err.Error()}
	case errors.Is(err, domain.ErrAccessDenied):
		return http.StatusForbidden, ErrorDetail{Code: "ACCESS_DENIED", Message: err.Error()}
	case errors.As(err, &gve):
		return http.StatusUnprocessableEntity, ErrorDetail{
			Code:    "INVALID_WORKFLOW",
			Message: err.Error(),
			Details: gin.H{"kind": gve.Kind.Error(), "node_id": gve.NodeID, "edge_id": gve.EdgeID},
		}
	case errors.Is(err, domain.ErrExecutorClosed):
		return http.StatusConflict, ErrorDetail{Code: "EXECUTOR_CLOSED", Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorDetail{Code: "INTERNAL", Message: "Internal server error", Details: err.Error()}
	}
}

// workerToResponse converts a worker status to the API format
func workerToResponse(id string, st workers.WorkerStatus) WorkerResponse {
	health := "healthy"
	if st == workers.WorkerStatusStopped {
		health = "unhealthy"
	}
	return WorkerResponse{ID: id, State: string(st), HealthStatus: health}
}


// eventWriter encodes events onto a response until it is closed. Writes
// after close, or after a failed write, are dropped.
type eventWriter struct {
	mu   sync.Mutex
	enc  *stream.Encoder
	done bool
}

func newEventWriter(w io.Writer) *eventWriter {
	return &eventWriter{enc: stream.NewEncoder(w)}
}

func (w *eventWriter) write(ev domain.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	if err := w.enc.Encode(ev); err != nil {
		w.done = true
		return err
	}
	return nil
}

// close waits for an in-flight write and stops further ones
func (w *eventWriter) close() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}
