package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/distjob/scheduler/internal/domain"
	"github.com/distjob/scheduler/internal/store"
)

const defaultListLimit = 50

// ExecutionHandler is the admin surface over job_executions (§4.6): read
// access plus the single "retry" mutation.
type ExecutionHandler struct {
	executions store.ExecutionRepository
	logger     *slog.Logger
}

func NewExecutionHandler(executions store.ExecutionRepository, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{executions: executions, logger: logger.With("component", "execution_handler")}
}

type executionResponse struct {
	ID            int64           `json:"id"`
	JobID         *int64          `json:"job_id,omitempty"`
	HandlerName   string          `json:"handler_name"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	Params        json.RawMessage `json:"params,omitempty"`
	ParamSource   string          `json:"param_source"`
	Status        string          `json:"status"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	RetryCount    int             `json:"retry_count"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toExecutionResponse(e *domain.Execution) executionResponse {
	return executionResponse{
		ID:            e.ID,
		JobID:         e.JobID,
		HandlerName:   e.HandlerName,
		ScheduledTime: e.ScheduledTime,
		Params:        e.Params,
		ParamSource:   string(e.ParamSource),
		Status:        string(e.Status),
		StartedAt:     e.StartedAt,
		FinishedAt:    e.FinishedAt,
		RetryCount:    e.RetryCount,
		ErrorMessage:  e.ErrorMessage,
		Result:        e.Result,
		CreatedAt:     e.CreatedAt,
	}
}

func (h *ExecutionHandler) GetByID(ctx *gin.Context) {
	id, ok := h.parseID(ctx)
	if !ok {
		return
	}

	exec, err := h.executions.GetByID(ctx.Request.Context(), id)
	if err != nil {
		h.writeError(ctx, "get job execution", err)
		return
	}

	ctx.JSON(http.StatusOK, toExecutionResponse(exec))
}

// ListByJobID serves GET /cron-jobs/:id/executions.
func (h *ExecutionHandler) ListByJobID(ctx *gin.Context) {
	jobID, ok := h.parseID(ctx)
	if !ok {
		return
	}

	limit := defaultListLimit
	if q := ctx.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	execs, err := h.executions.ListByJobID(ctx.Request.Context(), jobID, limit)
	if err != nil {
		h.logger.Error("list job executions", "job_id", jobID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	items := make([]executionResponse, len(execs))
	for i, e := range execs {
		items[i] = toExecutionResponse(e)
	}
	ctx.JSON(http.StatusOK, gin.H{"executions": items})
}

// Retry serves POST /executions/:id/retry, the admin retry action of §4.6
// contract b: only FAILED/TIMEOUT rows may be requeued.
func (h *ExecutionHandler) Retry(ctx *gin.Context) {
	id, ok := h.parseID(ctx)
	if !ok {
		return
	}

	if err := h.executions.RequeueFromFailed(ctx.Request.Context(), id); err != nil {
		h.writeError(ctx, "retry job execution", err)
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *ExecutionHandler) parseID(ctx *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return 0, false
	}
	return id, true
}

func (h *ExecutionHandler) writeError(ctx *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, domain.ErrExecutionNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": errExecutionNotFound})
	case errors.Is(err, domain.ErrExecutionNotRetryable):
		ctx.JSON(http.StatusConflict, gin.H{"error": errExecutionNotRetryable})
	default:
		h.logger.Error(action, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
	}
}
