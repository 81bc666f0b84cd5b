package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/distjob/scheduler/internal/cronexpr"
	"github.com/distjob/scheduler/internal/domain"
	"github.com/distjob/scheduler/internal/store"
)

// CronJobHandler is the admin surface over cron_jobs (§4.6). Every mutation
// of cron_jobs happens through here; the dispatcher only ever reads.
type CronJobHandler struct {
	jobs   store.CronJobRepository
	logger *slog.Logger
}

func NewCronJobHandler(jobs store.CronJobRepository, logger *slog.Logger) *CronJobHandler {
	return &CronJobHandler{jobs: jobs, logger: logger.With("component", "cronjob_handler")}
}

type createCronJobRequest struct {
	Name           string          `json:"name"            binding:"required,max=256"`
	CronExpr       string          `json:"cron_expr"       binding:"required"`
	HandlerName    string          `json:"handler_name"    binding:"required,max=256"`
	HandlerParams  json.RawMessage `json:"handler_params"`
	AllowOverlap   bool            `json:"allow_overlap"`
	MaxRetry       int             `json:"max_retry"       binding:"omitempty,min=0,max=20"`
	TimeoutSeconds int             `json:"timeout_seconds" binding:"omitempty,min=1,max=86400"`
}

type updateCronJobRequest struct {
	Name           string          `json:"name"            binding:"required,max=256"`
	CronExpr       string          `json:"cron_expr"       binding:"required"`
	HandlerName    string          `json:"handler_name"    binding:"required,max=256"`
	HandlerParams  json.RawMessage `json:"handler_params"`
	AllowOverlap   bool            `json:"allow_overlap"`
	MaxRetry       int             `json:"max_retry"       binding:"omitempty,min=0,max=20"`
	TimeoutSeconds int             `json:"timeout_seconds" binding:"omitempty,min=1,max=86400"`
}

type cronJobResponse struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	CronExpr       string          `json:"cron_expr"`
	HandlerName    string          `json:"handler_name"`
	HandlerParams  json.RawMessage `json:"handler_params,omitempty"`
	IsEnabled      bool            `json:"is_enabled"`
	AllowOverlap   bool            `json:"allow_overlap"`
	MaxRetry       int             `json:"max_retry"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toCronJobResponse(j *domain.CronJob) cronJobResponse {
	return cronJobResponse{
		ID:             j.ID,
		Name:           j.Name,
		CronExpr:       j.CronExpr,
		HandlerName:    j.HandlerName,
		HandlerParams:  j.HandlerParams,
		IsEnabled:      j.IsEnabled,
		AllowOverlap:   j.AllowOverlap,
		MaxRetry:       j.MaxRetry,
		TimeoutSeconds: j.TimeoutSeconds,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

const defaultTimeoutSeconds = 30

func (h *CronJobHandler) Create(ctx *gin.Context) {
	var req createCronJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := cronexpr.Parse(req.CronExpr); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCronExpr})
		return
	}

	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = defaultTimeoutSeconds
	}

	job := &domain.CronJob{
		Name:           req.Name,
		CronExpr:       req.CronExpr,
		HandlerName:    req.HandlerName,
		HandlerParams:  req.HandlerParams,
		IsEnabled:      true,
		AllowOverlap:   req.AllowOverlap,
		MaxRetry:       req.MaxRetry,
		TimeoutSeconds: timeout,
	}

	created, err := h.jobs.Create(ctx.Request.Context(), job)
	if err != nil {
		h.writeError(ctx, "create cron job", err)
		return
	}

	ctx.JSON(http.StatusCreated, toCronJobResponse(created))
}

func (h *CronJobHandler) List(ctx *gin.Context) {
	jobs, err := h.jobs.List(ctx.Request.Context())
	if err != nil {
		h.logger.Error("list cron jobs", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	items := make([]cronJobResponse, len(jobs))
	for i, j := range jobs {
		items[i] = toCronJobResponse(j)
	}
	ctx.JSON(http.StatusOK, gin.H{"cron_jobs": items})
}

func (h *CronJobHandler) GetByID(ctx *gin.Context) {
	id, ok := h.parseID(ctx)
	if !ok {
		return
	}

	job, err := h.jobs.GetByID(ctx.Request.Context(), id)
	if err != nil {
		h.writeError(ctx, "get cron job", err)
		return
	}

	ctx.JSON(http.StatusOK, toCronJobResponse(job))
}

func (h *CronJobHandler) Update(ctx *gin.Context) {
	id, ok := h.parseID(ctx)
	if !ok {
		return
	}

	var req updateCronJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := cronexpr.Parse(req.CronExpr); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCronExpr})
		return
	}

	existing, err := h.jobs.GetByID(ctx.Request.Context(), id)
	if err != nil {
		h.writeError(ctx, "update cron job", err)
		return
	}

	existing.Name = req.Name
	existing.CronExpr = req.CronExpr
	existing.HandlerName = req.HandlerName
	existing.HandlerParams = req.HandlerParams
	existing.AllowOverlap = req.AllowOverlap
	existing.MaxRetry = req.MaxRetry
	if req.TimeoutSeconds > 0 {
		existing.TimeoutSeconds = req.TimeoutSeconds
	}

	updated, err := h.jobs.Update(ctx.Request.Context(), existing)
	if err != nil {
		h.writeError(ctx, "update cron job", err)
		return
	}

	ctx.JSON(http.StatusOK, toCronJobResponse(updated))
}

func (h *CronJobHandler) Enable(ctx *gin.Context) {
	h.setEnabled(ctx, true)
}

func (h *CronJobHandler) Disable(ctx *gin.Context) {
	h.setEnabled(ctx, false)
}

func (h *CronJobHandler) setEnabled(ctx *gin.Context, enabled bool) {
	id, ok := h.parseID(ctx)
	if !ok {
		return
	}

	if err := h.jobs.SetEnabled(ctx.Request.Context(), id, enabled); err != nil {
		h.writeError(ctx, "set cron job enabled", err)
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *CronJobHandler) Delete(ctx *gin.Context) {
	id, ok := h.parseID(ctx)
	if !ok {
		return
	}

	if err := h.jobs.Delete(ctx.Request.Context(), id); err != nil {
		h.writeError(ctx, "delete cron job", err)
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *CronJobHandler) parseID(ctx *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return 0, false
	}
	return id, true
}

func (h *CronJobHandler) writeError(ctx *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, domain.ErrCronJobNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": errCronJobNotFound})
	case errors.Is(err, domain.ErrCronJobNameConflict):
		ctx.JSON(http.StatusConflict, gin.H{"error": errCronJobNameConflict})
	case errors.Is(err, domain.ErrInvalidCronExpr):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCronExpr})
	default:
		h.logger.Error(action, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
	}
}
