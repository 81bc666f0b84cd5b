package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/distjob/scheduler/internal/domain"
)

// ExecutionRepository is all access to job_executions.
type ExecutionRepository interface {
	// InsertCronIfAbsent inserts a PENDING, cron-provenance execution row,
	// doing nothing if (jobID, scheduledTime) already exists (the sole
	// coordination primitive behind invariant I1). Returns (row, true) if
	// this call created the row, (nil, false) on a conflict no-op.
	InsertCronIfAbsent(ctx context.Context, jobID int64, handlerName string, scheduledTime time.Time, params json.RawMessage) (*domain.Execution, bool, error)

	// InsertEvent inserts an event-provenance execution row. jobID may be
	// nil for pure event executions (§3).
	InsertEvent(ctx context.Context, jobID *int64, handlerName string, params json.RawMessage) (*domain.Execution, error)

	// MaxScheduledTime returns the greatest scheduled_time already recorded
	// for jobID, or (zero time, false) when none exists.
	MaxScheduledTime(ctx context.Context, jobID int64) (time.Time, bool, error)

	// HasActive reports whether jobID has any row in PENDING or RUNNING —
	// the pre-insert overlap guard (§4.3 step 4a).
	HasActive(ctx context.Context, jobID int64) (bool, error)

	// ClaimBatch atomically transitions up to limit PENDING rows (ordered by
	// created_at ascending) to RUNNING and returns the ones this call won.
	ClaimBatch(ctx context.Context, limit int) ([]*domain.Execution, error)

	// MarkSuccess records a terminal SUCCESS outcome.
	MarkSuccess(ctx context.Context, id int64, result json.RawMessage) error

	// MarkFailure records a terminal-for-this-attempt FAILED or TIMEOUT
	// outcome, incrementing retry_count, and returns the updated retry_count.
	MarkFailure(ctx context.Context, id int64, status domain.Status, errMsg string) (int, error)

	// Requeue sets a row back to PENDING whatever its current status,
	// clearing started_at/finished_at and keeping error_message (§4.5 step
	// 7). The admin retry action is RequeueFromFailed.
	Requeue(ctx context.Context, id int64) error

	// RequeueFromFailed is the admin retry action (§4.6 contract b): like
	// Requeue, but also clears error_message and result, and only succeeds
	// from FAILED/TIMEOUT, returning ErrExecutionNotRetryable otherwise.
	RequeueFromFailed(ctx context.Context, id int64) error

	GetByID(ctx context.Context, id int64) (*domain.Execution, error)
	ListByJobID(ctx context.Context, jobID int64, limit int) ([]*domain.Execution, error)

	// DeleteTerminalOlderThan deletes terminal-status rows with finished_at
	// before cutoff, at most limit rows per call, returning the count
	// removed (the retention sweep, a supplemented feature, calls it in a
	// loop).
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error)
}
