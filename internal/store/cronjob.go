// Package store defines the repository interfaces over cron_jobs and
// job_executions (§3 of the spec) and their SQL-backed implementations
// (internal/store/sql), dialect-aware across the three supported backends.
package store

import (
	"context"
	"time"

	"github.com/distjob/scheduler/internal/dbreg"
	"github.com/distjob/scheduler/internal/domain"
)

// CronJobRepository is all mutation and read access to cron_jobs. Per §4.6,
// every mutation of cron_jobs happens through the admin surface, which is
// the sole caller of the write methods here; the dispatcher only reads.
type CronJobRepository interface {
	Create(ctx context.Context, job *domain.CronJob) (*domain.CronJob, error)
	GetByID(ctx context.Context, id int64) (*domain.CronJob, error)
	GetByHandlerName(ctx context.Context, handlerName string) (*domain.CronJob, error)
	List(ctx context.Context) ([]*domain.CronJob, error)
	ListEnabled(ctx context.Context) ([]*domain.CronJob, error)
	Update(ctx context.Context, job *domain.CronJob) (*domain.CronJob, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	Delete(ctx context.Context, id int64) error
}

// RunSingle opens a transaction on pool, runs fn, and commits on success or
// rolls back on error — a single-database convenience over dbreg used by
// components (dispatcher, worker, admin) that do not need the multi-
// resource transaction coordinator.
func RunSingle(ctx context.Context, pool *dbreg.Pool, readonly bool, fn func(ctx context.Context, tx *dbreg.Tx) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx, readonly)
	if err != nil {
		return err
	}

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Clock allows tests to stub time.Now for deterministic scheduling checks.
type Clock func() time.Time

// RealClock is the production Clock.
func RealClock() time.Time { return time.Now().UTC() }
