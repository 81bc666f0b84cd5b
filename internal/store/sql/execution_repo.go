package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/distjob/scheduler/internal/dbreg"
	"github.com/distjob/scheduler/internal/domain"
	"github.com/distjob/scheduler/internal/metrics"
	"github.com/distjob/scheduler/internal/store"
)

// ExecutionRepository implements store.ExecutionRepository over a single
// named dbreg.Pool.
type ExecutionRepository struct {
	pool *dbreg.Pool
}

func NewExecutionRepository(pool *dbreg.Pool) *ExecutionRepository {
	return &ExecutionRepository{pool: pool}
}

const executionColumns = `id, job_id, handler_name, scheduled_time, params, param_source,
	status, started_at, finished_at, retry_count, error_message, result, created_at`

func (r *ExecutionRepository) InsertCronIfAbsent(ctx context.Context, jobID int64, handlerName string, scheduledTime time.Time, params json.RawMessage) (*domain.Execution, bool, error) {
	var (
		created *domain.Execution
		inserted bool
	)
	err := store.RunSingle(ctx, r.pool, false, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		args := []any{jobID, handlerName, scheduledTime, nullableJSON(params), string(domain.ParamSourceCron), string(domain.StatusPending)}

		if backend == dbreg.BackendMySQL {
			query := fmt.Sprintf(`%s (job_id, handler_name, scheduled_time, params, param_source, status)
				VALUES (%s)`, insertIgnorePrefix(backend, "job_executions"), phList(backend, 0, 6))
			res, err := tx.Execute(ctx, query, args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				inserted = false
				return nil
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			row, err := fetchExecutionByID(ctx, tx, id)
			if err != nil {
				return err
			}
			created = row
			inserted = true
			return nil
		}

		query := fmt.Sprintf(`%s (job_id, handler_name, scheduled_time, params, param_source, status)
			VALUES (%s)%s RETURNING %s`,
			insertIgnorePrefix(backend, "job_executions"), phList(backend, 0, 6),
			insertIgnoreSuffix(backend, "job_id, scheduled_time"), executionColumns)

		err := tx.FetchOne(ctx, func(scan func(...any) error) error {
			var e domain.Execution
			if scanErr := scanExecutionRow(scan, &e); scanErr != nil {
				return scanErr
			}
			created = &e
			inserted = true
			return nil
		}, query, args...)
		// scanExecutionRow turns a no-row RETURNING (the conflict-ignore no-op)
		// into domain.ErrExecutionNotFound; treat that as "nothing inserted",
		// not a failure.
		if errors.Is(err, domain.ErrExecutionNotFound) {
			inserted = false
			return nil
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return created, inserted, nil
}

func (r *ExecutionRepository) InsertEvent(ctx context.Context, jobID *int64, handlerName string, params json.RawMessage) (*domain.Execution, error) {
	var created *domain.Execution
	err := store.RunSingle(ctx, r.pool, false, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()

		if backend == dbreg.BackendMySQL {
			query := fmt.Sprintf(`INSERT INTO job_executions (job_id, handler_name, scheduled_time, params, param_source, status)
				VALUES (%s, %s, %s, %s, %s, %s)`,
				ph(backend, 1), ph(backend, 2), nowFunc(backend), ph(backend, 3), ph(backend, 4), ph(backend, 5))
			res, err := tx.Execute(ctx, query, jobID, handlerName, nullableJSON(params), string(domain.ParamSourceEvent), string(domain.StatusPending))
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			row, err := fetchExecutionByID(ctx, tx, id)
			if err != nil {
				return err
			}
			created = row
			return nil
		}

		query := fmt.Sprintf(`INSERT INTO job_executions (job_id, handler_name, scheduled_time, params, param_source, status)
			VALUES (%s, %s, %s, %s, %s, %s) RETURNING %s`,
			ph(backend, 1), ph(backend, 2), nowFunc(backend), ph(backend, 3), ph(backend, 4), ph(backend, 5), executionColumns)
		return tx.FetchOne(ctx, func(scan func(...any) error) error {
			var e domain.Execution
			if scanErr := scanExecutionRow(scan, &e); scanErr != nil {
				return scanErr
			}
			created = &e
			return nil
		}, query, jobID, handlerName, nullableJSON(params), string(domain.ParamSourceEvent), string(domain.StatusPending))
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *ExecutionRepository) MaxScheduledTime(ctx context.Context, jobID int64) (time.Time, bool, error) {
	var (
		t     time.Time
		found bool
	)
	err := store.RunSingle(ctx, r.pool, true, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		query := `SELECT MAX(scheduled_time) FROM job_executions WHERE job_id = ` + ph(backend, 1) + ` AND param_source = ` + ph(backend, 2)
		var nt sql.NullTime
		if err := tx.FetchVal(ctx, &nt, query, jobID, string(domain.ParamSourceCron)); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if nt.Valid {
			t = nt.Time
			found = true
		}
		return nil
	})
	return t, found, err
}

func (r *ExecutionRepository) HasActive(ctx context.Context, jobID int64) (bool, error) {
	var active bool
	err := store.RunSingle(ctx, r.pool, true, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		query := fmt.Sprintf(`SELECT COUNT(*) FROM job_executions WHERE job_id = %s AND status IN (%s, %s)`,
			ph(backend, 1), ph(backend, 2), ph(backend, 3))
		var n int64
		if err := tx.FetchVal(ctx, &n, query, jobID, string(domain.StatusPending), string(domain.StatusRunning)); err != nil {
			return err
		}
		active = n > 0
		return nil
	})
	return active, err
}

// ClaimBatch is the atomic PENDING->RUNNING CAS at the heart of the worker
// pool's correctness contract (§4.5 step 2, property C2): an UPDATE guarded
// by "AND status = PENDING" affects exactly one row per id regardless of
// how many workers race on it; everyone else affects zero and moves on.
func (r *ExecutionRepository) ClaimBatch(ctx context.Context, limit int) ([]*domain.Execution, error) {
	var claimed []*domain.Execution
	err := store.RunSingle(ctx, r.pool, false, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()

		var ids []int64
		selectQuery := fmt.Sprintf(`SELECT id FROM job_executions WHERE status = %s ORDER BY created_at ASC LIMIT %s`,
			ph(backend, 1), ph(backend, 2))
		if err := tx.FetchAll(ctx, func(scan func(...any) error) error {
			var id int64
			if err := scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		}, selectQuery, string(domain.StatusPending), limit); err != nil {
			return err
		}

		for _, id := range ids {
			updateQuery := fmt.Sprintf(`UPDATE job_executions SET status = %s, started_at = %s
				WHERE id = %s AND status = %s`,
				ph(backend, 1), nowFunc(backend), ph(backend, 2), ph(backend, 3))
			res, err := tx.Execute(ctx, updateQuery, string(domain.StatusRunning), id, string(domain.StatusPending))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				// Another worker (or process) won the race; drop this row.
				metrics.ClaimContentionTotal.Inc()
				continue
			}
			row, err := fetchExecutionByID(ctx, tx, id)
			if err != nil {
				return err
			}
			claimed = append(claimed, row)
		}
		return nil
	})
	return claimed, err
}

func (r *ExecutionRepository) MarkSuccess(ctx context.Context, id int64, result json.RawMessage) error {
	return store.RunSingle(ctx, r.pool, false, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		query := fmt.Sprintf(`UPDATE job_executions SET status = %s, finished_at = %s, result = %s WHERE id = %s`,
			ph(backend, 1), nowFunc(backend), ph(backend, 2), ph(backend, 3))
		_, err := tx.Execute(ctx, query, string(domain.StatusSuccess), nullableJSON(result), id)
		return err
	})
}

// MarkFailure records a FAILED or TIMEOUT outcome and increments
// retry_count exactly once (invariant I3), returning the new value so the
// caller can compare it against the owning cron_job's max_retry.
func (r *ExecutionRepository) MarkFailure(ctx context.Context, id int64, status domain.Status, errMsg string) (int, error) {
	var retryCount int
	err := store.RunSingle(ctx, r.pool, false, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		updateQuery := fmt.Sprintf(`UPDATE job_executions SET status = %s, finished_at = %s,
			error_message = %s, retry_count = retry_count + 1 WHERE id = %s`,
			ph(backend, 1), nowFunc(backend), ph(backend, 2), ph(backend, 3))
		if _, err := tx.Execute(ctx, updateQuery, string(status), errMsg, id); err != nil {
			return err
		}
		selectQuery := `SELECT retry_count FROM job_executions WHERE id = ` + ph(backend, 1)
		return tx.FetchVal(ctx, &retryCount, selectQuery, id)
	})
	return retryCount, err
}

func (r *ExecutionRepository) Requeue(ctx context.Context, id int64) error {
	return store.RunSingle(ctx, r.pool, false, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		query := fmt.Sprintf(`UPDATE job_executions SET status = %s, started_at = NULL, finished_at = NULL WHERE id = %s`,
			ph(backend, 1), ph(backend, 2))
		res, err := tx.Execute(ctx, query, string(domain.StatusPending), id)
		if err != nil {
			return err
		}
		return assertRowsAffected(res, domain.ErrExecutionNotFound)
	})
}

// RequeueFromFailed is the admin retry action (§4.6 contract b): clears
// error_message/result as well, unlike the internal worker Requeue which
// preserves error_message as history (§4.5 step 7).
func (r *ExecutionRepository) RequeueFromFailed(ctx context.Context, id int64) error {
	return store.RunSingle(ctx, r.pool, false, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		query := fmt.Sprintf(`UPDATE job_executions SET status = %s, started_at = NULL,
			finished_at = NULL, error_message = NULL, result = NULL
			WHERE id = %s AND status IN (%s, %s)`,
			ph(backend, 1), ph(backend, 2), ph(backend, 3), ph(backend, 4))
		res, err := tx.Execute(ctx, query, string(domain.StatusPending), id, string(domain.StatusFailed), string(domain.StatusTimeout))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrExecutionNotRetryable
		}
		return nil
	})
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id int64) (*domain.Execution, error) {
	var exec *domain.Execution
	err := store.RunSingle(ctx, r.pool, true, func(ctx context.Context, tx *dbreg.Tx) error {
		row, err := fetchExecutionByID(ctx, tx, id)
		if err != nil {
			return err
		}
		exec = row
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

func (r *ExecutionRepository) ListByJobID(ctx context.Context, jobID int64, limit int) ([]*domain.Execution, error) {
	var execs []*domain.Execution
	err := store.RunSingle(ctx, r.pool, true, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		query := fmt.Sprintf(`SELECT %s FROM job_executions WHERE job_id = %s ORDER BY scheduled_time DESC LIMIT %s`,
			executionColumns, ph(backend, 1), ph(backend, 2))
		return tx.FetchAll(ctx, func(scan func(...any) error) error {
			var e domain.Execution
			if err := scanExecutionRow(scan, &e); err != nil {
				return err
			}
			execs = append(execs, &e)
			return nil
		}, query, jobID, limit)
	})
	return execs, err
}

func (r *ExecutionRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	var count int
	err := store.RunSingle(ctx, r.pool, false, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		query := fmt.Sprintf(`DELETE FROM job_executions WHERE id IN (
			SELECT id FROM job_executions
			WHERE status IN (%s, %s, %s) AND finished_at < %s
			ORDER BY finished_at ASC LIMIT %s
		)`, ph(backend, 1), ph(backend, 2), ph(backend, 3), ph(backend, 4), ph(backend, 5))
		res, err := tx.Execute(ctx, query,
			string(domain.StatusSuccess), string(domain.StatusFailed), string(domain.StatusTimeout),
			cutoff, limit,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(n)
		return nil
	})
	return count, err
}

func fetchExecutionByID(ctx context.Context, tx *dbreg.Tx, id int64) (*domain.Execution, error) {
	backend := tx.Backend()
	query := fmt.Sprintf(`SELECT %s FROM job_executions WHERE id = %s`, executionColumns, ph(backend, 1))
	var exec *domain.Execution
	err := tx.FetchOne(ctx, func(scan func(...any) error) error {
		var e domain.Execution
		if err := scanExecutionRow(scan, &e); err != nil {
			return err
		}
		exec = &e
		return nil
	}, query, id)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func scanExecutionRow(scan func(...any) error, e *domain.Execution) error {
	var (
		params     []byte
		result     []byte
		paramSrc   string
		status     string
		errMessage sql.NullString
		jobID      sql.NullInt64
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := scan(
		&e.ID, &jobID, &e.HandlerName, &e.ScheduledTime, &params, &paramSrc,
		&status, &startedAt, &finishedAt, &e.RetryCount, &errMessage, &result, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrExecutionNotFound
		}
		return err
	}
	if len(params) > 0 {
		e.Params = json.RawMessage(params)
	}
	if len(result) > 0 {
		e.Result = json.RawMessage(result)
	}
	e.ParamSource = domain.ParamSource(paramSrc)
	e.Status = domain.Status(status)
	if jobID.Valid {
		id := jobID.Int64
		e.JobID = &id
	}
	if startedAt.Valid {
		t := startedAt.Time
		e.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		e.FinishedAt = &t
	}
	if errMessage.Valid {
		msg := errMessage.String
		e.ErrorMessage = &msg
	}
	return nil
}
