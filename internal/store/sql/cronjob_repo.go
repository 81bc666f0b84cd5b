package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/distjob/scheduler/internal/dbreg"
	"github.com/distjob/scheduler/internal/domain"
	"github.com/distjob/scheduler/internal/store"
)

// CronJobRepository implements store.CronJobRepository over a single named
// dbreg.Pool, building SQL for whichever backend that pool speaks.
type CronJobRepository struct {
	pool *dbreg.Pool
}

func NewCronJobRepository(pool *dbreg.Pool) *CronJobRepository {
	return &CronJobRepository{pool: pool}
}

func (r *CronJobRepository) Create(ctx context.Context, job *domain.CronJob) (*domain.CronJob, error) {
	var created *domain.CronJob
	err := store.RunSingle(ctx, r.pool, false, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		args := []any{
			job.Name, job.CronExpr, job.HandlerName, nullableJSON(job.HandlerParams),
			job.IsEnabled, job.AllowOverlap, job.MaxRetry, job.TimeoutSeconds,
		}

		if backend == dbreg.BackendMySQL {
			// No RETURNING on MySQL: insert, then re-fetch by LAST_INSERT_ID.
			query := fmt.Sprintf(`INSERT INTO cron_jobs (
				name, cron_expression, handler_name, handler_params,
				is_enabled, allow_overlap, max_retry, timeout_seconds
			) VALUES (%s)`, phList(backend, 0, 8))
			res, err := tx.Execute(ctx, query, args...)
			if err != nil {
				if isUniqueViolation(err) {
					return domain.ErrCronJobNameConflict
				}
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			fetchQuery := `SELECT id, name, cron_expression, handler_name, handler_params,
				is_enabled, allow_overlap, max_retry, timeout_seconds, created_at, updated_at
				FROM cron_jobs WHERE id = ` + ph(backend, 1)
			return fetchOneCronJob(ctx, tx, fetchQuery, &created, id)
		}

		query := fmt.Sprintf(`
			INSERT INTO cron_jobs (
				name, cron_expression, handler_name, handler_params,
				is_enabled, allow_overlap, max_retry, timeout_seconds
			) VALUES (%s)`, phList(backend, 0, 8)) + returningCronJob(backend)

		err := tx.FetchOne(ctx, func(scan func(...any) error) error {
			var c domain.CronJob
			if scanErr := scanCronJobRow(scan, &c); scanErr != nil {
				return scanErr
			}
			created = &c
			return nil
		}, query, args...)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrCronJobNameConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *CronJobRepository) GetByID(ctx context.Context, id int64) (*domain.CronJob, error) {
	var job *domain.CronJob
	err := store.RunSingle(ctx, r.pool, true, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		query := `SELECT id, name, cron_expression, handler_name, handler_params,
			is_enabled, allow_overlap, max_retry, timeout_seconds, created_at, updated_at
			FROM cron_jobs WHERE id = ` + ph(backend, 1)
		return fetchOneCronJob(ctx, tx, query, &job, id)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *CronJobRepository) GetByHandlerName(ctx context.Context, handlerName string) (*domain.CronJob, error) {
	var job *domain.CronJob
	err := store.RunSingle(ctx, r.pool, true, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		query := `SELECT id, name, cron_expression, handler_name, handler_params,
			is_enabled, allow_overlap, max_retry, timeout_seconds, created_at, updated_at
			FROM cron_jobs WHERE handler_name = ` + ph(backend, 1) + ` ORDER BY id ASC`
		return fetchOneCronJob(ctx, tx, query, &job, handlerName)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCronJobNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *CronJobRepository) List(ctx context.Context) ([]*domain.CronJob, error) {
	return r.list(ctx, "")
}

func (r *CronJobRepository) ListEnabled(ctx context.Context) ([]*domain.CronJob, error) {
	return r.list(ctx, "WHERE is_enabled")
}

func (r *CronJobRepository) list(ctx context.Context, where string) ([]*domain.CronJob, error) {
	var jobs []*domain.CronJob
	err := store.RunSingle(ctx, r.pool, true, func(ctx context.Context, tx *dbreg.Tx) error {
		query := `SELECT id, name, cron_expression, handler_name, handler_params,
			is_enabled, allow_overlap, max_retry, timeout_seconds, created_at, updated_at
			FROM cron_jobs ` + where + ` ORDER BY id ASC`
		return tx.FetchAll(ctx, func(scan func(...any) error) error {
			var c domain.CronJob
			if err := scanCronJobRow(scan, &c); err != nil {
				return err
			}
			jobs = append(jobs, &c)
			return nil
		}, query)
	})
	return jobs, err
}

func (r *CronJobRepository) Update(ctx context.Context, job *domain.CronJob) (*domain.CronJob, error) {
	var updated *domain.CronJob
	err := store.RunSingle(ctx, r.pool, false, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		query := fmt.Sprintf(`UPDATE cron_jobs SET
			name = %s, cron_expression = %s, handler_name = %s, handler_params = %s,
			is_enabled = %s, allow_overlap = %s, max_retry = %s, timeout_seconds = %s,
			updated_at = %s
			WHERE id = %s`,
			ph(backend, 1), ph(backend, 2), ph(backend, 3), ph(backend, 4),
			ph(backend, 5), ph(backend, 6), ph(backend, 7), ph(backend, 8),
			nowFunc(backend), ph(backend, 9),
		)
		_, err := tx.Execute(ctx, query,
			job.Name, job.CronExpr, job.HandlerName, nullableJSON(job.HandlerParams),
			job.IsEnabled, job.AllowOverlap, job.MaxRetry, job.TimeoutSeconds, job.ID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrCronJobNameConflict
			}
			return err
		}
		fetchQuery := `SELECT id, name, cron_expression, handler_name, handler_params,
			is_enabled, allow_overlap, max_retry, timeout_seconds, created_at, updated_at
			FROM cron_jobs WHERE id = ` + ph(backend, 1)
		return fetchOneCronJob(ctx, tx, fetchQuery, &updated, job.ID)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *CronJobRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return store.RunSingle(ctx, r.pool, false, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		query := fmt.Sprintf(`UPDATE cron_jobs SET is_enabled = %s, updated_at = %s WHERE id = %s`,
			ph(backend, 1), nowFunc(backend), ph(backend, 2))
		res, err := tx.Execute(ctx, query, enabled, id)
		if err != nil {
			return err
		}
		return assertRowsAffected(res, domain.ErrCronJobNotFound)
	})
}

func (r *CronJobRepository) Delete(ctx context.Context, id int64) error {
	return store.RunSingle(ctx, r.pool, false, func(ctx context.Context, tx *dbreg.Tx) error {
		backend := tx.Backend()
		res, err := tx.Execute(ctx, `DELETE FROM cron_jobs WHERE id = `+ph(backend, 1), id)
		if err != nil {
			return err
		}
		return assertRowsAffected(res, domain.ErrCronJobNotFound)
	})
}

func returningCronJob(backend dbreg.Backend) string {
	cols := `id, name, cron_expression, handler_name, handler_params,
		is_enabled, allow_overlap, max_retry, timeout_seconds, created_at, updated_at`
	if backend == dbreg.BackendMySQL {
		// MySQL has no RETURNING; callers re-fetch by last insert id.
		return ""
	}
	return " RETURNING " + cols
}

func fetchOneCronJob(ctx context.Context, tx *dbreg.Tx, query string, dest **domain.CronJob, args ...any) error {
	return tx.FetchOne(ctx, func(scan func(...any) error) error {
		var c domain.CronJob
		if err := scanCronJobRow(scan, &c); err != nil {
			return err
		}
		*dest = &c
		return nil
	}, query, args...)
}

func scanCronJobRow(scan func(...any) error, c *domain.CronJob) error {
	var params []byte
	err := scan(
		&c.ID, &c.Name, &c.CronExpr, &c.HandlerName, &params,
		&c.IsEnabled, &c.AllowOverlap, &c.MaxRetry, &c.TimeoutSeconds,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrCronJobNotFound
		}
		return err
	}
	if len(params) > 0 {
		c.HandlerParams = json.RawMessage(params)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func assertRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return containsAny(msg, "23505", "UNIQUE constraint", "Duplicate entry", "duplicate key")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) > 0 && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

