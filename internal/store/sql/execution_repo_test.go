package sql_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/distjob/scheduler/internal/domain"
	sqlstore "github.com/distjob/scheduler/internal/store/sql"
)

func TestExecutionRepository_InsertCronIfAbsent(t *testing.T) {
	pool := newTestPool(t, "exec_insert_cron")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	scheduled := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	created, inserted, err := repo.InsertCronIfAbsent(ctx, 1, "echo", scheduled, json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatal("expected the first insert to succeed")
	}
	if created.Status != domain.StatusPending || created.ParamSource != domain.ParamSourceCron {
		t.Fatalf("unexpected row: %+v", created)
	}

	_, insertedAgain, err := repo.InsertCronIfAbsent(ctx, 1, "echo", scheduled, json.RawMessage(`{"x":2}`))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if insertedAgain {
		t.Fatal("expected the conflicting (job_id, scheduled_time) insert to be a no-op")
	}
}

func TestExecutionRepository_InsertCronIfAbsent_DistinctJobsSameTime(t *testing.T) {
	pool := newTestPool(t, "exec_insert_cron_distinct")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	scheduled := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, inserted1, err := repo.InsertCronIfAbsent(ctx, 1, "echo", scheduled, nil)
	if err != nil || !inserted1 {
		t.Fatalf("insert job 1: inserted=%v err=%v", inserted1, err)
	}
	_, inserted2, err := repo.InsertCronIfAbsent(ctx, 2, "echo", scheduled, nil)
	if err != nil || !inserted2 {
		t.Fatalf("insert job 2: inserted=%v err=%v", inserted2, err)
	}
}

func TestExecutionRepository_InsertEvent(t *testing.T) {
	pool := newTestPool(t, "exec_insert_event")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	created, err := repo.InsertEvent(ctx, nil, "http_request", json.RawMessage(`{"url":"https://example.com"}`))
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if created.JobID != nil {
		t.Fatalf("expected nil job id, got %v", *created.JobID)
	}
	if created.ParamSource != domain.ParamSourceEvent || created.Status != domain.StatusPending {
		t.Fatalf("unexpected row: %+v", created)
	}
}

func TestExecutionRepository_MaxScheduledTime(t *testing.T) {
	pool := newTestPool(t, "exec_maxsched")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	_, _, found, err := insertAndCheck(t, repo, ctx, 1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("insert first: %v", err)
	}
	if found {
		t.Fatal("expected no prior max before any rows exist")
	}

	later := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	if _, _, err := repo.InsertCronIfAbsent(ctx, 1, "echo", later, nil); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	max, found, err := repo.MaxScheduledTime(ctx, 1)
	if err != nil {
		t.Fatalf("max scheduled time: %v", err)
	}
	if !found {
		t.Fatal("expected a max scheduled time to be found")
	}
	if !max.Equal(later) {
		t.Fatalf("expected %v, got %v", later, max)
	}
}

// insertAndCheck inserts one row and immediately reports the pre-insert max,
// mirroring the dispatcher's own read-then-insert ordering.
func insertAndCheck(t *testing.T, repo *sqlstore.ExecutionRepository, ctx context.Context, jobID int64, scheduled time.Time) (*domain.Execution, bool, bool, error) {
	t.Helper()
	_, found, err := repo.MaxScheduledTime(ctx, jobID)
	if err != nil {
		return nil, false, false, err
	}
	created, inserted, err := repo.InsertCronIfAbsent(ctx, jobID, "echo", scheduled, nil)
	return created, inserted, found, err
}

func TestExecutionRepository_HasActive(t *testing.T) {
	pool := newTestPool(t, "exec_hasactive")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	active, err := repo.HasActive(ctx, 1)
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if active {
		t.Fatal("expected no active executions before any insert")
	}

	if _, _, err := repo.InsertCronIfAbsent(ctx, 1, "echo", time.Now().UTC(), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	active, err = repo.HasActive(ctx, 1)
	if err != nil {
		t.Fatalf("has active after insert: %v", err)
	}
	if !active {
		t.Fatal("expected the pending row to count as active")
	}
}

func TestExecutionRepository_ClaimBatch(t *testing.T) {
	pool := newTestPool(t, "exec_claim")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if _, _, err := repo.InsertCronIfAbsent(ctx, i, "echo", time.Now().UTC().Add(time.Duration(i)*time.Second), nil); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	claimed, err := repo.ClaimBatch(ctx, 2)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed rows, got %d", len(claimed))
	}
	for _, e := range claimed {
		if e.Status != domain.StatusRunning {
			t.Fatalf("expected RUNNING, got %s", e.Status)
		}
		if e.StartedAt == nil {
			t.Fatal("expected started_at to be set")
		}
	}

	remaining, err := repo.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim batch remaining: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining pending row, got %d", len(remaining))
	}
}

func TestExecutionRepository_MarkSuccess(t *testing.T) {
	pool := newTestPool(t, "exec_marksuccess")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	created, _, err := repo.InsertCronIfAbsent(ctx, 1, "echo", time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := repo.ClaimBatch(ctx, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := repo.MarkSuccess(ctx, created.ID, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Status != domain.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", got.Status)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected finished_at to be set")
	}
	if string(got.Result) != `{"ok":true}` {
		t.Fatalf("expected result round-tripped, got %s", got.Result)
	}
}

func TestExecutionRepository_MarkFailure_IncrementsRetryCount(t *testing.T) {
	pool := newTestPool(t, "exec_markfailure")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	created, _, err := repo.InsertCronIfAbsent(ctx, 1, "echo", time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	retryCount, err := repo.MarkFailure(ctx, created.ID, domain.StatusFailed, "boom")
	if err != nil {
		t.Fatalf("mark failure: %v", err)
	}
	if retryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", retryCount)
	}

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "boom" {
		t.Fatalf("expected error message 'boom', got %v", got.ErrorMessage)
	}
}

func TestExecutionRepository_Requeue(t *testing.T) {
	pool := newTestPool(t, "exec_requeue")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	created, _, err := repo.InsertCronIfAbsent(ctx, 1, "echo", time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := repo.MarkFailure(ctx, created.ID, domain.StatusFailed, "boom"); err != nil {
		t.Fatalf("mark failure: %v", err)
	}

	if err := repo.Requeue(ctx, created.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("expected PENDING after requeue, got %s", got.Status)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Fatal("expected started_at/finished_at to be cleared")
	}
	if got.ErrorMessage == nil {
		t.Fatal("expected Requeue to preserve error_message as history")
	}
}

func TestExecutionRepository_RequeueFromFailed(t *testing.T) {
	pool := newTestPool(t, "exec_requeuefromfailed")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	created, _, err := repo.InsertCronIfAbsent(ctx, 1, "echo", time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := repo.MarkFailure(ctx, created.ID, domain.StatusFailed, "boom"); err != nil {
		t.Fatalf("mark failure: %v", err)
	}

	if err := repo.RequeueFromFailed(ctx, created.ID); err != nil {
		t.Fatalf("requeue from failed: %v", err)
	}

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("expected PENDING, got %s", got.Status)
	}
	if got.ErrorMessage != nil {
		t.Fatal("expected error_message cleared by the admin retry action")
	}
}

func TestExecutionRepository_RequeueFromFailed_NotRetryable(t *testing.T) {
	pool := newTestPool(t, "exec_requeuefromfailed_notretryable")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	created, _, err := repo.InsertCronIfAbsent(ctx, 1, "echo", time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = repo.RequeueFromFailed(ctx, created.ID)
	if !errors.Is(err, domain.ErrExecutionNotRetryable) {
		t.Fatalf("expected ErrExecutionNotRetryable for a still-PENDING row, got %v", err)
	}
}

func TestExecutionRepository_GetByID_NotFound(t *testing.T) {
	pool := newTestPool(t, "exec_notfound")
	repo := sqlstore.NewExecutionRepository(pool)

	_, err := repo.GetByID(context.Background(), 999)
	if !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestExecutionRepository_ListByJobID(t *testing.T) {
	pool := newTestPool(t, "exec_listbyjob")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, _, err := repo.InsertCronIfAbsent(ctx, 1, "echo", base.Add(time.Duration(i)*time.Hour), nil); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if _, _, err := repo.InsertCronIfAbsent(ctx, 2, "echo", base, nil); err != nil {
		t.Fatalf("insert other job: %v", err)
	}

	list, err := repo.ListByJobID(ctx, 1, 50)
	if err != nil {
		t.Fatalf("list by job id: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 rows for job 1, got %d", len(list))
	}
	if !list[0].ScheduledTime.After(list[1].ScheduledTime) {
		t.Fatalf("expected descending scheduled_time order, got %v then %v", list[0].ScheduledTime, list[1].ScheduledTime)
	}
}

func TestExecutionRepository_DeleteTerminalOlderThan(t *testing.T) {
	pool := newTestPool(t, "exec_retention")
	repo := sqlstore.NewExecutionRepository(pool)
	ctx := context.Background()

	created, _, err := repo.InsertCronIfAbsent(ctx, 1, "echo", time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.MarkSuccess(ctx, created.ID, nil); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	stillPending, _, err := repo.InsertCronIfAbsent(ctx, 2, "echo", time.Now().UTC().Add(time.Minute), nil)
	if err != nil {
		t.Fatalf("insert pending: %v", err)
	}

	cutoff := time.Now().UTC().Add(time.Hour)
	deleted, err := repo.DeleteTerminalOlderThan(ctx, cutoff, 100)
	if err != nil {
		t.Fatalf("delete terminal older than: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 row deleted, got %d", deleted)
	}

	_, err = repo.GetByID(ctx, created.ID)
	if !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Fatalf("expected the terminal row to be gone, got %v", err)
	}
	if _, err := repo.GetByID(ctx, stillPending.ID); err != nil {
		t.Fatalf("expected the pending row to survive, got %v", err)
	}
}
