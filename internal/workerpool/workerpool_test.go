package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/distjob/scheduler/internal/domain"
	"github.com/distjob/scheduler/internal/handlerregistry"
)

// fakeExecutionRepository records every mutation the worker pool makes so
// tests can assert on outcomes without a database.
type fakeExecutionRepository struct {
	mu sync.Mutex

	successes     map[int64]json.RawMessage
	failures      map[int64]struct {
		status domain.Status
		errMsg string
	}
	retryCounts map[int64]int
	requeued    map[int64]bool
	claimed     []*domain.Execution
}

func newFakeExecutionRepository(claimed []*domain.Execution) *fakeExecutionRepository {
	return &fakeExecutionRepository{
		successes: make(map[int64]json.RawMessage),
		failures: make(map[int64]struct {
			status domain.Status
			errMsg string
		}),
		retryCounts: make(map[int64]int),
		requeued:    make(map[int64]bool),
		claimed:     claimed,
	}
}

func (f *fakeExecutionRepository) InsertCronIfAbsent(context.Context, int64, string, time.Time, json.RawMessage) (*domain.Execution, bool, error) {
	return nil, false, errors.New("not implemented")
}
func (f *fakeExecutionRepository) InsertEvent(context.Context, *int64, string, json.RawMessage) (*domain.Execution, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeExecutionRepository) MaxScheduledTime(context.Context, int64) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("not implemented")
}
func (f *fakeExecutionRepository) HasActive(context.Context, int64) (bool, error) {
	return false, errors.New("not implemented")
}

func (f *fakeExecutionRepository) ClaimBatch(_ context.Context, limit int) ([]*domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claimed) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(f.claimed) {
		n = len(f.claimed)
	}
	batch := f.claimed[:n]
	f.claimed = f.claimed[n:]
	return batch, nil
}

func (f *fakeExecutionRepository) MarkSuccess(_ context.Context, id int64, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes[id] = result
	return nil
}

func (f *fakeExecutionRepository) MarkFailure(_ context.Context, id int64, status domain.Status, errMsg string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = struct {
		status domain.Status
		errMsg string
	}{status, errMsg}
	f.retryCounts[id]++
	return f.retryCounts[id], nil
}

func (f *fakeExecutionRepository) Requeue(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued[id] = true
	return nil
}
func (f *fakeExecutionRepository) RequeueFromFailed(context.Context, int64) error {
	return errors.New("not implemented")
}
func (f *fakeExecutionRepository) GetByID(context.Context, int64) (*domain.Execution, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeExecutionRepository) ListByJobID(context.Context, int64, int) ([]*domain.Execution, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeExecutionRepository) DeleteTerminalOlderThan(context.Context, time.Time, int) (int, error) {
	return 0, errors.New("not implemented")
}

type fakeCronJobRepository struct {
	jobs map[int64]*domain.CronJob
}

func (f *fakeCronJobRepository) Create(context.Context, *domain.CronJob) (*domain.CronJob, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeCronJobRepository) GetByID(_ context.Context, id int64) (*domain.CronJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrCronJobNotFound
	}
	return job, nil
}
func (f *fakeCronJobRepository) GetByHandlerName(context.Context, string) (*domain.CronJob, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeCronJobRepository) List(context.Context) ([]*domain.CronJob, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeCronJobRepository) ListEnabled(context.Context) ([]*domain.CronJob, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeCronJobRepository) Update(context.Context, *domain.CronJob) (*domain.CronJob, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeCronJobRepository) SetEnabled(context.Context, int64, bool) error {
	return errors.New("not implemented")
}
func (f *fakeCronJobRepository) Delete(context.Context, int64) error {
	return errors.New("not implemented")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry() *handlerregistry.Registry {
	reg := handlerregistry.New()
	reg.MustRegister("echo", func() handlerregistry.Handler { return echoHandler{} })
	reg.MustRegister("slow", func() handlerregistry.Handler { return slowHandler{} })
	reg.MustRegister("failing", func() handlerregistry.Handler { return failingHandler{} })
	return reg
}

type echoHandler struct{}

func (echoHandler) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	return params, nil
}

type failingHandler struct{}

func (failingHandler) Execute(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, errors.New("handler boom")
}

type slowHandler struct{}

func (slowHandler) Execute(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestPool(executions *fakeExecutionRepository, jobs *fakeCronJobRepository) *Pool {
	return New(executions, jobs, testRegistry(), testLogger(), Config{
		PoolSize:        4,
		PollInterval:    time.Hour,
		ClaimBatchSize:  4,
		ShutdownTimeout: time.Second,
		DefaultTimeout:  2 * time.Second,
	})
}

func TestExecute_SuccessMarksSuccess(t *testing.T) {
	exec := &domain.Execution{ID: 1, HandlerName: "echo", Params: json.RawMessage(`{"a":1}`)}
	executions := newFakeExecutionRepository(nil)
	pool := newTestPool(executions, &fakeCronJobRepository{jobs: map[int64]*domain.CronJob{}})

	pool.execute(exec)

	if _, ok := executions.successes[exec.ID]; !ok {
		t.Fatal("expected MarkSuccess to be called")
	}
}

func TestExecute_HandlerErrorRetriesWithinBudget(t *testing.T) {
	jobID := int64(7)
	exec := &domain.Execution{ID: 2, JobID: &jobID, HandlerName: "failing"}
	executions := newFakeExecutionRepository(nil)
	jobs := &fakeCronJobRepository{jobs: map[int64]*domain.CronJob{
		jobID: {ID: jobID, TimeoutSeconds: 2, MaxRetry: 3},
	}}
	pool := newTestPool(executions, jobs)

	pool.execute(exec)

	failure, ok := executions.failures[exec.ID]
	if !ok {
		t.Fatal("expected MarkFailure to be called")
	}
	if failure.status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", failure.status)
	}
	if !executions.requeued[exec.ID] {
		t.Fatal("expected the execution to be requeued since retry_count <= max_retry")
	}
}

func TestExecute_HandlerErrorExhaustsRetries(t *testing.T) {
	jobID := int64(8)
	exec := &domain.Execution{ID: 3, JobID: &jobID, HandlerName: "failing"}
	executions := newFakeExecutionRepository(nil)
	jobs := &fakeCronJobRepository{jobs: map[int64]*domain.CronJob{
		jobID: {ID: jobID, TimeoutSeconds: 2, MaxRetry: 0},
	}}
	pool := newTestPool(executions, jobs)

	pool.execute(exec)

	if executions.requeued[exec.ID] {
		t.Fatal("expected no requeue once the retry budget is exhausted")
	}
}

func TestExecute_TimeoutMarksTimeoutStatus(t *testing.T) {
	jobID := int64(9)
	exec := &domain.Execution{ID: 4, JobID: &jobID, HandlerName: "slow"}
	executions := newFakeExecutionRepository(nil)
	jobs := &fakeCronJobRepository{jobs: map[int64]*domain.CronJob{
		// A zero timeout_seconds expires the handler's deadline immediately,
		// so the attempt is a timeout whichever select branch fires first.
		jobID: {ID: jobID, TimeoutSeconds: 0, MaxRetry: 1},
	}}
	pool := newTestPool(executions, jobs)

	pool.execute(exec)

	failure, ok := executions.failures[exec.ID]
	if !ok {
		t.Fatal("expected MarkFailure to be called")
	}
	if failure.status != domain.StatusTimeout {
		t.Fatalf("expected TIMEOUT, got %s", failure.status)
	}
}

func TestExecute_HandlerNotFoundSkipsRequeue(t *testing.T) {
	exec := &domain.Execution{ID: 5, HandlerName: "does-not-exist"}
	executions := newFakeExecutionRepository(nil)
	pool := newTestPool(executions, &fakeCronJobRepository{jobs: map[int64]*domain.CronJob{}})

	pool.execute(exec)

	if _, ok := executions.failures[exec.ID]; !ok {
		t.Fatal("expected MarkFailure to be called for a missing handler")
	}
	if executions.requeued[exec.ID] {
		t.Fatal("expected HandlerNotFound to never requeue")
	}
}

func TestTick_DispatchesClaimedExecutionsWithinCapacity(t *testing.T) {
	claimed := []*domain.Execution{
		{ID: 1, HandlerName: "echo"},
		{ID: 2, HandlerName: "echo"},
	}
	executions := newFakeExecutionRepository(claimed)
	pool := newTestPool(executions, &fakeCronJobRepository{jobs: map[int64]*domain.CronJob{}})

	pool.tick(context.Background())
	pool.wg.Wait()

	if len(executions.successes) != 2 {
		t.Fatalf("expected both claimed executions to run, got %d successes", len(executions.successes))
	}
}

func TestRetryPolicy_FallsBackForEventExecutions(t *testing.T) {
	executions := newFakeExecutionRepository(nil)
	pool := newTestPool(executions, &fakeCronJobRepository{jobs: map[int64]*domain.CronJob{}})
	pool.cfg.DefaultTimeout = 42 * time.Second

	timeout, maxRetry := pool.retryPolicy(context.Background(), &domain.Execution{ID: 1, JobID: nil})
	if timeout != 42*time.Second {
		t.Fatalf("expected default timeout, got %v", timeout)
	}
	if maxRetry != 0 {
		t.Fatalf("expected 0 max retry for event executions, got %d", maxRetry)
	}
}
