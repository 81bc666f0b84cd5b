// Package workerpool implements the Worker Pool (§4.5 of the spec): it
// drains PENDING job_executions, claims them atomically, dispatches each to
// a handler under a per-execution deadline, and drives it to a terminal
// status with bounded retries.
package workerpool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/distjob/scheduler/internal/domain"
	"github.com/distjob/scheduler/internal/handlerregistry"
	"github.com/distjob/scheduler/internal/metrics"
	"github.com/distjob/scheduler/internal/store"
)

// Config is the worker configuration document (§6).
type Config struct {
	PoolSize          int
	PollInterval      time.Duration
	ClaimBatchSize    int
	ShutdownTimeout   time.Duration
	// DefaultTimeout bounds event-provenance executions with no owning
	// cron_job (and so no timeout_seconds to inherit).
	DefaultTimeout time.Duration
}

const (
	defaultPoolSize        = 10
	defaultPollInterval    = 5 * time.Second
	defaultClaimBatchSize  = 20
	defaultShutdownTimeout = 30 * time.Second
	defaultExecutionTimeout = 30 * time.Second
)

// Pool is the worker supervisor.
type Pool struct {
	executions store.ExecutionRepository
	jobs       store.CronJobRepository
	handlers   *handlerregistry.Registry
	logger     *slog.Logger
	cfg        Config

	slots chan struct{}
	wg    sync.WaitGroup

	// execCtx is the parent of every in-flight execution's deadline. It is
	// independent of the Run ctx so in-flight units survive the shutdown
	// signal until execCancel is called once the shutdown budget expires
	// (§4.5 Shutdown: "cancel them, causing their deadlines to expire").
	execCtx    context.Context
	execCancel context.CancelFunc
}

func New(executions store.ExecutionRepository, jobs store.CronJobRepository, handlers *handlerregistry.Registry, logger *slog.Logger, cfg Config) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = defaultClaimBatchSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultExecutionTimeout
	}

	slots := make(chan struct{}, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		slots <- struct{}{}
	}

	execCtx, execCancel := context.WithCancel(context.Background())

	return &Pool{
		executions: executions,
		jobs:       jobs,
		handlers:   handlers,
		logger:     logger.With("component", "worker"),
		cfg:        cfg,
		slots:      slots,
		execCtx:    execCtx,
		execCancel: execCancel,
	}
}

// Run drives the supervisor loop until ctx is cancelled, then awaits
// in-flight units up to cfg.ShutdownTimeout before returning (§4.5
// Shutdown). Units still running once the budget expires are force-
// cancelled, expiring their deadlines immediately and producing TIMEOUT via
// the normal path.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker started", "pool_size", p.cfg.PoolSize, "poll_interval", p.cfg.PollInterval)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			p.tick(ctx)
		}
	}

	p.logger.Info("worker stopping, awaiting in-flight executions", "timeout", p.cfg.ShutdownTimeout)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker shut down cleanly")
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("worker shutdown budget exceeded, cancelling in-flight executions")
		p.execCancel()
		<-done
	}
}

// tick implements §4.5 steps 1-3: claim up to free capacity, dispatch each.
func (p *Pool) tick(ctx context.Context) {
	free := len(p.slots)
	if free <= 0 {
		return
	}
	batch := p.cfg.ClaimBatchSize
	if free < batch {
		batch = free
	}

	claimed, err := p.executions.ClaimBatch(ctx, batch)
	if err != nil {
		p.logger.Warn("worker claim batch failed", "error", err)
		return
	}

	for _, exec := range claimed {
		select {
		case <-p.slots:
		default:
			// Should not happen: claimed <= free, but guard against a race
			// with a concurrent tick rather than block the supervisor.
			p.logger.Warn("worker claimed execution with no free slot, requeuing", "execution_id", exec.ID)
			if err := p.executions.Requeue(ctx, exec.ID); err != nil {
				p.logger.Error("worker requeue after slot miss failed", "execution_id", exec.ID, "error", err)
			}
			continue
		}

		p.wg.Add(1)
		go func(e *domain.Execution) {
			defer p.wg.Done()
			defer func() { p.slots <- struct{}{} }()
			p.execute(e)
		}(exec)
	}
}

// execute drives one claimed execution to a terminal status (§4.5
// "Execution of one claimed row"). It deliberately does not take the Run
// loop's ctx: a unit still in flight when the shutdown signal fires must
// keep recording its outcome against the database, bounded only by its own
// handler deadline (parented on p.execCtx, forced closed once the shutdown
// budget expires).
func (p *Pool) execute(exec *domain.Execution) {
	ctx := context.Background()
	log := p.logger.With("execution_id", exec.ID, "handler_name", exec.HandlerName)

	factory, ok := p.handlers.Lookup(exec.HandlerName)
	if !ok {
		log.Error("worker handler not found")
		p.failTerminal(ctx, exec, "handler not found")
		return
	}

	timeout, maxRetry := p.retryPolicy(ctx, exec)

	execCtx, cancel := context.WithTimeout(p.execCtx, timeout)
	defer cancel()

	metrics.ExecutionsInFlight.Inc()
	defer metrics.ExecutionsInFlight.Dec()
	started := time.Now()

	resultCh := make(chan handlerOutcome, 1)
	go func() {
		handler := factory()
		result, err := handler.Execute(execCtx, exec.Params)
		resultCh <- handlerOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-resultCh:
		if outcome.err != nil && execCtx.Err() != nil {
			// The handler returned its own context error after the deadline
			// expired (or the shutdown budget cancelled it): still a timeout.
			log.Warn("worker handler timed out", "timeout", timeout)
			metrics.HandlerExecutionDuration.WithLabelValues(exec.HandlerName, "timeout").Observe(time.Since(started).Seconds())
			p.failWithRetry(ctx, exec, domain.StatusTimeout, "Execution timed out", maxRetry)
			return
		}
		if outcome.err != nil {
			log.Warn("worker handler failed", "error", outcome.err)
			metrics.HandlerExecutionDuration.WithLabelValues(exec.HandlerName, "failed").Observe(time.Since(started).Seconds())
			p.failWithRetry(ctx, exec, domain.StatusFailed, outcome.err.Error(), maxRetry)
			return
		}
		metrics.HandlerExecutionDuration.WithLabelValues(exec.HandlerName, "success").Observe(time.Since(started).Seconds())
		if err := p.executions.MarkSuccess(ctx, exec.ID, outcome.result); err != nil {
			log.Error("worker mark success failed", "error", err)
		}
	case <-execCtx.Done():
		log.Warn("worker handler timed out", "timeout", timeout)
		metrics.HandlerExecutionDuration.WithLabelValues(exec.HandlerName, "timeout").Observe(time.Since(started).Seconds())
		p.failWithRetry(ctx, exec, domain.StatusTimeout, "Execution timed out", maxRetry)
	}
}

type handlerOutcome struct {
	result json.RawMessage
	err    error
}

// retryPolicy resolves the per-execution deadline and retry budget from the
// owning cron_job, falling back to pool-level defaults for executions with
// no job_id (pure event executions, §3).
func (p *Pool) retryPolicy(ctx context.Context, exec *domain.Execution) (time.Duration, int) {
	if exec.JobID == nil {
		return p.cfg.DefaultTimeout, 0
	}
	job, err := p.jobs.GetByID(ctx, *exec.JobID)
	if err != nil {
		p.logger.Warn("worker load owning cron_job failed, using defaults", "job_id", *exec.JobID, "error", err)
		return p.cfg.DefaultTimeout, 0
	}
	return time.Duration(job.TimeoutSeconds) * time.Second, job.MaxRetry
}

// failWithRetry implements §4.5 steps 5-7: record the terminal-for-this-
// attempt status, then requeue to PENDING if the budget allows.
func (p *Pool) failWithRetry(ctx context.Context, exec *domain.Execution, status domain.Status, errMsg string, maxRetry int) {
	retryCount, err := p.executions.MarkFailure(ctx, exec.ID, status, errMsg)
	if err != nil {
		p.logger.Error("worker mark failure failed", "execution_id", exec.ID, "error", err)
		return
	}
	if retryCount <= maxRetry {
		if err := p.executions.Requeue(ctx, exec.ID); err != nil {
			p.logger.Error("worker requeue after failure failed", "execution_id", exec.ID, "error", err)
		}
		return
	}
	metrics.RetryExhaustedTotal.WithLabelValues(exec.HandlerName).Inc()
}

// failTerminal is the HandlerNotFound path (§4.5 step 1, §9 open
// questions): retry_count is still incremented once via MarkFailure, but
// the requeue step is unconditionally skipped because the cause is
// non-transient.
func (p *Pool) failTerminal(ctx context.Context, exec *domain.Execution, errMsg string) {
	if _, err := p.executions.MarkFailure(ctx, exec.ID, domain.StatusFailed, errMsg); err != nil {
		p.logger.Error("worker mark failure failed", "execution_id", exec.ID, "error", err)
	}
}
