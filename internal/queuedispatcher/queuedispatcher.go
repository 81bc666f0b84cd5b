// Package queuedispatcher implements the Queue Dispatcher (§4.4 of the
// spec): it consumes envelopes from a queue.Adapter, resolves the
// referenced handler's base parameters, merges them with the message's own
// parameters, and inserts an event-provenance job_executions row.
package queuedispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/distjob/scheduler/internal/domain"
	"github.com/distjob/scheduler/internal/metrics"
	"github.com/distjob/scheduler/internal/queue"
	"github.com/distjob/scheduler/internal/store"
)

// Dispatcher drains a queue.Adapter and inserts job_executions rows.
type Dispatcher struct {
	adapter    queue.Adapter
	jobs       store.CronJobRepository
	executions store.ExecutionRepository
	logger     *slog.Logger
}

func New(adapter queue.Adapter, jobs store.CronJobRepository, executions store.ExecutionRepository, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		adapter:    adapter,
		jobs:       jobs,
		executions: executions,
		logger:     logger.With("component", "queue_dispatcher"),
	}
}

// Run connects the adapter and processes messages until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("queuedispatcher: connect: %w", err)
	}
	defer d.adapter.Disconnect(context.Background())

	d.logger.Info("queue dispatcher started")

	for {
		if ctx.Err() != nil {
			d.logger.Info("queue dispatcher shut down")
			return nil
		}

		msg, err := d.adapter.Receive(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				d.logger.Info("queue dispatcher shut down")
				return nil
			}
			d.logger.Error("queue dispatcher receive failed", "error", err)
			if msg != nil {
				_ = d.adapter.Abandon(ctx, msg)
				metrics.QueueAbandonedTotal.WithLabelValues("receive_error").Inc()
			}
			continue
		}

		if err := d.process(ctx, msg); err != nil {
			d.logger.Error("queue dispatcher process failed, abandoning", "error", err)
			if abErr := d.adapter.Abandon(ctx, msg); abErr != nil {
				d.logger.Error("queue dispatcher abandon failed", "error", abErr)
			}
			metrics.QueueAbandonedTotal.WithLabelValues("process_error").Inc()
			continue
		}

		if err := d.adapter.Complete(ctx, msg); err != nil {
			d.logger.Error("queue dispatcher complete failed", "error", err)
			continue
		}
		metrics.QueueAckedTotal.Inc()
	}
}

// process implements the per-message contract in §4.4 steps 1-4.
func (d *Dispatcher) process(ctx context.Context, msg *queue.Message) error {
	env := msg.Envelope
	if env.HandlerName == "" {
		return fmt.Errorf("queuedispatcher: handler_name must not be empty")
	}

	base, err := d.resolveBaseParams(ctx, env)
	if err != nil {
		return err
	}

	merged, err := mergeParams(base, env.Params)
	if err != nil {
		return fmt.Errorf("queuedispatcher: merge params: %w", err)
	}

	_, err = d.executions.InsertEvent(ctx, env.JobID, env.HandlerName, merged)
	if err != nil {
		return fmt.Errorf("queuedispatcher: insert execution: %w", err)
	}
	return nil
}

// resolveBaseParams implements §4.4 step 2: prefer an enabled job_id
// reference, otherwise fall back to the first cron_job matching
// handler_name, and tolerate neither existing (empty base object).
func (d *Dispatcher) resolveBaseParams(ctx context.Context, env queue.Envelope) (json.RawMessage, error) {
	if env.JobID != nil {
		job, err := d.jobs.GetByID(ctx, *env.JobID)
		if err != nil && !errors.Is(err, domain.ErrCronJobNotFound) {
			return nil, err
		}
		if err == nil && job.IsEnabled {
			return job.HandlerParams, nil
		}
		// A missing or disabled job reference falls through to the
		// handler_name lookup below.
	}

	job, err := d.jobs.GetByHandlerName(ctx, env.HandlerName)
	if err != nil {
		if errors.Is(err, domain.ErrCronJobNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return job.HandlerParams, nil
}

// mergeParams is the shallow key-wise union from §4.4 step 3 and the
// "queue dispatcher merge" open question: message keys win on conflict, no
// deep merge.
func mergeParams(base, override json.RawMessage) (json.RawMessage, error) {
	result := map[string]json.RawMessage{}

	if len(base) > 0 {
		if err := json.Unmarshal(base, &result); err != nil {
			return nil, fmt.Errorf("base params: %w", err)
		}
	}
	if len(override) > 0 {
		var overrideMap map[string]json.RawMessage
		if err := json.Unmarshal(override, &overrideMap); err != nil {
			return nil, fmt.Errorf("message params: %w", err)
		}
		for k, v := range overrideMap {
			result[k] = v
		}
	}

	return json.Marshal(result)
}
