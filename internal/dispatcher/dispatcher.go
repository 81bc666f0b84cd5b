// Package dispatcher implements the Cron Dispatcher (§4.3 of the spec): it
// polls cron_jobs, advances each job's schedule cursor with a cron
// expression evaluator, and inserts due job_executions rows idempotently.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/distjob/scheduler/internal/cronexpr"
	"github.com/distjob/scheduler/internal/domain"
	"github.com/distjob/scheduler/internal/metrics"
	"github.com/distjob/scheduler/internal/store"
)

// Config is the dispatcher configuration document (§6).
type Config struct {
	PollInterval       time.Duration
	MaxSleep           time.Duration
	MinCronInterval    time.Duration
}

const (
	defaultPollInterval    = 60 * time.Second
	defaultMaxSleep        = 300 * time.Second
	defaultMinCronInterval = 60 * time.Second

	// minIntervalSamples bounds how many firings cronexpr.MinInterval
	// samples when estimating a schedule's tightest gap.
	minIntervalSamples = 64
)

// Dispatcher is the Cron Dispatcher loop.
type Dispatcher struct {
	jobs       store.CronJobRepository
	executions store.ExecutionRepository
	clock      store.Clock
	logger     *slog.Logger
	cfg        Config
}

func New(jobs store.CronJobRepository, executions store.ExecutionRepository, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = defaultMaxSleep
	}
	if cfg.MinCronInterval <= 0 {
		cfg.MinCronInterval = defaultMinCronInterval
	}
	return &Dispatcher{
		jobs:       jobs,
		executions: executions,
		clock:      store.RealClock,
		logger:     logger.With("component", "dispatcher"),
		cfg:        cfg,
	}
}

// Run drives the dispatcher loop until ctx is cancelled. On shutdown the
// in-flight tick finishes its inserts before Run returns (§4.3 Shutdown).
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "poll_interval", d.cfg.PollInterval)

	for {
		sleep := d.tick(ctx)
		if ctx.Err() != nil {
			d.logger.Info("dispatcher shut down")
			return
		}
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher shut down")
			return
		case <-time.After(sleep):
		}
	}
}

// tick runs exactly one dispatcher cycle and returns how long to sleep
// before the next one, capped at cfg.MaxSleep.
func (d *Dispatcher) tick(ctx context.Context) time.Duration {
	metrics.DispatcherTicksTotal.Inc()

	jobs, err := d.jobs.ListEnabled(ctx)
	if err != nil {
		d.logger.Warn("dispatcher list enabled jobs failed, backing off", "error", err)
		return d.cfg.MaxSleep
	}

	nextSleep := d.cfg.MaxSleep
	now := d.clock()

	for _, job := range jobs {
		if ctx.Err() != nil {
			return 0
		}
		next, ok := d.dispatchJob(ctx, job, now)
		if !ok {
			continue
		}
		if gap := next.Sub(now); gap > 0 && gap < nextSleep {
			nextSleep = gap
		}
	}

	if nextSleep < 0 {
		nextSleep = 0
	}
	if nextSleep > d.cfg.MaxSleep {
		nextSleep = d.cfg.MaxSleep
	}
	return nextSleep
}

// dispatchJob advances one job's schedule cursor, inserting every due
// instant (§4.3 step 4), and returns the first instant after now so the
// caller can fold it into the tick's sleep budget.
func (d *Dispatcher) dispatchJob(ctx context.Context, job *domain.CronJob, now time.Time) (time.Time, bool) {
	log := d.logger.With("job_id", job.ID, "job_name", job.Name)

	sched, err := cronexpr.Parse(job.CronExpr)
	if err != nil {
		log.Error("dispatcher cron parse failed, skipping", "cron_expr", job.CronExpr, "error", err)
		metrics.DispatcherSkippedTotal.WithLabelValues("cron_parse_error").Inc()
		return time.Time{}, false
	}

	if min := sched.MinInterval(minIntervalSamples); min < d.cfg.MinCronInterval {
		log.Warn("dispatcher cron interval too short, skipping", "cron_expr", job.CronExpr, "min_interval", min)
		metrics.DispatcherSkippedTotal.WithLabelValues("cron_interval_too_short").Inc()
		return time.Time{}, false
	}

	cursor, hasPrior, err := d.executions.MaxScheduledTime(ctx, job.ID)
	if err != nil {
		log.Error("dispatcher load schedule cursor failed", "error", err)
		return time.Time{}, false
	}
	if !hasPrior {
		cursor = epochFloor
	}

	next := sched.Next(cursor)

	for !next.After(now) {
		if !job.AllowOverlap {
			active, err := d.executions.HasActive(ctx, job.ID)
			if err != nil {
				log.Error("dispatcher overlap check failed", "error", err)
				return time.Time{}, false
			}
			if active {
				break
			}
		}

		_, inserted, err := d.executions.InsertCronIfAbsent(ctx, job.ID, job.HandlerName, next, job.HandlerParams)
		if err != nil {
			log.Error("dispatcher insert execution failed", "scheduled_time", next, "error", err)
			return time.Time{}, false
		}
		if inserted {
			log.Info("dispatcher fired job", "scheduled_time", next)
			metrics.DispatcherFiredTotal.Inc()
		}

		next = sched.Next(next)
	}

	return next, true
}

// epochFloor is the fallback cursor seed for a job with no prior
// cron-provenance execution rows (§4.3 step 3).
var epochFloor = time.Unix(0, 0).UTC()
