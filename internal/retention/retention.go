// Package retention runs the background sweep that deletes terminal
// job_executions rows past a configurable age — the Lifecycle paragraph in
// §3 of the spec ("deleted only by operator action or retention sweep").
// Grounded in the teacher's Reaper: same ticker-driven "scan for rows
// matching a time cutoff, act in bounded batches" loop shape, repurposed
// from stale-heartbeat recovery to retention.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/distjob/scheduler/internal/metrics"
	"github.com/distjob/scheduler/internal/store"
)

// Config controls the sweep's cadence, age cutoff, and batch size.
type Config struct {
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

const (
	defaultInterval  = 10 * time.Minute
	defaultMaxAge    = 30 * 24 * time.Hour
	defaultBatchSize = 500
)

// Sweeper periodically deletes old terminal job_executions rows.
type Sweeper struct {
	executions store.ExecutionRepository
	logger     *slog.Logger
	cfg        Config
}

func New(executions store.ExecutionRepository, logger *slog.Logger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Sweeper{
		executions: executions,
		logger:     logger.With("component", "retention"),
		cfg:        cfg,
	}
}

// Run drives the sweep loop until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("retention sweep started", "interval", s.cfg.Interval, "max_age", s.cfg.MaxAge)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweep shut down")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.MaxAge)

	for {
		n, err := s.executions.DeleteTerminalOlderThan(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("retention sweep delete failed", "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("retention sweep deleted rows", "count", n)
			metrics.RetentionDeletedTotal.Add(float64(n))
		}
		if n < s.cfg.BatchSize {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
