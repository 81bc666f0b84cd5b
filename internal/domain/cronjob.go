package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrCronJobNotFound     = errors.New("cron job not found")
	ErrCronJobNameConflict = errors.New("cron job with this name already exists")
	ErrInvalidCronExpr     = errors.New("invalid cron expression")
)

// CronJob is a named schedule plus handler binding (cron_jobs, §3 of the spec).
type CronJob struct {
	ID              int64
	Name            string
	CronExpr        string
	HandlerName     string
	HandlerParams   json.RawMessage
	IsEnabled       bool
	AllowOverlap    bool
	MaxRetry        int
	TimeoutSeconds  int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
