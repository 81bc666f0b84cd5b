package handler

const (
	errInternalServer        = "Internal server error"
	errCronJobNotFound        = "Cron job not found"
	errCronJobNameConflict    = "Cron job with this name already exists"
	errInvalidCronExpr        = "Invalid cron expression"
	errExecutionNotFound      = "Job execution not found"
	errExecutionNotRetryable  = "Job execution is not in a retryable state"
)
