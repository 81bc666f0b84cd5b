// Package httpapi is the admin HTTP surface (§4.6): boundary-only CRUD over
// cron_jobs and read/retry access to job_executions, grounded in the
// teacher's internal/transport/http package.
package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/distjob/scheduler/internal/httpapi/handler"
	"github.com/distjob/scheduler/internal/httpapi/middleware"
)

// NewRouter wires the admin handlers behind request-id, metrics, and JWT
// auth middleware. Every route requires a valid Bearer token; the admin
// surface is operator tooling, not an end-user API (§4.6 Non-goals).
func NewRouter(cronJobs *handler.CronJobHandler, executions *handler.ExecutionHandler, jwtKey []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Metrics())

	admin := r.Group("/", middleware.Auth(jwtKey))

	jobs := admin.Group("/cron-jobs")
	jobs.POST("", cronJobs.Create)
	jobs.GET("", cronJobs.List)
	jobs.GET("/:id", cronJobs.GetByID)
	jobs.PUT("/:id", cronJobs.Update)
	jobs.DELETE("/:id", cronJobs.Delete)
	jobs.POST("/:id/enable", cronJobs.Enable)
	jobs.POST("/:id/disable", cronJobs.Disable)
	jobs.GET("/:id/executions", executions.ListByJobID)

	execs := admin.Group("/executions")
	execs.GET("/:id", executions.GetByID)
	execs.POST("/:id/retry", executions.Retry)

	return r
}
