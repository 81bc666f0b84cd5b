// Command scheduler is the single entry point for every long-running
// component of the job scheduler (§6 CLI). Subcommand tokens select one
// component; with none, the dispatcher, worker, and queue dispatcher run
// together in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/distjob/scheduler/config"
	"github.com/distjob/scheduler/internal/dbreg"
	"github.com/distjob/scheduler/internal/dispatcher"
	"github.com/distjob/scheduler/internal/handlers"
	"github.com/distjob/scheduler/internal/handlerregistry"
	"github.com/distjob/scheduler/internal/health"
	"github.com/distjob/scheduler/internal/httpapi"
	"github.com/distjob/scheduler/internal/httpapi/handler"
	ctxlog "github.com/distjob/scheduler/internal/log"
	"github.com/distjob/scheduler/internal/metrics"
	"github.com/distjob/scheduler/internal/queue"
	"github.com/distjob/scheduler/internal/queuedispatcher"
	"github.com/distjob/scheduler/internal/retention"
	"github.com/distjob/scheduler/internal/store/sql"
	"github.com/distjob/scheduler/internal/workerpool"
)

var (
	databaseConfigPath       string
	dispatcherConfigPath     string
	workerConfigPath         string
	queueDispatcherConfigPath string
	adminConfigPath          string
)

func main() {
	root := &cobra.Command{
		Use:   "scheduler",
		Short: "Distributed cron and event job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAll(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&databaseConfigPath, "database-config", "config/database.yaml", "path to the database configuration document")
	root.PersistentFlags().StringVar(&dispatcherConfigPath, "dispatcher-config", "config/dispatcher.yaml", "path to the dispatcher configuration document")
	root.PersistentFlags().StringVar(&workerConfigPath, "worker-config", "config/worker.yaml", "path to the worker configuration document")
	root.PersistentFlags().StringVar(&queueDispatcherConfigPath, "queue-dispatcher-config", "config/queue_dispatcher.yaml", "path to the queue_dispatcher configuration document")
	root.PersistentFlags().StringVar(&adminConfigPath, "admin-config", "config/admin.yaml", "path to the admin surface configuration document")

	root.AddCommand(
		&cobra.Command{
			Use:   "dispatcher",
			Short: "Run only the cron dispatcher",
			RunE:  func(cmd *cobra.Command, args []string) error { return runDispatcher(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run only the worker pool",
			RunE:  func(cmd *cobra.Command, args []string) error { return runWorker(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "queue_dispatcher",
			Short: "Run only the queue dispatcher",
			RunE:  func(cmd *cobra.Command, args []string) error { return runQueueDispatcher(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "admin",
			Short: "Run only the admin HTTP surface",
			RunE:  func(cmd *cobra.Command, args []string) error { return runAdmin(cmd.Context()) },
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
}

func newLogger(level slog.Level) *slog.Logger {
	var inner slog.Handler
	if os.Getenv("ENV") == "local" || os.Getenv("ENV") == "" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}

// openRegistry loads the database document and opens every pool it names.
func openRegistry() (*dbreg.Registry, error) {
	dbCfg, err := config.LoadDatabase(databaseConfigPath)
	if err != nil {
		return nil, fmt.Errorf("database config: %w", err)
	}
	registry, err := dbCfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("open database registry: %w", err)
	}
	return registry, nil
}

// newHandlerRegistry enumerates the known handler factories at startup
// (§9 Design Notes: "an explicit registry value built by enumerating a
// known set of handler factories").
func newHandlerRegistry() *handlerregistry.Registry {
	reg := handlerregistry.New()
	reg.MustRegister("echo", handlers.EchoFactory)
	reg.MustRegister("http_request", handlers.HTTPRequestFactory)
	return reg
}

func runDispatcher(ctx context.Context) error {
	logger := newLogger(slog.LevelInfo)
	cfg, err := config.LoadDispatcher(dispatcherConfigPath)
	if err != nil {
		return err
	}
	registry, err := openRegistry()
	if err != nil {
		return err
	}
	defer registry.Close()

	pool, err := registry.Get(cfg.Database)
	if err != nil {
		return err
	}

	jobs := sql.NewCronJobRepository(pool)
	executions := sql.NewExecutionRepository(pool)

	metrics.Register()

	d := dispatcher.New(jobs, executions, logger, dispatcher.Config{
		PollInterval:    time.Duration(cfg.PollIntervalSeconds) * time.Second,
		MaxSleep:        time.Duration(cfg.MaxSleepSeconds) * time.Second,
		MinCronInterval: time.Duration(cfg.MinCronIntervalSeconds) * time.Second,
	})
	d.Run(ctx)
	logger.Info("dispatcher exited")
	return nil
}

func runWorker(ctx context.Context) error {
	logger := newLogger(slog.LevelInfo)
	cfg, err := config.LoadWorker(workerConfigPath)
	if err != nil {
		return err
	}
	registry, err := openRegistry()
	if err != nil {
		return err
	}
	defer registry.Close()

	pool, err := registry.Get(cfg.Database)
	if err != nil {
		return err
	}

	jobs := sql.NewCronJobRepository(pool)
	executions := sql.NewExecutionRepository(pool)
	handlerReg := newHandlerRegistry()

	metrics.Register()

	p := workerpool.New(executions, jobs, handlerReg, logger, workerpool.Config{
		PoolSize:        cfg.PoolSize,
		PollInterval:    time.Duration(cfg.PollIntervalSeconds) * time.Second,
		ClaimBatchSize:  cfg.ClaimBatchSize,
		ShutdownTimeout: time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second,
	})

	sweeper := retention.New(executions, logger, retention.Config{
		Interval:  time.Duration(cfg.RetentionIntervalSeconds) * time.Second,
		MaxAge:    time.Duration(cfg.RetentionMaxAgeDays) * 24 * time.Hour,
		BatchSize: cfg.RetentionBatchSize,
	})
	go sweeper.Run(ctx)

	p.Run(ctx)
	logger.Info("worker exited")
	return nil
}

func runQueueDispatcher(ctx context.Context) error {
	logger := newLogger(slog.LevelInfo)
	cfg, err := config.LoadQueueDispatcher(queueDispatcherConfigPath)
	if err != nil {
		return err
	}
	registry, err := openRegistry()
	if err != nil {
		return err
	}
	defer registry.Close()

	pool, err := registry.Get(cfg.Database)
	if err != nil {
		return err
	}

	jobs := sql.NewCronJobRepository(pool)
	executions := sql.NewExecutionRepository(pool)

	adapter := queue.NewKafkaAdapter(queue.KafkaConfig{
		BootstrapServers: cfg.BootstrapServers,
		GroupID:          cfg.GroupID,
		Topic:            cfg.Topic,
		AutoOffsetReset:  cfg.AutoOffsetReset,
		MaxPollRecords:   cfg.MaxPollRecords,
	})

	metrics.Register()

	qd := queuedispatcher.New(adapter, jobs, executions, logger)
	return qd.Run(ctx)
}

func runAdmin(ctx context.Context) error {
	cfg, err := config.LoadAdmin(adminConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.SlogLevel())

	registry, err := openRegistry()
	if err != nil {
		return err
	}
	defer registry.Close()

	pool, err := registry.Get(cfg.Database)
	if err != nil {
		return err
	}

	jobs := sql.NewCronJobRepository(pool)
	executions := sql.NewExecutionRepository(pool)

	cronJobHandler := handler.NewCronJobHandler(jobs, logger)
	executionHandler := handler.NewExecutionHandler(executions, logger)

	metrics.Register()
	checker := health.NewChecker(registry, logger, prometheus.DefaultRegisterer)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.NewRouter(cronJobHandler, executionHandler, []byte(cfg.JWTSecret)),
	}
	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("admin surface started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin surface", "error", err)
		}
	}()
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("admin surface shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin surface shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	return nil
}

// runAll runs the dispatcher, worker, and queue dispatcher together in one
// process — the "none means all three of the first kind" default (§6 CLI).
func runAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, 3)

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("dispatcher", runDispatcher)
	run("worker", runWorker)
	run("queue_dispatcher", runQueueDispatcher)

	wg.Wait()
	close(errs)

	var combined error
	for err := range errs {
		combined = errors.Join(combined, err)
	}
	return combined
}
