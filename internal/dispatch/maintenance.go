package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meetsmatch/dispatcher/internal/telemetry"
)

// TypeCleanupExpired identifies the periodic notification-retention sweep
// task, scheduled by MaintenanceScheduler and processed by MaintenanceWorker.
const TypeCleanupExpired = "dispatch:cleanup_expired"

// MaintenanceScheduler registers the dispatcher's cron-driven background
// jobs with asynq, the same way the teacher's jobs.Scheduler registers the
// re-engagement and DLQ-processor jobs.
type MaintenanceScheduler struct {
	scheduler *asynq.Scheduler
}

// NewMaintenanceScheduler builds a scheduler that enqueues a
// TypeCleanupExpired task on cleanupCron (standard 5-field cron syntax).
func NewMaintenanceScheduler(redisURL, cleanupCron string) (*MaintenanceScheduler, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("dispatch: parse redis uri for scheduler: %w", err)
	}

	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register(cleanupCron, asynq.NewTask(TypeCleanupExpired, nil)); err != nil {
		return nil, fmt.Errorf("dispatch: register cleanup job: %w", err)
	}

	return &MaintenanceScheduler{scheduler: scheduler}, nil
}

// Run starts the scheduler. Blocks until Shutdown is called or the process
// receives an error from asynq's internal cron loop.
func (s *MaintenanceScheduler) Run() error {
	return s.scheduler.Run()
}

// Shutdown stops the scheduler.
func (s *MaintenanceScheduler) Shutdown() {
	s.scheduler.Shutdown()
}

// MaintenanceWorker processes the tasks MaintenanceScheduler enqueues. It is
// deliberately separate from the per-channel dispatch.Worker pools: this is
// low-frequency administrative work, not the hot delivery path.
type MaintenanceWorker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	repo      Repository
	retention time.Duration
}

// NewMaintenanceWorker builds a MaintenanceWorker bound to repo, deleting
// notifications older than retention on every TypeCleanupExpired task.
func NewMaintenanceWorker(redisURL string, repo Repository, retention time.Duration) (*MaintenanceWorker, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("dispatch: parse redis uri for maintenance worker: %w", err)
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{"default": 1},
	})

	w := &MaintenanceWorker{
		server:    server,
		mux:       asynq.NewServeMux(),
		repo:      repo,
		retention: retention,
	}
	w.mux.HandleFunc(TypeCleanupExpired, w.handleCleanupExpired)
	return w, nil
}

func (w *MaintenanceWorker) handleCleanupExpired(ctx context.Context, _ *asynq.Task) error {
	deleted, err := w.repo.CleanupExpired(ctx, w.retention)
	if err != nil {
		return fmt.Errorf("dispatch: cleanup expired notifications: %w", err)
	}
	if deleted > 0 {
		telemetry.GetContextualLogger(ctx).Infof("cleanup swept %d expired notifications", deleted)
	}
	return nil
}

// Run starts the asynq task server. Blocks until Shutdown is called.
func (w *MaintenanceWorker) Run() error {
	return w.server.Run(w.mux)
}

// Shutdown gracefully stops the task server.
func (w *MaintenanceWorker) Shutdown() {
	w.server.Shutdown()
}
