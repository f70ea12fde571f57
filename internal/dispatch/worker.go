package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/meetsmatch/dispatcher/internal/telemetry"
)

// Adaptive polling bounds, per channel worker pool.
const (
	minPollInterval = 50 * time.Millisecond
	maxPollInterval = 2 * time.Second
	pollBackoffRate = 1.5
)

// WorkerConfig configures one channel's dispatch worker pool.
type WorkerConfig struct {
	Channel             Channel
	Concurrency         int
	BatchSize           int
	VisibilityTimeout   time.Duration // default 30s, per §4.2
	DelayedPollInterval time.Duration
	WorkerPrefix        string
}

// DefaultWorkerConfig returns sane defaults for a channel's worker pool.
func DefaultWorkerConfig(channel Channel) WorkerConfig {
	return WorkerConfig{
		Channel:             channel,
		Concurrency:         8,
		BatchSize:           50,
		VisibilityTimeout:   30 * time.Second,
		DelayedPollInterval: time.Second,
		WorkerPrefix:        string(channel),
	}
}

// Worker drains one channel's durable queue and drives each notification
// through Service.Process, per §5's cooperative-concurrency scheduling
// model: every suspension point (queue receive, vendor call, persistence,
// ack) carries a deadline, never an unbounded wait.
type Worker struct {
	service *Service
	queue   Queue
	config  WorkerConfig

	workerID     string
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	isRunning    bool
	pollInterval time.Duration
}

// NewWorker constructs a Worker for one channel.
func NewWorker(service *Service, queue Queue, config WorkerConfig) *Worker {
	return &Worker{
		service:      service,
		queue:        queue,
		config:       config,
		workerID:     fmt.Sprintf("%s-%s", config.WorkerPrefix, uuid.New().String()[:8]),
		stopCh:       make(chan struct{}),
		pollInterval: minPollInterval,
	}
}

// Start begins draining the channel's queue. Blocking; run in a goroutine.
// Honors a coarse shutdown signal: in-flight tasks finish up to their
// deadline, then Start returns; unacked messages are redelivered once their
// visibility timeout expires (§5 cancellation & timeouts).
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return fmt.Errorf("dispatch: worker %s already running", w.workerID)
	}
	w.isRunning = true
	w.mu.Unlock()

	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"worker_id": w.workerID, "channel": w.config.Channel,
	})
	logger.Info("starting dispatch worker")

	notificationCh := make(chan uuid.UUID, w.config.BatchSize*2)

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, notificationCh, i)
	}

	w.wg.Add(1)
	go w.backgroundLoop(ctx)

	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			close(notificationCh)
			w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			close(notificationCh)
			return nil
		case <-timer.C:
			ids, err := w.queue.Dequeue(ctx, w.config.Channel, w.config.BatchSize, w.config.VisibilityTimeout)
			if err != nil {
				logger.Errorf("dequeue error: %v", err)
				w.adaptPollInterval(false)
				timer.Reset(w.pollInterval)
				continue
			}

			w.adaptPollInterval(len(ids) > 0)

			for _, id := range ids {
				select {
				case notificationCh <- id:
				case <-w.stopCh:
					close(notificationCh)
					return nil
				}
			}
			timer.Reset(w.pollInterval)
		}
	}
}

// adaptPollInterval speeds up polling while the queue has work and slows it
// down towards maxPollInterval while idle.
func (w *Worker) adaptPollInterval(hasWork bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if hasWork {
		w.pollInterval = minPollInterval
		return
	}
	next := time.Duration(float64(w.pollInterval) * pollBackoffRate)
	if next > maxPollInterval {
		next = maxPollInterval
	}
	w.pollInterval = next
}

// processLoop drives one concurrent processor over the dequeued channel.
func (w *Worker) processLoop(ctx context.Context, ch <-chan uuid.UUID, workerNum int) {
	defer w.wg.Done()
	processorID := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for id := range ch {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		taskCtx, cancel := context.WithTimeout(ctx, MaxE2ELatency)
		err := w.service.Process(taskCtx, w.config.Channel, id, processorID)
		cancel()

		if errors.Is(err, ErrReleaseForRetry) {
			// Left in the processing set on purpose; do not ack.
			continue
		}
		if err != nil {
			telemetry.GetContextualLogger(ctx).WithField("notification_id", id.String()).Errorf("processing error: %v", err)
			w.captureWorkerError(err, id, processorID)
			continue
		}
		if err := w.queue.Ack(ctx, w.config.Channel, id); err != nil {
			telemetry.GetContextualLogger(ctx).WithField("notification_id", id.String()).Errorf("ack error: %v", err)
		}
	}
}

// backgroundLoop runs the periodic promote-delayed, reclaim-expired, and
// DLQ-health tasks alongside the main dequeue loop.
func (w *Worker) backgroundLoop(ctx context.Context) {
	defer w.wg.Done()

	promoteTicker := time.NewTicker(w.config.DelayedPollInterval)
	defer promoteTicker.Stop()
	reclaimTicker := time.NewTicker(w.config.VisibilityTimeout)
	defer reclaimTicker.Stop()
	dlqHealthTicker := time.NewTicker(5 * time.Minute)
	defer dlqHealthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-promoteTicker.C:
			promoted, err := w.queue.PromoteDelayed(ctx, w.config.Channel, time.Now())
			if err != nil {
				w.capturePromoteError(err)
				continue
			}
			if promoted > 0 {
				telemetry.GetContextualLogger(ctx).Infof("promoted %d delayed notifications", promoted)
			}
		case <-reclaimTicker.C:
			reclaimed, err := w.queue.ReclaimExpired(ctx, w.config.Channel, time.Now())
			if err != nil {
				telemetry.GetContextualLogger(ctx).Errorf("reclaim expired error: %v", err)
				continue
			}
			if reclaimed > 0 {
				telemetry.GetContextualLogger(ctx).Infof("reclaimed %d expired in-flight notifications", reclaimed)
			}
		case <-dlqHealthTicker.C:
			if err := w.service.CheckDLQHealth(ctx); err != nil {
				telemetry.GetContextualLogger(ctx).Errorf("dlq health check error: %v", err)
			}
		}
	}
}

// Stop signals all goroutines to finish their current task and exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isRunning {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
	w.isRunning = false
}

// IsRunning reports whether the worker pool is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isRunning
}

func (w *Worker) captureWorkerError(err error, notificationID uuid.UUID, processorID string) {
	if err == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()
	scope.SetTag("service", "dispatch_worker")
	scope.SetTag("processor_id", processorID)
	scope.SetTag("channel", string(w.config.Channel))
	scope.SetExtra("notification_id", notificationID.String())
	hub.CaptureException(err)
}

func (w *Worker) capturePromoteError(err error) {
	if err == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()
	scope.SetTag("service", "dispatch_worker")
	scope.SetTag("channel", string(w.config.Channel))
	scope.SetTag("operation", "promote_delayed")
	hub.CaptureException(err)
}
