package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	apperrors "github.com/meetsmatch/dispatcher/internal/errors"
	"github.com/meetsmatch/dispatcher/internal/telemetry"
)

// ErrReleaseForRetry is returned by Process when a notification is pulled
// back off the pipeline without a terminal or retry-scheduled outcome (the
// rate-limit gate, currently the only such case). It must not be ack'd: the
// message stays in the processing set and is redelivered once its
// visibility timeout elapses via ReclaimExpired (§4.2 step 2).
var ErrReleaseForRetry = errors.New("dispatch: released for retry, do not ack")

// RetryConfig controls the exponential backoff schedule for scheduling the
// next delivery attempt (§4.9).
type RetryConfig struct {
	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // default 5m
	JitterFrac float64       // default 0.10 (±10%)
}

// DefaultRetryConfig matches the spec's retry formula defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Minute, JitterFrac: 0.10}
}

// VendorTimeout is the per-send deadline budget from §4.2, honored via
// min(deadline_of_message, vendor_timeout).
const VendorTimeout = 5 * time.Second

// MaxE2ELatency is the absolute deadline budget for one notification's
// entire lifecycle (§5).
const MaxE2ELatency = 30 * time.Second

// Service orchestrates the dispatch pipeline described in §4.2: rate-limit
// gate, template render, vendor selection, circuit-breaker gate, vendor
// delivery, attempt recording, and status transition.
type Service struct {
	repo      Repository
	queue     Queue
	breaker   *Breaker
	limiter   *RateLimiter
	templates *TemplateService
	selector  *Selector
	vendors   map[Channel]map[string]VendorAdapter
	retry     RetryConfig
}

// NewService constructs a Service. vendors maps channel -> vendor id -> adapter.
func NewService(repo Repository, queue Queue, breaker *Breaker, limiter *RateLimiter,
	templates *TemplateService, selector *Selector, vendors map[Channel]map[string]VendorAdapter, retry RetryConfig) *Service {
	return &Service{
		repo: repo, queue: queue, breaker: breaker, limiter: limiter,
		templates: templates, selector: selector, vendors: vendors, retry: retry,
	}
}

// Submit validates and persists a new notification, then enqueues it for
// dispatch. This is the synchronous ingress operation (§4.1): it returns
// only {id} or a validation error, never a delivery outcome. Validation
// covers the channel and the recipient's per-channel format; the template
// is not looked up here, so a missing template surfaces at processing time.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Notification, error) {
	recipientFormats := map[Channel]*regexp.Regexp{
		ChannelEmail: regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`),
		ChannelSMS:   regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`),
		ChannelPush:  regexp.MustCompile(`^\S+$`),
	}
	format, ok := recipientFormats[req.Channel]
	if !ok {
		return nil, apperrors.NewInvalidPayloadError("channel", fmt.Sprintf("unknown channel %q", req.Channel))
	}
	if !format.MatchString(req.Recipient) {
		return nil, apperrors.NewInvalidPayloadError("recipient", fmt.Sprintf("recipient is not a valid %s address", req.Channel))
	}

	if err := s.limiter.Allow(ctx, OpNotification, req.TenantID); err != nil {
		return nil, err
	}

	n := &Notification{
		TenantID:         req.TenantID,
		Channel:          req.Channel,
		Priority:         req.Priority,
		Recipient:        req.Recipient,
		TemplateID:       req.TemplateID,
		Context:          req.Context,
		MaxAttempts:      3,
		VendorPreference: req.VendorPreference,
		BatchID:          req.BatchID,
		Metadata:         req.Metadata,
		IdempotencyKey:   req.IdempotencyKey,
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}

	if err := s.repo.Create(ctx, n); err != nil {
		if IsConflictError(err) && req.IdempotencyKey != nil {
			existing, getErr := s.repo.GetByIdempotencyKey(ctx, *req.IdempotencyKey)
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("dispatch: create notification: %w", err)
	}

	if err := s.queue.Enqueue(ctx, n.Channel, n.ID, n.Priority); err != nil {
		s.logError(ctx, "failed to enqueue notification", err, n.ID)
	} else if err := s.repo.MarkQueued(ctx, n.ID); err != nil {
		s.logError(ctx, "failed to mark notification queued", err, n.ID)
	}

	return n, nil
}

// excludedVendors reconstructs the set of vendors already attempted for a
// notification, so retries force vendor rotation per §4.9.
func (s *Service) excludedVendors(ctx context.Context, notificationID uuid.UUID) map[string]bool {
	attempts, err := s.repo.GetAttempts(ctx, notificationID)
	if err != nil {
		return nil
	}
	excluded := make(map[string]bool, len(attempts))
	for _, a := range attempts {
		if a.Status == AttemptFailed {
			excluded[a.Vendor] = true
		}
	}
	return excluded
}

// Process runs the full pipeline for one dequeued notification id, per
// §4.2: rate-limit gate -> render -> select vendor -> breaker gate ->
// deliver -> record attempt -> update status -> ack.
func (s *Service) Process(ctx context.Context, channel Channel, id uuid.UUID, workerID string) error {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("dispatch: load notification: %w", err)
	}
	if n.Status.IsTerminal() {
		return s.queue.Ack(ctx, channel, id)
	}

	deadline := n.Deadline(MaxE2ELatency)
	if time.Now().After(deadline) {
		return s.fail(ctx, channel, n, "template", apperrors.NewInternalError("deadline exceeded before processing", nil))
	}

	if err := s.repo.MarkProcessing(ctx, n.ID); err != nil {
		s.logError(ctx, "failed to mark processing", err, n.ID)
	}

	if err := s.limiter.Allow(ctx, OpNotification, n.TenantID); err != nil {
		// Rate-limited: leave the message in the processing set so
		// ReclaimExpired redelivers it once the visibility timeout elapses,
		// instead of acking it out of every queue.
		return ErrReleaseForRetry
	}

	tmpl, err := s.templates.Get(ctx, n.TemplateID)
	if err != nil {
		return s.fail(ctx, channel, n, "template", err)
	}
	content, err := s.templates.Render(ctx, tmpl, n.Context)
	if err != nil {
		return s.fail(ctx, channel, n, "template", err)
	}

	excluded := s.excludedVendors(ctx, n.ID)
	if n.VendorPreference != nil {
		// A caller-pinned vendor is tried first and, if it fails, is itself
		// excluded on the next Process call via excludedVendors above.
		if !excluded[*n.VendorPreference] {
			if result := s.deliver(ctx, n, *n.VendorPreference, content, deadline); result != nil {
				return s.handleAttemptResult(ctx, channel, n, result)
			}
		}
	}

	vendor, err := s.selector.Next(ctx, channel, n.TenantID, excluded)
	if err != nil {
		return s.fail(ctx, channel, n, "selector", apperrors.NewNoVendorAvailableError(string(channel)))
	}

	available, err := s.breaker.IsAvailable(ctx, n.TenantID, channel, vendor)
	if err != nil {
		s.logError(ctx, "breaker availability check failed", err, n.ID)
	} else if !available {
		return s.retryOrFail(ctx, channel, n, vendor, apperrors.NewVendorCircuitOpenError(vendor))
	}

	result := s.deliver(ctx, n, vendor, content, deadline)
	return s.handleAttemptResult(ctx, channel, n, result)
}

type attemptResult struct {
	vendor     string
	send       SendResult
	durationMs int64
}

// deliver invokes the vendor adapter with a deadline bounded by both the
// notification's own deadline and the per-vendor timeout budget (§4.2).
func (s *Service) deliver(ctx context.Context, n *Notification, vendor string, content TemplateChannelContent, deadline time.Time) *attemptResult {
	adapter, ok := s.vendors[n.Channel][vendor]
	if !ok {
		return &attemptResult{vendor: vendor, send: SendResult{
			Status: AttemptFailed, ErrorCode: ErrorCodeVendorUnavailable,
			Err: fmt.Errorf("dispatch: no adapter registered for vendor %q", vendor),
		}}
	}

	vendorDeadline := time.Now().Add(VendorTimeout)
	if deadline.Before(vendorDeadline) {
		vendorDeadline = deadline
	}
	sendCtx, cancel := context.WithDeadline(ctx, vendorDeadline)
	defer cancel()

	startedAt := time.Now()
	result := adapter.Send(sendCtx, n, content)
	return &attemptResult{vendor: vendor, send: result, durationMs: time.Since(startedAt).Milliseconds()}
}

// handleAttemptResult records the attempt, updates the breaker, and routes
// to delivered/retry/failed.
func (s *Service) handleAttemptResult(ctx context.Context, channel Channel, n *Notification, ar *attemptResult) error {
	attempt := &DeliveryAttempt{
		NotificationID: n.ID,
		Vendor:         ar.vendor,
		Status:         ar.send.Status,
		Response:       ar.send.VendorResp,
		AttemptedAt:    time.Now(),
		DurationMs:     int(ar.durationMs),
	}
	if ar.send.Err != nil {
		attempt.Error = Ptr(ar.send.Err.Error())
		attempt.ErrorCode = Ptr(ar.send.ErrorCode)
	}
	if err := s.repo.CreateAttempt(ctx, attempt); err != nil {
		s.logError(ctx, "failed to record attempt", err, n.ID)
	}

	if ar.send.Status == AttemptSuccessful {
		if err := s.breaker.RecordSuccess(ctx, n.TenantID, channel, ar.vendor); err != nil {
			s.logError(ctx, "failed to record breaker success", err, n.ID)
		}
		return s.deliverSuccess(ctx, channel, n)
	}

	if tripped, err := s.breaker.RecordFailure(ctx, n.TenantID, channel, ar.vendor); err != nil {
		s.logError(ctx, "failed to record breaker failure", err, n.ID)
	} else if tripped {
		telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
			"vendor": ar.vendor, "channel": channel, "tenant_id": n.TenantID,
		}).Warn("circuit breaker opened")
	}

	return s.retryOrFail(ctx, channel, n, ar.vendor, ar.send.Err)
}

func (s *Service) deliverSuccess(ctx context.Context, channel Channel, n *Notification) error {
	if err := s.repo.MarkDelivered(ctx, n.ID); err != nil {
		return fmt.Errorf("dispatch: mark delivered: %w", err)
	}
	return s.queue.Ack(ctx, channel, n.ID)
}

// retryOrFail decides retry vs terminal failure per §7's propagation policy
// and, on retry, schedules the next attempt with exponential backoff.
func (s *Service) retryOrFail(ctx context.Context, channel Channel, n *Notification, vendor string, cause error) error {
	code := errorCodeOf(cause)
	nextAttempt := n.AttemptCount + 1

	if !code.ShouldRetry() || nextAttempt >= n.MaxAttempts {
		return s.fail(ctx, channel, n, vendor, cause)
	}

	delay := s.backoff(nextAttempt)
	retryAt := time.Now().Add(delay)

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if err := s.repo.UpdateForRetry(ctx, n.ID, retryAt, errMsg, code); err != nil {
		return fmt.Errorf("dispatch: update for retry: %w", err)
	}
	if err := s.queue.MoveToDelayed(ctx, channel, n.ID, retryAt); err != nil {
		s.logError(ctx, "failed to move to delayed queue", err, n.ID)
	}
	return nil
}

// fail marks a notification terminally failed and reports it.
func (s *Service) fail(ctx context.Context, channel Channel, n *Notification, vendor string, cause error) error {
	code := errorCodeOf(cause)
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if err := s.repo.MarkFailed(ctx, n.ID, errMsg, code); err != nil {
		return fmt.Errorf("dispatch: mark failed: %w", err)
	}
	if err := s.queue.MoveToDLQ(ctx, channel, n.ID); err != nil {
		s.logError(ctx, "failed to move to dlq queue", err, n.ID)
	}
	s.captureTerminalFailure(ctx, n, vendor, code, errMsg)
	return nil
}

// backoff computes the §4.9 delay: base*2^(attempt-1) clamped to
// [1s, 5m], plus +/-10% jitter.
func (s *Service) backoff(attemptNumber int) time.Duration {
	base := s.retry.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := s.retry.MaxDelay
	if max <= 0 {
		max = 5 * time.Minute
	}
	jitterFrac := s.retry.JitterFrac
	if jitterFrac < 0 {
		jitterFrac = 0
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attemptNumber-1)))
	if delay > max {
		delay = max
	}
	if delay < time.Second {
		delay = time.Second
	}

	jitter := (rand.Float64()*2 - 1) * jitterFrac
	return time.Duration(float64(delay) * (1 + jitter))
}

// ReplayDLQ resets terminally failed notifications matching filter back to
// pending and re-enqueues them.
func (s *Service) ReplayDLQ(ctx context.Context, channel Channel, filter DLQFilter) (int, error) {
	notifications, err := s.repo.GetDLQNotifications(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("dispatch: get dlq notifications: %w", err)
	}

	replayed := 0
	for _, n := range notifications {
		if err := s.repo.ResetForReplay(ctx, n.ID); err != nil {
			s.logError(ctx, "failed to reset notification for replay", err, n.ID)
			continue
		}
		if err := s.queue.ReplayFromDLQ(ctx, channel, n.ID); err != nil {
			s.logError(ctx, "failed to replay from dlq", err, n.ID)
			continue
		}
		replayed++
	}
	return replayed, nil
}

// GetNotification retrieves a notification by id, for the status endpoint.
func (s *Service) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return s.repo.GetByID(ctx, id)
}

// GetAttempts returns the time-ordered attempt log, for the status endpoint.
func (s *Service) GetAttempts(ctx context.Context, id uuid.UUID) ([]*DeliveryAttempt, error) {
	return s.repo.GetAttempts(ctx, id)
}

// CheckDLQHealth reports threshold alerts to Sentry, run periodically by the worker.
func (s *Service) CheckDLQHealth(ctx context.Context) error {
	stats, err := s.repo.GetDLQStats(ctx)
	if err != nil {
		return err
	}

	const (
		warningThreshold  = 10
		criticalThreshold = 50
		staleHours        = 24
	)

	if stats.TotalCount >= criticalThreshold {
		s.captureDLQAlert(sentry.LevelError, "dead-letter queue critical threshold exceeded", stats.TotalCount, criticalThreshold, stats)
	} else if stats.TotalCount >= warningThreshold {
		s.captureDLQAlert(sentry.LevelWarning, "dead-letter queue warning threshold exceeded", stats.TotalCount, warningThreshold, stats)
	}

	if stats.OldestItem != nil {
		if age := time.Since(*stats.OldestItem); age > time.Duration(staleHours)*time.Hour {
			hub := sentry.CurrentHub().Clone()
			scope := hub.Scope()
			scope.SetTag("service", "dispatch")
			scope.SetTag("alert_type", "dlq_stale")
			scope.SetLevel(sentry.LevelWarning)
			scope.SetExtra("oldest_item_age_hours", age.Hours())
			hub.CaptureMessage(fmt.Sprintf("dead-letter queue contains stale items (oldest: %.1f hours)", age.Hours()))
		}
	}
	return nil
}

func (s *Service) captureDLQAlert(level sentry.Level, message string, count int64, threshold int, stats *DLQStats) {
	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()
	scope.SetTag("service", "dispatch")
	scope.SetTag("alert_type", "dlq_threshold")
	scope.SetLevel(level)
	scope.SetExtra("dlq_count", count)
	scope.SetExtra("threshold", threshold)
	scope.SetExtra("count_by_error", stats.CountByError)
	if stats.OldestItem != nil {
		scope.SetExtra("oldest_item", stats.OldestItem.Format(time.RFC3339))
	}
	hub.CaptureMessage(fmt.Sprintf("%s: %d items (threshold: %d)", message, count, threshold))
}

func (s *Service) captureTerminalFailure(_ context.Context, n *Notification, vendor string, code ErrorCode, errMsg string) {
	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()
	scope.SetTag("service", "dispatch")
	scope.SetTag("channel", string(n.Channel))
	scope.SetTag("vendor", vendor)
	scope.SetTag("error_code", string(code))
	scope.SetLevel(sentry.LevelWarning)
	scope.SetExtra("notification_id", n.ID.String())
	scope.SetExtra("attempt_count", n.AttemptCount)
	scope.SetExtra("max_attempts", n.MaxAttempts)
	scope.SetExtra("error_message", errMsg)
	hub.CaptureMessage(fmt.Sprintf("notification %s moved to dead-letter queue: %s", n.ID, code))
}

func (s *Service) logError(ctx context.Context, msg string, err error, notificationID uuid.UUID) {
	telemetry.GetContextualLogger(ctx).WithField("notification_id", notificationID.String()).Error(msg, err)

	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()
	scope.SetTag("service", "dispatch")
	scope.SetExtra("notification_id", notificationID.String())
	scope.SetExtra("message", msg)
	hub.CaptureException(err)
}

// errorCodeOf maps an error produced anywhere in the pipeline to its
// ErrorCode, defaulting to internal for unrecognized errors.
func errorCodeOf(err error) ErrorCode {
	if err == nil {
		return ErrorCodeInternal
	}
	if appErr, ok := err.(*apperrors.AppError); ok {
		switch appErr.Type {
		case apperrors.ErrorTypeInvalidPayload:
			return ErrorCodeInvalidPayload
		case apperrors.ErrorTypeTemplateNotFound:
			return ErrorCodeTemplateNotFound
		case apperrors.ErrorTypeTemplateInvalid:
			return ErrorCodeTemplateInvalid
		case apperrors.ErrorTypeVendorCircuitOpen:
			return ErrorCodeVendorCircuitOpen
		case apperrors.ErrorTypeVendorUnavailable:
			return ErrorCodeVendorUnavailable
		case apperrors.ErrorTypeRateLimitedByVendor:
			return ErrorCodeRateLimitedByVendor
		case apperrors.ErrorTypeNoVendorAvailable:
			return ErrorCodeNoVendorAvailable
		}
	}
	return ErrorCodeInternal
}
