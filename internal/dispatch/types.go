// Package dispatch implements the multi-channel notification dispatch
// pipeline: ingress validation, durable per-channel queues, vendor
// selection with failover, per-vendor circuit breakers, a distributed
// rate limiter, template caching/rendering, and the delivery-attempt
// state machine.
//
// Control flow: ingress -> durable queue -> worker -> (rate-limit gate
// -> template render -> vendor select -> circuit-breaker gate -> vendor
// adapter -> record attempt -> update status) -> (success | retry |
// dead-letter).
package dispatch

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Channel is a notification delivery medium.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Status is the lifecycle state of a notification.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Priority is the submission priority; it also orders queue delivery.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight returns the priority's relative queue ordering weight, highest first.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// ErrorCode categorizes delivery failures for retry decisions. It mirrors
// internal/errors.ErrorType for the dispatch-specific kinds (§7) but stays
// a distinct string type since it round-trips through Postgres/Redis.
type ErrorCode string

const (
	ErrorCodeInvalidPayload      ErrorCode = "invalid_payload"
	ErrorCodeRateLimited         ErrorCode = "rate_limited"
	ErrorCodeTemplateNotFound    ErrorCode = "template_not_found"
	ErrorCodeTemplateInvalid     ErrorCode = "template_invalid"
	ErrorCodeVendorCircuitOpen   ErrorCode = "vendor_circuit_open"
	ErrorCodeVendorUnavailable   ErrorCode = "vendor_unavailable"
	ErrorCodeRateLimitedByVendor ErrorCode = "rate_limited_by_vendor"
	ErrorCodeNoVendorAvailable   ErrorCode = "no_vendor_available"
	ErrorCodeTimeout             ErrorCode = "timeout"
	ErrorCodeInternal            ErrorCode = "internal"
)

// ShouldRetry reports whether this error code should trigger a retry
// rather than an immediate terminal failure.
func (e ErrorCode) ShouldRetry() bool {
	switch e {
	case ErrorCodeInvalidPayload, ErrorCodeTemplateNotFound, ErrorCodeTemplateInvalid:
		return false
	default:
		return true
	}
}

// Context is a flat string-keyed map used to render templates.
type Context map[string]string

// Value implements driver.Valuer for database storage.
func (c Context) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner for database retrieval.
func (c *Context) Scan(value interface{}) error {
	if value == nil {
		*c = Context{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("dispatch: type assertion to []byte failed for context")
	}
	return json.Unmarshal(b, c)
}

// Metadata is an opaque string-keyed tag bag attached to a notification.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("dispatch: type assertion to []byte failed for metadata")
	}
	return json.Unmarshal(b, m)
}

// Notification is a single dispatch request and its lifecycle state.
type Notification struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	TenantID         string     `json:"tenant_id" db:"tenant_id"`
	Channel          Channel    `json:"channel" db:"channel"`
	Status           Status     `json:"status" db:"status"`
	Priority         Priority   `json:"priority" db:"priority"`
	Recipient        string     `json:"recipient" db:"recipient"`
	TemplateID       string     `json:"template_id" db:"template_id"`
	Context          Context    `json:"context" db:"context"`
	AttemptCount     int        `json:"attempt_count" db:"attempt_count"`
	MaxAttempts      int        `json:"max_attempts" db:"max_attempts"`
	VendorPreference *string    `json:"vendor_preference,omitempty" db:"vendor_preference"`
	BatchID          *string    `json:"batch_id,omitempty" db:"batch_id"`
	Metadata         Metadata   `json:"metadata" db:"metadata"`
	IdempotencyKey   *string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	LastError        *string    `json:"last_error,omitempty" db:"last_error"`
	LastErrorCode    *ErrorCode `json:"last_error_code,omitempty" db:"last_error_code"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	QueuedAt         *time.Time `json:"queued_at,omitempty" db:"queued_at"`
	ProcessingAt     *time.Time `json:"processing_started_at,omitempty" db:"processing_started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Deadline returns the absolute deadline for this notification's end-to-end
// processing, per §5: queued_at + max_e2e_latency.
func (n *Notification) Deadline(maxE2ELatency time.Duration) time.Time {
	base := n.CreatedAt
	if n.QueuedAt != nil {
		base = *n.QueuedAt
	}
	return base.Add(maxE2ELatency)
}

// AttemptStatus is the outcome of a single vendor invocation.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptSuccessful AttemptStatus = "successful"
	AttemptFailed     AttemptStatus = "failed"
)

// DeliveryAttempt is an append-only record of a single vendor invocation.
type DeliveryAttempt struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	NotificationID uuid.UUID       `json:"notification_id" db:"notification_id"`
	Vendor         string          `json:"vendor" db:"vendor"`
	Status         AttemptStatus   `json:"status" db:"status"`
	Response       json.RawMessage `json:"response,omitempty" db:"response"`
	Error          *string         `json:"error,omitempty" db:"error"`
	ErrorCode      *ErrorCode      `json:"error_code,omitempty" db:"error_code"`
	AttemptedAt    time.Time       `json:"attempted_at" db:"attempted_at"`
	DurationMs     int             `json:"duration_ms" db:"duration_ms"`
}

// SubmitRequest is the ingress payload accepted by the dispatch service.
type SubmitRequest struct {
	TenantID         string            `json:"tenant_id"`
	Channel          Channel           `json:"channel"`
	Recipient        string            `json:"recipient"`
	TemplateID       string            `json:"template_id"`
	Context          Context           `json:"context"`
	Priority         Priority          `json:"priority"`
	VendorPreference *string           `json:"vendor_preference,omitempty"`
	BatchID          *string           `json:"batch_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	IdempotencyKey   *string           `json:"idempotency_key,omitempty"`
}

// SendResult is returned by a vendor adapter after an attempted delivery.
type SendResult struct {
	MessageID    string
	Status       AttemptStatus
	VendorResp   json.RawMessage
	ErrorCode    ErrorCode
	Err          error
	RetryAfter   time.Duration // set when ErrorCode == ErrorCodeRateLimitedByVendor
}

// TemplateChannelContent is the channel-shaped body of a template version.
type TemplateChannelContent struct {
	Subject string            `json:"subject,omitempty"` // email
	HTML    string            `json:"html,omitempty"`    // email
	Text    string            `json:"text,omitempty"`    // email, sms body alias
	Body    string            `json:"body,omitempty"`    // sms, push
	Title   string            `json:"title,omitempty"`   // push
	Data    map[string]string `json:"data,omitempty"`    // push
}

// Value implements driver.Valuer.
func (c TemplateChannelContent) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *TemplateChannelContent) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("dispatch: type assertion to []byte failed for template content")
	}
	return json.Unmarshal(b, c)
}

// Template is a versioned, channel-shaped rendering source.
type Template struct {
	ID             uuid.UUID               `json:"id" db:"id"`
	TenantID       string                  `json:"tenant_id" db:"tenant_id"`
	Name           string                  `json:"name" db:"name"`
	Channel        Channel                 `json:"channel" db:"channel"`
	Version        int                     `json:"version" db:"version"`
	Active         bool                    `json:"active" db:"active"`
	Content        TemplateChannelContent  `json:"content" db:"content"`
	VendorMetadata Metadata                `json:"vendor_metadata" db:"vendor_metadata"`
	CreatedAt      time.Time               `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at" db:"updated_at"`
}

// MaxSMSBodyLength is the spec's hard SMS body cap, in runes.
const MaxSMSBodyLength = 1600

// MaxTemplateSerializedBytes is the max serialized size of a template.
const MaxTemplateSerializedBytes = 1 << 20 // 1 MiB

// VendorHealthState is the moving-average health state of one vendor for one
// (channel, tenant) pair, as stored in the relational vendor_status table.
// No component of the dispatcher writes that table (UpsertVendorStatus has
// no caller); the selector reads it and treats a missing row as healthy.
type VendorHealthState string

const (
	VendorHealthy   VendorHealthState = "healthy"
	VendorDegraded  VendorHealthState = "degraded"
	VendorUnhealthy VendorHealthState = "unhealthy"
)

// VendorStatus is the row backing vendor selection decisions.
type VendorStatus struct {
	Vendor      string            `json:"vendor" db:"vendor"`
	Channel     Channel           `json:"channel" db:"channel"`
	TenantID    string            `json:"tenant_id" db:"tenant_id"`
	State       VendorHealthState `json:"state" db:"state"`
	SuccessRate float64           `json:"success_rate" db:"success_rate"`
	LastCheck   time.Time         `json:"last_check" db:"last_check"`
}

// IsHealthy implements the §3 healthy predicate.
func (v VendorStatus) IsHealthy(now time.Time) bool {
	return v.State == VendorHealthy &&
		v.SuccessRate >= 0.95 &&
		now.Sub(v.LastCheck) <= 30*time.Second
}

// DLQFilter narrows a query over terminally-failed notifications.
type DLQFilter struct {
	Channel   *Channel
	ErrorCode *ErrorCode
	Limit     int
	Since     *time.Time
}

// DLQStats summarizes the terminally-failed population.
type DLQStats struct {
	TotalCount   int64            `json:"total_count"`
	CountByError map[string]int64 `json:"count_by_error"`
	OldestItem   *time.Time       `json:"oldest_item,omitempty"`
}

// BreakerState is the three-state circuit breaker lifecycle (§4.4).
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is the coordination-store hash per (tenant, channel,
// vendor) that backs breaker decisions.
type CircuitBreakerState struct {
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	LastSuccessTime time.Time    `json:"last_success_time"`
}

// Ptr returns a pointer to v. Used throughout for optional struct fields.
func Ptr[T any](v T) *T {
	return &v
}
