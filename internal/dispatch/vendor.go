package dispatch

import (
	"context"
	"time"
)

// VendorMessageStatus is the delivery status reported back by a vendor for
// a previously sent message.
type VendorMessageStatus struct {
	State        AttemptStatus
	SentAt       *time.Time
	DeliveredAt  *time.Time
	Attempts     int
	VendorMeta   map[string]string
}

// VendorHealth is the result of an adapter's self-check (§4.7), budgeted at
// 500ms.
type VendorHealth struct {
	Healthy    bool
	LatencyMs  int
	Diagnostic string
	LastError  string
}

// VendorAdapter is the uniform contract every concrete provider (Iterable,
// SendGrid, SES, Telnyx, Twilio, SNS) implements, so the dispatch worker and
// selector never depend on vendor-specific wire formats (§4.7). Adapters
// translate transport/auth/API errors into the ErrorCode taxonomy and must
// honor ctx's deadline without blocking past it.
type VendorAdapter interface {
	// Send delivers one rendered payload and returns its outcome.
	Send(ctx context.Context, n *Notification, content TemplateChannelContent) SendResult
	// Status looks up a previously sent message by vendor message id.
	Status(ctx context.Context, messageID string) (VendorMessageStatus, error)
	// Health performs a lightweight self-check.
	Health(ctx context.Context) VendorHealth
	// Name is the vendor identifier used in selector configuration and
	// circuit-breaker keys (e.g. "sendgrid", "twilio").
	Name() string
	// Channel reports which channel this adapter serves.
	Channel() Channel
}
