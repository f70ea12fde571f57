package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepository is an in-memory Repository used to unit test Service
// without a database, composing the existing fake template/vendor-status
// stores from template_test.go/selector_test.go.
type fakeRepository struct {
	*fakeTemplateStore
	*fakeVendorStatusStore

	mu            sync.Mutex
	notifications map[uuid.UUID]*Notification
	attempts      map[uuid.UUID][]*DeliveryAttempt
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		fakeTemplateStore:     newFakeTemplateStore(),
		fakeVendorStatusStore: newFakeVendorStatusStore(),
		notifications:         make(map[uuid.UUID]*Notification),
		attempts:              make(map[uuid.UUID][]*DeliveryAttempt),
	}
}

func (r *fakeRepository) Create(ctx context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.IdempotencyKey != nil {
		for _, existing := range r.notifications {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *n.IdempotencyKey {
				return ErrConflict
			}
		}
	}
	n.ID = uuid.New()
	n.Status = StatusPending
	n.CreatedAt = time.Now()
	n.UpdatedAt = time.Now()
	r.notifications[n.ID] = n
	return nil
}

func (r *fakeRepository) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

func (r *fakeRepository) GetByIdempotencyKey(ctx context.Context, key string) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notifications {
		if n.IdempotencyKey != nil && *n.IdempotencyKey == key {
			return n, nil
		}
	}
	return nil, ErrNotFound
}

func (r *fakeRepository) MarkQueued(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(id, StatusQueued)
}

func (r *fakeRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(id, StatusProcessing)
}

func (r *fakeRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(id, StatusDelivered)
}

func (r *fakeRepository) setStatus(id uuid.UUID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = status
	return nil
}

func (r *fakeRepository) UpdateForRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, lastError string, code ErrorCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = StatusRetrying
	n.AttemptCount++
	n.NextRetryAt = &nextRetryAt
	n.LastError = Ptr(lastError)
	n.LastErrorCode = Ptr(code)
	return nil
}

func (r *fakeRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, code ErrorCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = StatusFailed
	n.LastError = Ptr(lastError)
	n.LastErrorCode = Ptr(code)
	return nil
}

func (r *fakeRepository) CreateAttempt(ctx context.Context, a *DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = uuid.New()
	r.attempts[a.NotificationID] = append(r.attempts[a.NotificationID], a)
	return nil
}

func (r *fakeRepository) GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[notificationID], nil
}

func (r *fakeRepository) GetPendingNotifications(ctx context.Context, channel Channel, limit int) ([]*Notification, error) {
	return nil, nil
}

func (r *fakeRepository) GetDLQNotifications(ctx context.Context, filter DLQFilter) ([]*Notification, error) {
	return nil, nil
}

func (r *fakeRepository) GetDLQStats(ctx context.Context) (*DLQStats, error) {
	return &DLQStats{}, nil
}

func (r *fakeRepository) ResetForReplay(ctx context.Context, id uuid.UUID) error { return nil }

func (r *fakeRepository) CleanupExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (r *fakeRepository) UpsertVendorStatus(ctx context.Context, status *VendorStatus) error {
	return nil
}

// fakeQueue is an in-memory Queue used to unit test Service/Worker.
type fakeQueue struct {
	mu       sync.Mutex
	pending  map[Channel][]uuid.UUID
	delayed  map[Channel][]uuid.UUID
	dlq      map[Channel][]uuid.UUID
	acked    map[uuid.UUID]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		pending: make(map[Channel][]uuid.UUID),
		delayed: make(map[Channel][]uuid.UUID),
		dlq:     make(map[Channel][]uuid.UUID),
		acked:   make(map[uuid.UUID]bool),
	}
}

func (q *fakeQueue) Enqueue(ctx context.Context, channel Channel, id uuid.UUID, priority Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[channel] = append(q.pending[channel], id)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context, channel Channel, limit int, visibilityTimeout time.Duration) ([]uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.pending[channel]
	q.pending[channel] = nil
	return ids, nil
}

func (q *fakeQueue) Ack(ctx context.Context, channel Channel, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked[id] = true
	return nil
}

func (q *fakeQueue) ReclaimExpired(ctx context.Context, channel Channel, now time.Time) (int, error) {
	return 0, nil
}

func (q *fakeQueue) MoveToDelayed(ctx context.Context, channel Channel, id uuid.UUID, retryAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed[channel] = append(q.delayed[channel], id)
	return nil
}

func (q *fakeQueue) MoveToDLQ(ctx context.Context, channel Channel, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq[channel] = append(q.dlq[channel], id)
	return nil
}

func (q *fakeQueue) PromoteDelayed(ctx context.Context, channel Channel, now time.Time) (int, error) {
	return 0, nil
}

func (q *fakeQueue) Remove(ctx context.Context, channel Channel, id uuid.UUID) error { return nil }

func (q *fakeQueue) ReplayFromDLQ(ctx context.Context, channel Channel, id uuid.UUID) error { return nil }

func (q *fakeQueue) AcquireLock(ctx context.Context, id uuid.UUID, workerID string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (q *fakeQueue) ReleaseLock(ctx context.Context, id uuid.UUID, workerID string) error { return nil }

func (q *fakeQueue) Stats(ctx context.Context, channel Channel) (*QueueStats, error) {
	return &QueueStats{}, nil
}

func (q *fakeQueue) Close() error { return nil }

// fakeVendorAdapter returns a scripted sequence of SendResults.
type fakeVendorAdapter struct {
	name    string
	channel Channel
	results []SendResult
	calls   int
}

func (a *fakeVendorAdapter) Send(ctx context.Context, n *Notification, content TemplateChannelContent) SendResult {
	r := a.results[a.calls]
	if a.calls < len(a.results)-1 {
		a.calls++
	}
	return r
}

func (a *fakeVendorAdapter) Status(ctx context.Context, messageID string) (VendorMessageStatus, error) {
	return VendorMessageStatus{}, nil
}

func (a *fakeVendorAdapter) Health(ctx context.Context) VendorHealth { return VendorHealth{Healthy: true} }
func (a *fakeVendorAdapter) Name() string                            { return a.name }
func (a *fakeVendorAdapter) Channel() Channel                        { return a.channel }

func newTestService(t *testing.T, repo *fakeRepository, queue *fakeQueue, vendors map[Channel]map[string]VendorAdapter) *Service {
	t.Helper()
	client := newTestRedis(t)

	breaker := NewBreaker(client, DefaultBreakerConfig())
	limiter := NewRateLimiter(client, DefaultRateLimitRules())
	templates := NewTemplateService(repo.fakeTemplateStore, client, nil)
	selector := NewSelector(repo.fakeVendorStatusStore, map[Channel]VendorConfig{
		ChannelEmail: {Default: []string{"sendgrid", "ses"}},
	})

	return NewService(repo, queue, breaker, limiter, templates, selector, vendors, DefaultRetryConfig())
}

// testTemplateID is a fixed id so SubmitRequest.TemplateID can reference it
// without plumbing the generated uuid through every test.
var testTemplateID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

func testTemplate(tenantID string) *Template {
	return &Template{
		ID:       testTemplateID,
		TenantID: tenantID,
		Name:     "welcome",
		Channel:  ChannelEmail,
		Version:  1,
		Active:   true,
		Content: TemplateChannelContent{
			Subject: "Hi {{name}}", HTML: "<p>Welcome {{name}}</p>",
		},
	}
}

func TestService_Submit_EnqueuesAndPersists(t *testing.T) {
	repo := newFakeRepository()
	queue := newFakeQueue()
	svc := newTestService(t, repo, queue, nil)

	n, err := svc.Submit(context.Background(), SubmitRequest{
		TenantID: "tenant-a", Channel: ChannelEmail, Recipient: "user@example.com", TemplateID: testTemplateID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, n.Status)
	assert.Len(t, queue.pending[ChannelEmail], 1)
}

func TestService_Submit_IdempotencyKeyReturnsExisting(t *testing.T) {
	repo := newFakeRepository()
	queue := newFakeQueue()
	svc := newTestService(t, repo, queue, nil)

	key := "idem-1"
	req := SubmitRequest{TenantID: "tenant-a", Channel: ChannelEmail, Recipient: "user@example.com", TemplateID: testTemplateID.String(), IdempotencyKey: &key}

	first, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, queue.pending[ChannelEmail], 1)

	second, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// The conflicting submission must not enqueue a duplicate delivery.
	assert.Len(t, queue.pending[ChannelEmail], 1)
}

func TestService_Process_DeliversSuccessfully(t *testing.T) {
	repo := newFakeRepository()
	queue := newFakeQueue()
	require.NoError(t, repo.CreateTemplate(context.Background(), testTemplate("tenant-a")))

	adapter := &fakeVendorAdapter{name: "sendgrid", channel: ChannelEmail, results: []SendResult{
		{Status: AttemptSuccessful, MessageID: "msg-1"},
	}}
	vendors := map[Channel]map[string]VendorAdapter{ChannelEmail: {"sendgrid": adapter}}
	svc := newTestService(t, repo, queue, vendors)

	n, err := svc.Submit(context.Background(), SubmitRequest{
		TenantID: "tenant-a", Channel: ChannelEmail, Recipient: "user@example.com",
		TemplateID: testTemplateID.String(), Context: Context{"name": "Ada"},
	})
	require.NoError(t, err)

	err = svc.Process(context.Background(), ChannelEmail, n.ID, "worker-1")
	require.NoError(t, err)

	got, err := svc.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.True(t, queue.acked[n.ID])
}

func TestService_Process_RetriesOnVendorFailure(t *testing.T) {
	repo := newFakeRepository()
	queue := newFakeQueue()
	require.NoError(t, repo.CreateTemplate(context.Background(), testTemplate("tenant-a")))

	adapter := &fakeVendorAdapter{name: "sendgrid", channel: ChannelEmail, results: []SendResult{
		{Status: AttemptFailed, ErrorCode: ErrorCodeVendorUnavailable, Err: fmt.Errorf("boom")},
	}}
	vendors := map[Channel]map[string]VendorAdapter{ChannelEmail: {"sendgrid": adapter}}
	svc := newTestService(t, repo, queue, vendors)

	n, err := svc.Submit(context.Background(), SubmitRequest{
		TenantID: "tenant-a", Channel: ChannelEmail, Recipient: "user@example.com",
		TemplateID: testTemplateID.String(), Context: Context{"name": "Ada"},
	})
	require.NoError(t, err)

	err = svc.Process(context.Background(), ChannelEmail, n.ID, "worker-1")
	require.NoError(t, err)

	got, err := svc.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Len(t, queue.delayed[ChannelEmail], 1)
}

func TestService_Process_FailsAfterMaxAttempts(t *testing.T) {
	repo := newFakeRepository()
	queue := newFakeQueue()
	require.NoError(t, repo.CreateTemplate(context.Background(), testTemplate("tenant-a")))

	adapter := &fakeVendorAdapter{name: "sendgrid", channel: ChannelEmail, results: []SendResult{
		{Status: AttemptFailed, ErrorCode: ErrorCodeVendorUnavailable, Err: fmt.Errorf("boom")},
	}}
	vendors := map[Channel]map[string]VendorAdapter{ChannelEmail: {"sendgrid": adapter}}
	svc := newTestService(t, repo, queue, vendors)

	n, err := svc.Submit(context.Background(), SubmitRequest{
		TenantID: "tenant-a", Channel: ChannelEmail, Recipient: "user@example.com",
		TemplateID: testTemplateID.String(), Context: Context{"name": "Ada"},
	})
	require.NoError(t, err)

	repo.mu.Lock()
	repo.notifications[n.ID].MaxAttempts = 1
	repo.mu.Unlock()

	err = svc.Process(context.Background(), ChannelEmail, n.ID, "worker-1")
	require.NoError(t, err)

	got, err := svc.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Len(t, queue.dlq[ChannelEmail], 1)
}

func TestService_Process_TerminalStatusAcksWithoutRedelivery(t *testing.T) {
	repo := newFakeRepository()
	queue := newFakeQueue()
	svc := newTestService(t, repo, queue, nil)

	n := &Notification{ID: uuid.New(), Channel: ChannelEmail, Status: StatusDelivered, CreatedAt: time.Now()}
	repo.mu.Lock()
	repo.notifications[n.ID] = n
	repo.mu.Unlock()

	err := svc.Process(context.Background(), ChannelEmail, n.ID, "worker-1")
	require.NoError(t, err)
	assert.True(t, queue.acked[n.ID])
}

func TestService_Backoff_ClampsToConfiguredBounds(t *testing.T) {
	svc := &Service{retry: RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, JitterFrac: 0}}

	d1 := svc.backoff(1)
	assert.InDelta(t, time.Second, d1, float64(50*time.Millisecond))

	d5 := svc.backoff(5)
	assert.LessOrEqual(t, d5, 5*time.Second+500*time.Millisecond)
}
