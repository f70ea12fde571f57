package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_ProcessesEnqueuedNotifications(t *testing.T) {
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

	cfg := DefaultWorkerConfig(ChannelEmail)
	cfg.Concurrency = 1
	worker := NewWorker(svc, queue, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = worker.Start(ctx) }()

	require.Eventually(t, func() bool {
		got, err := svc.GetNotification(context.Background(), n.ID)
		return err == nil && got.Status == StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	worker.Stop()
	assert.False(t, worker.IsRunning())
}

func TestWorker_StartTwiceReturnsError(t *testing.T) {
	repo := newFakeRepository()
	queue := newFakeQueue()
	svc := newTestService(t, repo, queue, nil)

	cfg := DefaultWorkerConfig(ChannelEmail)
	worker := NewWorker(svc, queue, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Start(ctx) }()

	require.Eventually(t, func() bool { return worker.IsRunning() }, time.Second, 10*time.Millisecond)

	err := worker.Start(context.Background())
	assert.Error(t, err)

	worker.Stop()
}

func TestWorker_AdaptPollInterval(t *testing.T) {
	worker := &Worker{pollInterval: minPollInterval}

	worker.adaptPollInterval(false)
	assert.Greater(t, worker.pollInterval, minPollInterval)

	worker.adaptPollInterval(true)
	assert.Equal(t, minPollInterval, worker.pollInterval)
}
