package creditsync

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/zap"
)

func newTestPublisher(fs *fakeStream) *Publisher {
	return NewPublisher(PublisherParams{
		Log:    zap.NewNop(),
		Clock:  clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		Stream: fs,
		Config: config.Config{
			AppName: "creditledger",
			Sync:    config.SyncConfig{Stream: "credit-events"},
		},
	})
}

func TestPublishCreditAllocation(t *testing.T) {
	fs := newFakeStream()
	pub := newTestPublisher(fs)

	result, err := pub.PublishCreditAllocation(context.Background(), "t1", "e1", 4200, map[string]string{"transaction_id": "tx-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.EventID == "" || result.StreamMessageID == "" {
		t.Fatalf("incomplete publish result: %+v", result)
	}

	fs.mu.Lock()
	published := fs.published["credit-events"]
	fs.mu.Unlock()
	if len(published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(published))
	}

	env, err := DecodeEnvelope(published[0])
	if err != nil {
		t.Fatalf("decode published: %v", err)
	}
	if env.EventType != EventTypeCreditAllocated {
		t.Fatalf("wrong event type: %s", env.EventType)
	}
	if env.Amount != 4200 || env.TenantID != "t1" || env.EntityID != "e1" {
		t.Fatalf("payload lost: %+v", env)
	}
	if env.Source != "creditledger" {
		t.Fatalf("source must be the publishing service, got %q", env.Source)
	}
	if env.Metadata["transaction_id"] != "tx-1" {
		t.Fatalf("metadata lost: %+v", env.Metadata)
	}
}

func TestPublishCreditConsumption(t *testing.T) {
	fs := newFakeStream()
	pub := newTestPublisher(fs)

	if _, err := pub.PublishCreditConsumption(context.Background(), "t1", "e1", 300, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	fs.mu.Lock()
	published := fs.published["credit-events"]
	fs.mu.Unlock()
	env, err := DecodeEnvelope(published[0])
	if err != nil {
		t.Fatalf("decode published: %v", err)
	}
	if env.EventType != EventTypeCreditConsumed {
		t.Fatalf("wrong event type: %s", env.EventType)
	}
}

func TestNotifierDelegatesToPublish(t *testing.T) {
	fs := newFakeStream()
	pub := newTestPublisher(fs)

	if err := pub.NotifyCreditAllocated(context.Background(), "t1", "e1", 100, nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	fs.mu.Lock()
	count := len(fs.published["credit-events"])
	fs.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 published event, got %d", count)
	}
}
