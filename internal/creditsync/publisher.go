package creditsync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/metrics"
	"github.com/smallbiznis/creditledger/internal/stream"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// PublishResult reports a published event: the envelope event id and the
// message id assigned by the stream.
type PublishResult struct {
	EventID         string `json:"event_id"`
	StreamMessageID string `json:"stream_message_id"`
}

type PublisherParams struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Stream  stream.Stream
	Config  config.Config
	Metrics *metrics.Metrics `optional:"true"`
}

// Publisher appends credit events to the shared stream. It also satisfies the
// ledger's AllocationNotifier so local allocations propagate downstream.
type Publisher struct {
	log     *zap.Logger
	clock   clock.Clock
	stream  stream.Stream
	cfg     config.SyncConfig
	source  string
	metrics *metrics.Metrics
}

func NewPublisher(p PublisherParams) *Publisher {
	return &Publisher{
		log:     p.Log.Named("sync.publisher"),
		clock:   p.Clock,
		stream:  p.Stream,
		cfg:     p.Config.Sync,
		source:  p.Config.AppName,
		metrics: p.Metrics,
	}
}

// PublishCreditAllocation emits a credit.allocated event.
func (p *Publisher) PublishCreditAllocation(ctx context.Context, tenantID, entityID string, amount int64, metadata map[string]string) (*PublishResult, error) {
	return p.publish(ctx, EventTypeCreditAllocated, tenantID, entityID, amount, metadata)
}

// PublishCreditConsumption emits a credit.consumed event.
func (p *Publisher) PublishCreditConsumption(ctx context.Context, tenantID, entityID string, amount int64, metadata map[string]string) (*PublishResult, error) {
	return p.publish(ctx, EventTypeCreditConsumed, tenantID, entityID, amount, metadata)
}

// NotifyCreditAllocated implements domain.AllocationNotifier.
func (p *Publisher) NotifyCreditAllocated(ctx context.Context, tenantID, entityID string, amount int64, metadata map[string]string) error {
	_, err := p.PublishCreditAllocation(ctx, tenantID, entityID, amount, metadata)
	return err
}

func (p *Publisher) publish(ctx context.Context, eventType, tenantID, entityID string, amount int64, metadata map[string]string) (*PublishResult, error) {
	env := Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		TenantID:  tenantID,
		EntityID:  entityID,
		Amount:    amount,
		Timestamp: p.clock.Now(),
		Source:    p.source,
		Metadata:  metadata,
	}
	fields, err := env.Fields()
	if err != nil {
		return nil, err
	}

	messageID, err := p.stream.Publish(ctx, p.cfg.Stream, fields)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncSyncEvent(eventType, "publish_error")
		}
		return nil, fmt.Errorf("publish %s: %w", eventType, err)
	}

	if p.metrics != nil {
		p.metrics.IncSyncEvent(eventType, "published")
	}
	p.log.Info("published credit event",
		zap.String("event_type", eventType),
		zap.String("event_id", env.EventID),
		zap.String("stream_message_id", messageID),
		zap.String("tenant_id", tenantID),
		zap.String("entity_id", entityID),
		zap.Int64("amount", amount),
	)
	return &PublishResult{EventID: env.EventID, StreamMessageID: messageID}, nil
}
