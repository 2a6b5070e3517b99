package creditsync

import (
	"context"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/metrics"
	"github.com/smallbiznis/creditledger/internal/stream"
	"github.com/smallbiznis/creditledger/internal/tracker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ConsumerParams struct {
	fx.In

	Log     *zap.Logger
	Stream  stream.Stream
	Tracker *tracker.Tracker
	Credits creditdomain.Service
	Config  config.Config
	Metrics *metrics.Metrics `optional:"true"`
}

// Consumer drains the credit event stream through a consumer group and applies
// each event to the ledger exactly once. Delivery is at-least-once, so every
// message passes through the tracker claim before any ledger write.
type Consumer struct {
	log     *zap.Logger
	stream  stream.Stream
	tracker *tracker.Tracker
	credits creditdomain.Service
	cfg     config.SyncConfig
	source  string
	metrics *metrics.Metrics
}

func NewConsumer(p ConsumerParams) *Consumer {
	return &Consumer{
		log:     p.Log.Named("sync.consumer"),
		stream:  p.Stream,
		tracker: p.Tracker,
		credits: p.Credits,
		cfg:     p.Config.Sync,
		source:  p.Config.AppName,
		metrics: p.Metrics,
	}
}

// Run consumes until ctx is cancelled. It first replays this consumer's
// unacknowledged backlog (crash recovery), then blocks on new deliveries.
func (c *Consumer) Run(ctx context.Context) {
	if err := c.stream.EnsureGroup(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, "0"); err != nil {
		c.log.Error("ensure consumer group", zap.Error(err))
	}
	c.recoverBacklog(ctx)

	c.log.Info("consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("group", c.cfg.ConsumerGroup),
		zap.String("consumer", c.cfg.ConsumerName),
	)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer stopped")
			return
		default:
		}

		messages, err := c.stream.ReadGroup(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, c.cfg.ConsumerName, c.cfg.BatchSize, c.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("read stream", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.processBatch(ctx, messages)
	}
}

// recoverBacklog re-processes messages delivered to this consumer before a
// crash but never acknowledged. The tracker makes re-application safe.
func (c *Consumer) recoverBacklog(ctx context.Context) {
	var lastHead string
	for {
		if ctx.Err() != nil {
			return
		}
		messages, err := c.stream.ReadBacklog(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, c.cfg.ConsumerName, c.cfg.BatchSize)
		if err != nil {
			c.log.Error("read backlog", zap.Error(err))
			return
		}
		if len(messages) == 0 {
			return
		}
		// Unacked entries stay pending, so a round that acknowledged nothing
		// reads the same head back. Defer to the main loop rather than spin.
		if messages[0].ID == lastHead {
			c.log.Warn("backlog head did not advance, deferring recovery",
				zap.String("message_id", lastHead),
			)
			return
		}
		lastHead = messages[0].ID
		c.log.Info("recovering unacknowledged backlog", zap.Int("count", len(messages)))
		c.processBatch(ctx, messages)
	}
}

func (c *Consumer) processBatch(ctx context.Context, messages []stream.Message) {
	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx, msg)
	}
}

// processMessage applies one delivery. Acknowledgement is decoupled from
// success: malformed, duplicate, unknown-type and failed messages are all
// acked so they stop redelivering, with the tracker recording failures for a
// later sweep. Only a tracker claim error leaves the message pending.
func (c *Consumer) processMessage(ctx context.Context, msg stream.Message) {
	env, err := DecodeEnvelope(msg.Values)
	if err != nil {
		c.log.Warn("dropping malformed message", zap.String("message_id", msg.ID), zap.Error(err))
		c.count("unknown", "malformed")
		c.ack(ctx, msg.ID)
		return
	}

	// Events this service published itself come back through the group.
	// Applying them would double-count the local write.
	if env.Source == c.source {
		c.ack(ctx, msg.ID)
		return
	}

	claimed, err := c.tracker.MarkProcessing(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, msg.ID, env.EventType, env.EventID)
	if err != nil {
		c.log.Error("claim message", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if !claimed {
		c.count(env.EventType, "duplicate")
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.apply(ctx, env); err != nil {
		c.log.Error("apply credit event",
			zap.String("event_type", env.EventType),
			zap.String("event_id", env.EventID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		c.count(env.EventType, "failed")
		if markErr := c.tracker.MarkFailed(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, msg.ID, err.Error()); markErr != nil {
			c.log.Error("mark message failed", zap.String("message_id", msg.ID), zap.Error(markErr))
		}
		c.deadLetter(ctx, msg)
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.tracker.MarkCompleted(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, msg.ID); err != nil {
		c.log.Error("mark message completed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	c.count(env.EventType, "processed")
	c.ack(ctx, msg.ID)
}

func (c *Consumer) apply(ctx context.Context, env *Envelope) error {
	switch env.EventType {
	case EventTypeCreditAllocated:
		_, err := c.credits.AllocateCredits(ctx, creditdomain.AllocateRequest{
			TenantID: env.TenantID,
			EntityID: env.EntityID,
			Amount:   env.Amount,
			Source:   creditdomain.SourceWrapper,
			Metadata: eventMetadata(env),
		})
		return err
	case EventTypeCreditConsumed:
		_, err := c.credits.ConsumeCredits(ctx, creditdomain.ConsumeRequest{
			TenantID:      env.TenantID,
			EntityID:      env.EntityID,
			Amount:        env.Amount,
			OperationType: env.Metadata["operation_type"],
			OperationID:   env.Metadata["operation_id"],
			UserID:        env.Metadata["user_id"],
			Source:        creditdomain.SourceWrapper,
			Metadata:      eventMetadata(env),
		})
		return err
	default:
		c.log.Warn("skipping unknown event type",
			zap.String("event_type", env.EventType),
			zap.String("event_id", env.EventID),
		)
		c.count(env.EventType, "skipped")
		return nil
	}
}

// eventMetadata carries the envelope metadata into the ledger, stamping the
// event id so allocation replays dedup and local republish is suppressed.
func eventMetadata(env *Envelope) map[string]any {
	metadata := make(map[string]any, len(env.Metadata)+2)
	for k, v := range env.Metadata {
		metadata[k] = v
	}
	metadata[creditdomain.MetadataSourceEventID] = env.EventID
	metadata["event_source"] = env.Source
	return metadata
}

func (c *Consumer) deadLetter(ctx context.Context, msg stream.Message) {
	if c.cfg.DeadLetterStream == "" {
		return
	}
	values := make(map[string]string, len(msg.Values)+1)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["origin_message_id"] = msg.ID
	if _, err := c.stream.Publish(ctx, c.cfg.DeadLetterStream, values); err != nil {
		c.log.Error("copy to dead letter stream", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.stream.Ack(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, id); err != nil {
		c.log.Error("ack message", zap.String("message_id", id), zap.Error(err))
	}
}

func (c *Consumer) count(eventType, outcome string) {
	if c.metrics != nil {
		c.metrics.IncSyncEvent(eventType, outcome)
	}
}
