// Package tracker records per-message processing state so that at-least-once
// stream delivery yields at-most-once application.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageStatus is the dedup record state machine.
type MessageStatus string

const (
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// ProcessedMessage marks one stream message. The unique index over
// (stream, consumer_group, message_id) is what makes the processing claim a
// test-and-set: only one inserter wins, everyone else goes through the
// conditional steal of failed or stale rows.
type ProcessedMessage struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	Stream        string       `gorm:"type:text;not null;uniqueIndex:ux_processed_messages_scope,priority:1"`
	ConsumerGroup string       `gorm:"type:text;not null;uniqueIndex:ux_processed_messages_scope,priority:2"`
	MessageID     string       `gorm:"type:text;not null;uniqueIndex:ux_processed_messages_scope,priority:3"`

	EventType  string        `gorm:"type:text"`
	Status     MessageStatus `gorm:"type:text;not null;index"`
	WorkflowID string        `gorm:"type:text"`
	Error      string        `gorm:"type:text"`

	ProcessingStartedAt time.Time `gorm:"not null;index"`
	ProcessedAt         *time.Time
}

// TableName sets the database table name.
func (ProcessedMessage) TableName() string { return "processed_messages" }

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config
}

type Tracker struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	staleness time.Duration
}

func New(p Params) *Tracker {
	staleness := p.Config.Sweep.StalenessThreshold
	if staleness <= 0 {
		staleness = time.Hour
	}
	return &Tracker{
		db:        p.DB,
		log:       p.Log.Named("sync.tracker"),
		genID:     p.GenID,
		clock:     p.Clock,
		staleness: staleness,
	}
}

// CheckAlreadyProcessed reports whether a non-stale record holds the message
// in processing or completed state.
func (t *Tracker) CheckAlreadyProcessed(ctx context.Context, stream, group, messageID string) (bool, error) {
	var record ProcessedMessage
	err := t.db.WithContext(ctx).
		Where("stream = ? AND consumer_group = ? AND message_id = ?", stream, group, messageID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch record.Status {
	case StatusCompleted:
		return true, nil
	case StatusProcessing:
		return !t.stale(record), nil
	default:
		return false, nil
	}
}

// MarkProcessing atomically claims the message. Exactly one concurrent caller
// gets true; a false return means another delivery already holds a live claim
// or completed the work.
func (t *Tracker) MarkProcessing(ctx context.Context, stream, group, messageID, eventType, workflowID string) (bool, error) {
	now := t.clock.Now()
	record := ProcessedMessage{
		ID:                  t.genID.Generate(),
		Stream:              stream,
		ConsumerGroup:       group,
		MessageID:           messageID,
		EventType:           eventType,
		Status:              StatusProcessing,
		WorkflowID:          workflowID,
		ProcessingStartedAt: now,
	}
	err := t.db.WithContext(ctx).Create(&record).Error
	if err == nil {
		return true, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return false, err
	}

	// A record exists. Steal it only if the prior attempt failed or its
	// claim went stale (consumer crash mid-processing).
	staleBefore := now.Add(-t.staleness)
	result := t.db.WithContext(ctx).Exec(
		`UPDATE processed_messages
		 SET status = ?, event_type = ?, workflow_id = ?, error = '',
		     processing_started_at = ?, processed_at = NULL
		 WHERE stream = ? AND consumer_group = ? AND message_id = ?
		   AND (status = ? OR (status = ? AND processing_started_at < ?))`,
		StatusProcessing,
		eventType,
		workflowID,
		now,
		stream,
		group,
		messageID,
		StatusFailed,
		StatusProcessing,
		staleBefore,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkCompleted records terminal success for the claim.
func (t *Tracker) MarkCompleted(ctx context.Context, stream, group, messageID string) error {
	now := t.clock.Now()
	return t.db.WithContext(ctx).Exec(
		`UPDATE processed_messages
		 SET status = ?, processed_at = ?
		 WHERE stream = ? AND consumer_group = ? AND message_id = ? AND status = ?`,
		StatusCompleted,
		now,
		stream,
		group,
		messageID,
		StatusProcessing,
	).Error
}

// MarkFailed records terminal failure so a future redelivery is retried
// rather than skipped.
func (t *Tracker) MarkFailed(ctx context.Context, stream, group, messageID, message string) error {
	now := t.clock.Now()
	return t.db.WithContext(ctx).Exec(
		`UPDATE processed_messages
		 SET status = ?, error = ?, processed_at = ?
		 WHERE stream = ? AND consumer_group = ? AND message_id = ? AND status = ?`,
		StatusFailed,
		message,
		now,
		stream,
		group,
		messageID,
		StatusProcessing,
	).Error
}

// CleanupStale reclassifies claims stuck in processing beyond the staleness
// threshold, unblocking a safe retry. Returns the number of rows swept.
func (t *Tracker) CleanupStale(ctx context.Context) (int64, error) {
	now := t.clock.Now()
	staleBefore := now.Add(-t.staleness)
	result := t.db.WithContext(ctx).Exec(
		`UPDATE processed_messages
		 SET status = ?, error = 'processing claim expired', processed_at = ?
		 WHERE status = ? AND processing_started_at < ?`,
		StatusFailed,
		now,
		StatusProcessing,
		staleBefore,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		t.log.Warn("reclassified stale processing claims", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (t *Tracker) stale(record ProcessedMessage) bool {
	return t.clock.Now().Sub(record.ProcessingStartedAt) > t.staleness
}

var Module = fx.Module("sync.tracker",
	fx.Provide(New),
)
