package creditsync

import (
	"context"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/stream"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// StreamStatus is a point-in-time snapshot of the credit event stream and its
// consumer group, for operational dashboards and health probes.
type StreamStatus struct {
	Stream        string             `json:"stream"`
	Length        int64              `json:"length"`
	Groups        []stream.GroupInfo `json:"groups"`
	GroupPending  int64              `json:"group_pending"`
	GroupLag      int64              `json:"group_lag"`
	OldestPending *PendingMessage    `json:"oldest_pending,omitempty"`
}

// PendingMessage describes one unacknowledged delivery.
type PendingMessage struct {
	MessageID  string        `json:"message_id"`
	Consumer   string        `json:"consumer"`
	Idle       time.Duration `json:"idle"`
	RetryCount int64         `json:"retry_count"`
}

type MonitorParams struct {
	fx.In

	Log    *zap.Logger
	Stream stream.Stream
	Config config.Config
}

// Monitor reads stream health without consuming anything.
type Monitor struct {
	log    *zap.Logger
	stream stream.Stream
	cfg    config.SyncConfig
}

func NewMonitor(p MonitorParams) *Monitor {
	return &Monitor{
		log:    p.Log.Named("sync.monitor"),
		stream: p.Stream,
		cfg:    p.Config.Sync,
	}
}

// Status snapshots stream length, group state and the oldest pending delivery.
func (m *Monitor) Status(ctx context.Context) (*StreamStatus, error) {
	length, err := m.stream.Len(ctx, m.cfg.Stream)
	if err != nil {
		return nil, err
	}
	groups, err := m.stream.Groups(ctx, m.cfg.Stream)
	if err != nil {
		return nil, err
	}

	status := &StreamStatus{
		Stream: m.cfg.Stream,
		Length: length,
		Groups: groups,
	}
	for _, g := range groups {
		if g.Name == m.cfg.ConsumerGroup {
			status.GroupPending = g.Pending
			status.GroupLag = g.Lag
		}
	}

	entries, err := m.stream.PendingEntries(ctx, m.cfg.Stream, m.cfg.ConsumerGroup, 1)
	if err == nil && len(entries) > 0 {
		status.OldestPending = &PendingMessage{
			MessageID:  entries[0].ID,
			Consumer:   entries[0].Consumer,
			Idle:       entries[0].Idle,
			RetryCount: entries[0].RetryCount,
		}
	}
	return status, nil
}

// PendingMessages lists unacknowledged deliveries for the group, oldest first.
func (m *Monitor) PendingMessages(ctx context.Context, limit int64) ([]PendingMessage, error) {
	entries, err := m.stream.PendingEntries(ctx, m.cfg.Stream, m.cfg.ConsumerGroup, limit)
	if err != nil {
		return nil, err
	}
	out := make([]PendingMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, PendingMessage{
			MessageID:  e.ID,
			Consumer:   e.Consumer,
			Idle:       e.Idle,
			RetryCount: e.RetryCount,
		})
	}
	return out, nil
}
