package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/zap"
)

// NewRedisClient builds the shared redis handle. Lifecycle (ping/close) is
// registered by the fx module; no global client exists.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.RedisAddr),
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}

type redisStream struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedis returns the Redis Streams implementation of Stream.
func NewRedis(client *redis.Client, log *zap.Logger) Stream {
	return &redisStream{
		client: client,
		log:    log.Named("stream.redis"),
	}
}

func (s *redisStream) Publish(ctx context.Context, stream string, values map[string]string) (string, error) {
	args := make(map[string]interface{}, len(values))
	for k, v := range values {
		args[k] = v
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: args,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (s *redisStream) EnsureGroup(ctx context.Context, stream, group, start string) error {
	if start == "" {
		start = "$"
	}
	err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (s *redisStream) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	return s.read(ctx, stream, group, consumer, ">", count, block)
}

func (s *redisStream) ReadBacklog(ctx context.Context, stream, group, consumer string, count int64) ([]Message, error) {
	return s.read(ctx, stream, group, consumer, "0", count, -1)
}

func (s *redisStream) read(ctx context.Context, stream, group, consumer, cursor string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, cursor},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var messages []Message
	for _, entry := range res {
		for _, msg := range entry.Messages {
			messages = append(messages, Message{ID: msg.ID, Values: stringValues(msg.Values)})
		}
	}
	return messages, nil
}

func (s *redisStream) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.client.XAck(ctx, stream, group, ids...).Err()
}

func (s *redisStream) Len(ctx context.Context, stream string) (int64, error) {
	return s.client.XLen(ctx, stream).Result()
}

func (s *redisStream) Groups(ctx context.Context, stream string) ([]GroupInfo, error) {
	res, err := s.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, err
	}
	groups := make([]GroupInfo, 0, len(res))
	for _, g := range res {
		groups = append(groups, GroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			Lag:             g.Lag,
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return groups, nil
}

func (s *redisStream) Pending(ctx context.Context, stream, group string) (*PendingSummary, error) {
	res, err := s.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, err
	}
	return &PendingSummary{
		Count:     res.Count,
		Lower:     res.Lower,
		Higher:    res.Higher,
		Consumers: res.Consumers,
	}, nil
}

func (s *redisStream) PendingEntries(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	if count <= 0 {
		count = 100
	}
	res, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]PendingEntry, 0, len(res))
	for _, e := range res {
		entries = append(entries, PendingEntry{
			ID:         e.ID,
			Consumer:   e.Consumer,
			Idle:       e.Idle,
			RetryCount: e.RetryCount,
		})
	}
	return entries, nil
}

func stringValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
