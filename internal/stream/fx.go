package stream

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func registerHooks(lc fx.Lifecycle, client *redis.Client) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(ctx context.Context) error {
			_ = ctx
			return client.Close()
		},
	})
}

var Module = fx.Module("stream",
	fx.Provide(NewRedisClient),
	fx.Provide(NewRedis),
	fx.Invoke(registerHooks),
)
