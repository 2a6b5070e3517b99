package creditsync

import (
	"context"

	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"go.uber.org/fx"
)

func registerConsumer(lc fx.Lifecycle, c *Consumer) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(done)
				c.Run(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

var Module = fx.Module("creditsync",
	fx.Provide(NewPublisher),
	fx.Provide(func(p *Publisher) creditdomain.AllocationNotifier { return p }),
	fx.Provide(NewConsumer),
	fx.Provide(NewMonitor),
	fx.Invoke(registerConsumer),
)
