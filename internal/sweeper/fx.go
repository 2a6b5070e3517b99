package sweeper

import (
	"context"

	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
)

func registerSweeper(lc fx.Lifecycle, s *Sweeper, cfg config.Config) {
	if !cfg.Sweep.Enabled {
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(done)
				s.RunForever(runCtx)
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

var Module = fx.Module("sweeper",
	fx.Provide(NewLocker),
	fx.Provide(New),
	fx.Invoke(registerSweeper),
)
