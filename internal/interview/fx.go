package interview

import (
	"context"

	"github.com/smallbiznis/applykit/internal/interview/domain"
	"github.com/smallbiznis/applykit/internal/interview/service"
	"go.uber.org/fx"
)

var Module = fx.Module("interview",
	fx.Provide(service.NewTracker),
	fx.Provide(func(t *service.Tracker) domain.Tracker { return t }),
	fx.Provide(service.NewSweeper),
	fx.Invoke(runSweeper),
)

func runSweeper(lc fx.Lifecycle, sweeper *service.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sweeper.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
