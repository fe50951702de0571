package balancefeed

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/applykit/internal/config"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	obsmetrics "github.com/smallbiznis/applykit/internal/observability/metrics"
	"github.com/smallbiznis/applykit/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("balancefeed",
	fx.Provide(NewHub),
	fx.Provide(NewRelay),
	fx.Provide(NewPublisher),
	fx.Provide(func(p *Publisher) creditsdomain.BalancePublisher { return p }),
	fx.Invoke(registerListener),
)

type RelayParams struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	DBConf db.Config
	Redis  *redis.Client `optional:"true"`
	Log    *zap.Logger
}

// NewRelay picks the configured transport. A nil Relay keeps the feed local
// to this process.
func NewRelay(p RelayParams) Relay {
	switch p.Config.BalanceFeedRelay {
	case config.RelayRedis:
		if p.Redis == nil {
			p.Log.Warn("balance feed relay redis requested without REDIS_ADDR, using local relay")
			return nil
		}
		return NewRedisRelay(p.Redis, p.Log)
	case config.RelayPostgres:
		if !p.DBConf.IsPostgres() {
			p.Log.Warn("balance feed relay postgres requested on a non-postgres database, using local relay")
			return nil
		}
		return NewPostgresRelay(p.DB, db.PostgresDSN(p.DBConf), p.Log)
	default:
		return nil
	}
}

type listenerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Hub       *Hub
	Relay     Relay                     `optional:"true"`
	Ledger    *obsmetrics.LedgerMetrics `optional:"true"`
	Log       *zap.Logger
}

const relayRetryDelay = 5 * time.Second

func registerListener(p listenerParams) {
	if p.Ledger != nil {
		p.Hub.OnSubscribersChanged(func(delta int) { p.Ledger.AddFeedSubscribers(float64(delta)) })
	}
	if p.Relay == nil {
		return
	}

	log := p.Log.Named("balancefeed")
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					if err := p.Relay.Listen(ctx, p.Hub.Publish); err != nil {
						log.Warn("relay listener stopped", zap.Error(err))
					}
					select {
					case <-ctx.Done():
						return
					case <-time.After(relayRetryDelay):
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
