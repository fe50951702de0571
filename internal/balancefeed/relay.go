package balancefeed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	redisChannel    = "applykit:balance"
	postgresChannel = "applykit_balance"

	listenerPingInterval = 90 * time.Second
)

// Relay carries updates between API instances. Listen blocks until ctx is
// cancelled and hands every received update to deliver.
type Relay interface {
	Publish(ctx context.Context, update Update) error
	Listen(ctx context.Context, deliver func(Update)) error
}

type redisRelay struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisRelay(client *redis.Client, log *zap.Logger) Relay {
	return &redisRelay{client: client, log: log.Named("balancefeed.redis")}
}

func (r *redisRelay) Publish(ctx context.Context, update Update) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, redisChannel, payload).Err()
}

func (r *redisRelay) Listen(ctx context.Context, deliver func(Update)) error {
	sub := r.client.Subscribe(ctx, redisChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var update Update
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				r.log.Warn("dropping malformed balance update", zap.Error(err))
				continue
			}
			deliver(update)
		}
	}
}

// postgresRelay publishes with pg_notify on the main pool and listens on a
// dedicated lib/pq connection.
type postgresRelay struct {
	db  *gorm.DB
	dsn string
	log *zap.Logger
}

func NewPostgresRelay(db *gorm.DB, dsn string, log *zap.Logger) Relay {
	return &postgresRelay{db: db, dsn: dsn, log: log.Named("balancefeed.postgres")}
}

func (r *postgresRelay) Publish(ctx context.Context, update Update) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", postgresChannel, string(payload)).Error
}

func (r *postgresRelay) Listen(ctx context.Context, deliver func(Update)) error {
	listener := pq.NewListener(r.dsn, time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			r.log.Warn("listener event", zap.Int("event", int(event)), zap.Error(err))
		}
	})
	defer listener.Close()

	if err := listener.Listen(postgresChannel); err != nil {
		return err
	}

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-listener.Notify:
			if !ok {
				return errors.New("listener closed")
			}
			// nil after a reconnect; missed notifications are not replayed.
			if n == nil {
				continue
			}
			var update Update
			if err := json.Unmarshal([]byte(n.Extra), &update); err != nil {
				r.log.Warn("dropping malformed balance update", zap.Error(err))
				continue
			}
			deliver(update)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				r.log.Warn("listener ping failed", zap.Error(err))
			}
		}
	}
}
