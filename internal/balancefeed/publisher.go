package balancefeed

import (
	"context"

	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	"go.uber.org/zap"
)

// Publisher hands committed balances to the relay, or straight to the local
// hub when no relay is configured.
type Publisher struct {
	hub   *Hub
	relay Relay
	log   *zap.Logger
}

func NewPublisher(hub *Hub, relay Relay, log *zap.Logger) *Publisher {
	return &Publisher{hub: hub, relay: relay, log: log.Named("balancefeed.publisher")}
}

func (p *Publisher) PublishBalance(ctx context.Context, balance creditsdomain.Balance) {
	update := UpdateFromBalance(balance)
	if p.relay == nil {
		p.hub.Publish(update)
		return
	}
	if err := p.relay.Publish(context.WithoutCancel(ctx), update); err != nil {
		p.log.Warn("relay publish failed, delivering locally",
			zap.String("actor_id", update.ActorID),
			zap.Error(err),
		)
		p.hub.Publish(update)
	}
}
