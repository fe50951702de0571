package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/applykit/internal/audit/domain"
	"github.com/smallbiznis/applykit/internal/clock"
	"github.com/smallbiznis/applykit/internal/config"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	obsmetrics "github.com/smallbiznis/applykit/internal/observability/metrics"
	"github.com/smallbiznis/applykit/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/applykit/internal/payment/domain"
	"github.com/smallbiznis/applykit/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       paymentdomain.Repository
	Adapters   *adapters.Registry
	Credits    creditsdomain.Service
	Catalog    *config.CatalogHolder `optional:"true"`
	AuditSvc   auditdomain.Service   `optional:"true"`
	Clock      clock.Clock           `optional:"true"`
	ObsMetrics *obsmetrics.Metrics   `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	adapters   *adapters.Registry
	credits    creditsdomain.Service
	catalog    *config.CatalogHolder
	auditSvc   auditdomain.Service
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		adapters:   p.Adapters,
		credits:    p.Credits,
		catalog:    p.Catalog,
		auditSvc:   p.AuditSvc,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// IngestWebhook authenticates a delivery and converts a completed purchase
// into a credit grant. Once the signature is valid every outcome, including a
// refused grant, is acknowledged so the provider stops retrying; the
// payment_events row is what operators reconcile from.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.Outcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", paymentdomain.ErrInvalidProvider
	}
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidConfig) {
			s.log.Warn("webhook received for provider without secret", zap.String("provider", provider))
			return "", paymentdomain.ErrProviderNotFound
		}
		return "", err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.obsMetrics.RecordWebhook(ctx, provider, "", "invalid_signature")
		s.log.Warn("webhook signature rejected", zap.String("provider", provider))
		return "", paymentdomain.ErrInvalidSignature
	}

	event, err := adapter.Parse(ctx, payload, headers)
	switch {
	case errors.Is(err, paymentdomain.ErrEventIgnored):
		s.obsMetrics.RecordWebhook(ctx, provider, "", string(paymentdomain.OutcomeIgnored))
		return paymentdomain.OutcomeIgnored, nil
	case err != nil:
		s.obsMetrics.RecordWebhook(ctx, provider, "", "malformed")
		return "", err
	}

	record := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ExternalEventID,
		EventType:       event.Type,
		ProductID:       event.ProductID,
		PayerExternalID: event.PayerExternalID,
		PayerEmail:      event.PayerEmail,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}
	record.Outcome = s.grant(ctx, event, record)

	if err := s.repo.InsertEvent(ctx, s.db, record); err != nil {
		s.log.Error("record webhook delivery failed",
			zap.String("provider", provider),
			zap.String("event_id", event.ExternalEventID),
			zap.String("outcome", string(record.Outcome)),
			zap.Error(err),
		)
	}
	s.obsMetrics.RecordWebhook(ctx, provider, event.Type, string(record.Outcome))
	return record.Outcome, nil
}

func (s *Service) grant(ctx context.Context, event *paymentdomain.PurchaseEvent, record *paymentdomain.EventRecord) paymentdomain.Outcome {
	fields := []zap.Field{
		zap.String("provider", event.Provider),
		zap.String("event_id", event.ExternalEventID),
		zap.String("product_id", event.ProductID),
		zap.String("payer_external_id", event.PayerExternalID),
	}

	credits, ok := s.catalog.Get().ProductCredits(event.ProductID)
	if !ok || credits <= 0 {
		s.log.Warn("purchase for unmapped product, no credits granted", fields...)
		return paymentdomain.OutcomeUnmappedProduct
	}
	record.Credits = credits

	result, err := s.credits.GrantCredits(ctx, creditsdomain.GrantRequest{
		PayerExternalID: event.PayerExternalID,
		PayerEmail:      event.PayerEmail,
		Amount:          credits,
		ExternalEventID: event.ExternalEventID,
		Provider:        event.Provider,
		ProductID:       event.ProductID,
		Metadata: map[string]any{
			"event_type":  event.Type,
			"occurred_at": event.OccurredAt.UTC().Format(time.RFC3339),
		},
	})
	outcome := outcomeFor(err)
	s.obsMetrics.RecordGrant(ctx, event.Provider, string(outcome))
	if err != nil {
		record.Error = err.Error()
		if outcome == paymentdomain.OutcomeDuplicate {
			s.log.Info("purchase already applied", fields...)
		} else {
			s.log.Error("credit grant refused", append(fields, zap.String("outcome", string(outcome)), zap.Error(err))...)
		}
		return outcome
	}

	record.ActorID = result.ActorID
	s.log.Info("credits granted", append(fields,
		zap.String("actor_id", result.ActorID),
		zap.Int64("credits", credits),
		zap.Int64("balance", result.Balance.Credits),
	)...)
	if s.auditSvc != nil {
		actorID := result.ActorID
		if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeSystem, nil, auditdomain.ActionCreditsGranted, "balance", &actorID, map[string]any{
			"provider":   event.Provider,
			"event_id":   event.ExternalEventID,
			"product_id": event.ProductID,
			"credits":    credits,
		}); err != nil {
			s.log.Warn("audit credit grant failed", zap.Error(err))
		}
	}
	return paymentdomain.OutcomeGranted
}

func outcomeFor(err error) paymentdomain.Outcome {
	switch {
	case err == nil:
		return paymentdomain.OutcomeGranted
	case errors.Is(err, creditsdomain.ErrEventAlreadyProcessed):
		return paymentdomain.OutcomeDuplicate
	case errors.Is(err, creditsdomain.ErrNoRecipient):
		return paymentdomain.OutcomeNoRecipient
	case errors.Is(err, creditsdomain.ErrAmbiguousRecipient):
		return paymentdomain.OutcomeAmbiguousRecipient
	case errors.Is(err, creditsdomain.ErrBlocked):
		return paymentdomain.OutcomeBlocked
	default:
		return paymentdomain.OutcomeFailed
	}
}

func (s *Service) ListEvents(ctx context.Context, req paymentdomain.ListEventsRequest) (paymentdomain.ListEventsResponse, error) {
	outcome := strings.ToLower(strings.TrimSpace(req.Outcome))
	if outcome != "" && !paymentdomain.Outcome(outcome).Valid() {
		return paymentdomain.ListEventsResponse{}, paymentdomain.ErrInvalidOutcome
	}

	var cursor *paymentdomain.EventCursor
	decoded, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return paymentdomain.ListEventsResponse{}, paymentdomain.ErrInvalidPageToken
	}
	if decoded != nil {
		receivedAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return paymentdomain.ListEventsResponse{}, paymentdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return paymentdomain.ListEventsResponse{}, paymentdomain.ErrInvalidPageToken
		}
		cursor = &paymentdomain.EventCursor{ID: id.Int64(), ReceivedAt: receivedAt}
	}

	limit := req.Limit()
	items, err := s.repo.ListEvents(ctx, s.db, paymentdomain.EventFilter{
		Provider: strings.ToLower(strings.TrimSpace(req.Provider)),
		Outcome:  outcome,
		Cursor:   cursor,
		Limit:    limit,
	})
	if err != nil {
		return paymentdomain.ListEventsResponse{}, fmt.Errorf("list webhook events: %w", err)
	}

	page, pageInfo := pagination.BuildCursorPage(items, limit, func(item *paymentdomain.EventRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.ReceivedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	events := make([]paymentdomain.EventRecord, 0, len(page))
	for _, item := range page {
		if item != nil {
			events = append(events, *item)
		}
	}
	return paymentdomain.ListEventsResponse{PageInfo: pageInfo, Events: events}, nil
}
