package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/applykit/internal/clock"
	"github.com/smallbiznis/applykit/internal/credits/domain"
	"github.com/smallbiznis/applykit/internal/credits/repository"
	obsmetrics "github.com/smallbiznis/applykit/internal/observability/metrics"
	"github.com/smallbiznis/applykit/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	Clock     clock.Clock               `optional:"true"`
	Publisher domain.BalancePublisher   `optional:"true"`
	Metrics   *obsmetrics.Metrics       `optional:"true"`
	Ledger    *obsmetrics.LedgerMetrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	clock     clock.Clock
	publisher domain.BalancePublisher
	metrics   *obsmetrics.Metrics
	ledger    *obsmetrics.LedgerMetrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("credits.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		clock:     clk,
		publisher: p.Publisher,
		metrics:   p.Metrics,
		ledger:    p.Ledger,
	}
}

func (s *Service) GetBalance(ctx context.Context, actorID string) (domain.Balance, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.Balance{}, domain.ErrInvalidActor
	}
	balance, err := s.repo.FindBalance(ctx, s.db, actorID)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	if balance == nil {
		return domain.Balance{ActorID: actorID}, nil
	}
	return *balance, nil
}

// Debit reserves credits before a paid action runs. The balance update and the
// usage log commit together or not at all; debits are never refunded.
func (s *Service) Debit(ctx context.Context, req domain.DebitRequest) (domain.DebitResult, error) {
	actorID := strings.TrimSpace(req.ActorID)
	if actorID == "" {
		return domain.DebitResult{}, domain.ErrInvalidActor
	}
	if req.Amount <= 0 {
		return domain.DebitResult{}, domain.ErrInvalidAmount
	}
	action := domain.Action(strings.TrimSpace(string(req.Action)))
	if action == "" {
		return domain.DebitResult{}, domain.ErrInvalidAction
	}
	docType := normalizeDocType(req.DocType)

	now := s.clock.Now()
	entry := &domain.UsageLog{
		ID:           s.genID.Generate(),
		ActorID:      actorID,
		ActorEmail:   repository.NormalizeEmail(req.ActorEmail),
		Action:       action,
		DocType:      docType,
		CreditsDelta: -req.Amount,
		Metadata:     toJSONMap(req.Metadata),
		CreatedAt:    now,
	}

	start := time.Now()
	var balance domain.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.DecrementIfAvailable(ctx, tx, actorID, req.Amount, countersFor(action, docType), now)
		if err != nil {
			return err
		}
		if !ok {
			current, err := s.repo.FindBalance(ctx, tx, actorID)
			if err != nil {
				return err
			}
			if current != nil && current.Blocked {
				return domain.ErrBlocked
			}
			return domain.ErrInsufficientCredits
		}

		if err := s.repo.InsertUsageLog(ctx, tx, entry); err != nil {
			return err
		}

		current, err := s.repo.FindBalance(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if current == nil {
			return errors.New("balance missing after debit")
		}
		balance = *current
		return nil
	})

	outcome := debitOutcome(err)
	s.observe(obsmetrics.LedgerOpDebit, outcome, start, err)
	s.metrics.RecordDebit(ctx, string(action), outcome)

	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientCredits):
			s.log.Debug("debit refused, insufficient credits", zap.String("actor_id", actorID), zap.Int64("amount", req.Amount))
			return domain.DebitResult{}, err
		case errors.Is(err, domain.ErrBlocked):
			s.log.Info("debit refused, actor blocked", zap.String("actor_id", actorID))
			return domain.DebitResult{}, err
		default:
			s.log.Error("debit failed", zap.String("actor_id", actorID), zap.Error(err))
			return domain.DebitResult{}, fmt.Errorf("debit: %w", err)
		}
	}

	s.publish(ctx, balance)
	return domain.DebitResult{Balance: balance, LogID: entry.ID.String()}, nil
}

// GrantCredits applies a paid event at most once per provider and event id.
// The processed-event mark, the balance increment and the usage log share
// one transaction, so a refused grant leaves the event free to be retried.
func (s *Service) GrantCredits(ctx context.Context, req domain.GrantRequest) (domain.GrantResult, error) {
	eventID := strings.TrimSpace(req.ExternalEventID)
	if eventID == "" {
		return domain.GrantResult{}, domain.ErrInvalidEvent
	}
	if req.Amount <= 0 {
		return domain.GrantResult{}, domain.ErrInvalidAmount
	}
	payerID := strings.TrimSpace(req.PayerExternalID)
	payerEmail := repository.NormalizeEmail(req.PayerEmail)
	if payerID == "" && payerEmail == "" {
		return domain.GrantResult{}, domain.ErrNoRecipient
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = "unknown"
	}
	action := req.Action
	if action == "" {
		action = domain.ActionPurchaseCredits
	}

	now := s.clock.Now()
	start := time.Now()

	var result domain.GrantResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.MarkEventProcessed(ctx, tx, &domain.ProcessedEvent{
			EventID:     eventID,
			Provider:    provider,
			Amount:      req.Amount,
			ProcessedAt: now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return domain.ErrEventAlreadyProcessed
		}

		recipient, err := s.resolveRecipient(ctx, tx, payerID, payerEmail)
		if err != nil {
			return err
		}
		if recipient.existing != nil && recipient.existing.Blocked {
			return domain.ErrBlocked
		}

		if err := s.repo.AddCredits(ctx, tx, recipient.actorID, payerEmail, req.Amount, now); err != nil {
			return err
		}
		if err := s.repo.AssignEventActor(ctx, tx, provider, eventID, recipient.actorID); err != nil {
			return err
		}

		metadata := map[string]any{}
		for k, v := range req.Metadata {
			metadata[k] = v
		}
		metadata["event_id"] = eventID
		metadata["provider"] = provider
		if productID := strings.TrimSpace(req.ProductID); productID != "" {
			metadata["product_id"] = productID
		}

		if err := s.repo.InsertUsageLog(ctx, tx, &domain.UsageLog{
			ID:           s.genID.Generate(),
			ActorID:      recipient.actorID,
			ActorEmail:   payerEmail,
			Action:       action,
			DocType:      domain.DocTypeOther,
			CreditsDelta: req.Amount,
			Metadata:     datatypes.JSONMap(metadata),
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		current, err := s.repo.FindBalance(ctx, tx, recipient.actorID)
		if err != nil {
			return err
		}
		if current == nil {
			return errors.New("balance missing after grant")
		}
		result = domain.GrantResult{
			ActorID: recipient.actorID,
			Balance: *current,
			Created: recipient.existing == nil,
		}
		return nil
	})

	outcome := grantOutcome(err)
	s.observe(obsmetrics.LedgerOpGrant, outcome, start, err)
	s.metrics.RecordGrant(ctx, provider, outcome)

	if err != nil {
		fields := []zap.Field{
			zap.String("event_id", eventID),
			zap.String("provider", provider),
			zap.String("payer_id", payerID),
			zap.Int64("amount", req.Amount),
		}
		switch {
		case errors.Is(err, domain.ErrEventAlreadyProcessed):
			s.log.Info("grant skipped, event already processed", fields...)
			return domain.GrantResult{}, err
		case errors.Is(err, domain.ErrNoRecipient),
			errors.Is(err, domain.ErrAmbiguousRecipient),
			errors.Is(err, domain.ErrBlocked):
			s.log.Warn("grant refused", append(fields, zap.Error(err))...)
			return domain.GrantResult{}, err
		default:
			s.log.Error("grant failed", append(fields, zap.Error(err))...)
			return domain.GrantResult{}, fmt.Errorf("grant credits: %w", err)
		}
	}

	s.log.Info("credits granted",
		zap.String("event_id", eventID),
		zap.String("provider", provider),
		zap.String("actor_id", result.ActorID),
		zap.Int64("amount", req.Amount),
		zap.Bool("created", result.Created),
	)
	s.publish(ctx, result.Balance)
	return result, nil
}

type recipient struct {
	actorID  string
	existing *domain.Balance
}

// resolveRecipient prefers the payer id, falls back to a unique email match and
// finally opens a new balance under the payer id.
func (s *Service) resolveRecipient(ctx context.Context, tx *gorm.DB, payerID, payerEmail string) (recipient, error) {
	if payerID != "" {
		existing, err := s.repo.FindBalance(ctx, tx, payerID)
		if err != nil {
			return recipient{}, err
		}
		if existing != nil {
			return recipient{actorID: payerID, existing: existing}, nil
		}
	}

	if payerEmail != "" {
		matches, err := s.repo.FindBalancesByEmail(ctx, tx, payerEmail)
		if err != nil {
			return recipient{}, err
		}
		switch {
		case len(matches) == 1:
			match := matches[0]
			return recipient{actorID: match.ActorID, existing: &match}, nil
		case len(matches) > 1:
			ids := make([]string, 0, len(matches))
			for _, m := range matches {
				ids = append(ids, m.ActorID)
			}
			s.log.Error("payer email matches several balances", zap.Strings("actor_ids", ids))
			return recipient{}, domain.ErrAmbiguousRecipient
		}
	}

	if payerID != "" {
		return recipient{actorID: payerID}, nil
	}
	return recipient{}, domain.ErrNoRecipient
}

func (s *Service) ListUsage(ctx context.Context, req domain.ListUsageRequest) (domain.ListUsageResponse, error) {
	var cursor *domain.UsageCursor
	decoded, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListUsageResponse{}, domain.ErrInvalidPageToken
	}
	if decoded != nil {
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return domain.ListUsageResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return domain.ListUsageResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.UsageCursor{ID: id.Int64(), CreatedAt: createdAt}
	}

	limit := req.Limit()
	items, err := s.repo.ListUsageLogs(ctx, s.db, domain.UsageFilter{
		ActorID: req.ActorID,
		Action:  req.Action,
		Cursor:  cursor,
		Limit:   limit,
	})
	if err != nil {
		return domain.ListUsageResponse{}, fmt.Errorf("list usage: %w", err)
	}

	page, pageInfo := pagination.BuildCursorPage(items, limit, func(item *domain.UsageLog) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	logs := make([]domain.UsageLog, 0, len(page))
	for _, item := range page {
		if item != nil {
			logs = append(logs, *item)
		}
	}
	return domain.ListUsageResponse{PageInfo: pageInfo, UsageLogs: logs}, nil
}

// SetBlocked toggles the administrative lock, creating the balance if needed.
func (s *Service) SetBlocked(ctx context.Context, actorID string, blocked bool) (domain.Balance, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.Balance{}, domain.ErrInvalidActor
	}

	now := s.clock.Now()
	start := time.Now()
	var balance domain.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpsertBlocked(ctx, tx, actorID, blocked, now); err != nil {
			return err
		}
		current, err := s.repo.FindBalance(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if current == nil {
			return errors.New("balance missing after block update")
		}
		balance = *current
		return nil
	})
	s.observe(obsmetrics.LedgerOpSetBlocked, outcomeOf(err), start, err)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("set blocked: %w", err)
	}

	s.log.Info("balance lock changed", zap.String("actor_id", actorID), zap.Bool("blocked", blocked))
	s.publish(ctx, balance)
	return balance, nil
}

// EnsureAccount opens a zero balance for actorID or refreshes its email.
// It never touches credits.
func (s *Service) EnsureAccount(ctx context.Context, actorID, email string) (bool, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return false, domain.ErrInvalidActor
	}

	now := s.clock.Now()
	start := time.Now()
	created, err := s.repo.InsertAccount(ctx, s.db, actorID, email, now)
	if err == nil && !created {
		_, err = s.repo.UpdateEmail(ctx, s.db, actorID, email, now)
	}
	s.observe(obsmetrics.LedgerOpEnsure, outcomeOf(err), start, err)
	if err != nil {
		return false, fmt.Errorf("ensure account: %w", err)
	}
	return created, nil
}

func (s *Service) publish(ctx context.Context, balance domain.Balance) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishBalance(ctx, balance)
}

func (s *Service) observe(op, outcome string, start time.Time, err error) {
	s.ledger.ObserveTransaction(op, outcome, time.Since(start))
	if outcome == "error" {
		s.ledger.IncStoreError(op, err)
	}
}

func countersFor(action domain.Action, docType domain.DocType) domain.Counters {
	counters := domain.Counters{AICalls: 1}
	if action != domain.ActionGenerateDocument {
		return counters
	}
	counters.Documents = 1
	switch docType {
	case domain.DocTypeCV:
		counters.CV = 1
	case domain.DocTypeLM:
		counters.LM = 1
	}
	return counters
}

func normalizeDocType(docType domain.DocType) domain.DocType {
	switch domain.DocType(strings.ToLower(strings.TrimSpace(string(docType)))) {
	case domain.DocTypeCV:
		return domain.DocTypeCV
	case domain.DocTypeLM:
		return domain.DocTypeLM
	default:
		return domain.DocTypeOther
	}
}

func toJSONMap(in map[string]any) datatypes.JSONMap {
	if len(in) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(in))
	for k, v := range in {
		if strings.TrimSpace(k) == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func debitOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, domain.ErrBlocked):
		return "blocked"
	default:
		return "error"
	}
}

func grantOutcome(err error) string {
	switch {
	case err == nil:
		return "granted"
	case errors.Is(err, domain.ErrEventAlreadyProcessed):
		return "duplicate"
	case errors.Is(err, domain.ErrNoRecipient):
		return "no_recipient"
	case errors.Is(err, domain.ErrAmbiguousRecipient):
		return "ambiguous"
	case errors.Is(err, domain.ErrBlocked):
		return "blocked"
	default:
		return "error"
	}
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
