package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/applykit/internal/clock"
	"github.com/smallbiznis/applykit/internal/credits/domain"
	"github.com/smallbiznis/applykit/internal/credits/repository"
	"github.com/smallbiznis/applykit/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu       sync.Mutex
	balances []domain.Balance
}

func (p *recordingPublisher) PublishBalance(_ context.Context, balance domain.Balance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances = append(p.balances, balance)
}

func (p *recordingPublisher) Last() (domain.Balance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.balances) == 0 {
		return domain.Balance{}, false
	}
	return p.balances[len(p.balances)-1], true
}

type fixture struct {
	svc       *Service
	db        *gorm.DB
	clock     *clock.FakeClock
	publisher *recordingPublisher
}

func setupCreditsService(t *testing.T) fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	prepareCreditsSchema(t, db)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	svc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Repo:      repository.Provide(),
		Clock:     clk,
		Publisher: pub,
	}).(*Service)

	return fixture{svc: svc, db: db, clock: clk, publisher: pub}
}

func prepareCreditsSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE credit_balances (
			actor_id TEXT PRIMARY KEY,
			email TEXT,
			credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
			total_ai_calls INTEGER NOT NULL DEFAULT 0,
			total_documents_generated INTEGER NOT NULL DEFAULT 0,
			total_cv_generated INTEGER NOT NULL DEFAULT 0,
			total_lm_generated INTEGER NOT NULL DEFAULT 0,
			blocked BOOLEAN NOT NULL DEFAULT false,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX idx_credit_balances_email ON credit_balances (email)`,
		`CREATE TABLE credit_usage_logs (
			id INTEGER PRIMARY KEY,
			actor_id TEXT NOT NULL,
			actor_email TEXT,
			action TEXT NOT NULL,
			doc_type TEXT NOT NULL,
			credits_delta INTEGER NOT NULL,
			metadata JSON,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE processed_webhook_events (
			provider TEXT NOT NULL,
			event_id TEXT NOT NULL,
			actor_id TEXT,
			amount INTEGER NOT NULL,
			processed_at DATETIME NOT NULL,
			PRIMARY KEY (provider, event_id)
		)`,
	}
	for _, stmt := range stmts {
		require.NoError(t, db.Exec(stmt).Error)
	}
}

func seedBalance(t *testing.T, db *gorm.DB, actorID, email string, credits int64, blocked bool) {
	t.Helper()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Exec(
		`INSERT INTO credit_balances (actor_id, email, credits, blocked, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		actorID, email, credits, blocked, now, now,
	).Error)
}

func assertCount(t *testing.T, db *gorm.DB, table string, expected int) {
	t.Helper()
	var count int
	require.NoError(t, db.Raw(fmt.Sprintf(`SELECT COUNT(1) FROM %s`, table)).Scan(&count).Error)
	assert.Equal(t, expected, count, "rows in %s", table)
}

func debit(actorID string, amount int64) domain.DebitRequest {
	return domain.DebitRequest{
		ActorID:    actorID,
		ActorEmail: actorID + "@example.com",
		Amount:     amount,
		Action:     domain.ActionInterviewTurn,
		DocType:    domain.DocTypeOther,
	}
}

func TestGetBalanceAbsentIsZero(t *testing.T) {
	f := setupCreditsService(t)

	balance, err := f.svc.GetBalance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", balance.ActorID)
	assert.Zero(t, balance.Credits)
	assert.False(t, balance.Blocked)

	_, err = f.svc.GetBalance(context.Background(), " ")
	assert.ErrorIs(t, err, domain.ErrInvalidActor)
}

func TestDebitWithZeroCreditsIsRefused(t *testing.T) {
	f := setupCreditsService(t)
	seedBalance(t, f.db, "u0", "u0@example.com", 0, false)

	_, err := f.svc.Debit(context.Background(), debit("u0", 1))
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	balance, err := f.svc.GetBalance(context.Background(), "u0")
	require.NoError(t, err)
	assert.Zero(t, balance.Credits)
	assertCount(t, f.db, "credit_usage_logs", 0)
}

func TestDebitAbsentActorIsInsufficient(t *testing.T) {
	f := setupCreditsService(t)

	_, err := f.svc.Debit(context.Background(), debit("nobody", 1))
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assertCount(t, f.db, "credit_balances", 0)
}

func TestDebitBlockedActorWritesNoLog(t *testing.T) {
	f := setupCreditsService(t)
	seedBalance(t, f.db, "u1", "u1@example.com", 100, true)

	_, err := f.svc.Debit(context.Background(), debit("u1", 1))
	assert.ErrorIs(t, err, domain.ErrBlocked)

	balance, err := f.svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Credits)
	assertCount(t, f.db, "credit_usage_logs", 0)
}

func TestDebitValidatesInput(t *testing.T) {
	f := setupCreditsService(t)

	_, err := f.svc.Debit(context.Background(), debit("u1", 0))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.Debit(context.Background(), debit("", 1))
	assert.ErrorIs(t, err, domain.ErrInvalidActor)

	req := debit("u1", 1)
	req.Action = ""
	_, err = f.svc.Debit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidAction)
}

func TestDebitDecrementsCountersAndLogs(t *testing.T) {
	f := setupCreditsService(t)
	seedBalance(t, f.db, "u1", "u1@example.com", 5, false)

	res, err := f.svc.Debit(context.Background(), domain.DebitRequest{
		ActorID:    "u1",
		ActorEmail: "U1@Example.com",
		Amount:     2,
		Action:     domain.ActionGenerateDocument,
		DocType:    domain.DocTypeCV,
		Metadata:   map[string]any{"job_title": "Backend Engineer"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.LogID)
	assert.Equal(t, int64(3), res.Balance.Credits)
	assert.Equal(t, int64(1), res.Balance.TotalAICalls)
	assert.Equal(t, int64(1), res.Balance.TotalDocumentsGenerated)
	assert.Equal(t, int64(1), res.Balance.TotalCVGenerated)
	assert.Zero(t, res.Balance.TotalLMGenerated)

	var entry domain.UsageLog
	require.NoError(t, f.db.First(&entry).Error)
	assert.Equal(t, int64(-2), entry.CreditsDelta)
	assert.Equal(t, "u1@example.com", entry.ActorEmail)
	assert.Equal(t, "Backend Engineer", entry.Metadata["job_title"])

	published, ok := f.publisher.Last()
	require.True(t, ok)
	assert.Equal(t, int64(3), published.Credits)
}

// The fixture pool holds one connection, so these debits run one transaction
// at a time. The refusal under interleaved reads is covered by
// TestDecrementIfAvailableRefusesAfterStaleRead in the repository package.
func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	f := setupCreditsService(t)
	const initial, amount, attempts = 10, 3, 12
	seedBalance(t, f.db, "u1", "u1@example.com", initial, false)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		refused   int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Debit(context.Background(), debit("u1", amount))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientCredits):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, initial/amount, succeeded)
	assert.Equal(t, attempts-initial/amount, refused)

	balance, err := f.svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(initial%amount), balance.Credits)
	assertCount(t, f.db, "credit_usage_logs", initial/amount)
}

func TestGrantCreatesBalanceForUnknownPayer(t *testing.T) {
	f := setupCreditsService(t)

	res, err := f.svc.GrantCredits(context.Background(), domain.GrantRequest{
		PayerExternalID: "u1",
		Amount:          50,
		ExternalEventID: "evt_1",
		Provider:        "polar",
		ProductID:       "prod_50",
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "u1", res.ActorID)
	assert.Equal(t, int64(50), res.Balance.Credits)

	var entry domain.UsageLog
	require.NoError(t, f.db.First(&entry).Error)
	assert.Equal(t, int64(50), entry.CreditsDelta)
	assert.Equal(t, domain.ActionPurchaseCredits, entry.Action)
	assert.Equal(t, "prod_50", entry.Metadata["product_id"])

	var processed domain.ProcessedEvent
	require.NoError(t, f.db.First(&processed, "provider = ? AND event_id = ?", "polar", "evt_1").Error)
	assert.Equal(t, "u1", processed.ActorID)
}

func TestGrantIsAppliedOncePerEvent(t *testing.T) {
	f := setupCreditsService(t)
	seedBalance(t, f.db, "u1", "u1@example.com", 5, false)

	req := domain.GrantRequest{PayerExternalID: "u1", Amount: 20, ExternalEventID: "evt_dup", Provider: "stripe"}
	_, err := f.svc.GrantCredits(context.Background(), req)
	require.NoError(t, err)

	_, err = f.svc.GrantCredits(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)

	balance, err := f.svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance.Credits)
	assertCount(t, f.db, "credit_usage_logs", 1)
}

func TestGrantEventIDsAreScopedByProvider(t *testing.T) {
	f := setupCreditsService(t)
	seedBalance(t, f.db, "u1", "u1@example.com", 0, false)

	_, err := f.svc.GrantCredits(context.Background(), domain.GrantRequest{
		PayerExternalID: "u1", Amount: 10, ExternalEventID: "evt_shared", Provider: "polar",
	})
	require.NoError(t, err)
	_, err = f.svc.GrantCredits(context.Background(), domain.GrantRequest{
		PayerExternalID: "u1", Amount: 15, ExternalEventID: "evt_shared", Provider: "stripe",
	})
	require.NoError(t, err)
	_, err = f.svc.GrantCredits(context.Background(), domain.GrantRequest{
		PayerExternalID: "u1", Amount: 15, ExternalEventID: "evt_shared", Provider: "stripe",
	})
	assert.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)

	balance, err := f.svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance.Credits)
	assertCount(t, f.db, "processed_webhook_events", 2)

	var stripe domain.ProcessedEvent
	require.NoError(t, f.db.First(&stripe, "provider = ? AND event_id = ?", "stripe", "evt_shared").Error)
	assert.Equal(t, int64(15), stripe.Amount)
	assert.Equal(t, "u1", stripe.ActorID)
}

func TestConcurrentDuplicateGrantsApplyOnce(t *testing.T) {
	f := setupCreditsService(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.GrantCredits(context.Background(), domain.GrantRequest{
				PayerExternalID: "u1", Amount: 10, ExternalEventID: "evt_race", Provider: "polar",
			})
		}()
	}
	wg.Wait()

	balance, err := f.svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Credits)
}

func TestGrantThenDebitRoundTrip(t *testing.T) {
	f := setupCreditsService(t)
	seedBalance(t, f.db, "u1", "u1@example.com", 7, false)

	_, err := f.svc.GrantCredits(context.Background(), domain.GrantRequest{PayerExternalID: "u1", Amount: 20, ExternalEventID: "evt_rt", Provider: "polar"})
	require.NoError(t, err)
	_, err = f.svc.Debit(context.Background(), debit("u1", 20))
	require.NoError(t, err)

	balance, err := f.svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance.Credits)

	var sum int64
	require.NoError(t, f.db.Raw(`SELECT COALESCE(SUM(credits_delta), 0) FROM credit_usage_logs`).Scan(&sum).Error)
	assert.Zero(t, sum)
	assertCount(t, f.db, "credit_usage_logs", 2)
}

func TestGrantFallsBackToEmail(t *testing.T) {
	f := setupCreditsService(t)
	seedBalance(t, f.db, "u9", "jane@example.com", 1, false)

	res, err := f.svc.GrantCredits(context.Background(), domain.GrantRequest{
		PayerExternalID: "polar_customer_1",
		PayerEmail:      " Jane@Example.com ",
		Amount:          10,
		ExternalEventID: "evt_email",
		Provider:        "polar",
	})
	require.NoError(t, err)
	assert.Equal(t, "u9", res.ActorID)
	assert.False(t, res.Created)
	assert.Equal(t, int64(11), res.Balance.Credits)
	assertCount(t, f.db, "credit_balances", 1)
}

func TestGrantWithAmbiguousEmailCreditsNobody(t *testing.T) {
	f := setupCreditsService(t)
	seedBalance(t, f.db, "a", "shared@example.com", 0, false)
	seedBalance(t, f.db, "b", "shared@example.com", 0, false)

	_, err := f.svc.GrantCredits(context.Background(), domain.GrantRequest{
		PayerEmail: "shared@example.com", Amount: 10, ExternalEventID: "evt_amb", Provider: "polar",
	})
	assert.ErrorIs(t, err, domain.ErrAmbiguousRecipient)

	var total int64
	require.NoError(t, f.db.Raw(`SELECT SUM(credits) FROM credit_balances`).Scan(&total).Error)
	assert.Zero(t, total)
	assertCount(t, f.db, "processed_webhook_events", 0)
	assertCount(t, f.db, "credit_usage_logs", 0)
}

func TestGrantWithoutMatchingRecipient(t *testing.T) {
	f := setupCreditsService(t)

	_, err := f.svc.GrantCredits(context.Background(), domain.GrantRequest{
		PayerEmail: "nobody@example.com", Amount: 10, ExternalEventID: "evt_none", Provider: "polar",
	})
	assert.ErrorIs(t, err, domain.ErrNoRecipient)
	assertCount(t, f.db, "processed_webhook_events", 0)

	_, err = f.svc.GrantCredits(context.Background(), domain.GrantRequest{Amount: 10, ExternalEventID: "evt_empty"})
	assert.ErrorIs(t, err, domain.ErrNoRecipient)
}

func TestGrantToBlockedRecipientIsRefused(t *testing.T) {
	f := setupCreditsService(t)
	seedBalance(t, f.db, "u1", "u1@example.com", 3, true)

	_, err := f.svc.GrantCredits(context.Background(), domain.GrantRequest{PayerExternalID: "u1", Amount: 10, ExternalEventID: "evt_blk", Provider: "polar"})
	assert.ErrorIs(t, err, domain.ErrBlocked)

	balance, err := f.svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance.Credits)
	assertCount(t, f.db, "processed_webhook_events", 0)
}

func TestGrantValidatesInput(t *testing.T) {
	f := setupCreditsService(t)

	_, err := f.svc.GrantCredits(context.Background(), domain.GrantRequest{PayerExternalID: "u1", Amount: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = f.svc.GrantCredits(context.Background(), domain.GrantRequest{PayerExternalID: "u1", ExternalEventID: "evt"})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestSetBlockedCreatesAndToggles(t *testing.T) {
	f := setupCreditsService(t)

	balance, err := f.svc.SetBlocked(context.Background(), "u1", true)
	require.NoError(t, err)
	assert.True(t, balance.Blocked)
	assert.Zero(t, balance.Credits)

	balance, err = f.svc.SetBlocked(context.Background(), "u1", false)
	require.NoError(t, err)
	assert.False(t, balance.Blocked)
	assertCount(t, f.db, "credit_balances", 1)
}

func TestEnsureAccountNeverTouchesCredits(t *testing.T) {
	f := setupCreditsService(t)

	created, err := f.svc.EnsureAccount(context.Background(), "u1", "old@example.com")
	require.NoError(t, err)
	assert.True(t, created)

	_, err = f.svc.GrantCredits(context.Background(), domain.GrantRequest{PayerExternalID: "u1", Amount: 4, ExternalEventID: "evt_e", Provider: "polar"})
	require.NoError(t, err)

	created, err = f.svc.EnsureAccount(context.Background(), "u1", "New@Example.com")
	require.NoError(t, err)
	assert.False(t, created)

	balance, err := f.svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance.Credits)
	assert.Equal(t, "new@example.com", balance.Email)
}

func TestListUsagePaginatesNewestFirst(t *testing.T) {
	f := setupCreditsService(t)
	seedBalance(t, f.db, "u1", "u1@example.com", 10, false)
	seedBalance(t, f.db, "u2", "u2@example.com", 10, false)

	for i := 0; i < 5; i++ {
		_, err := f.svc.Debit(context.Background(), debit("u1", 1))
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}
	_, err := f.svc.Debit(context.Background(), debit("u2", 1))
	require.NoError(t, err)

	first, err := f.svc.ListUsage(context.Background(), domain.ListUsageRequest{
		Pagination: pagination.Pagination{PageSize: 3},
		ActorID:    "u1",
	})
	require.NoError(t, err)
	require.Len(t, first.UsageLogs, 3)
	assert.True(t, first.HasMore)
	assert.True(t, first.UsageLogs[0].CreatedAt.After(first.UsageLogs[2].CreatedAt))

	second, err := f.svc.ListUsage(context.Background(), domain.ListUsageRequest{
		Pagination: pagination.Pagination{PageSize: 3, PageToken: first.NextPageToken},
		ActorID:    "u1",
	})
	require.NoError(t, err)
	assert.Len(t, second.UsageLogs, 2)
	assert.False(t, second.HasMore)

	_, err = f.svc.ListUsage(context.Background(), domain.ListUsageRequest{Pagination: pagination.Pagination{PageToken: "???"}})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}
