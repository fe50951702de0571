package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/applykit/internal/credits/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// openTestDB creates the balance table without a CHECK constraint so that
// only the UPDATE predicate can refuse an overdraft.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	stmts := []string{
		`CREATE TABLE credit_balances (
			actor_id TEXT PRIMARY KEY,
			email TEXT,
			credits INTEGER NOT NULL DEFAULT 0,
			total_ai_calls INTEGER NOT NULL DEFAULT 0,
			total_documents_generated INTEGER NOT NULL DEFAULT 0,
			total_cv_generated INTEGER NOT NULL DEFAULT 0,
			total_lm_generated INTEGER NOT NULL DEFAULT 0,
			blocked BOOLEAN NOT NULL DEFAULT false,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
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
	return db
}

func insertBalance(t *testing.T, db *gorm.DB, actorID string, credits int64, blocked bool) {
	t.Helper()
	require.NoError(t, db.Exec(
		`INSERT INTO credit_balances (actor_id, credits, blocked, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		actorID, credits, blocked, testNow, testNow,
	).Error)
}

func TestDecrementIfAvailableRefusesAfterStaleRead(t *testing.T) {
	db := openTestDB(t)
	r := Provide()
	ctx := context.Background()
	insertBalance(t, db, "u1", 5, false)

	// Both callers observe 5 credits before either writes.
	seenByA, err := r.FindBalance(ctx, db, "u1")
	require.NoError(t, err)
	seenByB, err := r.FindBalance(ctx, db, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(5), seenByA.Credits)
	require.Equal(t, int64(5), seenByB.Credits)

	ok, err := r.DecrementIfAvailable(ctx, db, "u1", 4, domain.Counters{AICalls: 1}, testNow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.DecrementIfAvailable(ctx, db, "u1", 3, domain.Counters{AICalls: 1}, testNow)
	require.NoError(t, err)
	assert.False(t, ok)

	balance, err := r.FindBalance(ctx, db, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.Credits)
	assert.Equal(t, int64(1), balance.TotalAICalls)
}

func TestDecrementIfAvailableSkipsBlockedAndUnknownActors(t *testing.T) {
	db := openTestDB(t)
	r := Provide()
	ctx := context.Background()
	insertBalance(t, db, "blocked", 50, true)

	ok, err := r.DecrementIfAvailable(ctx, db, "blocked", 1, domain.Counters{}, testNow)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.DecrementIfAvailable(ctx, db, "ghost", 1, domain.Counters{}, testNow)
	require.NoError(t, err)
	assert.False(t, ok)

	balance, err := r.FindBalance(ctx, db, "blocked")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance.Credits)
}

func TestMarkEventProcessedKeysOnProviderAndEventID(t *testing.T) {
	db := openTestDB(t)
	r := Provide()
	ctx := context.Background()

	mark := func(provider string) bool {
		t.Helper()
		ok, err := r.MarkEventProcessed(ctx, db, &domain.ProcessedEvent{
			Provider:    provider,
			EventID:     "evt_1",
			Amount:      10,
			ProcessedAt: testNow,
		})
		require.NoError(t, err)
		return ok
	}

	assert.True(t, mark("polar"))
	assert.True(t, mark("stripe"))
	assert.False(t, mark("polar"))

	require.NoError(t, r.AssignEventActor(ctx, db, "stripe", "evt_1", "u2"))

	var polar domain.ProcessedEvent
	require.NoError(t, db.First(&polar, "provider = ? AND event_id = ?", "polar", "evt_1").Error)
	assert.Empty(t, polar.ActorID)

	var stripe domain.ProcessedEvent
	require.NoError(t, db.First(&stripe, "provider = ? AND event_id = ?", "stripe", "evt_1").Error)
	assert.Equal(t, "u2", stripe.ActorID)
}
