package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/applykit/internal/credits/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindBalance(ctx context.Context, db *gorm.DB, actorID string) (*domain.Balance, error) {
	var balance domain.Balance
	err := db.WithContext(ctx).Where("actor_id = ?", actorID).Take(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &balance, nil
}

// FindBalancesByEmail returns at most a handful of matches; callers only need
// to tell zero, one and many apart.
func (r *repo) FindBalancesByEmail(ctx context.Context, db *gorm.DB, email string) ([]domain.Balance, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	var balances []domain.Balance
	err := db.WithContext(ctx).
		Where("email = ?", email).
		Order("actor_id asc").
		Limit(5).
		Find(&balances).Error
	return balances, err
}

// DecrementIfAvailable applies the debit as one conditional update. The row
// lock taken by the UPDATE serializes concurrent debits of the same actor.
func (r *repo) DecrementIfAvailable(ctx context.Context, db *gorm.DB, actorID string, amount int64, counters domain.Counters, now time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&domain.Balance{}).
		Where("actor_id = ? AND blocked = ? AND credits >= ?", actorID, false, amount).
		UpdateColumns(map[string]any{
			"credits":                   gorm.Expr("credits - ?", amount),
			"total_ai_calls":            gorm.Expr("total_ai_calls + ?", counters.AICalls),
			"total_documents_generated": gorm.Expr("total_documents_generated + ?", counters.Documents),
			"total_cv_generated":        gorm.Expr("total_cv_generated + ?", counters.CV),
			"total_lm_generated":        gorm.Expr("total_lm_generated + ?", counters.LM),
			"updated_at":                now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) AddCredits(ctx context.Context, db *gorm.DB, actorID, email string, amount int64, now time.Time) error {
	record := domain.Balance{
		ActorID:   actorID,
		Email:     NormalizeEmail(email),
		Credits:   amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "actor_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"credits":    gorm.Expr("credit_balances.credits + ?", amount),
				"updated_at": now,
			}),
		}).
		Create(&record).Error
}

func (r *repo) UpsertBlocked(ctx context.Context, db *gorm.DB, actorID string, blocked bool, now time.Time) error {
	record := domain.Balance{
		ActorID:   actorID,
		Blocked:   blocked,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "actor_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"blocked":    blocked,
				"updated_at": now,
			}),
		}).
		Create(&record).Error
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, actorID, email string, now time.Time) (bool, error) {
	record := domain.Balance{
		ActorID:   actorID,
		Email:     NormalizeEmail(email),
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "actor_id"}}, DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) UpdateEmail(ctx context.Context, db *gorm.DB, actorID, email string, now time.Time) (bool, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return false, nil
	}
	result := db.WithContext(ctx).
		Model(&domain.Balance{}).
		Where("actor_id = ? AND (email IS NULL OR email <> ?)", actorID, email).
		UpdateColumns(map[string]any{
			"email":      email,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertUsageLog(ctx context.Context, db *gorm.DB, entry *domain.UsageLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) ListUsageLogs(ctx context.Context, db *gorm.DB, filter domain.UsageFilter) ([]*domain.UsageLog, error) {
	var logs []*domain.UsageLog
	stmt := db.WithContext(ctx).Model(&domain.UsageLog{})

	if actorID := strings.TrimSpace(filter.ActorID); actorID != "" {
		stmt = stmt.Where("actor_id = ?", actorID)
	}
	if action := strings.TrimSpace(filter.Action); action != "" {
		stmt = stmt.Where("action = ?", action)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// MarkEventProcessed is the check-and-set of the grant ledger. It reports
// false when the provider already delivered this event id.
func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, event *domain.ProcessedEvent) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) AssignEventActor(ctx context.Context, db *gorm.DB, provider, eventID, actorID string) error {
	return db.WithContext(ctx).
		Model(&domain.ProcessedEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Update("actor_id", actorID).Error
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
