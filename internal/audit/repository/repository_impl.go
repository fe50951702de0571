package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/applykit/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

// List returns entries newest first. One row past Limit is fetched so the
// caller can tell whether another page exists.
func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	var logs []*domain.AuditLog
	q := db.WithContext(ctx).
		Model(&domain.AuditLog{}).
		Scopes(matching(filter), createdBetween(filter), before(filter.Cursor)).
		Order("created_at desc, id desc")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit + 1)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func matching(filter domain.ListFilter) func(*gorm.DB) *gorm.DB {
	columns := []struct{ name, value string }{
		{"action", filter.Action},
		{"target_type", filter.TargetType},
		{"target_id", filter.TargetID},
		{"actor_type", filter.ActorType},
	}
	return func(q *gorm.DB) *gorm.DB {
		for _, col := range columns {
			if v := strings.TrimSpace(col.value); v != "" {
				q = q.Where(col.name+" = ?", v)
			}
		}
		return q
	}
}

func createdBetween(filter domain.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if filter.StartAt != nil {
			q = q.Where("created_at >= ?", filter.StartAt.UTC())
		}
		if filter.EndAt != nil {
			q = q.Where("created_at <= ?", filter.EndAt.UTC())
		}
		return q
	}
}

func before(cursor *domain.AuditCursor) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if cursor == nil {
			return q
		}
		return q.Where("created_at < ? OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
}
