package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/applykit/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) error {
	return db.WithContext(ctx).Create(event).Error
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, filter domain.EventFilter) ([]*domain.EventRecord, error) {
	var events []*domain.EventRecord
	stmt := db.WithContext(ctx).Model(&domain.EventRecord{})

	if provider := strings.TrimSpace(filter.Provider); provider != "" {
		stmt = stmt.Where("provider = ?", provider)
	}
	if outcome := strings.TrimSpace(filter.Outcome); outcome != "" {
		stmt = stmt.Where("outcome = ?", outcome)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(received_at < ?) OR (received_at = ? AND id < ?)",
			filter.Cursor.ReceivedAt,
			filter.Cursor.ReceivedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("received_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
