// Package domain holds the credit ledger: per-actor balances, the append-only
// usage log and the processed-event ledger that makes grants idempotent.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Action string

const (
	ActionGenerateDocument Action = "generate_document"
	ActionInterviewTurn    Action = "interview_turn"
	ActionPurchaseCredits  Action = "purchase_credits"
	ActionAdminAdjustment  Action = "admin_adjustment"
	ActionHeartbeat        Action = "heartbeat"
)

type DocType string

const (
	DocTypeCV    DocType = "cv"
	DocTypeLM    DocType = "lm"
	DocTypeOther DocType = "other"
)

// Balance is the single source of truth for whether a paid action may proceed.
// Credits never goes below zero after a committed mutation.
type Balance struct {
	ActorID                 string    `gorm:"primaryKey;type:text" json:"actor_id"`
	Email                   string    `gorm:"type:text;index" json:"email,omitempty"`
	Credits                 int64     `gorm:"not null;default:0" json:"credits"`
	TotalAICalls            int64     `gorm:"column:total_ai_calls;not null;default:0" json:"total_ai_calls"`
	TotalDocumentsGenerated int64     `gorm:"not null;default:0" json:"total_documents_generated"`
	TotalCVGenerated        int64     `gorm:"column:total_cv_generated;not null;default:0" json:"total_cv_generated"`
	TotalLMGenerated        int64     `gorm:"column:total_lm_generated;not null;default:0" json:"total_lm_generated"`
	Blocked                 bool      `gorm:"not null;default:false" json:"blocked"`
	CreatedAt               time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt               time.Time `gorm:"not null" json:"updated_at"`
}

func (Balance) TableName() string { return "credit_balances" }

// UsageLog is written in the same transaction as the balance change it describes
// and is never updated afterwards.
type UsageLog struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	ActorID      string            `gorm:"type:text;not null;index:idx_usage_actor_created,priority:1" json:"actor_id"`
	ActorEmail   string            `gorm:"type:text" json:"actor_email,omitempty"`
	Action       Action            `gorm:"type:text;not null" json:"action"`
	DocType      DocType           `gorm:"type:text;not null" json:"doc_type"`
	CreditsDelta int64             `gorm:"not null" json:"credits_delta"`
	Metadata     datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"not null;index:idx_usage_actor_created,priority:2" json:"created_at"`
}

func (UsageLog) TableName() string { return "credit_usage_logs" }

// ProcessedEvent marks an external payment event as applied. Event ids are
// only unique within their provider.
type ProcessedEvent struct {
	Provider    string    `gorm:"primaryKey;type:text" json:"provider"`
	EventID     string    `gorm:"primaryKey;type:text" json:"event_id"`
	ActorID     string    `gorm:"type:text" json:"actor_id,omitempty"`
	Amount      int64     `gorm:"not null" json:"amount"`
	ProcessedAt time.Time `gorm:"not null" json:"processed_at"`
}

func (ProcessedEvent) TableName() string { return "processed_webhook_events" }
