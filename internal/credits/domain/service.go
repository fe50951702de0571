package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/applykit/pkg/db/pagination"
	"gorm.io/gorm"
)

type DebitRequest struct {
	ActorID    string
	ActorEmail string
	Amount     int64
	Action     Action
	DocType    DocType
	Metadata   map[string]any
}

type DebitResult struct {
	Balance Balance
	LogID   string
}

type GrantRequest struct {
	PayerExternalID string
	PayerEmail      string
	Amount          int64
	ExternalEventID string
	Provider        string
	ProductID       string
	// Action defaults to purchase_credits.
	Action   Action
	Metadata map[string]any
}

type GrantResult struct {
	ActorID string
	Balance Balance
	Created bool
}

type ListUsageRequest struct {
	pagination.Pagination
	ActorID string
	Action  string
}

type ListUsageResponse struct {
	pagination.PageInfo
	UsageLogs []UsageLog `json:"usage_logs"`
}

type Service interface {
	GetBalance(ctx context.Context, actorID string) (Balance, error)
	Debit(ctx context.Context, req DebitRequest) (DebitResult, error)
	GrantCredits(ctx context.Context, req GrantRequest) (GrantResult, error)
	ListUsage(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
	SetBlocked(ctx context.Context, actorID string, blocked bool) (Balance, error)
	EnsureAccount(ctx context.Context, actorID, email string) (bool, error)
}

// BalancePublisher receives committed balance snapshots.
type BalancePublisher interface {
	PublishBalance(ctx context.Context, balance Balance)
}

// Counters selects which aggregate counters a debit increments.
type Counters struct {
	AICalls   int64
	Documents int64
	CV        int64
	LM        int64
}

type UsageCursor struct {
	ID        int64
	CreatedAt time.Time
}

type UsageFilter struct {
	ActorID string
	Action  string
	Cursor  *UsageCursor
	Limit   int
}

type Repository interface {
	FindBalance(ctx context.Context, db *gorm.DB, actorID string) (*Balance, error)
	FindBalancesByEmail(ctx context.Context, db *gorm.DB, email string) ([]Balance, error)
	DecrementIfAvailable(ctx context.Context, db *gorm.DB, actorID string, amount int64, counters Counters, now time.Time) (bool, error)
	AddCredits(ctx context.Context, db *gorm.DB, actorID, email string, amount int64, now time.Time) error
	UpsertBlocked(ctx context.Context, db *gorm.DB, actorID string, blocked bool, now time.Time) error
	InsertAccount(ctx context.Context, db *gorm.DB, actorID, email string, now time.Time) (bool, error)
	UpdateEmail(ctx context.Context, db *gorm.DB, actorID, email string, now time.Time) (bool, error)
	InsertUsageLog(ctx context.Context, db *gorm.DB, entry *UsageLog) error
	ListUsageLogs(ctx context.Context, db *gorm.DB, filter UsageFilter) ([]*UsageLog, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, event *ProcessedEvent) (bool, error)
	AssignEventActor(ctx context.Context, db *gorm.DB, provider, eventID, actorID string) error
}

var (
	ErrInvalidActor          = errors.New("invalid_actor")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidAction         = errors.New("invalid_action")
	ErrInvalidEvent          = errors.New("invalid_event_id")
	ErrInvalidPageToken      = errors.New("invalid_page_token")
	ErrInsufficientCredits   = errors.New("insufficient_credits")
	ErrBlocked               = errors.New("actor_blocked")
	ErrNoRecipient           = errors.New("no_recipient")
	ErrAmbiguousRecipient    = errors.New("ambiguous_recipient")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)
