package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/smallbiznis/applykit/pkg/db/pagination"
	"gorm.io/gorm"
)

type AdapterConfig struct {
	WebhookSecret string
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// PaymentAdapter authenticates and decodes one provider's deliveries.
// Verify must be called before Parse.
type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte, headers http.Header) (*PurchaseEvent, error)
}

type EventCursor struct {
	ID         int64
	ReceivedAt time.Time
}

type EventFilter struct {
	Provider string
	Outcome  string
	Cursor   *EventCursor
	Limit    int
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) error
	ListEvents(ctx context.Context, db *gorm.DB, filter EventFilter) ([]*EventRecord, error)
}

type ListEventsRequest struct {
	pagination.Pagination
	Provider string `form:"provider"`
	Outcome  string `form:"outcome"`
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []EventRecord `json:"webhook_events"`
}

type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (Outcome, error)
	ListEvents(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
}

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrInvalidOutcome   = errors.New("invalid_outcome")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
