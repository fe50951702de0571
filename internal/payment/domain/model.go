package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is one webhook delivery kept for manual reconciliation.
// Redeliveries of the same provider event produce additional rows.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;index:idx_payment_events_provider_event,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;index:idx_payment_events_provider_event,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	ProductID       string         `json:"product_id,omitempty" gorm:"type:text"`
	PayerExternalID string         `json:"payer_external_id,omitempty" gorm:"type:text"`
	PayerEmail      string         `json:"payer_email,omitempty" gorm:"type:text"`
	ActorID         string         `json:"actor_id,omitempty" gorm:"type:text"`
	Credits         int64          `json:"credits" gorm:"not null;default:0"`
	Outcome         Outcome        `json:"outcome" gorm:"type:text;not null;index"`
	Error           string         `json:"error,omitempty" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload,omitempty" gorm:"type:json"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null;index"`
}

func (EventRecord) TableName() string { return "payment_events" }

type Outcome string

const (
	OutcomeGranted            Outcome = "granted"
	OutcomeDuplicate          Outcome = "duplicate"
	OutcomeIgnored            Outcome = "ignored"
	OutcomeUnmappedProduct    Outcome = "unmapped_product"
	OutcomeNoRecipient        Outcome = "no_recipient"
	OutcomeAmbiguousRecipient Outcome = "ambiguous_recipient"
	OutcomeBlocked            Outcome = "blocked"
	OutcomeFailed             Outcome = "failed"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeGranted, OutcomeDuplicate, OutcomeIgnored, OutcomeUnmappedProduct,
		OutcomeNoRecipient, OutcomeAmbiguousRecipient, OutcomeBlocked, OutcomeFailed:
		return true
	}
	return false
}

const (
	ProviderPolar  = "polar"
	ProviderStripe = "stripe"
)

const EventTypePurchaseCompleted = "purchase_completed"

// PurchaseEvent is the canonical purchase parsed by adapters.
type PurchaseEvent struct {
	Provider        string
	ExternalEventID string
	// Type is the provider's own event name, e.g. order.paid.
	Type            string
	ProductID       string
	PayerExternalID string
	PayerEmail      string
	OccurredAt      time.Time
	RawPayload      []byte
}
