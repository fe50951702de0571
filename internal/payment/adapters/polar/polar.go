// Package polar verifies Polar deliveries, which follow the Standard Webhooks
// signing scheme, and turns order.paid into a purchase.
package polar

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/applykit/internal/payment/domain"
)

const (
	DefaultTolerance = 5 * time.Minute

	headerID        = "webhook-id"
	headerTimestamp = "webhook-timestamp"
	headerSignature = "webhook-signature"

	secretPrefix = "whsec_"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderPolar
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	key, err := signingKey(cfg.WebhookSecret)
	if err != nil {
		return nil, err
	}
	return &Adapter{key: key, tolerance: DefaultTolerance, now: time.Now}, nil
}

// signingKey accepts either a whsec_-prefixed base64 secret or the raw secret
// string shown in the Polar dashboard.
func signingKey(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	if strings.HasPrefix(secret, secretPrefix) {
		key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
		if err != nil || len(key) == 0 {
			return nil, paymentdomain.ErrInvalidConfig
		}
		return key, nil
	}
	return []byte(secret), nil
}

type Adapter struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	id := strings.TrimSpace(headers.Get(headerID))
	ts := strings.TrimSpace(headers.Get(headerTimestamp))
	sigHeader := strings.TrimSpace(headers.Get(headerSignature))
	if id == "" || ts == "" || sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	seconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if a.tolerance > 0 {
		skew := a.now().Sub(time.Unix(seconds, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > a.tolerance {
			return paymentdomain.ErrInvalidSignature
		}
	}

	mac := hmac.New(sha256.New, a.key)
	_, _ = mac.Write([]byte(id + "." + ts + "."))
	_, _ = mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	// The header may carry several space separated "v1,<sig>" entries during key rotation.
	for _, entry := range strings.Fields(sigHeader) {
		version, signature, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

type polarEvent struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type polarOrder struct {
	ID         string            `json:"id"`
	ProductID  string            `json:"product_id"`
	CreatedAt  string            `json:"created_at"`
	Metadata   map[string]any    `json:"metadata"`
	Product    *polarProductRef  `json:"product"`
	Customer   *polarCustomerRef `json:"customer"`
	CustomerID string            `json:"customer_id"`
}

type polarProductRef struct {
	ID string `json:"id"`
}

type polarCustomerRef struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	ExternalID string `json:"external_id"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.PurchaseEvent, error) {
	var event polarEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.Type) != "order.paid" {
		return nil, paymentdomain.ErrEventIgnored
	}

	var order polarOrder
	if err := json.Unmarshal(event.Data, &order); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	order.ID = strings.TrimSpace(order.ID)
	if order.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	productID := strings.TrimSpace(order.ProductID)
	if productID == "" && order.Product != nil {
		productID = strings.TrimSpace(order.Product.ID)
	}

	var payerID, email string
	if order.Customer != nil {
		payerID = strings.TrimSpace(order.Customer.ExternalID)
		email = strings.TrimSpace(order.Customer.Email)
	}
	if payerID == "" {
		payerID = metadataString(order.Metadata, "actor_id")
	}
	if payerID == "" {
		payerID = metadataString(order.Metadata, "user_id")
	}

	occurredAt := parseTime(order.CreatedAt)
	if occurredAt.IsZero() {
		occurredAt = parseTime(event.Timestamp)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	// Keyed by order so retried deliveries with a new webhook-id grant once.
	return &paymentdomain.PurchaseEvent{
		Provider:        paymentdomain.ProviderPolar,
		ExternalEventID: order.ID,
		Type:            event.Type,
		ProductID:       productID,
		PayerExternalID: payerID,
		PayerEmail:      strings.ToLower(email),
		OccurredAt:      occurredAt,
		RawPayload:      payload,
	}, nil
}

func metadataString(metadata map[string]any, key string) string {
	if value, ok := metadata[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
