package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	paymentdomain "github.com/smallbiznis/applykit/internal/payment/domain"
)

func newTestAdapter(secret string, now time.Time) *Adapter {
	return &Adapter{webhookSecret: secret, tolerance: DefaultTolerance, now: func() time.Time { return now }}
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"checkout.session.completed","data":{"object":{}}}`)
	now := time.Now()

	header := buildStripeSignatureHeader(secret, payload, now.Unix())
	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", header)

	adapter := newTestAdapter(secret, now)
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, now.Unix()))
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != paymentdomain.ErrInvalidSignature {
		t.Fatalf("expected invalid signature error, got %v", err)
	}

	stale := buildStripeSignatureHeader(secret, payload, now.Add(-time.Hour).Unix())
	reqHeader.Set("Stripe-Signature", stale)
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != paymentdomain.ErrInvalidSignature {
		t.Fatalf("expected stale timestamp to be rejected, got %v", err)
	}

	tampered := append([]byte{}, payload...)
	tampered[2] = 'X'
	reqHeader.Set("Stripe-Signature", header)
	if err := adapter.Verify(context.Background(), tampered, reqHeader); err != paymentdomain.ErrInvalidSignature {
		t.Fatalf("expected tampered body to be rejected, got %v", err)
	}
}

func TestFactoryRequiresSecret(t *testing.T) {
	if _, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{WebhookSecret: " "}); err != paymentdomain.ErrInvalidConfig {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestParseCheckoutSession(t *testing.T) {
	created := time.Now().UTC().Unix()
	event := map[string]any{
		"id":      "evt_cs",
		"type":    "checkout.session.completed",
		"created": created,
		"data": map[string]any{
			"object": map[string]any{
				"id":                  "cs_1",
				"client_reference_id": "u1",
				"payment_status":      "paid",
				"customer_details":    map[string]any{"email": "Jane@Example.com"},
				"metadata":            map[string]any{"product_id": "prod_50"},
			},
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	adapter := newTestAdapter("whsec_test", time.Now())
	parsed, err := adapter.Parse(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if parsed.ExternalEventID != "evt_cs" {
		t.Fatalf("expected event id evt_cs, got %s", parsed.ExternalEventID)
	}
	if parsed.ProductID != "prod_50" {
		t.Fatalf("expected product prod_50, got %s", parsed.ProductID)
	}
	if parsed.PayerExternalID != "u1" || parsed.PayerEmail != "jane@example.com" {
		t.Fatalf("unexpected payer %s / %s", parsed.PayerExternalID, parsed.PayerEmail)
	}
	if parsed.OccurredAt.Unix() != created {
		t.Fatalf("expected occurred at %d, got %d", created, parsed.OccurredAt.Unix())
	}
}

func TestParseIgnoresOtherEvents(t *testing.T) {
	adapter := newTestAdapter("whsec_test", time.Now())

	cases := map[string]string{
		"other type": `{"id":"evt_1","type":"charge.refunded","data":{"object":{}}}`,
		"unpaid":     `{"id":"evt_2","type":"checkout.session.completed","data":{"object":{"payment_status":"unpaid"}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := adapter.Parse(context.Background(), []byte(body), nil); err != paymentdomain.ErrEventIgnored {
				t.Fatalf("expected ignored, got %v", err)
			}
		})
	}

	if _, err := adapter.Parse(context.Background(), []byte(`{"type":"checkout.session.completed"}`), nil); err != paymentdomain.ErrInvalidEvent {
		t.Fatalf("expected invalid event, got %v", err)
	}
	if _, err := adapter.Parse(context.Background(), []byte(`not json`), nil); err != paymentdomain.ErrInvalidPayload {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
