package polar

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"testing"
	"time"

	paymentdomain "github.com/smallbiznis/applykit/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderPaid = `{"type":"order.paid","timestamp":"2026-03-01T12:00:00Z","data":{"id":"ord_1","product_id":"prod_50","created_at":"2026-03-01T11:59:58Z","customer":{"id":"cus_1","email":"Jane@Example.com","external_id":"u1"}}}`

func signedHeaders(key []byte, id string, ts time.Time, body []byte) http.Header {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(id + "." + stamp + "."))
	_, _ = mac.Write(body)

	h := http.Header{}
	h.Set("webhook-id", id)
	h.Set("webhook-timestamp", stamp)
	h.Set("webhook-signature", "v1,"+base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return h
}

func TestVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	adapter := &Adapter{key: []byte("polar-secret"), tolerance: DefaultTolerance, now: func() time.Time { return now }}
	body := []byte(orderPaid)

	headers := signedHeaders([]byte("polar-secret"), "msg_1", now, body)
	require.NoError(t, adapter.Verify(context.Background(), body, headers))

	t.Run("rotated keys", func(t *testing.T) {
		h := signedHeaders([]byte("polar-secret"), "msg_1", now, body)
		h.Set("webhook-signature", "v1,bm9wZQ== "+h.Get("webhook-signature"))
		assert.NoError(t, adapter.Verify(context.Background(), body, h))
	})
	t.Run("wrong key", func(t *testing.T) {
		h := signedHeaders([]byte("other"), "msg_1", now, body)
		assert.ErrorIs(t, adapter.Verify(context.Background(), body, h), paymentdomain.ErrInvalidSignature)
	})
	t.Run("stale", func(t *testing.T) {
		h := signedHeaders([]byte("polar-secret"), "msg_1", now.Add(-10*time.Minute), body)
		assert.ErrorIs(t, adapter.Verify(context.Background(), body, h), paymentdomain.ErrInvalidSignature)
	})
	t.Run("id mismatch", func(t *testing.T) {
		h := signedHeaders([]byte("polar-secret"), "msg_1", now, body)
		h.Set("webhook-id", "msg_2")
		assert.ErrorIs(t, adapter.Verify(context.Background(), body, h), paymentdomain.ErrInvalidSignature)
	})
	t.Run("missing headers", func(t *testing.T) {
		assert.ErrorIs(t, adapter.Verify(context.Background(), body, http.Header{}), paymentdomain.ErrInvalidSignature)
	})
}

func TestSigningKey(t *testing.T) {
	key, err := signingKey("whsec_" + base64.StdEncoding.EncodeToString([]byte("raw")))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), key)

	key, err = signingKey("plain")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), key)

	_, err = signingKey("")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
	_, err = signingKey("whsec_***")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}

func TestParseOrderPaid(t *testing.T) {
	adapter := &Adapter{}
	event, err := adapter.Parse(context.Background(), []byte(orderPaid), nil)
	require.NoError(t, err)

	assert.Equal(t, paymentdomain.ProviderPolar, event.Provider)
	assert.Equal(t, "ord_1", event.ExternalEventID)
	assert.Equal(t, "order.paid", event.Type)
	assert.Equal(t, "prod_50", event.ProductID)
	assert.Equal(t, "u1", event.PayerExternalID)
	assert.Equal(t, "jane@example.com", event.PayerEmail)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 59, 58, 0, time.UTC), event.OccurredAt)
}

func TestParseEdgeCases(t *testing.T) {
	adapter := &Adapter{}

	_, err := adapter.Parse(context.Background(), []byte(`{"type":"order.created","data":{}}`), nil)
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)

	_, err = adapter.Parse(context.Background(), []byte(`{"type":"order.paid","data":{"product_id":"p"}}`), nil)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)

	_, err = adapter.Parse(context.Background(), []byte(`{`), nil)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	event, err := adapter.Parse(context.Background(), []byte(`{"type":"order.paid","data":{"id":"ord_2","product":{"id":"prod_x"},"metadata":{"actor_id":"u9"}}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "prod_x", event.ProductID)
	assert.Equal(t, "u9", event.PayerExternalID)
	assert.Empty(t, event.PayerEmail)
}
