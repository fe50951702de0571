package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	auditdomain "github.com/smallbiznis/applykit/internal/audit/domain"
	"github.com/smallbiznis/applykit/internal/balancefeed"
	"github.com/smallbiznis/applykit/internal/config"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	interviewdomain "github.com/smallbiznis/applykit/internal/interview/domain"
	"github.com/smallbiznis/applykit/internal/llm"
	paymentdomain "github.com/smallbiznis/applykit/internal/payment/domain"
	"github.com/smallbiznis/applykit/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	engine    *gin.Engine
	credits   *fakeCredits
	audit     *fakeAudit
	tracker   *fakeTracker
	payments  *fakePayments
	hub       *balancefeed.Hub
	documents *fakeDocuments
}

func newTestServer(t *testing.T, limiter *ratelimit.ActorLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	ts := &testServer{
		engine:    engine,
		credits:   newFakeCredits(),
		audit:     &fakeAudit{},
		tracker:   &fakeTracker{sessions: map[string]interviewdomain.Session{}},
		payments:  &fakePayments{outcome: paymentdomain.OutcomeGranted},
		hub:       balancefeed.NewHub(),
		documents: &fakeDocuments{},
	}

	srv := NewServer(ServerParams{
		Gin:          engine,
		Cfg:          config.Config{},
		Verifier:     fakeVerifier{},
		AuthzSvc:     fakeAuthz{admins: map[string]bool{"admin-1": true}},
		AuditSvc:     ts.audit,
		CreditsSvc:   ts.credits,
		DocumentsSvc: ts.documents,
		Interviews:   ts.tracker,
		PaymentSvc:   ts.payments,
		BalanceFeed:  ts.hub,
		AILimiter:    limiter,
	})
	srv.RegisterRoutes()
	return ts
}

func (ts *testServer) do(method, path, actor string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("Authorization", "Bearer "+actor)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)

	rec = ts.do(http.MethodGet, "/api/balance", "bad", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetBalanceOfUnknownActorIsZero(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/balance", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data balanceResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.Data.ActorID)
	assert.Zero(t, resp.Data.Credits)
	assert.False(t, resp.Data.Blocked)
	assert.Nil(t, resp.Data.UpdatedAt)
}

func TestListMyUsageScopesToCaller(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/usage?page_size=10", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"actor_id":"user-1"`)

	rec = ts.do(http.MethodGet, "/api/usage?page_token=garbage", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_page_token", payload.Errors[0].Code)
}

func TestGenerateDocumentErrors(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
		kind   string
	}{
		"insufficient credits": {err: creditsdomain.ErrInsufficientCredits, status: http.StatusPaymentRequired, kind: "insufficient_credits"},
		"blocked":              {err: creditsdomain.ErrBlocked, status: http.StatusForbidden, kind: "account_blocked"},
		"model timeout":        {err: llm.ErrUpstreamTimeout, status: http.StatusServiceUnavailable, kind: "service_unavailable"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.documents.err = tc.err

			rec := ts.do(http.MethodPost, "/api/documents", "user-1", map[string]any{"doc_type": "cv", "job_title": "Engineer"})
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.kind, decodeError(t, rec).Type)
		})
	}
}

func TestGenerateDocumentReturnsPDF(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/documents", "user-1", map[string]any{"doc_type": "cv", "job_title": "Backend Engineer"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "cv-backend-engineer.pdf")
	assert.Equal(t, "4", rec.Header().Get("X-Credits-Remaining"))
	assert.Equal(t, "%PDF-1.4", rec.Body.String())
}

func TestInterviewFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/interviews", "user-1", map[string]any{"job_title": "Engineer"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodPost, "/api/interviews/s-1/answers", "user-1", map[string]any{"answer": "Go", "step": "2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"current_step":2`)

	// Another actor cannot see the session.
	rec = ts.do(http.MethodGet, "/api/interviews/s-1", "user-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.tracker.err = interviewdomain.ErrSessionCompleted
	rec = ts.do(http.MethodPost, "/api/interviews/s-1/answers", "user-1", map[string]any{"answer": "more"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(http.MethodPost, "/api/interviews", "user-1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentWebhookStatuses(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/payments/webhooks/stripe", "", map[string]any{"id": "evt_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"granted"`)

	ts.payments.outcome = paymentdomain.OutcomeNoRecipient
	rec = ts.do(http.MethodPost, "/api/payments/webhooks/stripe", "", map[string]any{"id": "evt_2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"no_recipient"`)

	rec = ts.do(http.MethodPost, "/api/payments/webhooks/paddle", "", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.payments.err = paymentdomain.ErrInvalidSignature
	rec = ts.do(http.MethodPost, "/api/payments/webhooks/stripe", "", map[string]any{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "invalid_signature", decodeError(t, rec).Type)

	ts.payments.err = paymentdomain.ErrInvalidPayload
	rec = ts.do(http.MethodPost, "/api/payments/webhooks/stripe", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/admin/balances/user-1/block", "user-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/usage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminBlockAndGrant(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/admin/balances/user-1/grant", "admin-1", map[string]any{"amount": 25, "reason": "support"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.credits.grants, 1)
	grant := ts.credits.grants[0]
	assert.True(t, strings.HasPrefix(grant.ExternalEventID, "manual:"))
	assert.Equal(t, creditsdomain.ActionAdminAdjustment, grant.Action)
	assert.Equal(t, "admin-1", grant.Metadata["granted_by"])

	rec = ts.do(http.MethodPost, "/admin/balances/user-1/grant", "admin-1", map[string]any{"amount": 25})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.credits.grants, 2)
	assert.NotEqual(t, ts.credits.grants[0].ExternalEventID, ts.credits.grants[1].ExternalEventID)

	rec = ts.do(http.MethodPost, "/admin/balances/user-1/grant", "admin-1", map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/balances/user-1/block", "admin-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"blocked":true`)

	rec = ts.do(http.MethodPost, "/admin/balances/user-1/grant", "admin-1", map[string]any{"amount": 5})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/balances/user-1/unblock", "admin-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/balances/user-1", "admin-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"credits":50`)

	actions := make([]string, 0, len(ts.audit.entries))
	for _, e := range ts.audit.entries {
		assert.Equal(t, "admin-1", e.actorID)
		assert.Equal(t, "user-1", e.targetID)
		actions = append(actions, e.action)
	}
	assert.Equal(t, []string{
		auditdomain.ActionCreditsGranted,
		auditdomain.ActionCreditsGranted,
		auditdomain.ActionBalanceBlocked,
		auditdomain.ActionBalanceUnlocked,
	}, actions)

	rec = ts.do(http.MethodGet, "/admin/audit-logs?start_at=2026-01-01", "admin-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodGet, "/admin/audit-logs?start_at=yesterday", "admin-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminListWebhookEvents(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/admin/webhook-events?outcome=NO_RECIPIENT", "admin-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"no_recipient"`)

	rec = ts.do(http.MethodGet, "/admin/webhook-events?outcome=bogus", "admin-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerativeRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := ratelimit.NewActorLimiter(config.Config{
		RateLimit: config.RateLimitConfig{Enabled: true, AIRate: 0.01, AIBurst: 1},
	}, client, zap.NewNop())
	require.NoError(t, err)

	ts := newTestServer(t, limiter)
	body := map[string]any{"doc_type": "cv", "job_title": "Engineer"}

	rec := ts.do(http.MethodPost, "/api/documents", "user-1", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/api/documents", "user-1", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, rateLimitReasonActorRate, rec.Header().Get("X-Rate-Limited-Reason"))

	// Buckets are per actor.
	rec = ts.do(http.MethodPost, "/api/documents", "user-2", body)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGenerativeRateLimitCoversInterviewStart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := ratelimit.NewActorLimiter(config.Config{
		RateLimit: config.RateLimitConfig{Enabled: true, AIRate: 0.01, AIBurst: 1},
	}, client, zap.NewNop())
	require.NoError(t, err)

	ts := newTestServer(t, limiter)
	body := map[string]any{"job_title": "Engineer"}

	rec := ts.do(http.MethodPost, "/api/interviews", "user-1", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodPost, "/api/interviews", "user-1", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestStreamBalanceSendsSnapshotThenUpdates(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.credits.balances["user-1"] = creditsdomain.Balance{ActorID: "user-1", Credits: 5, UpdatedAt: time.Now().Add(-time.Minute)}

	httpSrv := httptest.NewServer(ts.engine)
	t.Cleanup(httpSrv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/api/balance/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer user-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readBalanceEvent(t, reader)
	assert.Equal(t, int64(5), first.Credits)

	ts.hub.Publish(balancefeed.Update{ActorID: "user-2", Credits: 99, UpdatedAt: time.Now()})
	ts.hub.Publish(balancefeed.Update{ActorID: "user-1", Credits: 4, UpdatedAt: time.Now()})

	second := readBalanceEvent(t, reader)
	assert.Equal(t, "user-1", second.ActorID)
	assert.Equal(t, int64(4), second.Credits)
}

func readBalanceEvent(t *testing.T, reader *bufio.Reader) balancefeed.Update {
	t.Helper()
	lines := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			if strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimSpace(strings.TrimPrefix(line, "data: "))
				return
			}
		}
	}()

	select {
	case line, ok := <-lines:
		require.True(t, ok, "stream closed")
		var update balancefeed.Update
		require.NoError(t, json.Unmarshal([]byte(line), &update))
		return update
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for balance event")
		return balancefeed.Update{}
	}
}

func TestMapErrorTransientStoreFailure(t *testing.T) {
	status, payload := mapError(ErrServiceUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "service_unavailable", payload.Type)

	status, _ = mapError(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)

	status, payload = mapError(interviewdomain.ErrTooManySessions)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "too many active interview sessions", payload.Message)

	kind, code := classifyErrorForLog(creditsdomain.ErrInsufficientCredits)
	assert.Equal(t, "insufficient_credits", kind)
	assert.Equal(t, "insufficient_credits", code)
}

func TestTimeBound(t *testing.T) {
	start, ok := timeBound("2026-03-01", false)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *start)

	end, ok := timeBound("2026-03-01", true)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond), *end)

	exact, ok := timeBound("2026-03-01T10:00:00Z", true)
	require.True(t, ok)
	assert.Equal(t, 10, exact.Hour())

	none, ok := timeBound(" ", false)
	assert.True(t, ok)
	assert.Nil(t, none)

	_, ok = timeBound("yesterday", false)
	assert.False(t, ok)
}
