package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	auditdomain "github.com/smallbiznis/applykit/internal/audit/domain"
	"github.com/smallbiznis/applykit/internal/authorization"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	documentsdomain "github.com/smallbiznis/applykit/internal/documents/domain"
	identitydomain "github.com/smallbiznis/applykit/internal/identity/domain"
	interviewdomain "github.com/smallbiznis/applykit/internal/interview/domain"
	paymentdomain "github.com/smallbiznis/applykit/internal/payment/domain"
)

// fakeVerifier accepts "Bearer <actor id>".
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, bearer string) (identitydomain.Actor, error) {
	token := strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	if token == "" || token == "bad" {
		return identitydomain.Actor{}, identitydomain.ErrInvalidToken
	}
	return identitydomain.Actor{ID: token, Email: token + "@example.com"}, nil
}

type fakeCredits struct {
	mu       sync.Mutex
	balances map[string]creditsdomain.Balance
	grants   []creditsdomain.GrantRequest
	debitErr error
}

func newFakeCredits() *fakeCredits {
	return &fakeCredits{balances: map[string]creditsdomain.Balance{}}
}

func (f *fakeCredits) GetBalance(_ context.Context, actorID string) (creditsdomain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[actorID], nil
}

func (f *fakeCredits) Debit(_ context.Context, req creditsdomain.DebitRequest) (creditsdomain.DebitResult, error) {
	if f.debitErr != nil {
		return creditsdomain.DebitResult{}, f.debitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.balances[req.ActorID]
	if b.Credits < req.Amount {
		return creditsdomain.DebitResult{}, creditsdomain.ErrInsufficientCredits
	}
	b.Credits -= req.Amount
	f.balances[req.ActorID] = b
	return creditsdomain.DebitResult{Balance: b}, nil
}

func (f *fakeCredits) GrantCredits(_ context.Context, req creditsdomain.GrantRequest) (creditsdomain.GrantResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, req)
	b := f.balances[req.PayerExternalID]
	if b.Blocked {
		return creditsdomain.GrantResult{}, creditsdomain.ErrBlocked
	}
	b.ActorID = req.PayerExternalID
	b.Credits += req.Amount
	b.UpdatedAt = time.Now()
	f.balances[req.PayerExternalID] = b
	return creditsdomain.GrantResult{ActorID: req.PayerExternalID, Balance: b}, nil
}

func (f *fakeCredits) ListUsage(_ context.Context, req creditsdomain.ListUsageRequest) (creditsdomain.ListUsageResponse, error) {
	if req.PageToken == "garbage" {
		return creditsdomain.ListUsageResponse{}, creditsdomain.ErrInvalidPageToken
	}
	return creditsdomain.ListUsageResponse{
		UsageLogs: []creditsdomain.UsageLog{{ActorID: req.ActorID, Action: creditsdomain.ActionInterviewTurn, CreditsDelta: -1}},
	}, nil
}

func (f *fakeCredits) SetBlocked(_ context.Context, actorID string, blocked bool) (creditsdomain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.balances[actorID]
	b.ActorID = actorID
	b.Blocked = blocked
	f.balances[actorID] = b
	return b, nil
}

func (f *fakeCredits) EnsureAccount(context.Context, string, string) (bool, error) {
	return false, nil
}

// fakeAuthz grants every admin permission to the listed actors.
type fakeAuthz struct {
	admins map[string]bool
}

func (f fakeAuthz) Authorize(_ context.Context, actorID, _, _ string) error {
	if f.admins[actorID] {
		return nil
	}
	return authorization.ErrForbidden
}

func (f fakeAuthz) GrantRole(context.Context, string, string) (bool, error) {
	return false, nil
}

func (f fakeAuthz) HasRole(_ context.Context, actorID, _ string) (bool, error) {
	return f.admins[actorID], nil
}

type auditEntry struct {
	action   string
	actorID  string
	targetID string
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (f *fakeAudit) AuditLog(_ context.Context, _ auditdomain.ActorType, actorID *string, action string, _ string, targetID *string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := auditEntry{action: action}
	if actorID != nil {
		entry.actorID = *actorID
	}
	if targetID != nil {
		entry.targetID = *targetID
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAudit) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	logs := make([]auditdomain.AuditLog, 0, len(f.entries))
	for _, e := range f.entries {
		logs = append(logs, auditdomain.AuditLog{Action: e.action})
	}
	return auditdomain.ListAuditLogResponse{AuditLogs: logs}, nil
}

type fakeTracker struct {
	sessions map[string]interviewdomain.Session
	err      error
}

func (f *fakeTracker) Start(_ context.Context, actor identitydomain.Actor, req interviewdomain.StartRequest) (interviewdomain.Session, error) {
	if strings.TrimSpace(req.JobTitle) == "" {
		return interviewdomain.Session{}, interviewdomain.ErrInvalidRequest
	}
	s := interviewdomain.Session{ID: "s-1", OwnerID: actor.ID, Status: interviewdomain.StatusActive, CurrentStep: 1, JobTitle: req.JobTitle}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeTracker) Answer(_ context.Context, actor identitydomain.Actor, id string, _ interviewdomain.AnswerRequest) (interviewdomain.Session, error) {
	if f.err != nil {
		return interviewdomain.Session{}, f.err
	}
	s, ok := f.sessions[id]
	if !ok || s.OwnerID != actor.ID {
		return interviewdomain.Session{}, interviewdomain.ErrSessionNotFound
	}
	s.CurrentStep++
	f.sessions[id] = s
	return s, nil
}

func (f *fakeTracker) Get(_ context.Context, actor identitydomain.Actor, id string) (interviewdomain.Session, error) {
	s, ok := f.sessions[id]
	if !ok || s.OwnerID != actor.ID {
		return interviewdomain.Session{}, interviewdomain.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeTracker) Sweep(time.Time) int { return 0 }

type fakeDocuments struct {
	err error
}

func (f fakeDocuments) Generate(_ context.Context, _ identitydomain.Actor, req documentsdomain.GenerateRequest) (documentsdomain.Document, error) {
	if f.err != nil {
		return documentsdomain.Document{}, f.err
	}
	return documentsdomain.Document{
		DocType:     req.DocType,
		FileName:    "cv-backend-engineer.pdf",
		ContentType: "application/pdf",
		Content:     []byte("%PDF-1.4"),
		CreditsLeft: 4,
	}, nil
}

type fakePayments struct {
	outcome paymentdomain.Outcome
	err     error
	calls   int
}

func (f *fakePayments) IngestWebhook(_ context.Context, provider string, _ []byte, _ http.Header) (paymentdomain.Outcome, error) {
	f.calls++
	if provider != paymentdomain.ProviderStripe {
		return "", paymentdomain.ErrProviderNotFound
	}
	return f.outcome, f.err
}

func (f *fakePayments) ListEvents(_ context.Context, req paymentdomain.ListEventsRequest) (paymentdomain.ListEventsResponse, error) {
	if req.Outcome != "" && !paymentdomain.Outcome(req.Outcome).Valid() {
		return paymentdomain.ListEventsResponse{}, paymentdomain.ErrInvalidOutcome
	}
	return paymentdomain.ListEventsResponse{
		Events: []paymentdomain.EventRecord{{Provider: paymentdomain.ProviderStripe, Outcome: paymentdomain.OutcomeNoRecipient}},
	}, nil
}
