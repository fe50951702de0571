package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/applykit/internal/clock"
	"github.com/smallbiznis/applykit/internal/config"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	identitydomain "github.com/smallbiznis/applykit/internal/identity/domain"
	"github.com/smallbiznis/applykit/internal/interview/domain"
	"github.com/smallbiznis/applykit/internal/llm"
	obsmetrics "github.com/smallbiznis/applykit/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	maxAnswerLength = 8000
	// Active sessions one owner may hold before Start is refused.
	maxActiveSessions = 3

	purposeOpening = "interview_opening"
	purposeTurn    = "interview_turn"

	reasonBlankReply = "blank_reply"
)

var (
	openingSchema = llm.MustSchema("interview_question")
	turnSchema    = llm.MustSchema("interview_turn")
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Credits   creditsdomain.Service
	Completer llm.Completer
	Catalog   *config.CatalogHolder `optional:"true"`
	Clock     clock.Clock           `optional:"true"`
	Metrics   *obsmetrics.Metrics   `optional:"true"`
}

type entry struct {
	owner   string
	mu      sync.Mutex
	session domain.Session
}

// Tracker keeps interview sessions in memory. Answers to the same session are
// serialized by the session's own lock; the map lock is never held across a
// debit or a model call.
type Tracker struct {
	log       *zap.Logger
	credits   creditsdomain.Service
	completer llm.Completer
	catalog   *config.CatalogHolder
	clock     clock.Clock
	metrics   *obsmetrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*entry
}

func NewTracker(p Params) *Tracker {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Tracker{
		log:       p.Log.Named("interview.tracker"),
		credits:   p.Credits,
		completer: p.Completer,
		catalog:   p.Catalog,
		clock:     clk,
		metrics:   p.Metrics,
		sessions:  make(map[string]*entry),
	}
}

func (t *Tracker) Start(ctx context.Context, actor identitydomain.Actor, req domain.StartRequest) (domain.Session, error) {
	if !actor.Valid() {
		return domain.Session{}, domain.ErrInvalidActor
	}
	jobTitle := strings.TrimSpace(req.JobTitle)
	if jobTitle == "" {
		return domain.Session{}, domain.ErrInvalidRequest
	}
	balance, err := t.credits.GetBalance(ctx, actor.ID)
	if err != nil {
		return domain.Session{}, err
	}
	if balance.Blocked {
		return domain.Session{}, creditsdomain.ErrBlocked
	}
	if t.activeSessions(actor.ID) >= maxActiveSessions {
		return domain.Session{}, domain.ErrTooManySessions
	}

	now := t.clock.Now()
	session := domain.Session{
		ID:             ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		OwnerID:        actor.ID,
		Status:         domain.StatusActive,
		CurrentStep:    1,
		History:        []domain.Turn{},
		JobTitle:       jobTitle,
		Company:        strings.TrimSpace(req.Company),
		Language:       normalizeLanguage(req.Language),
		CreatedAt:      now,
		LastActivityAt: now,
	}

	raw, err := t.completer.Complete(ctx, llm.CompletionRequest{
		System: interviewerSystemPrompt,
		Prompt: openingPrompt(&session, strings.TrimSpace(req.JobDescription)),
		JSON:   true,
	})
	var result llm.Result[openingReply]
	if err != nil {
		result = llm.FallbackFor[openingReply](err)
	} else {
		result = llm.Parse[openingReply](raw, openingSchema)
	}

	if p, ok := result.(llm.ParsedOk[openingReply]); ok && strings.TrimSpace(p.Value.Question) == "" {
		result = llm.ParsedFallback[openingReply]{Reason: reasonBlankReply}
	}
	switch r := result.(type) {
	case llm.ParsedOk[openingReply]:
		session.OpeningQuestion = strings.TrimSpace(r.Value.Question)
	case llm.ParsedFallback[openingReply]:
		t.recordFallback(ctx, purposeOpening, r.Reason, session.ID)
		session.OpeningQuestion = openingFallback(&session)
		session.FallbackUsed = true
	}
	session.CurrentQuestion = session.OpeningQuestion

	t.mu.Lock()
	if t.countActive(actor.ID) >= maxActiveSessions {
		t.mu.Unlock()
		return domain.Session{}, domain.ErrTooManySessions
	}
	t.sessions[session.ID] = &entry{owner: actor.ID, session: session}
	t.mu.Unlock()

	t.log.Info("interview started",
		zap.String("session_id", session.ID),
		zap.String("actor_id", actor.ID),
		zap.Bool("fallback", session.FallbackUsed),
	)
	return session.Clone(), nil
}

// Answer charges the turn before anything else. Once the debit succeeds the
// candidate always gets a next question, generic if the model fails.
func (t *Tracker) Answer(ctx context.Context, actor identitydomain.Actor, sessionID string, req domain.AnswerRequest) (domain.Session, error) {
	answer := strings.TrimSpace(req.Answer)
	if answer == "" || len(answer) > maxAnswerLength {
		return domain.Session{}, domain.ErrInvalidAnswer
	}

	e, err := t.lookup(actor, sessionID)
	if err != nil {
		return domain.Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status == domain.StatusCompleted {
		return domain.Session{}, domain.ErrSessionCompleted
	}

	nextStep := e.session.CurrentStep + 1
	if req.Step.Set && req.Step.Value > e.session.CurrentStep {
		nextStep = req.Step.Value
	}
	nextStep = min(nextStep, maxSteps)

	if _, err := t.credits.Debit(ctx, creditsdomain.DebitRequest{
		ActorID:    actor.ID,
		ActorEmail: actor.Email,
		Amount:     t.turnCost(),
		Action:     creditsdomain.ActionInterviewTurn,
		DocType:    creditsdomain.DocTypeOther,
		Metadata: map[string]any{
			"session_id": e.session.ID,
			"step":       e.session.CurrentStep,
			"job_title":  e.session.JobTitle,
		},
	}); err != nil {
		return domain.Session{}, err
	}

	now := t.clock.Now()
	s := &e.session
	s.History = append(s.History, domain.Turn{
		Role:    domain.RoleCandidate,
		Content: answer,
		Step:    s.CurrentStep,
		At:      now,
	})

	var result llm.Result[turnReply]
	raw, err := t.completer.Complete(ctx, llm.CompletionRequest{
		System: interviewerSystemPrompt,
		Prompt: turnPrompt(s, nextStep),
		JSON:   true,
	})
	if err != nil {
		result = llm.FallbackFor[turnReply](err)
	} else {
		result = llm.Parse[turnReply](raw, turnSchema)
	}
	if p, ok := result.(llm.ParsedOk[turnReply]); ok && !p.Value.isVerdict() && strings.TrimSpace(p.Value.Question) == "" {
		result = llm.ParsedFallback[turnReply]{Reason: reasonBlankReply}
	}

	now = t.clock.Now()
	s.FallbackUsed = false
	switch r := result.(type) {
	case llm.ParsedOk[turnReply]:
		if r.Value.isVerdict() {
			t.complete(s, r.Value, nextStep, now)
			break
		}
		s.CurrentQuestion = strings.TrimSpace(r.Value.Question)
	case llm.ParsedFallback[turnReply]:
		t.recordFallback(ctx, purposeTurn, r.Reason, s.ID)
		s.CurrentQuestion = followUpFallback(s)
		s.FallbackUsed = true
	}

	if s.Status == domain.StatusActive && nextStep >= maxSteps {
		t.closeAtLimit(s, nextStep, now)
	}
	if s.Status == domain.StatusActive {
		s.History = append(s.History, domain.Turn{
			Role:    domain.RoleInterviewer,
			Content: s.CurrentQuestion,
			Step:    nextStep,
			At:      now,
		})
	}
	s.CurrentStep = nextStep
	s.LastActivityAt = now

	return s.Clone(), nil
}

func (t *Tracker) complete(s *domain.Session, verdict turnReply, step int, now time.Time) {
	score := *verdict.Score
	s.Status = domain.StatusCompleted
	s.Score = &score
	s.Summary = strings.TrimSpace(verdict.Summary)
	s.CurrentQuestion = ""
	s.History = append(s.History, domain.Turn{
		Role:    domain.RoleInterviewer,
		Content: s.Summary,
		Step:    step,
		At:      now,
	})
	t.log.Info("interview completed",
		zap.String("session_id", s.ID),
		zap.Int("score", score),
		zap.Int("steps", step),
	)
}

// closeAtLimit ends an interview that reached maxSteps without a verdict.
// The session completes unscored with a closing remark as its summary.
func (t *Tracker) closeAtLimit(s *domain.Session, step int, now time.Time) {
	s.Status = domain.StatusCompleted
	s.Score = nil
	s.Summary = closingRemark(s)
	s.CurrentQuestion = ""
	s.History = append(s.History, domain.Turn{
		Role:    domain.RoleInterviewer,
		Content: s.Summary,
		Step:    step,
		At:      now,
	})
	t.log.Info("interview closed at step limit",
		zap.String("session_id", s.ID),
		zap.Int("steps", step),
	)
}

func (t *Tracker) Get(_ context.Context, actor identitydomain.Actor, sessionID string) (domain.Session, error) {
	e, err := t.lookup(actor, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

func (t *Tracker) Sweep(cutoff time.Time) int {
	t.mu.RLock()
	candidates := make([]string, 0)
	for id, e := range t.sessions {
		if !e.mu.TryLock() {
			continue
		}
		idle := e.session.LastActivityAt.Before(cutoff)
		e.mu.Unlock()
		if idle {
			candidates = append(candidates, id)
		}
	}
	t.mu.RUnlock()

	if len(candidates) == 0 {
		return 0
	}

	removed := 0
	t.mu.Lock()
	for _, id := range candidates {
		e, ok := t.sessions[id]
		if !ok || !e.mu.TryLock() {
			continue
		}
		if e.session.LastActivityAt.Before(cutoff) {
			delete(t.sessions, id)
			removed++
		}
		e.mu.Unlock()
	}
	t.mu.Unlock()
	return removed
}

func (t *Tracker) activeSessions(owner string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.countActive(owner)
}

// countActive expects t.mu to be held. A session busy with an answer counts
// as active.
func (t *Tracker) countActive(owner string) int {
	n := 0
	for _, e := range t.sessions {
		if e.owner != owner {
			continue
		}
		if !e.mu.TryLock() {
			n++
			continue
		}
		if e.session.Status == domain.StatusActive {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Len reports the number of live sessions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *Tracker) lookup(actor identitydomain.Actor, sessionID string) (*entry, error) {
	if !actor.Valid() {
		return nil, domain.ErrInvalidActor
	}
	t.mu.RLock()
	e, ok := t.sessions[strings.TrimSpace(sessionID)]
	t.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if e.owner != actor.ID {
		return nil, domain.ErrSessionNotFound
	}
	return e, nil
}

func (t *Tracker) turnCost() int64 {
	if t.catalog == nil {
		return 1
	}
	return t.catalog.Get().Cost(string(creditsdomain.ActionInterviewTurn))
}

func (t *Tracker) recordFallback(ctx context.Context, purpose, reason, sessionID string) {
	t.log.Warn("interviewer fell back to a generic question",
		zap.String("purpose", purpose),
		zap.String("reason", reason),
		zap.String("session_id", sessionID),
	)
	t.metrics.RecordLLMFallback(ctx, purpose, reason)
}

type openingReply struct {
	Question string `json:"question"`
}

type turnReply struct {
	Question string `json:"question"`
	Feedback string `json:"feedback"`
	Final    bool   `json:"final"`
	Score    *int   `json:"score"`
	Summary  string `json:"summary"`
}

func (r turnReply) isVerdict() bool {
	return r.Final && r.Score != nil && strings.TrimSpace(r.Summary) != ""
}
