// Package domain holds the in-memory interview session model. Sessions live
// only in process memory and are lost on restart.
package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	identitydomain "github.com/smallbiznis/applykit/internal/identity/domain"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleCandidate   Role = "candidate"
)

type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	Step    int       `json:"step"`
	At      time.Time `json:"at"`
}

type Session struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Status          Status    `json:"status"`
	CurrentStep     int       `json:"current_step"`
	OpeningQuestion string    `json:"opening_question"`
	CurrentQuestion string    `json:"current_question"`
	History         []Turn    `json:"history"`
	Score           *int      `json:"score,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	JobTitle        string    `json:"job_title"`
	Company         string    `json:"company,omitempty"`
	Language        string    `json:"language"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	// FallbackUsed reports that the last interviewer message is the generic one.
	FallbackUsed bool `json:"fallback_used"`
}

// Clone returns a copy that shares no mutable state with s.
func (s Session) Clone() Session {
	out := s
	out.History = append([]Turn(nil), s.History...)
	if s.Score != nil {
		score := *s.Score
		out.Score = &score
	}
	return out
}

type StartRequest struct {
	JobTitle       string `json:"job_title"`
	Company        string `json:"company"`
	JobDescription string `json:"job_description"`
	Language       string `json:"language"`
}

type AnswerRequest struct {
	Answer string `json:"answer"`
	Step   Step   `json:"step"`
}

// Step is an optional client supplied step number. JSON numbers and numeric
// strings are accepted; anything else leaves it unset.
type Step struct {
	Value int
	Set   bool
}

func NewStep(v int) Step {
	return Step{Value: v, Set: true}
}

func (s *Step) UnmarshalJSON(data []byte) error {
	*s = Step{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		if v == float64(int(v)) {
			*s = NewStep(int(v))
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*s = NewStep(n)
		}
	}
	return nil
}

func (s Step) MarshalJSON() ([]byte, error) {
	if !s.Set {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(s.Value)), nil
}

type Tracker interface {
	Start(ctx context.Context, actor identitydomain.Actor, req StartRequest) (Session, error)
	Answer(ctx context.Context, actor identitydomain.Actor, sessionID string, req AnswerRequest) (Session, error)
	Get(ctx context.Context, actor identitydomain.Actor, sessionID string) (Session, error)
	// Sweep drops sessions idle since before cutoff and reports how many.
	Sweep(cutoff time.Time) int
}

var (
	ErrSessionNotFound  = errors.New("session_not_found")
	ErrSessionCompleted = errors.New("session_completed")
	ErrInvalidAnswer    = errors.New("invalid_answer")
	ErrInvalidRequest   = errors.New("invalid_request")
	ErrInvalidActor     = errors.New("invalid_actor")
	ErrTooManySessions  = errors.New("too_many_sessions")
)
