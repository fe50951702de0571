package service

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/applykit/internal/interview/domain"
)

const interviewerSystemPrompt = `You are a professional job interviewer. Ask one question at a time.
Reply with a single JSON object and nothing else.`

const (
	defaultLanguage = "en"
	// maxSteps is the last step of an interview. An answer that reaches it
	// without a verdict closes the session unscored.
	maxSteps = 12
)

var fallbackOpening = map[string]string{
	"en": "To start, could you walk me through your background and what draws you to the %s role?",
	"fr": "Pour commencer, pouvez-vous présenter votre parcours et ce qui vous attire dans le poste de %s ?",
}

var fallbackFollowUp = map[string]string{
	"en": "Thank you. Can you describe a recent challenge you faced at work and how you handled it?",
	"fr": "Merci. Pouvez-vous décrire un défi récent rencontré au travail et la façon dont vous l'avez géré ?",
}

var closingRemarks = map[string]string{
	"en": "Thank you for your time. That was the last question of this interview.",
	"fr": "Merci pour votre temps. C'était la dernière question de cet entretien.",
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if len(lang) > 2 {
		lang = lang[:2]
	}
	if _, ok := fallbackOpening[lang]; ok {
		return lang
	}
	return defaultLanguage
}

func openingFallback(s *domain.Session) string {
	role := s.JobTitle
	if role == "" {
		role = "open"
	}
	return fmt.Sprintf(fallbackOpening[s.Language], role)
}

func followUpFallback(s *domain.Session) string {
	return fallbackFollowUp[s.Language]
}

func closingRemark(s *domain.Session) string {
	return closingRemarks[s.Language]
}

func openingPrompt(s *domain.Session, jobDescription string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Interview language: %s\n", s.Language)
	fmt.Fprintf(&b, "Role: %s\n", s.JobTitle)
	if s.Company != "" {
		fmt.Fprintf(&b, "Company: %s\n", s.Company)
	}
	if jobDescription != "" {
		fmt.Fprintf(&b, "Job description:\n%s\n", jobDescription)
	}
	b.WriteString(`Open the interview. Respond as {"question": "..."}.`)
	return b.String()
}

func turnPrompt(s *domain.Session, nextStep int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Interview language: %s\n", s.Language)
	fmt.Fprintf(&b, "Role: %s\n", s.JobTitle)
	if s.Company != "" {
		fmt.Fprintf(&b, "Company: %s\n", s.Company)
	}
	fmt.Fprintf(&b, "Opening question: %s\n", s.OpeningQuestion)
	b.WriteString("Transcript:\n")
	for _, turn := range s.History {
		fmt.Fprintf(&b, "[%d] %s: %s\n", turn.Step, turn.Role, turn.Content)
	}
	fmt.Fprintf(&b, "This is step %d of at most %d.\n", nextStep, maxSteps)
	b.WriteString(`Either ask the next question as {"question": "...", "feedback": "..."} ` +
		`or, when you have enough signal, end with {"final": true, "score": 0-100, "summary": "..."}.`)
	return b.String()
}
