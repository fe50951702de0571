package service

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/applykit/internal/documents/domain"
	"github.com/smallbiznis/applykit/internal/providers/pdf"
)

const writerSystemPrompt = `You write concise, factual application documents.
Never invent employers, dates or degrees that are not in the candidate CV.
Reply with a single JSON object and nothing else.`

type cvContent struct {
	Headline string `json:"headline"`
	Summary  string `json:"summary"`
	Sections []cvSection `json:"sections"`
}

type cvSection struct {
	Heading string   `json:"heading"`
	Items   []string `json:"items"`
}

type letterContent struct {
	Greeting   string   `json:"greeting"`
	Paragraphs []string `json:"paragraphs"`
	Closing    string   `json:"closing"`
}

func cvPrompt(req domain.GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\nTarget role: %s\n", req.Language, req.JobTitle)
	if req.Company != "" {
		fmt.Fprintf(&b, "Company: %s\n", req.Company)
	}
	if req.JobDescription != "" {
		fmt.Fprintf(&b, "Job description:\n%s\n", req.JobDescription)
	}
	fmt.Fprintf(&b, "Candidate CV:\n%s\n", req.CVText)
	b.WriteString(`Tailor the CV to the role. Respond as {"headline": "...", "summary": "...", "sections": [{"heading": "...", "items": ["..."]}]}.`)
	return b.String()
}

func letterPrompt(req domain.GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\nTarget role: %s\n", req.Language, req.JobTitle)
	if req.Company != "" {
		fmt.Fprintf(&b, "Company: %s\n", req.Company)
	}
	if req.JobDescription != "" {
		fmt.Fprintf(&b, "Job description:\n%s\n", req.JobDescription)
	}
	fmt.Fprintf(&b, "Candidate CV:\n%s\n", req.CVText)
	b.WriteString(`Write a cover letter of three or four paragraphs. Respond as {"greeting": "...", "paragraphs": ["..."], "closing": "..."}.`)
	return b.String()
}

// fallbackCV lays out the candidate's own text when the model is unavailable.
func fallbackCV(req domain.GenerateRequest) cvContent {
	content := cvContent{Headline: req.JobTitle}
	var items []string
	for _, line := range strings.Split(req.CVText, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			items = append(items, line)
		}
	}
	content.Sections = append(content.Sections, cvSection{Heading: "Profile", Items: items})
	return content
}

func fallbackLetter(req domain.GenerateRequest) letterContent {
	company := req.Company
	if company == "" {
		company = "your company"
	}
	return letterContent{
		Greeting: "Dear hiring team,",
		Paragraphs: []string{
			fmt.Sprintf("I am writing to apply for the %s position at %s.", req.JobTitle, company),
			"My experience, summarised in the attached CV, matches the responsibilities described in the posting, and I would welcome the chance to contribute to your team.",
			"Thank you for your time and consideration. I look forward to discussing my application with you.",
		},
		Closing: "Kind regards,",
	}
}

func (c cvContent) toPDF(name, email string) pdf.CVDocument {
	doc := pdf.CVDocument{
		CandidateName: name,
		Email:         email,
		Headline:      c.Headline,
		Summary:       c.Summary,
	}
	for _, s := range c.Sections {
		doc.Sections = append(doc.Sections, pdf.Section{Heading: s.Heading, Items: s.Items})
	}
	return doc
}

func (c letterContent) toPDF(req domain.GenerateRequest, name, email, date string) pdf.CoverLetterDocument {
	return pdf.CoverLetterDocument{
		CandidateName: name,
		Email:         email,
		Company:       req.Company,
		JobTitle:      req.JobTitle,
		Date:          date,
		Greeting:      c.Greeting,
		Paragraphs:    c.Paragraphs,
		Closing:       c.Closing,
	}
}
