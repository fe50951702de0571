package pdf

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("pdf",
	fx.Provide(New),
)

type Provider interface {
	RenderCV(ctx context.Context, doc CVDocument) ([]byte, error)
	RenderCoverLetter(ctx context.Context, doc CoverLetterDocument) ([]byte, error)
}

type Section struct {
	Heading string
	Items   []string
}

type CVDocument struct {
	CandidateName string
	Email         string
	Headline      string
	Summary       string
	Sections      []Section
}

type CoverLetterDocument struct {
	CandidateName string
	Email         string
	Company       string
	JobTitle      string
	Date          string
	Greeting      string
	Paragraphs    []string
	Closing       string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}
