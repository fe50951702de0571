package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/applykit/internal/clock"
	"github.com/smallbiznis/applykit/internal/config"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	"github.com/smallbiznis/applykit/internal/documents/domain"
	identitydomain "github.com/smallbiznis/applykit/internal/identity/domain"
	"github.com/smallbiznis/applykit/internal/llm"
	obsmetrics "github.com/smallbiznis/applykit/internal/observability/metrics"
	"github.com/smallbiznis/applykit/internal/providers/pdf"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	contentTypePDF = "application/pdf"

	maxCVTextLength         = 20000
	maxJobDescriptionLength = 10000
	defaultDocumentLanguage = "en"
)

var (
	cvSchema     = llm.MustSchema("cv")
	letterSchema = llm.MustSchema("cover_letter")
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Credits   creditsdomain.Service
	Completer llm.Completer
	PDF       pdf.Provider
	Catalog   *config.CatalogHolder `optional:"true"`
	Clock     clock.Clock           `optional:"true"`
	Metrics   *obsmetrics.Metrics   `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	credits   creditsdomain.Service
	completer llm.Completer
	pdf       pdf.Provider
	catalog   *config.CatalogHolder
	clock     clock.Clock
	metrics   *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		log:       p.Log.Named("documents.service"),
		credits:   p.Credits,
		completer: p.Completer,
		pdf:       p.PDF,
		catalog:   p.Catalog,
		clock:     clk,
		metrics:   p.Metrics,
	}
}

// Generate debits first. A document that fails to render after the debit is
// not refunded.
func (s *Service) Generate(ctx context.Context, actor identitydomain.Actor, req domain.GenerateRequest) (domain.Document, error) {
	if !actor.Valid() {
		return domain.Document{}, creditsdomain.ErrInvalidActor
	}
	req, err := normalize(req)
	if err != nil {
		return domain.Document{}, err
	}

	debit, err := s.credits.Debit(ctx, creditsdomain.DebitRequest{
		ActorID:    actor.ID,
		ActorEmail: actor.Email,
		Amount:     s.cost(),
		Action:     creditsdomain.ActionGenerateDocument,
		DocType:    req.DocType,
		Metadata: map[string]any{
			"job_title": req.JobTitle,
			"company":   req.Company,
			"language":  req.Language,
		},
	})
	if err != nil {
		return domain.Document{}, err
	}

	name := strings.TrimSpace(req.CandidateName)
	if name == "" {
		name = actor.Email
	}

	var (
		content      []byte
		fallbackUsed bool
	)
	switch req.DocType {
	case creditsdomain.DocTypeCV:
		cv, fallback := s.writeCV(ctx, req)
		fallbackUsed = fallback
		content, err = s.pdf.RenderCV(ctx, cv.toPDF(name, actor.Email))
	case creditsdomain.DocTypeLM:
		letter, fallback := s.writeLetter(ctx, req)
		fallbackUsed = fallback
		date := s.clock.Now().Format("2 January 2006")
		content, err = s.pdf.RenderCoverLetter(ctx, letter.toPDF(req, name, actor.Email, date))
	}
	if err != nil {
		s.log.Error("document render failed after debit",
			zap.String("actor_id", actor.ID),
			zap.String("doc_type", string(req.DocType)),
			zap.Error(err),
		)
		return domain.Document{}, fmt.Errorf("%w: %v", domain.ErrRenderFailed, err)
	}

	s.log.Info("document generated",
		zap.String("actor_id", actor.ID),
		zap.String("doc_type", string(req.DocType)),
		zap.Bool("fallback", fallbackUsed),
		zap.Int("bytes", len(content)),
	)
	return domain.Document{
		DocType:      req.DocType,
		FileName:     fileName(req),
		ContentType:  contentTypePDF,
		Content:      content,
		FallbackUsed: fallbackUsed,
		CreditsLeft:  debit.Balance.Credits,
	}, nil
}

func (s *Service) writeCV(ctx context.Context, req domain.GenerateRequest) (cvContent, bool) {
	raw, err := s.completer.Complete(ctx, llm.CompletionRequest{System: writerSystemPrompt, Prompt: cvPrompt(req), JSON: true})
	var result llm.Result[cvContent]
	if err != nil {
		result = llm.FallbackFor[cvContent](err)
	} else {
		result = llm.Parse[cvContent](raw, cvSchema)
	}
	switch r := result.(type) {
	case llm.ParsedOk[cvContent]:
		return r.Value, false
	case llm.ParsedFallback[cvContent]:
		s.recordFallback(ctx, "document_cv", r.Reason)
	}
	return fallbackCV(req), true
}

func (s *Service) writeLetter(ctx context.Context, req domain.GenerateRequest) (letterContent, bool) {
	raw, err := s.completer.Complete(ctx, llm.CompletionRequest{System: writerSystemPrompt, Prompt: letterPrompt(req), JSON: true})
	var result llm.Result[letterContent]
	if err != nil {
		result = llm.FallbackFor[letterContent](err)
	} else {
		result = llm.Parse[letterContent](raw, letterSchema)
	}
	switch r := result.(type) {
	case llm.ParsedOk[letterContent]:
		return r.Value, false
	case llm.ParsedFallback[letterContent]:
		s.recordFallback(ctx, "document_lm", r.Reason)
	}
	return fallbackLetter(req), true
}

func (s *Service) recordFallback(ctx context.Context, purpose, reason string) {
	s.log.Warn("document content fell back to template", zap.String("purpose", purpose), zap.String("reason", reason))
	s.metrics.RecordLLMFallback(ctx, purpose, reason)
}

func (s *Service) cost() int64 {
	if s.catalog == nil {
		return 1
	}
	return s.catalog.Get().Cost(string(creditsdomain.ActionGenerateDocument))
}

func normalize(req domain.GenerateRequest) (domain.GenerateRequest, error) {
	switch creditsdomain.DocType(strings.ToLower(strings.TrimSpace(string(req.DocType)))) {
	case creditsdomain.DocTypeCV:
		req.DocType = creditsdomain.DocTypeCV
	case creditsdomain.DocTypeLM:
		req.DocType = creditsdomain.DocTypeLM
	default:
		return req, domain.ErrInvalidDocType
	}
	req.JobTitle = strings.TrimSpace(req.JobTitle)
	req.Company = strings.TrimSpace(req.Company)
	req.CVText = strings.TrimSpace(req.CVText)
	req.JobDescription = strings.TrimSpace(req.JobDescription)
	if req.JobTitle == "" || req.CVText == "" {
		return req, domain.ErrInvalidRequest
	}
	if len(req.CVText) > maxCVTextLength || len(req.JobDescription) > maxJobDescriptionLength {
		return req, domain.ErrInvalidRequest
	}
	req.Language = strings.ToLower(strings.TrimSpace(req.Language))
	if req.Language == "" {
		req.Language = defaultDocumentLanguage
	}
	return req, nil
}

func fileName(req domain.GenerateRequest) string {
	label := "cv"
	if req.DocType == creditsdomain.DocTypeLM {
		label = "cover-letter"
	}
	parts := []string{label, req.JobTitle}
	if req.Company != "" {
		parts = append(parts, req.Company)
	}
	name := slug.Make(strings.Join(parts, " "))
	if name == "" {
		name = label
	}
	return name + ".pdf"
}
