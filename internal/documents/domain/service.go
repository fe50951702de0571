package domain

import (
	"context"
	"errors"

	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	identitydomain "github.com/smallbiznis/applykit/internal/identity/domain"
)

type GenerateRequest struct {
	DocType        creditsdomain.DocType `json:"doc_type"`
	CandidateName  string                `json:"candidate_name"`
	JobTitle       string                `json:"job_title"`
	Company        string                `json:"company"`
	JobDescription string                `json:"job_description"`
	CVText         string                `json:"cv_text"`
	Language       string                `json:"language"`
}

type Document struct {
	DocType      creditsdomain.DocType
	FileName     string
	ContentType  string
	Content      []byte
	FallbackUsed bool
	// CreditsLeft is the balance right after the debit for this document.
	CreditsLeft int64
}

type Service interface {
	Generate(ctx context.Context, actor identitydomain.Actor, req GenerateRequest) (Document, error)
}

var (
	ErrInvalidDocType = errors.New("invalid_doc_type")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRenderFailed   = errors.New("render_failed")
)
