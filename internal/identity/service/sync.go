package service

import (
	"context"
	"strings"

	auditdomain "github.com/smallbiznis/applykit/internal/audit/domain"
	"github.com/smallbiznis/applykit/internal/config"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	"github.com/smallbiznis/applykit/internal/identity/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// maxSyncPages bounds a run against a directory that keeps returning a token.
const maxSyncPages = 10000

type SyncStats struct {
	Pages   int
	Seen    int
	Created int
	Skipped int
	Failed  int
}

type SyncParams struct {
	fx.In

	Cfg       config.Config
	Log       *zap.Logger
	Directory domain.Directory
	Credits   creditsdomain.Service
	AuditSvc  auditdomain.Service `optional:"true"`
}

// Syncer mirrors the identity provider's users into balance accounts.
// Running it twice yields the same accounts; credits are never touched.
type Syncer struct {
	log       *zap.Logger
	directory domain.Directory
	credits   creditsdomain.Service
	auditSvc  auditdomain.Service
	pageSize  int
}

func NewSyncer(p SyncParams) *Syncer {
	pageSize := p.Cfg.Identity.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Syncer{
		log:       p.Log.Named("identity.sync"),
		directory: p.Directory,
		credits:   p.Credits,
		auditSvc:  p.AuditSvc,
		pageSize:  pageSize,
	}
}

func (s *Syncer) Run(ctx context.Context) (SyncStats, error) {
	var stats SyncStats
	token := ""
	for stats.Pages < maxSyncPages {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		page, err := s.directory.ListUsers(ctx, token, s.pageSize)
		if err != nil {
			return stats, err
		}
		stats.Pages++

		for _, user := range page.Users {
			stats.Seen++
			id := strings.TrimSpace(user.ID)
			if id == "" {
				stats.Skipped++
				continue
			}
			created, err := s.credits.EnsureAccount(ctx, id, user.Email)
			if err != nil {
				stats.Failed++
				s.log.Error("ensure account failed", zap.String("actor_id", id), zap.Error(err))
				continue
			}
			if created {
				stats.Created++
			}
		}

		if page.NextToken == "" || page.NextToken == token {
			break
		}
		token = page.NextToken
	}

	s.log.Info("identity sync finished",
		zap.Int("pages", stats.Pages),
		zap.Int("seen", stats.Seen),
		zap.Int("created", stats.Created),
		zap.Int("failed", stats.Failed),
	)
	if s.auditSvc != nil {
		if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeSystem, nil, auditdomain.ActionIdentitySynced, "identity", nil, map[string]any{
			"pages":   stats.Pages,
			"seen":    stats.Seen,
			"created": stats.Created,
			"failed":  stats.Failed,
		}); err != nil {
			s.log.Warn("audit identity sync failed", zap.Error(err))
		}
	}
	return stats, nil
}
