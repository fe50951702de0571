package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/applykit/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectBalance      = "balance"
	ObjectUsage        = "usage"
	ObjectWebhookEvent = "webhook_event"
	ObjectAuditLog     = "audit_log"
)

const (
	ActionBalanceView  = "balance.view"
	ActionBalanceBlock = "balance.block"
	ActionBalanceGrant = "balance.grant"

	ActionUsageView        = "usage.view"
	ActionWebhookEventView = "webhook_event.view"
	ActionAuditLogView     = "audit_log.view"
)

const (
	RoleAdmin   = "admin"
	RoleSupport = "support"
	RoleSystem  = "system"
)

const SubjectSystem = "system"

type Service interface {
	Authorize(ctx context.Context, actorID, object, action string) error
	// GrantRole is idempotent and reports whether the role was newly assigned.
	GrantRole(ctx context.Context, actorID, role string) (bool, error)
	HasRole(ctx context.Context, actorID, role string) (bool, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if _, err := enforcer.AddGroupingPolicy(SubjectSystem, roleName(RoleSystem)); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actorID, object, action string) error {
	subject, err := subjectFor(actorID)
	if err != nil {
		return err
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.auditDenied(ctx, actorID, object, action)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) GrantRole(ctx context.Context, actorID, role string) (bool, error) {
	subject, err := subjectFor(actorID)
	if err != nil {
		return false, err
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role != RoleAdmin && role != RoleSupport {
		return false, ErrInvalidRole
	}

	added, err := s.enforcer.AddGroupingPolicy(subject, roleName(role))
	if err != nil {
		return false, err
	}
	if added {
		s.log.Info("role granted", zap.String("subject", subject), zap.String("role", role))
		if s.auditSvc != nil {
			target := strings.TrimSpace(actorID)
			if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeSystem, nil, auditdomain.ActionRoleGranted, "actor", &target, map[string]any{
				"role": role,
			}); err != nil {
				s.log.Warn("audit role grant failed", zap.Error(err))
			}
		}
	}
	return added, nil
}

func (s *ServiceImpl) HasRole(_ context.Context, actorID, role string) (bool, error) {
	subject, err := subjectFor(actorID)
	if err != nil {
		return false, err
	}
	return s.enforcer.HasGroupingPolicy(subject, roleName(strings.ToLower(strings.TrimSpace(role))))
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorID, object, action string) {
	if s.auditSvc == nil {
		return
	}
	id := strings.TrimSpace(actorID)
	targetID := "capability"
	_ = s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeUser, &id, "authorization.denied", "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
	})
}

func subjectFor(actorID string) (string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", ErrInvalidActor
	}
	if actorID == SubjectSystem {
		return SubjectSystem, nil
	}
	return fmt.Sprintf("user:%s", actorID), nil
}

func roleName(role string) string {
	return "role:" + role
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Support can look but not touch.
		{roleName(RoleSupport), ObjectBalance, ActionBalanceView},
		{roleName(RoleSupport), ObjectUsage, ActionUsageView},
		{roleName(RoleSupport), ObjectWebhookEvent, ActionWebhookEventView},

		{roleName(RoleAdmin), ObjectBalance, ActionBalanceView},
		{roleName(RoleAdmin), ObjectBalance, ActionBalanceBlock},
		{roleName(RoleAdmin), ObjectBalance, ActionBalanceGrant},
		{roleName(RoleAdmin), ObjectUsage, ActionUsageView},
		{roleName(RoleAdmin), ObjectWebhookEvent, ActionWebhookEventView},
		{roleName(RoleAdmin), ObjectAuditLog, ActionAuditLogView},

		{roleName(RoleSystem), ObjectBalance, ActionBalanceView},
		{roleName(RoleSystem), ObjectBalance, ActionBalanceBlock},
		{roleName(RoleSystem), ObjectBalance, ActionBalanceGrant},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
