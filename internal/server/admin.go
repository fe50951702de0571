package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/applykit/internal/audit/domain"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	"github.com/smallbiznis/applykit/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/applykit/internal/payment/domain"
	"github.com/smallbiznis/applykit/pkg/db/pagination"
	"go.uber.org/zap"
)

const (
	auditTargetBalance = "balance"
	adminGrantProvider = "admin"
)

type adminGrantRequest struct {
	Amount int64  `json:"amount"`
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

type adminUsageQuery struct {
	pagination.Pagination
	ActorID string `form:"actor_id"`
	Action  string `form:"action"`
}

func adminTarget(c *gin.Context) (string, bool) {
	actorID := strings.TrimSpace(c.Param("actorId"))
	if actorID == "" {
		AbortWithError(c, newValidationError("actor_id", "invalid_actor_id", "actor id is required"))
		return "", false
	}
	return actorID, true
}

func (s *Server) AdminGetBalance(c *gin.Context) {
	actorID, ok := adminTarget(c)
	if !ok {
		return
	}

	balance, err := s.creditsSvc.GetBalance(c.Request.Context(), actorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceView(actorID, balance)})
}

func (s *Server) AdminBlock(c *gin.Context) {
	s.setBlocked(c, true)
}

func (s *Server) AdminUnblock(c *gin.Context) {
	s.setBlocked(c, false)
}

func (s *Server) setBlocked(c *gin.Context, blocked bool) {
	admin, ok := requireActor(c)
	if !ok {
		return
	}
	actorID, ok := adminTarget(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	balance, err := s.creditsSvc.SetBlocked(ctx, actorID, blocked)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	action := auditdomain.ActionBalanceUnlocked
	if blocked {
		action = auditdomain.ActionBalanceBlocked
	}
	s.audit(ctx, admin.ID, action, actorID, map[string]any{"blocked": blocked})

	c.JSON(http.StatusOK, gin.H{"data": balanceView(actorID, balance)})
}

// AdminGrant credits an account by hand. Each call is a distinct ledger event.
func (s *Server) AdminGrant(c *gin.Context) {
	admin, ok := requireActor(c)
	if !ok {
		return
	}
	actorID, ok := adminTarget(c)
	if !ok {
		return
	}

	var req adminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Amount <= 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be positive"))
		return
	}
	c.Set("credit_action", string(creditsdomain.ActionAdminAdjustment))

	ctx := c.Request.Context()
	eventID := s.newEventID()
	metadata := map[string]any{"granted_by": admin.ID}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		metadata["reason"] = reason
	}

	result, err := s.creditsSvc.GrantCredits(ctx, creditsdomain.GrantRequest{
		PayerExternalID: actorID,
		PayerEmail:      strings.TrimSpace(req.Email),
		Amount:          req.Amount,
		ExternalEventID: eventID,
		Provider:        adminGrantProvider,
		Action:          creditsdomain.ActionAdminAdjustment,
		Metadata:        metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.audit(ctx, admin.ID, auditdomain.ActionCreditsGranted, result.ActorID, map[string]any{
		"amount":   req.Amount,
		"event_id": eventID,
		"provider": adminGrantProvider,
	})

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"event_id": eventID,
			"balance":  balanceView(result.ActorID, result.Balance),
		},
	})
}

func (s *Server) AdminListUsage(c *gin.Context) {
	var query adminUsageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditsSvc.ListUsage(c.Request.Context(), creditsdomain.ListUsageRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		ActorID: strings.TrimSpace(query.ActorID),
		Action:  strings.TrimSpace(query.Action),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.UsageLogs, "page_info": resp.PageInfo})
}

func (s *Server) AdminListWebhookEvents(c *gin.Context) {
	var query paymentdomain.ListEventsRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	query.PageToken = strings.TrimSpace(query.PageToken)
	query.Provider = strings.ToLower(strings.TrimSpace(query.Provider))
	query.Outcome = strings.ToLower(strings.TrimSpace(query.Outcome))

	resp, err := s.paymentSvc.ListEvents(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Events, "page_info": resp.PageInfo})
}

func (s *Server) audit(ctx context.Context, adminID, action, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	actorID := adminID
	target := targetID
	if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeAdmin, &actorID, action, auditTargetBalance, &target, metadata); err != nil {
		logger.FromContext(ctx).Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}
