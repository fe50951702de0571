package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/applykit/internal/balancefeed"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	"github.com/smallbiznis/applykit/internal/observability/logger"
	"github.com/smallbiznis/applykit/pkg/db/pagination"
	"go.uber.org/zap"
)

type listUsageQuery struct {
	pagination.Pagination
	Action string `form:"action"`
}

func (s *Server) GetBalance(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	balance, err := s.creditsSvc.GetBalance(c.Request.Context(), actor.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceView(actor.ID, balance)})
}

func (s *Server) ListMyUsage(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var query listUsageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditsSvc.ListUsage(c.Request.Context(), creditsdomain.ListUsageRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		ActorID: actor.ID,
		Action:  strings.TrimSpace(query.Action),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.UsageLogs, "page_info": resp.PageInfo})
}

// StreamBalance pushes the caller's balance as Server-Sent Events: the current
// snapshot first, then every committed change.
func (s *Server) StreamBalance(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	if s.balanceFeed == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	// Subscribe before reading the store so no commit lands in between unseen.
	subscription, _, err := s.balanceFeed.Subscribe(actor.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer subscription.Close()

	ctx := c.Request.Context()
	balance, err := s.creditsSvc.GetBalance(ctx, actor.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	snapshot := balancefeed.UpdateFromBalance(balance)
	snapshot.ActorID = actor.ID

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	if err := writeBalanceEvent(writer, snapshot); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	lastSeen := snapshot.UpdatedAt
	for {
		select {
		case <-ctx.Done():
			return
		case update, open := <-subscription.Updates():
			if !open {
				return
			}
			if !update.UpdatedAt.IsZero() && update.UpdatedAt.Before(lastSeen) {
				continue
			}
			lastSeen = update.UpdatedAt
			if err := writeBalanceEvent(writer, update); err != nil {
				logger.FromContext(ctx).Debug("balance stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeBalanceEvent(w io.Writer, update balancefeed.Update) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: balance\ndata: %s\n\n", data)
	return err
}

type balanceResponse struct {
	ActorID                 string     `json:"actor_id"`
	Credits                 int64      `json:"credits"`
	Blocked                 bool       `json:"blocked"`
	TotalAICalls            int64      `json:"total_ai_calls"`
	TotalDocumentsGenerated int64      `json:"total_documents_generated"`
	TotalCVGenerated        int64      `json:"total_cv_generated"`
	TotalLMGenerated        int64      `json:"total_lm_generated"`
	UpdatedAt               *time.Time `json:"updated_at,omitempty"`
}

// balanceView renders a balance. An actor without a record reads as zero.
func balanceView(actorID string, b creditsdomain.Balance) balanceResponse {
	resp := balanceResponse{
		ActorID:                 actorID,
		Credits:                 b.Credits,
		Blocked:                 b.Blocked,
		TotalAICalls:            b.TotalAICalls,
		TotalDocumentsGenerated: b.TotalDocumentsGenerated,
		TotalCVGenerated:        b.TotalCVGenerated,
		TotalLMGenerated:        b.TotalLMGenerated,
	}
	if !b.UpdatedAt.IsZero() {
		updatedAt := b.UpdatedAt
		resp.UpdatedAt = &updatedAt
	}
	return resp
}
