package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/applykit/internal/observability/context"
)

func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeActionWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeActionWithContext(c *gin.Context, object string, action string) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return ErrUnauthorized
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}

	err := s.authzSvc.Authorize(c.Request.Context(), actor.ID, strings.TrimSpace(object), strings.TrimSpace(action))
	if err != nil {
		return err
	}

	ctx := obscontext.WithActor(c.Request.Context(), obscontext.ActorTypeAdmin, actor.ID)
	c.Request = c.Request.WithContext(ctx)
	return nil
}
