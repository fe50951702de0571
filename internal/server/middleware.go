package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	identitydomain "github.com/smallbiznis/applykit/internal/identity/domain"
	obscontext "github.com/smallbiznis/applykit/internal/observability/context"
)

const (
	headerAuthorization = "Authorization"
	contextActorKey     = "actor"
)

// AuthRequired verifies the identity provider's bearer token and stores the
// actor on the request.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(headerAuthorization))
		if token == "" {
			AbortWithError(c, identitydomain.ErrMissingToken)
			return
		}

		actor, err := s.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if !actor.Valid() {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextActorKey, actor)
		ctx := obscontext.WithActor(c.Request.Context(), obscontext.ActorTypeUser, actor.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func actorFromContext(c *gin.Context) (identitydomain.Actor, bool) {
	if c == nil {
		return identitydomain.Actor{}, false
	}
	value, ok := c.Get(contextActorKey)
	if !ok {
		return identitydomain.Actor{}, false
	}
	actor, ok := value.(identitydomain.Actor)
	if !ok || !actor.Valid() {
		return identitydomain.Actor{}, false
	}
	return actor, true
}

// requireActor returns the authenticated actor or aborts with 401.
func requireActor(c *gin.Context) (identitydomain.Actor, bool) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return identitydomain.Actor{}, false
	}
	return actor, true
}
