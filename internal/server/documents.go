package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	documentsdomain "github.com/smallbiznis/applykit/internal/documents/domain"
)

func (s *Server) GenerateDocument(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req documentsdomain.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("credit_action", string(creditsdomain.ActionGenerateDocument))

	doc, err := s.documentsSvc.Generate(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.FileName))
	c.Header("X-Credits-Remaining", strconv.FormatInt(doc.CreditsLeft, 10))
	c.Header("X-Fallback-Used", strconv.FormatBool(doc.FallbackUsed))
	c.Data(http.StatusOK, doc.ContentType, doc.Content)
}
