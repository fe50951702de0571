package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	interviewdomain "github.com/smallbiznis/applykit/internal/interview/domain"
)

func (s *Server) StartInterview(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req interviewdomain.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	session, err := s.interviews.Start(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": session})
}

func (s *Server) GetInterview(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		AbortWithError(c, interviewdomain.ErrSessionNotFound)
		return
	}

	session, err := s.interviews.Get(c.Request.Context(), actor, sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

func (s *Server) AnswerInterview(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		AbortWithError(c, interviewdomain.ErrSessionNotFound)
		return
	}

	var req interviewdomain.AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("credit_action", string(creditsdomain.ActionInterviewTurn))

	session, err := s.interviews.Answer(c.Request.Context(), actor, sessionID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}
