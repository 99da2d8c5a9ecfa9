package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aristath/debai/internal/model"
)

func (s *Server) stats(c *gin.Context) {
	st, err := s.engine.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) templates(c *gin.Context) {
	agents, tasks := s.engine.Templates()
	c.JSON(http.StatusOK, gin.H{"agents": agents, "tasks": tasks})
}

func (s *Server) pendingConfirmations(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Confirmations().Pending())
}

type resolveRequest struct {
	Approve *bool `json:"approve" binding:"required"`
}

func (s *Server) resolveConfirmation(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.engine.Confirmations().Resolve(c.Param("id"), *req.Approve); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type tokenRequest struct {
	Command string `json:"command"`
}

func (s *Server) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tok, err := s.engine.IssueToken(req.Command)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tok)
}

func (s *Server) requireMonitor(c *gin.Context) {
	if s.engine.Monitor() == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "monitor is disabled: " + model.ErrNotFound.Error()})
		return
	}
	c.Next()
}

func (s *Server) latestSample(c *gin.Context) {
	sample, ok := s.engine.Monitor().Latest()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) sampleHistory(c *gin.Context) {
	n, err := intQuery(c, "limit", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.engine.Monitor().History(n))
}

func (s *Server) alerts(c *gin.Context) {
	n, err := intQuery(c, "limit", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.engine.Monitor().Alerts(n))
}

func (s *Server) thresholds(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Monitor().Thresholds())
}

func (s *Server) monitorStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Monitor().Stats())
}
