package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aristath/debai/internal/agent"
	"github.com/aristath/debai/internal/model"
)

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Agents().List())
}

// createAgent takes an agent body, or ?template=name with an optional ?name=.
func (s *Server) createAgent(c *gin.Context) {
	var (
		a   model.Agent
		err error
	)
	if tpl := c.Query("template"); tpl != "" {
		a, err = s.engine.CreateAgentFromTemplate(c.Request.Context(), tpl, c.Query("name"))
	} else {
		if err := c.ShouldBindJSON(&a); err != nil {
			badRequest(c, err)
			return
		}
		a, err = s.engine.CreateAgent(c.Request.Context(), a)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) getAgent(c *gin.Context) {
	a, err := s.engine.Agents().Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.engine.DeleteAgent(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startAgent(c *gin.Context) {
	a, err := s.engine.Agents().Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) stopAgent(c *gin.Context) {
	a, err := s.engine.Agents().Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// act runs an action synchronously. A rejected attempt that was recorded is
// returned alongside the error.
func (s *Server) act(c *gin.Context) {
	var action model.Action
	if err := c.ShouldBindJSON(&action); err != nil {
		badRequest(c, err)
		return
	}

	exec, err := s.engine.Agents().Act(c.Request.Context(), c.Param("id"), action, agent.Invocation{Cause: model.CauseManual})
	if err != nil {
		resp := errorResponse{Error: err.Error()}
		if exec.Outcome != "" {
			resp.Execution = &exec
		}
		c.JSON(statusFor(err), resp)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) history(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		badRequest(c, err)
		return
	}
	msgs, err := s.engine.Agents().History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &queryError{key: key, value: v}
	}
	return n, nil
}

type queryError struct {
	key, value string
}

func (e *queryError) Error() string {
	return "invalid " + e.key + " " + strconv.Quote(e.value)
}
