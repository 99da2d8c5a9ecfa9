package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aristath/debai/internal/model"
)

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.engine.Scheduler().ListTasks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// createTask takes a task body, or ?template=name with an optional ?id=.
func (s *Server) createTask(c *gin.Context) {
	var (
		t   model.Task
		err error
	)
	if tpl := c.Query("template"); tpl != "" {
		t, err = s.engine.CreateTaskFromTemplate(c.Request.Context(), tpl, c.Query("id"))
	} else {
		t.Priority = model.PriorityNormal
		if err := c.ShouldBindJSON(&t); err != nil {
			badRequest(c, err)
			return
		}
		t, err = s.engine.Scheduler().CreateTask(c.Request.Context(), t)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.engine.Scheduler().GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) deleteTask(c *gin.Context) {
	if err := s.engine.Scheduler().DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) runTask(c *gin.Context) {
	t, err := s.engine.Scheduler().RunTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, t)
}

func (s *Server) cancelTask(c *gin.Context) {
	t, err := s.engine.Scheduler().CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type dependenciesRequest struct {
	DependsOn []string `json:"depends_on"`
}

func (s *Server) setDependencies(c *gin.Context) {
	var req dependenciesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := s.engine.Scheduler().SetDependencies(c.Request.Context(), c.Param("id"), req.DependsOn)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}
