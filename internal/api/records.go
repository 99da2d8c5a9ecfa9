package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aristath/debai/internal/events"
	"github.com/aristath/debai/internal/model"
)

const streamBuffer = 256

func timeQuery(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, &queryError{key: key, value: v}
	}
	return t, nil
}

func (s *Server) executions(c *gin.Context) {
	since, err := timeQuery(c, "since")
	if err != nil {
		badRequest(c, err)
		return
	}
	until, err := timeQuery(c, "until")
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		badRequest(c, err)
		return
	}

	execs, err := s.engine.Ledger().Collect(c.Request.Context(), model.ExecutionFilter{
		TaskID:  c.Query("task"),
		AgentID: c.Query("agent"),
		Outcome: model.OutcomeKind(c.Query("outcome")),
		Since:   since,
		Until:   until,
		Limit:   limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if execs == nil {
		execs = []model.Execution{}
	}
	c.JSON(http.StatusOK, execs)
}

func (s *Server) transitions(c *gin.Context) {
	since, err := timeQuery(c, "since")
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		badRequest(c, err)
		return
	}

	filter := model.TransitionFilter{
		Entity:   model.EntityKind(c.Query("entity")),
		EntityID: c.Query("id"),
		Since:    since,
		Limit:    limit,
	}
	trs := []model.Transition{}
	for tr, err := range s.engine.Ledger().Transitions(c.Request.Context(), filter) {
		if err != nil {
			respondError(c, err)
			return
		}
		trs = append(trs, tr)
	}
	c.JSON(http.StatusOK, trs)
}

// events streams bus events as server-sent events until the client leaves.
// ?topic= may be repeated or comma separated.
func (s *Server) events(c *gin.Context) {
	var topics []string
	for _, t := range c.QueryArray("topic") {
		for part := range strings.SplitSeq(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				topics = append(topics, part)
			}
		}
	}

	var sub *events.Subscription
	if len(topics) == 0 {
		sub = s.engine.Bus().SubscribeAll(streamBuffer)
	} else {
		sub = s.engine.Bus().Subscribe(events.Topics(topics...), streamBuffer)
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case env, ok := <-sub.C():
			if !ok {
				return false
			}
			data, err := events.Encode(env)
			if err != nil {
				s.logger.Warningf("could not encode event: %s", err)
				return true
			}
			c.SSEvent(env.Event.EventType(), string(data))
			return true
		}
	})
}
