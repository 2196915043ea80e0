package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/kioskfsm/internal/engine"
	"github.com/roach88/kioskfsm/internal/events"
	"github.com/roach88/kioskfsm/internal/fsm"
)

func (s *Server) setupStatus(c *gin.Context) {
	h := s.engine.Ready(c.Request.Context())
	status := http.StatusOK
	if !h.Store {
		status = http.StatusServiceUnavailable
	}
	ok(c, status, h)
}

func (s *Server) checkout(c *gin.Context) {
	var req engine.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.OrderID == "" {
		badRequest(c, errors.New("order_id is required"))
		return
	}
	if req.Actor.Type != "" {
		if _, err := fsm.ParseActorType(string(req.Actor.Type)); err != nil {
			badRequest(c, err)
			return
		}
	}

	rt, err := s.engine.Checkout(c.Request.Context(), req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, rt)
}

func (s *Server) getRuntime(c *gin.Context) {
	rt, err := s.engine.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, rt)
}

func (s *Server) getOrderRuntime(c *gin.Context) {
	rt, err := s.engine.StatusForOrder(c.Request.Context(), c.Param("order"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, rt)
}

func (s *Server) getLog(c *gin.Context) {
	entries, err := s.engine.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if entries == nil {
		entries = []fsm.TransitionEntry{}
	}
	ok(c, http.StatusOK, entries)
}

// EventRequest submits one event. A missing actor is recorded as an
// anonymous operator.
type EventRequest struct {
	Event string    `json:"event" binding:"required"`
	Actor fsm.Actor `json:"actor"`
}

// EventResponse is the state after the event was applied.
type EventResponse struct {
	RuntimeID string    `json:"runtime_id"`
	State     fsm.State `json:"state"`
}

func (s *Server) postEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	event, err := fsm.ParseEvent(req.Event)
	if err != nil {
		badRequest(c, err)
		return
	}
	actor := req.Actor
	if actor.Type == "" {
		actor = fsm.Actor{Type: fsm.ActorOperator, ID: "api", Comment: actor.Comment}
	} else if _, err := fsm.ParseActorType(string(actor.Type)); err != nil {
		badRequest(c, err)
		return
	}

	id := c.Param("id")
	state, err := s.engine.Apply(c.Request.Context(), id, event, actor)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, EventResponse{RuntimeID: id, State: state})
}

func (s *Server) getStock(c *gin.Context) {
	entry, err := s.engine.Ledger().Stock(c.Request.Context(), c.Param("item"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, entry)
}

// StockRequest adjusts available stock by Delta.
type StockRequest struct {
	Delta int `json:"delta"`
}

func (s *Server) putStock(c *gin.Context) {
	var req StockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	entry, err := s.engine.Ledger().Replenish(c.Request.Context(), c.Param("item"), req.Delta)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, entry)
}

// stream sends the runtime's transitions as server-sent events until the
// client goes away or the runtime reaches a terminal state.
func (s *Server) stream(c *gin.Context) {
	if s.bus == nil {
		fail(c, http.StatusNotImplemented, CodeInternal, "event stream is not enabled")
		return
	}
	id := c.Param("id")

	// Subscribed before the snapshot is read, so no transition falls
	// between the two. One committed in that window may repeat the
	// snapshot's state.
	sub := s.bus.Subscribe(events.RuntimeChannel(id))
	defer sub.Close()

	rt, err := s.engine.Status(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent("state", EventResponse{RuntimeID: id, State: rt.State})
	c.Writer.Flush()
	if rt.State.IsTerminal() {
		return
	}

	ctx := c.Request.Context()
	reported := 0
	c.Stream(func(w io.Writer) bool {
		select {
		case n, open := <-sub.C():
			if !open {
				return false
			}
			c.SSEvent("transition", n)
			if d := sub.Dropped(); d > reported {
				c.SSEvent("dropped", fmt.Sprint(d-reported))
				reported = d
			}
			return !n.Terminal
		case <-ctx.Done():
			return false
		}
	})
}
