// Package api exposes the HTTP/SSE boundary described in the external
// interfaces section: session and turn submission over JSON, turn events
// streamed back over Server-Sent Events, and slash-command and status
// endpoints, all via gin.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pithrun/pith/pkg/bus"
	"github.com/pithrun/pith/pkg/errkind"
	"github.com/pithrun/pith/pkg/store"
	"github.com/pithrun/pith/pkg/tools"
)

// Orchestrator is the subset of *runtime.Runtime the API depends on.
type Orchestrator interface {
	NewSession(ctx context.Context) (string, error)
	SubmitTurn(sessionID, userText string, deadline time.Duration) (string, error)
	CompactSession(ctx context.Context, sessionID string) error
	InfoSession(ctx context.Context, sessionID string) (string, error)
}

// Server wires the orchestrator, store, registry, and event bus onto a gin
// router.
type Server struct {
	runtime   Orchestrator
	st        store.Store
	registry  *tools.Registry
	events    *bus.EventBus
	router    *gin.Engine
	startedAt time.Time
}

func New(runtime Orchestrator, st store.Store, registry *tools.Registry, events *bus.EventBus) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	s := &Server{runtime: runtime, st: st, registry: registry, events: events, router: router, startedAt: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/status", s.handleStatus)
	s.router.POST("/sessions", s.handleCreateSession)
	s.router.POST("/sessions/:id/turns", s.handleSubmitTurn)
	s.router.GET("/sessions/:id/events", s.handleEvents)
	s.router.POST("/sessions/:id/commands", s.handleCommand)
}

// handleHealthz reports 200 iff the Store is reachable and the Registry
// has been initialized (§6: "200 iff Store reachable and Registry
// initialized").
func (s *Server) handleHealthz(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "reason": "registry not initialized"})
		return
	}
	if _, err := s.st.ListSessions(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "reason": "store unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	bootstrapComplete := false
	if v, ok, _ := s.st.GetAppState(ctx, store.AppStateBootstrapComplete); ok {
		bootstrapComplete = v == "true"
	}
	sessionCount := 0
	if sessions, err := s.st.ListSessions(ctx); err == nil {
		sessionCount = len(sessions)
	}
	c.JSON(http.StatusOK, gin.H{
		"bootstrap_complete": bootstrapComplete,
		"session_count":      sessionCount,
		"tools_registered":   s.registry.Count(),
		"uptime_seconds":     int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	id, err := s.runtime.NewSession(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

type submitTurnRequest struct {
	Text           string `json:"text" binding:"required"`
	DeadlineSecond int    `json:"deadline_seconds"`
}

func (s *Server) handleSubmitTurn(c *gin.Context) {
	sessionID := c.Param("id")
	var req submitTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	deadline := time.Duration(req.DeadlineSecond) * time.Second
	turnID, err := s.runtime.SubmitTurn(sessionID, req.Text, deadline)
	if err != nil {
		writeOrchestratorError(c, err)
		return
	}
	c.Header("turn_id", turnID)
	c.Status(http.StatusAccepted)
}

type commandRequest struct {
	Cmd string `json:"cmd" binding:"required"` // "new" | "compact" | "info"
}

func (s *Server) handleCommand(c *gin.Context) {
	sessionID := c.Param("id")
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	switch req.Cmd {
	case "new":
		id, err := s.runtime.NewSession(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id})
	case "compact":
		if err := s.runtime.CompactSession(ctx, sessionID); err != nil {
			writeOrchestratorError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case "info":
		info, err := s.runtime.InfoSession(ctx, sessionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"info": info})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown command"})
	}
}

// handleEvents streams sessionID's event bus over SSE. gin's SSEvent
// encodes each Event as a named "event: <type>" frame with a JSON payload,
// flushing after every write so clients see deltas as they land.
func (s *Server) handleEvents(c *gin.Context) {
	sessionID := c.Param("id")
	ch, cancel := s.events.Subscribe(sessionID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), gin.H{
				"session_id": ev.SessionID,
				"turn_id":    ev.TurnID,
				"seq":        ev.Seq,
				"data":       ev.Data,
			})
			return true
		}
	})
}

func writeOrchestratorError(c *gin.Context, err error) {
	var busy *errkind.Busy
	var overflow *errkind.ContextOverflow
	switch {
	case errors.As(err, &busy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "kind": "busy"})
	case errors.As(err, &overflow):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "context_overflow"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
