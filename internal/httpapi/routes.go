package httpapi

import (
	"encoding/base64"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"isol8/internal/engine"
	"isol8/internal/model"
)

// executeBody is the wire shape of POST /execute and POST /execute/stream
// (spec.md §6.2: "{request, options?, sessionId?}"). options is accepted
// but reserved for a future collaborator-defined override bag; the core
// does not interpret it.
type executeBody struct {
	Request   model.ExecutionRequest `json:"request"`
	Options   map[string]any         `json:"options,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
}

func (s *Server) engineFor(c *gin.Context, sessionID string) (*engine.Engine, error) {
	if pinned, ok := c.Get("pinnedSessionId"); ok {
		sessionID = pinned.(string)
	}
	if sessionID == "" {
		return s.ephemeral, nil
	}
	return s.sessions.getOrCreate(c.Request.Context(), sessionID)
}

func (s *Server) handleExecute(c *gin.Context) {
	var body executeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	eng, err := s.engineFor(c, body.SessionID)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	result, err := eng.Execute(c.Request.Context(), body.Request)
	outcome := "success"
	if err != nil {
		outcome = "error"
	} else if result.ExitCode != 0 {
		outcome = "nonzero_exit"
	}
	s.metrics.RecordExecution(string(body.Request.Runtime), outcome, time.Since(start))

	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, result)
}

func (s *Server) handleExecuteStream(c *gin.Context) {
	var body executeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	eng, err := s.engineFor(c, body.SessionID)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	events, err := eng.ExecuteStream(c.Request.Context(), body.Request)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	start := time.Now()
	outcome := "success"
	c.Stream(func(w io.Writer) bool {
		event, ok := <-events
		if !ok {
			return false
		}
		if event.Kind == model.StreamError {
			outcome = "error"
		}
		c.SSEvent(string(event.Kind), event)
		return event.Kind != model.StreamExit
	})
	s.metrics.RecordExecution(string(body.Request.Runtime), outcome, time.Since(start))
}

type fileBody struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   []byte `json:"content"` // json auto base64-encodes []byte
}

func (s *Server) handlePutFile(c *gin.Context) {
	var body fileBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	if body.SessionID == "" {
		c.JSON(404, gin.H{"error": "missing session"})
		return
	}
	eng, err := s.engineFor(c, body.SessionID)
	if err != nil {
		c.JSON(404, gin.H{"error": err.Error()})
		return
	}
	if err := eng.PutFile(c.Request.Context(), body.Path, body.Content); err != nil {
		c.JSON(404, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"ok": true})
}

func (s *Server) handleGetFile(c *gin.Context) {
	sessionID := c.Query("sessionId")
	path := c.Query("path")
	if sessionID == "" {
		c.JSON(404, gin.H{"error": "missing session"})
		return
	}
	eng, err := s.engineFor(c, sessionID)
	if err != nil {
		c.JSON(404, gin.H{"error": err.Error()})
		return
	}
	content, err := eng.GetFile(c.Request.Context(), path)
	if err != nil {
		c.JSON(404, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"content": base64.StdEncoding.EncodeToString(content)})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	s.sessions.delete(c.Request.Context(), id)
	c.JSON(200, gin.H{"ok": true})
}

// handleCreateSession mints a fresh sessionId plus a bearer token scoped
// to it, for callers that would rather not generate their own sessionId
// (enrichment beyond spec.md §6.2's literal route table).
func (s *Server) handleCreateSession(c *gin.Context) {
	id := uuid.NewString()
	token, err := s.mintSessionToken(id, s.cfg.SessionIdleTTL)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"sessionId": id, "token": token})
}
