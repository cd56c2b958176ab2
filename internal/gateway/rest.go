package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tabrelay/tabrelay/internal/session"
	"github.com/tabrelay/tabrelay/internal/store"
)

// handleHealth reports liveness plus the live session and connection counts.
func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"active_sessions":    g.manager.Count(),
		"active_connections": g.ConnectionCount(),
	})
}

// handleListSessions returns all stored sessions, newest activity first.
func (g *Gateway) handleListSessions(c *gin.Context) {
	sessions, err := g.store.ListSessions(c.Request.Context())
	if err != nil {
		g.logger.WithError(err).Error("failed to list sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	if sessions == nil {
		sessions = []*store.SessionSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// handleListMessages returns a session's transcript in sequence order.
func (g *Gateway) handleListMessages(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := g.store.GetSession(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		g.logger.WithError(err).Error("failed to load session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}

	messages, err := g.store.ListMessages(c.Request.Context(), sessionID)
	if err != nil {
		g.logger.WithError(err).Error("failed to list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": messages})
}

// handleListAgentSessions returns sessions that established an agent
// conversation, for the extension's session picker.
func (g *Gateway) handleListAgentSessions(c *gin.Context) {
	sessions, err := g.store.ListAgentSessions(c.Request.Context())
	if err != nil {
		g.logger.WithError(err).Error("failed to list agent sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agent sessions"})
		return
	}
	if sessions == nil {
		sessions = []*store.SessionSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type switchConversationRequest struct {
	TargetAgentConversationID string `json:"target_agent_conversation_id" binding:"required"`
}

// handleSwitchConversation rebinds a session to another agent conversation.
func (g *Gateway) handleSwitchConversation(c *gin.Context) {
	var req switchConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_agent_conversation_id is required"})
		return
	}

	sessionID := c.Param("id")
	err := g.manager.SwitchConversation(c.Request.Context(), sessionID, req.TargetAgentConversationID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"session_id":            sessionID,
			"agent_conversation_id": req.TargetAgentConversationID,
		})
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "a run is in progress"})
	default:
		g.logger.WithError(err).Error("failed to switch conversation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to switch conversation"})
	}
}
