package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/relay/internal/lobby"
	"github.com/energizer-project/relay/internal/protocol"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "relay",
		"version": s.version,
	})
}

// handleGetLobby lists the rooms for ?version=, or every room without it.
func (s *Server) handleGetLobby(c *gin.Context) {
	var req protocol.GetLobbyInfoRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.lobby.Info(req.Version))
}

// handleCreateRoom opens a room and returns its listing entry. Clients then
// connect over WebSocket and send the room ID as their first message.
func (s *Server) handleCreateRoom(c *gin.Context) {
	var req protocol.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := s.lobby.CreateRoom(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, info)
	case errors.Is(err, lobby.ErrVersionRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, lobby.ErrLobbyFull), errors.Is(err, lobby.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Str("name", req.Name).Msg("room creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
	}
}
