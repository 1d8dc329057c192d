package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/relay/internal/lobby"
)

// handleCloseRoom asks a room to stop. Its clients are disconnected with
// RoomClosed and it leaves the lobby once its loop exits.
func (s *Server) handleCloseRoom(c *gin.Context) {
	id, ok := roomParam(c)
	if !ok {
		return
	}
	if err := s.lobby.CloseRoom(id); err != nil {
		if errors.Is(err, lobby.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Uint32("room", uint32(id)).Str("client_ip", c.ClientIP()).Msg("API: room closed")
	c.JSON(http.StatusAccepted, gin.H{
		"status": "closing",
		"room":   id,
	})
}
