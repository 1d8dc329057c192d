package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/room"
	"github.com/energizer-project/relay/internal/util"
)

// handleListRooms returns a status snapshot of every running room.
func (s *Server) handleListRooms(c *gin.Context) {
	rooms := s.lobby.Query(c.Query("version"))
	out := make([]room.Status, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Status())
	}
	total, clients := s.lobby.Counts()
	c.JSON(http.StatusOK, gin.H{
		"rooms":   out,
		"total":   total,
		"clients": clients,
	})
}

// handleGetRoom returns one room's status.
func (s *Server) handleGetRoom(c *gin.Context) {
	id, ok := roomParam(c)
	if !ok {
		return
	}
	r, found := s.lobby.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, r.Status())
}

// handleGetHistory returns recent finished sessions and aggregate totals.
func (s *Server) handleGetHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store disabled"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-1000"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	sessions, err := s.history.Recent(ctx, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read session history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	totals, err := s.history.Totals(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read history totals")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"totals":   totals,
	})
}

// handleGetCPUUsage returns current host CPU usage.
func (s *Server) handleGetCPUUsage(c *gin.Context) {
	usage, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cpu_percent": usage,
	})
}

// handleGetMemoryUsage returns current host memory usage.
func (s *Server) handleGetMemoryUsage(c *gin.Context) {
	mem, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, mem)
}

// handleGetProcessUsage returns the relay process's own footprint.
func (s *Server) handleGetProcessUsage(c *gin.Context) {
	p, err := util.GetProcessUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func roomParam(c *gin.Context) (protocol.RoomID, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return 0, false
	}
	return protocol.RoomID(id), true
}
