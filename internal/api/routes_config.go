package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/relay/internal/events"
)

// handleGetConfig returns the current configuration. The API token is masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	app := s.cfg.GetApplicationData()
	if app.Security.APIToken != "" {
		app.Security.APIToken = "********"
	}
	c.JSON(http.StatusOK, gin.H{
		"server":           s.cfg.GetServer(),
		"rooms":            s.cfg.GetRooms(),
		"application_data": app,
	})
}

// handleSetAppField replaces one application_data section and saves the file.
// Most sections take effect on the next restart.
func (s *Server) handleSetAppField(c *gin.Context) {
	field := c.Param("field")

	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON value"})
		return
	}
	value := json.RawMessage(body)
	if err := s.cfg.UpdateAppField(field, value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "application_data",
			Key:     field,
			Value:   value,
		},
	})

	s.logger.Info().Str("field", field).Str("client_ip", c.ClientIP()).Msg("API: application data updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}
