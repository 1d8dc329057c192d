package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/energizer-project/relay/internal/websocket"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateRooms(&cfg.Rooms, result)
	validateWebSocket(&cfg.WebSocket, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if strings.TrimSpace(s.Name) == "" {
		result.AddError("server.name", "server name is required")
	}
	if s.ListenAddress != "" && net.ParseIP(s.ListenAddress) == nil {
		result.AddError("server.listen_address", fmt.Sprintf("not an IP address: %s", s.ListenAddress))
	}

	validatePort(s.RelayPort, "server.relay_port", result)
	validatePort(s.APIPort, "server.api_port", result)
	if s.RelayPort == s.APIPort {
		result.AddError("server.ports", "port conflict detected: relay and api ports must differ")
	}

	for i, v := range s.AcceptedVersions {
		if strings.TrimSpace(v) == "" {
			result.AddError(fmt.Sprintf("server.accepted_versions[%d]", i), "empty version string")
		}
	}
}

func validateRooms(r *RoomsConfig, result *ValidationResult) {
	if r.TickIntervalMS < 1 {
		result.AddError("rooms.tick_interval_ms", "tick interval must be at least 1ms")
	} else if r.TickIntervalMS < 10 {
		result.AddWarning("rooms.tick_interval_ms",
			fmt.Sprintf("tick interval of %dms is very aggressive", r.TickIntervalMS))
	}
	if r.LongTickMS != 0 && r.LongTickMS < r.TickIntervalMS {
		result.AddWarning("rooms.long_tick_ms", "long tick threshold is below the tick interval")
	}

	if r.MaxCapacity < 1 || r.MaxCapacity > 255 {
		result.AddError("rooms.max_capacity", "max capacity must be 1-255")
	}
	if r.DefaultCapacity < 1 || r.DefaultCapacity > r.MaxCapacity {
		result.AddError("rooms.default_capacity",
			fmt.Sprintf("default capacity must be 1-%d", r.MaxCapacity))
	}

	if r.MaxRooms < 1 {
		result.AddError("rooms.max_rooms", "must allow at least 1 room")
	}
	if r.MaxRooms > 1000 {
		result.AddWarning("rooms.max_rooms",
			fmt.Sprintf("high room count (%d) may cause performance issues", r.MaxRooms))
	}
}

func validateWebSocket(w *WebSocketConfig, result *ValidationResult) {
	if w.HandshakeTimeoutSec < 1 {
		result.AddError("websocket.handshake_timeout_sec", "handshake timeout must be at least 1s")
	}
	if w.PingIntervalSec < 1 {
		result.AddError("websocket.ping_interval_sec", "ping interval must be at least 1s")
	}
	if w.PingTimeoutSec <= w.PingIntervalSec {
		result.AddError("websocket.ping_timeout_sec", "ping timeout must exceed the ping interval")
	}
	if w.MaxMessageSize < 1 || w.MaxMessageSize > 16*websocket.MaxFramePayloadSize {
		result.AddError("websocket.max_message_size",
			fmt.Sprintf("max message size must be 1-%d", 16*websocket.MaxFramePayloadSize))
	}
	if w.SendQueueSize < 1 {
		result.AddError("websocket.send_queue_size", "send queue must hold at least 1 message")
	}
	if w.RateLimit < 1 {
		result.AddWarning("websocket.rate_limit_per_sec", "inbound rate limiting is disabled")
	} else if w.RateBurst < 1 {
		result.AddError("websocket.rate_burst", "rate burst must be at least 1 when rate limiting is enabled")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	if data.History.Enabled {
		if data.History.RetentionDays < 1 {
			result.AddError("application_data.history.retention_days",
				"retention days must be at least 1")
		}
		if _, err := time.Parse("15:04", data.History.CleanupTime); err != nil {
			result.AddError("application_data.history.cleanup_time",
				fmt.Sprintf("expected HH:MM, got %q", data.History.CleanupTime))
		}
	}
	if strings.TrimSpace(data.Storage.DatabasePath) == "" {
		result.AddError("application_data.storage.database_path", "database path is required")
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}
	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	for _, entry := range data.Security.IPWhitelist {
		if net.ParseIP(entry) == nil {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				result.AddError("application_data.security.ip_whitelist",
					fmt.Sprintf("not an IP or CIDR: %s", entry))
			}
		}
	}
	if data.Security.APIToken == "" && len(data.Security.IPWhitelist) == 0 {
		result.AddWarning("application_data.security",
			"control routes are open to every client (no api_token or ip_whitelist)")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.HeartbeatInterval < 5 {
		result.AddWarning("timers.heartbeat_interval",
			"heartbeat interval less than 5s may cause excessive traffic")
	}
	if timers.GeneralHealthInterval < 10 {
		result.AddWarning("timers.general_health_interval",
			"health interval less than 10s may cause excessive load")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
