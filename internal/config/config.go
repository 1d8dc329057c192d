// Package config handles configuration loading, validation, and persistence
// for the relay server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/energizer-project/relay/internal/lobby"
	"github.com/energizer-project/relay/internal/util"
	"github.com/energizer-project/relay/internal/websocket"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultRelayPort  = 7777
	DefaultAPIPort    = 5000
)

// Config is the root configuration structure for the relay.
type Config struct {
	mu   sync.RWMutex
	path string

	Server          ServerConfig    `json:"server"`
	Rooms           RoomsConfig     `json:"rooms"`
	WebSocket       WebSocketConfig `json:"websocket"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerConfig identifies this relay and where it listens.
type ServerConfig struct {
	Name             string   `json:"name"`
	Region           string   `json:"region"`
	ListenAddress    string   `json:"listen_address"`
	RelayPort        int      `json:"relay_port"`
	APIPort          int      `json:"api_port"`
	AcceptedVersions []string `json:"accepted_versions"`
}

// RoomsConfig sizes rooms and the lobby.
type RoomsConfig struct {
	TickIntervalMS  int `json:"tick_interval_ms"`
	LongTickMS      int `json:"long_tick_ms"`
	DefaultCapacity int `json:"default_capacity"`
	MaxCapacity     int `json:"max_capacity"`
	MaxRooms        int `json:"max_rooms"`
	IdleTimeoutSec  int `json:"idle_timeout_sec"`
}

// WebSocketConfig holds per-connection limits.
type WebSocketConfig struct {
	HandshakeTimeoutSec int `json:"handshake_timeout_sec"`
	PingIntervalSec     int `json:"ping_interval_sec"`
	PingTimeoutSec      int `json:"ping_timeout_sec"`
	MaxMessageSize      int `json:"max_message_size"`
	SendQueueSize       int `json:"send_queue_size"`
	RateLimit           int `json:"rate_limit_per_sec"`
	RateBurst           int `json:"rate_burst"`
}

// ApplicationData contains relay application configuration.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	History  HistoryConfig  `json:"history"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
}

// TimerConfig holds health check and task interval settings.
type TimerConfig struct {
	GeneralHealthInterval int `json:"general_health_interval_sec"`
	DiskCheckInterval     int `json:"disk_check_interval_sec"`
	StatsPollingInterval  int `json:"stats_polling_interval_sec"`
	HeartbeatInterval     int `json:"heartbeat_interval_sec"`
}

// HistoryConfig controls room session history retention.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled"`
	CleanupTime   string `json:"cleanup_time"`
	RetentionDays int    `json:"retention_days"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	APIToken       string   `json:"api_token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// StorageConfig locates on-disk state.
type StorageConfig struct {
	DatabasePath string `json:"database_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:          "relay",
			Region:        "local",
			ListenAddress: "0.0.0.0",
			RelayPort:     DefaultRelayPort,
			APIPort:       DefaultAPIPort,
		},
		Rooms: RoomsConfig{
			TickIntervalMS:  50,
			LongTickMS:      100,
			DefaultCapacity: 8,
			MaxCapacity:     16,
			MaxRooms:        100,
			IdleTimeoutSec:  300,
		},
		WebSocket: WebSocketConfig{
			HandshakeTimeoutSec: 10,
			PingIntervalSec:     5,
			PingTimeoutSec:      15,
			MaxMessageSize:      websocket.MaxFramePayloadSize,
			SendQueueSize:       256,
			RateLimit:           200,
			RateBurst:           400,
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				GeneralHealthInterval: 60,
				DiskCheckInterval:     3600,
				StatsPollingInterval:  60,
				HeartbeatInterval:     30,
			},
			History: HistoryConfig{
				Enabled:       true,
				CleanupTime:   "04:00",
				RetentionDays: 30,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "relay",
			},
			Security: SecurityConfig{
				AllowedOrigins: []string{"*"},
				RateLimitRPS:   100,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
			Storage: StorageConfig{
				DatabasePath: filepath.Join("data", "relay.db"),
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so the file picks up fields added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server section.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// GetRooms returns a copy of the rooms section.
func (c *Config) GetRooms() RoomsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Rooms
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateAppField sets one top-level key of application_data by its JSON name.
func (c *Config) UpdateAppField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(c.ApplicationData)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown application_data field %q", key)
	}
	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	next := c.ApplicationData
	if err := json.Unmarshal(updated, &next); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.ApplicationData = next
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// RelayAddr is the WebSocket listen address.
func (c *Config) RelayAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.ListenAddress, c.Server.RelayPort)
}

// APIAddr is the HTTP API listen address.
func (c *Config) APIAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.ListenAddress, c.Server.APIPort)
}

// WebSocketServer converts the websocket section into server settings.
func (c *Config) WebSocketServer() websocket.ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ws := c.WebSocket
	opts := websocket.DefaultOptions()
	opts.PingInterval = seconds(ws.PingIntervalSec)
	opts.PingTimeout = seconds(ws.PingTimeoutSec)
	opts.MaxMessageSize = ws.MaxMessageSize
	opts.SendQueueSize = ws.SendQueueSize
	opts.RateLimit = rate.Limit(ws.RateLimit)
	opts.RateBurst = ws.RateBurst

	return websocket.ServerConfig{
		Addr:             fmt.Sprintf("%s:%d", c.Server.ListenAddress, c.Server.RelayPort),
		HandshakeTimeout: seconds(ws.HandshakeTimeoutSec),
		Conn:             opts,
	}
}

// Lobby converts the rooms and server sections into lobby settings.
func (c *Config) Lobby(version string) lobby.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return lobby.Config{
		MaxRooms:         c.Rooms.MaxRooms,
		DefaultCapacity:  uint8(c.Rooms.DefaultCapacity),
		MaxCapacity:      uint8(c.Rooms.MaxCapacity),
		TickInterval:     time.Duration(c.Rooms.TickIntervalMS) * time.Millisecond,
		LongTick:         time.Duration(c.Rooms.LongTickMS) * time.Millisecond,
		AcceptedVersions: append([]string(nil), c.Server.AcceptedVersions...),
		ServerName:       c.Server.Name,
		ServerRegion:     c.Server.Region,
		ServerVersion:    version,
	}
}

// Logging converts the logging section for util.InitLogger.
func (c *Config) Logging() util.LogConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l := c.ApplicationData.Logging
	return util.LogConfig{
		Level:      l.Level,
		Directory:  l.Directory,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		Console:    true,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
