// Package telemetry publishes room lifecycle events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicRooms   = "rooms"
	TopicClients = "clients"
	TopicLag     = "lag"
	TopicStatus  = "status"
	TopicAdmin   = "admin"
)

var topics = map[events.EventType]string{
	events.EventRoomCreated:   TopicRooms,
	events.EventRoomStopped:   TopicRooms,
	events.EventClientJoined:  TopicClients,
	events.EventClientLeft:    TopicClients,
	events.EventMasterChanged: TopicClients,
	events.EventLongTick:      TopicLag,
	events.EventHeartbeat:     TopicStatus,
	events.EventShutdown:      TopicAdmin,
}

// MQTTHandler forwards bus events to the broker as JSON with QoS 1.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler configures a client. Nothing connects until Start.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"platform":    sysInfo.Platform,
			"cpu_cores":   sysInfo.CPUCores,
			"memory_mb":   sysInfo.TotalMemory,
			"app_version": version,
		},
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("relay-%s", sysInfo.Hostname))
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.CAFile != "" {
			pem, err := os.ReadFile(cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates in MQTT CA file %s", cfg.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

// Start connects, subscribes to the bus and blocks until ctx is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().Str("broker", h.cfg.BrokerURL).Int("port", h.cfg.Port).Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	for ev := range topics {
		h.eventBus.Subscribe(ev, "mqtt", h.onEvent)
	}

	<-ctx.Done()

	for ev := range topics {
		h.eventBus.Unsubscribe(ev, "mqtt")
	}
	h.publishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) onEvent(_ context.Context, ev events.Event) error {
	topic, data, err := h.encode(ev, time.Now())
	if err != nil {
		return err
	}
	h.publish(topic, data)
	return nil
}

func (h *MQTTHandler) publish(topic string, data []byte) {
	if !h.client.IsConnected() {
		return
	}
	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// encode maps an event to its topic and JSON body.
func (h *MQTTHandler) encode(ev events.Event, now time.Time) (string, []byte, error) {
	suffix, ok := topics[ev.Type]
	if !ok {
		return "", nil, fmt.Errorf("no topic for event %s", ev.Type)
	}

	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = ev.Type
	msg["payload"] = ev.Payload
	msg["timestamp"] = now.UTC().Format(time.RFC3339)

	data, err := json.Marshal(msg)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s: %w", ev.Type, err)
	}
	return h.topic(suffix), data, nil
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

func (h *MQTTHandler) publishShutdown() {
	topic, data, err := h.encode(events.Event{Type: events.EventShutdown, Source: "mqtt"}, time.Now())
	if err != nil {
		return
	}
	h.publish(topic, data)
}
