// Package telemetry publishes relay lifecycle events to an MQTT broker.
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
	"github.com/rs/zerolog/log"

	"github.com/relaygate-project/relaygate/internal/config"
	"github.com/relaygate-project/relaygate/internal/events"
	"github.com/relaygate-project/relaygate/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicAdmin    = "admin"
	TopicSessions = "sessions"
	TopicLookup   = "lookup"
	TopicHandoffs = "handoffs"
)

const handlerName = "mqtt"

// MQTTHandler manages the MQTT connection and publishes bus events.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		metadata: buildMetadata(sysInfo, version),
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("relaygate-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

func buildMetadata(sysInfo util.SystemInfo, version string) map[string]interface{} {
	return map[string]interface{}{
		"hostname":    sysInfo.Hostname,
		"os":          sysInfo.OS,
		"cpu_model":   sysInfo.CPUModel,
		"cpu_cores":   sysInfo.CPUCores,
		"memory_mb":   sysInfo.TotalMemory,
		"app_version": version,
	}
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	// mTLS: load client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Start connects to the MQTT broker and publishes events until ctx is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.eventBus.SubscribeAll(handlerName, h.onEvent)

	<-ctx.Done()

	h.eventBus.UnsubscribeAll(handlerName)
	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

// topicFor maps an event type to its full topic.
func (h *MQTTHandler) topicFor(t events.EventType) string {
	suffix := TopicAdmin
	switch t {
	case events.EventSessionOpened, events.EventSessionRelaying, events.EventSessionClosed:
		suffix = TopicSessions
	case events.EventLookupFailed:
		suffix = TopicLookup
	case events.EventHandoffCaptured, events.EventHandoffConsumed, events.EventHandoffExpired:
		suffix = TopicHandoffs
	}
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	h.publish(h.topicFor(event.Type), event)
	return nil
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, event events.Event) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(event))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event.
func (h *MQTTHandler) buildMessage(event events.Event) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}

	ts := event.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	msg["event"] = string(event.Type)
	msg["payload"] = event.Payload
	msg["timestamp"] = ts.UTC().Format(time.RFC3339)

	return msg
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topicFor(events.EventShutdown), events.Event{Type: events.EventShutdown, Source: "relaygate"})
}
