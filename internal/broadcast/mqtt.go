// SPDX-License-Identifier: MIT

package broadcast

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig holds MQTT broker connection configuration.
type MQTTConfig struct {
	BrokerURL string // e.g. "tcp://broker:1883"
	ClientID  string
	Username  string
	Password  string
	Topic     string // topic the stop command is published on
}

// MQTTTransport publishes the stop command to an MQTT broker. The stop
// message is published retained at QoS 1 so units that reconnect after the
// broadcast still receive the active stop command.
type MQTTTransport struct {
	client mqtt.Client
	topic  string
	logger zerolog.Logger
}

// NewMQTTTransport connects to the broker and returns the transport.
func NewMQTTTransport(cfg MQTTConfig, logger zerolog.Logger) (*MQTTTransport, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().
			Str("broker", cfg.BrokerURL).
			Msg("connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().
			Err(err).
			Str("event", "broadcast.mqtt_connection_lost").
			Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout to %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &MQTTTransport{
		client: client,
		topic:  cfg.Topic,
		logger: logger,
	}, nil
}

func (t *MQTTTransport) Name() string { return "mqtt" }

// Publish pushes the payload to the configured topic.
func (t *MQTTTransport) Publish(ctx context.Context, p Payload) error {
	data, err := p.Encode()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	token := t.client.Publish(t.topic, 1, true, data)

	deadline := 3 * time.Second
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < deadline {
			deadline = until
		}
	}
	if !token.WaitTimeout(deadline) {
		return fmt.Errorf("mqtt publish timeout on %s", t.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}

	t.logger.Debug().
		Str("event", "broadcast.published").
		Str("topic", t.topic).
		Str("event_id", p.EventID).
		Msg("stop command published")
	return nil
}

// HealthCheck reports whether the broker connection is up.
func (t *MQTTTransport) HealthCheck(context.Context) error {
	if !t.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt connection down")
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight work to finish.
func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}
