package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Broker       string        `koanf:"broker"`
	ClientID     string        `koanf:"client_id"`
	Topic        string        `koanf:"topic"`
	QoS          byte          `koanf:"qos"`
	Retained     bool          `koanf:"retained"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTTopic publishes batches to a single MQTT topic. It is send-only.
type MQTTTopic struct {
	cfg MQTTConfig
	c   mqttPublisher
}

var _ Sender = (*MQTTTopic)(nil)

func NewMQTTTopic(c mqttPublisher, cfg MQTTConfig) *MQTTTopic {
	if c == nil {
		panic("mqtt client is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		panic("mqtt topic is required")
	}
	if cfg.QoS > 2 {
		panic("mqtt qos must be 0, 1 or 2")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return &MQTTTopic{cfg: cfg, c: c}
}

// DialMQTTTopic connects a paho client and wraps it.
func DialMQTTTopic(cfg MQTTConfig) (*MQTTTopic, mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return NewMQTTTopic(c, cfg), c, nil
}

// SendBatch publishes each message in order and waits for every token before
// the next publish, so a failure never leaves later messages in flight.
func (t *MQTTTopic) SendBatch(ctx context.Context, msgs []OutboundMessage) error {
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		tok := t.c.Publish(t.cfg.Topic, t.cfg.QoS, t.cfg.Retained, m.Body)

		timer := time.NewTimer(t.cfg.WriteTimeout)
		select {
		case <-tok.Done():
			timer.Stop()
		case <-timer.C:
			return fmt.Errorf("mqtt publish %s: timeout after %s", t.cfg.Topic, t.cfg.WriteTimeout)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", t.cfg.Topic, err)
		}
	}
	return nil
}
