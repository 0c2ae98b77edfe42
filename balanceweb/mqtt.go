package balanceweb

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// MQTTConfig locates the broker telemetry frames are published to.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. tcp://localhost:1883
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

const publishTimeout = time.Second

// MQTTPublisher publishes telemetry frames to an MQTT topic.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTPublisher connects to the broker in cfg.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt: broker and topic are required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: bad QoS %d", cfg.QoS)
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	id := cfg.ClientID
	if id == "" {
		id = fmt.Sprintf("balance-%d", time.Now().Unix())
	}
	opts.SetClientID(id)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT: connection lost")
	}

	c := mqtt.NewClient(opts)
	log.Info().Str("broker", cfg.Broker).Str("client_id", id).Msg("MQTT: connecting")
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect failed: %w", err)
	}
	return newMQTTPublisher(c, cfg.Topic, cfg.QoS), nil
}

func newMQTTPublisher(c mqtt.Client, topic string, qos byte) *MQTTPublisher {
	return &MQTTPublisher{client: c, topic: topic, qos: qos}
}

func (p *MQTTPublisher) Publish(frame []byte) error {
	token := p.client.Publish(p.topic, p.qos, false, frame)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", p.topic)
	}
	return token.Error()
}

func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
}
