package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/teleinfo"
)

const (
	mqttDisconnectQuiesce = 250 // milliseconds
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker" default:"tcp://localhost:1883"`
	ClientID       string        `yaml:"client_id" default:"teleble"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix" default:"teleinfo"`
	QoS            byte          `yaml:"qos" default:"1"`
	Retain         bool          `yaml:"retain"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	PublishTimeout time.Duration `yaml:"publish_timeout" default:"5s"`
}

// publisher is the part of pahomqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes readings as JSON to <prefix>/<address>/<type>.
type MQTT struct {
	cfg    MQTTConfig
	client publisher
	logger *logrus.Logger
}

// NewMQTT connects to the broker. The paho client reconnects on its own
// after the initial connection succeeds.
func NewMQTT(cfg MQTTConfig, logger *logrus.Logger) (*MQTT, error) {
	if logger == nil {
		logger = logrus.New()
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.WithField("error", err).Warn("MQTT connection lost")
		}).
		SetOnConnectHandler(func(pahomqtt.Client) {
			logger.WithField("broker", cfg.Broker).Debug("MQTT connected")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("%w: mqtt broker %s: timeout after %v", ErrSinkUnavailable, cfg.Broker, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: mqtt broker %s: %w", ErrSinkUnavailable, cfg.Broker, err)
	}

	logger.WithField("broker", cfg.Broker).Info("MQTT sink connected")
	return newMQTT(cfg, client, logger), nil
}

func newMQTT(cfg MQTTConfig, client publisher, logger *logrus.Logger) *MQTT {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &MQTT{cfg: cfg, client: client, logger: logger}
}

func (s *MQTT) Name() string { return "mqtt" }

// Topic returns the topic a reading is published to.
func (s *MQTT) Topic(r teleinfo.Reading) string {
	addr := strings.ReplaceAll(strings.ToLower(r.Address), ":", "")
	if addr == "" {
		addr = "unknown"
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.cfg.TopicPrefix, "/"), addr, strings.ToLower(r.Type.String()))
}

type mqttPayload struct {
	Type  string `json:"type"`
	Value uint32 `json:"value"`
	Unit  string `json:"unit"`
	Time  int64  `json:"ts"`
}

func (s *MQTT) Write(ctx context.Context, r teleinfo.Reading) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	payload, err := json.Marshal(mqttPayload{
		Type:  r.Type.String(),
		Value: r.Value,
		Unit:  r.Type.Unit(),
		Time:  ts.UnixMilli(),
	})
	if err != nil {
		return err
	}

	token := s.client.Publish(s.Topic(r), s.cfg.QoS, s.cfg.Retain, payload)

	timeout := s.cfg.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: mqtt publish timed out", ErrSinkUnavailable)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish failed: %w", err)
	}
	return nil
}

func (s *MQTT) Close() error {
	s.client.Disconnect(mqttDisconnectQuiesce)
	return nil
}
