package pubsub

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/resident-x/go-buslog/internal/codec"
	"github.com/resident-x/go-buslog/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MQTTSink publishes encoded envelopes to an MQTT broker. Each key is
// published under <topic>/<key>.
type MQTTSink struct {
	config        config.MQTTConfig
	codec         codec.Codec
	run           string
	client        mqtt.Client
	connected     atomic.Bool
	logger        zerolog.Logger
	clientFactory func(config.MQTTConfig, mqtt.OnConnectHandler, mqtt.ConnectionLostHandler) mqtt.Client
}

// NewMQTTSink creates a new MQTT sink.
func NewMQTTSink(cfg config.MQTTConfig, c codec.Codec, run string) *MQTTSink {
	return &MQTTSink{
		config:        cfg,
		codec:         c,
		run:           run,
		logger:        log.With().Str("component", "mqtt").Logger(),
		clientFactory: createMQTTClient,
	}
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg config.MQTTConfig, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(fmt.Sprintf("go-buslog-%d", time.Now().UnixNano())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(onConnect).
		SetConnectionLostHandler(onLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes a connection to the MQTT broker.
func (s *MQTTSink) Connect(ctx context.Context) error {
	if s.client == nil {
		s.client = s.clientFactory(s.config, s.onConnect, s.onConnectionLost)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := s.client.Connect()

	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	s.connected.Store(true)
	return nil
}

func (s *MQTTSink) onConnect(_ mqtt.Client) {
	s.logger.Info().Msg("MQTT connection established")
	s.connected.Store(true)
}

func (s *MQTTSink) onConnectionLost(_ mqtt.Client, err error) {
	s.connected.Store(false)
	s.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// Topic returns the topic a key is published under.
func (s *MQTTSink) Topic(key string) string {
	return fmt.Sprintf("%s/%s", s.config.Topic, key)
}

// Put encodes value and publishes it.
func (s *MQTTSink) Put(ctx context.Context, key string, value any) error {
	if !s.connected.Load() {
		return fmt.Errorf("mqtt sink not connected")
	}

	payload, err := s.codec.Marshal(Envelope{Run: s.run, Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", s.codec.Name(), err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := s.client.Publish(s.Topic(key), s.config.QoS, s.config.Retain, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	s.logger.Debug().Str("topic", s.Topic(key)).Int("bytes", len(payload)).Msg("Published")
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.connected.Store(false)
	return nil
}
