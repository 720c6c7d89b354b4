// Package pubsub provides the sinks decoded output is published to and the
// dispatcher that feeds them off the decode path.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/resident-x/go-buslog/internal/codec"
	"github.com/resident-x/go-buslog/internal/config"
	"github.com/resident-x/go-buslog/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink kinds.
const (
	KindConsole    = "console"
	KindMQTT       = "mqtt"
	KindNATS       = "nats"
	KindClickHouse = "clickhouse"
	KindNone       = "none"
)

// Envelope wraps every value a sink publishes.
type Envelope struct {
	Run   string `json:"run" cbor:"run" msgpack:"run"`
	Key   string `json:"key" cbor:"key" msgpack:"key"`
	Value any    `json:"value" cbor:"value" msgpack:"value"`
}

// NoopSink discards everything.
type NoopSink struct{}

// NewNoopSink creates a new no-operation sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

// Put is a no-op for the NoopSink.
func (s *NoopSink) Put(_ context.Context, _ string, _ any) error {
	return nil
}

// Close is a no-op for the NoopSink.
func (s *NoopSink) Close() error {
	return nil
}

// ConsoleSink writes each value to the log at info level.
type ConsoleSink struct {
	logger zerolog.Logger
}

// NewConsoleSink creates a sink that logs through zerolog.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{logger: log.With().Str("component", "sink").Logger()}
}

// Put logs value under key.
func (s *ConsoleSink) Put(_ context.Context, key string, value any) error {
	s.logger.Info().Str("key", key).Interface("value", value).Msg("Minute bucket")
	return nil
}

// Close is a no-op for the ConsoleSink.
func (s *ConsoleSink) Close() error {
	return nil
}

// MultiSink fans every value out to all of its sinks.
type MultiSink struct {
	sinks []domain.Sink
}

// NewMultiSink combines sinks into one.
func NewMultiSink(sinks ...domain.Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Put writes to every sink and joins their errors.
func (m *MultiSink) Put(ctx context.Context, key string, value any) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Put(ctx, key, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// Build connects every sink kind named in cfg. A sink that fails to connect
// is logged and skipped so the decoder keeps running, like the MQTT
// publisher falling back to a no-op. loc is the zone minute keys are
// formatted in.
func Build(ctx context.Context, cfg config.SinkConfig, run string, loc *time.Location) (domain.Sink, error) {
	c, err := codec.New(cfg.Codec)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "sink").Logger()
	var sinks []domain.Sink
	for _, kind := range cfg.Kinds {
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case KindConsole:
			sinks = append(sinks, NewConsoleSink())
		case KindMQTT:
			s := NewMQTTSink(cfg.MQTT, c, run)
			if err := s.Connect(ctx); err != nil {
				logger.Warn().Err(err).Msg("Failed to connect to MQTT broker, sink disabled")
				continue
			}
			sinks = append(sinks, s)
		case KindNATS:
			s, err := NewNATSSink(cfg.NATS.URL, cfg.NATS.Subject, c, run)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to connect to NATS, sink disabled")
				continue
			}
			sinks = append(sinks, s)
		case KindClickHouse:
			s, err := NewClickHouseSink(ctx, cfg.ClickHouse, run, loc)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to connect to ClickHouse, sink disabled")
				continue
			}
			sinks = append(sinks, s)
		case KindNone, "":
		default:
			_ = NewMultiSink(sinks...).Close()
			return nil, fmt.Errorf("unknown sink kind %q", kind)
		}
	}

	switch len(sinks) {
	case 0:
		logger.Info().Msg("No sinks configured, using noop sink")
		return NewNoopSink(), nil
	case 1:
		return sinks[0], nil
	}
	return NewMultiSink(sinks...), nil
}
