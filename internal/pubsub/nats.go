package pubsub

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/resident-x/go-buslog/internal/codec"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSSink publishes encoded envelopes on a NATS subject.
type NATSSink struct {
	conn    natsConn
	subject string
	codec   codec.Codec
	run     string
	logger  zerolog.Logger
}

// NewNATSSink connects to url and publishes on subject.
func NewNATSSink(url, subject string, c codec.Codec, run string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("go-buslog"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATSSink(nc, subject, c, run), nil
}

func newNATSSink(conn natsConn, subject string, c codec.Codec, run string) *NATSSink {
	return &NATSSink{
		conn:    conn,
		subject: subject,
		codec:   c,
		run:     run,
		logger:  log.With().Str("component", "nats").Logger(),
	}
}

// Put encodes value and publishes it.
func (s *NATSSink) Put(_ context.Context, key string, value any) error {
	data, err := s.codec.Marshal(Envelope{Run: s.run, Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", s.codec.Name(), err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.subject, err)
	}
	s.logger.Debug().Str("subject", s.subject).Str("key", key).Msg("Published")
	return nil
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
