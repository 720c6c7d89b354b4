// Package domain provides core domain models and interfaces for the go-buslog application
package domain

import (
	"context"
	"time"
)

// Record is a decoded payload: field name to value. Values are string,
// int64 or float64.
type Record map[string]any

// Coverage reports how many payload bytes the schema claimed.
type Coverage struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}

// DecodedFrame is one record produced by the decode pipeline.
type DecodedFrame struct {
	Time    time.Time `json:"time"`
	Channel string    `json:"channel"`
	Node    string    `json:"node"`
	// Stream is the decoded device stream the record belongs to.
	Stream   string   `json:"stream"`
	Type     string   `json:"type"`
	Schema   string   `json:"schema,omitempty"`
	Serial   string   `json:"serial,omitempty"`
	XOR      bool     `json:"xor"`
	Values   Record   `json:"values,omitempty"`
	Coverage Coverage `json:"coverage"`
	// Raw is the payload hex for frames without a schema.
	Raw string `json:"raw,omitempty"`
}

// Band is the finalised statistics of one numeric field over a minute.
type Band struct {
	Min float64 `json:"min" cbor:"min" msgpack:"min"`
	Max float64 `json:"max" cbor:"max" msgpack:"max"`
	Avg float64 `json:"avg" cbor:"avg" msgpack:"avg"`
}

// Sink persists (key, value) pairs. The decoder never reads back from it.
type Sink interface {
	// Put stores value under key
	Put(ctx context.Context, key string, value any) error

	// Close flushes and releases the sink
	Close() error
}

// ReferenceSource provides external per-minute metric snapshots keyed by
// calendar path (YY/MMDD/HHmm).
type ReferenceSource interface {
	// Snapshot returns the flat metric map for path, or false when none exists
	Snapshot(path string) (map[string]any, bool)
}

// Registry keeps track of decoded streams.
type Registry interface {
	// Observe records a decoded frame against its stream
	Observe(frame *DecodedFrame, header string)

	// AssignSerial binds a serial number to a stream; first serial wins
	AssignSerial(stream, serial string) (string, error)

	// Serial returns the serial bound to a stream
	Serial(stream string) string

	// GetStream retrieves information about a stream
	GetStream(key string) (*StreamInfo, bool)

	// GetAllStreams returns information about all streams
	GetAllStreams() []*StreamInfo
}

// StreamInfo contains statistics about one decoded stream.
type StreamInfo struct {
	Key       string    `json:"key"`
	Channel   string    `json:"channel"`
	Node      string    `json:"node"`
	Serial    string    `json:"serial,omitempty"`
	Types     []string  `json:"types"`
	Frames    int64     `json:"frames"`
	Length    int       `json:"length"`
	Coverage  Coverage  `json:"coverage"`
	XOR       bool      `json:"xor"`
	Header    string    `json:"header"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}
