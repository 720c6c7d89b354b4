// Package domain provides core domain implementations.
package domain

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSerialConflict is returned when a stream reports a second, different serial.
var ErrSerialConflict = errors.New("serial number conflict")

// StreamRegistry implements the Registry interface. Streams are inserted on
// first sight and never removed during a run.
type StreamRegistry struct {
	streams map[string]*StreamInfo
	serials map[string]string
	mutex   sync.RWMutex
}

// NewStreamRegistry creates a new stream registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		streams: make(map[string]*StreamInfo),
		serials: make(map[string]string),
	}
}

// Observe adds or updates the stream a decoded frame belongs to.
func (r *StreamRegistry) Observe(frame *DecodedFrame, header string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	stream, exists := r.streams[frame.Stream]
	if !exists {
		stream = &StreamInfo{
			Key:       frame.Stream,
			Channel:   frame.Channel,
			Node:      frame.Node,
			Header:    header,
			FirstSeen: frame.Time,
		}
		r.streams[frame.Stream] = stream
	}

	stream.Frames++
	stream.Length = frame.Coverage.Total
	if frame.Coverage.Used > 0 {
		stream.Coverage = frame.Coverage
	}
	stream.XOR = frame.XOR
	stream.LastSeen = frame.Time
	stream.Serial = r.serials[frame.Stream]
	if frame.Type != "" && !contains(stream.Types, frame.Type) {
		stream.Types = append(stream.Types, frame.Type)
		sort.Strings(stream.Types)
	}
}

// AssignSerial binds serial to stream. The first serial wins; a different
// later serial returns the bound one together with ErrSerialConflict.
func (r *StreamRegistry) AssignSerial(stream, serial string) (string, error) {
	if serial == "" {
		return r.Serial(stream), nil
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	bound, exists := r.serials[stream]
	if !exists {
		r.serials[stream] = serial
		if info, ok := r.streams[stream]; ok {
			info.Serial = serial
		}
		return serial, nil
	}
	if bound != serial {
		return bound, fmt.Errorf("%w: stream %s has %q, frame reports %q", ErrSerialConflict, stream, bound, serial)
	}
	return bound, nil
}

// Serial returns the serial bound to stream, or "" when none is known yet.
func (r *StreamRegistry) Serial(stream string) string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.serials[stream]
}

// GetStream retrieves a copy of the information about a stream.
func (r *StreamRegistry) GetStream(key string) (*StreamInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stream, exists := r.streams[key]
	if !exists {
		return nil, false
	}
	return stream.clone(), true
}

// GetAllStreams returns copies of all streams ordered by key.
func (r *StreamRegistry) GetAllStreams() []*StreamInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	streams := make([]*StreamInfo, 0, len(r.streams))
	for _, stream := range r.streams {
		streams = append(streams, stream.clone())
	}
	sort.Slice(streams, func(i, j int) bool {
		return streams[i].Key < streams[j].Key
	})
	return streams
}

func (s *StreamInfo) clone() *StreamInfo {
	c := *s
	c.Types = append([]string(nil), s.Types...)
	return &c
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
