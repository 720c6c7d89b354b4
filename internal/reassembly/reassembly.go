// Package reassembly accumulates physical bus segments into complete frames,
// one state machine per stream.
package reassembly

import (
	"github.com/resident-x/go-buslog/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultSentinel is the channel A segment length meaning "more follows".
const DefaultSentinel = 7

// Status is the outcome of pushing one segment.
type Status int

// Push outcomes.
const (
	// StatusPending means the segment was buffered.
	StatusPending Status = iota
	// StatusComplete means Result.Frame holds a finished frame.
	StatusComplete
	// StatusIgnored means the segment was discarded without counting as a drop.
	StatusIgnored
	// StatusDropped means the segment was discarded; Result.Reason says why.
	StatusDropped
)

// Drop and ignore reasons.
const (
	ReasonNoStream  = "no_stream"
	ReasonOrphanEnd = "orphan_end"
	ReasonOrphanMid = "orphan_middle"
	ReasonShort     = "short"
	ReasonBadMagic  = "bad_magic"
)

// Result describes what a segment did to its stream.
type Result struct {
	Status Status
	Reason string
	// Frame is the flattened frame when Status is StatusComplete.
	Frame []byte
	// Segments is the number of segments the frame was built from.
	Segments int
	// Restarted is set when a begin discarded an unfinished frame.
	Restarted bool
}

// Options configure a Reassembler.
type Options struct {
	// Sentinel is the channel A length value that keeps a frame open. Zero
	// or negative disables it.
	Sentinel int
	// SentinelCommands limits the sentinel to these command codes. Empty
	// applies it to every channel A command.
	SentinelCommands []string
	// ModbusMinLength is the smallest admissible single-shot frame.
	ModbusMinLength int
}

// DefaultOptions returns the behaviour observed on recorded bus traffic.
func DefaultOptions() Options {
	return Options{
		Sentinel:        DefaultSentinel,
		ModbusMinLength: protocol.ModbusMinLen,
	}
}

type stream struct {
	open   bool
	groups [][]byte
	buf    []byte
}

func (s *stream) reset(first []byte) {
	s.open = true
	s.groups = append(s.groups[:0], first)
	s.buf = append([]byte(nil), first...)
}

func (s *stream) append(seg []byte) {
	s.groups = append(s.groups, seg)
	s.buf = append(s.buf, seg...)
}

func (s *stream) finish() ([]byte, int) {
	frame, n := s.buf, len(s.groups)
	s.open = false
	s.groups = s.groups[:0]
	s.buf = nil
	return frame, n
}

// Reassembler owns the per-stream partial frames. It is not safe for
// concurrent use; the decode loop is single-threaded.
type Reassembler struct {
	opts      Options
	sentinels map[string]bool
	streams   map[string]*stream
	logger    zerolog.Logger
}

// New creates a reassembler.
func New(opts Options) *Reassembler {
	if opts.ModbusMinLength <= 0 {
		opts.ModbusMinLength = protocol.ModbusMinLen
	}
	r := &Reassembler{
		opts:    opts,
		streams: make(map[string]*stream),
		logger:  log.With().Str("component", "reassembly").Logger(),
	}
	if len(opts.SentinelCommands) > 0 {
		r.sentinels = make(map[string]bool, len(opts.SentinelCommands))
		for _, c := range opts.SentinelCommands {
			r.sentinels[c] = true
		}
	}
	return r
}

// Push feeds one routed segment.
func (r *Reassembler) Push(route protocol.Route, data []byte) Result {
	switch route.Channel {
	case protocol.ChannelA:
		return r.pushLength(route, data)
	case protocol.ChannelB, protocol.ChannelC:
		return r.pushRole(route, data)
	}
	if len(data) == 0 {
		return Result{Status: StatusDropped, Reason: ReasonShort}
	}
	return Result{Status: StatusComplete, Frame: append([]byte(nil), data...), Segments: 1}
}

// pushRole handles begin/middle/end channels.
func (r *Reassembler) pushRole(route protocol.Route, data []byte) Result {
	key := route.Stream()
	s := r.stream(key)
	seg := append([]byte(nil), data...)

	switch route.Role {
	case protocol.RoleBegin:
		restarted := s.open
		if restarted {
			r.logger.Debug().Str("stream", key).Int("segments", len(s.groups)).Msg("Begin discarded unfinished frame")
		}
		s.reset(seg)
		return Result{Status: StatusPending, Restarted: restarted}
	case protocol.RoleMiddle:
		if !s.open {
			return Result{Status: StatusIgnored, Reason: ReasonOrphanMid}
		}
		s.append(seg)
		return Result{Status: StatusPending}
	case protocol.RoleEnd:
		if !s.open {
			return Result{Status: StatusDropped, Reason: ReasonOrphanEnd}
		}
		s.append(seg)
		frame, n := s.finish()
		return Result{Status: StatusComplete, Frame: frame, Segments: n}
	}
	return Result{Status: StatusIgnored}
}

// pushLength handles the length-prefixed channel: the first data byte is
// the segment's payload length.
func (r *Reassembler) pushLength(route protocol.Route, data []byte) Result {
	if len(data) == 0 {
		return Result{Status: StatusDropped, Reason: ReasonShort}
	}
	key := route.Stream()
	pln := int(data[0])
	body := append([]byte(nil), data[1:]...)

	if route.Role == protocol.RoleBegin {
		s := r.stream(key)
		restarted := s.open
		s.reset(body)
		return Result{Status: StatusPending, Restarted: restarted}
	}

	s, ok := r.streams[key]
	if !ok || !s.open {
		return Result{Status: StatusDropped, Reason: ReasonNoStream}
	}
	// zero padding past the declared length is discarded
	if len(body) > pln {
		body = body[:pln]
	}
	s.append(body)

	if r.continues(route.Command, pln) {
		return Result{Status: StatusPending}
	}
	frame, n := s.finish()
	return Result{Status: StatusComplete, Frame: frame, Segments: n}
}

func (r *Reassembler) continues(cmd string, pln int) bool {
	if r.opts.Sentinel <= 0 || pln != r.opts.Sentinel {
		return false
	}
	return r.sentinels == nil || r.sentinels[cmd]
}

// PushModbus admits one already-delimited single-shot buffer.
func (r *Reassembler) PushModbus(buf []byte) Result {
	if len(buf) < r.opts.ModbusMinLength {
		return Result{Status: StatusDropped, Reason: ReasonShort}
	}
	if buf[0] != protocol.ModbusMagic[0] || buf[1] != protocol.ModbusMagic[1] {
		return Result{Status: StatusDropped, Reason: ReasonBadMagic}
	}
	return Result{Status: StatusComplete, Frame: append([]byte(nil), buf...), Segments: 1}
}

func (r *Reassembler) stream(key string) *stream {
	s, ok := r.streams[key]
	if !ok {
		s = &stream{}
		r.streams[key] = s
	}
	return s
}

// Streams returns the number of streams seen so far.
func (r *Reassembler) Streams() int {
	return len(r.streams)
}

// Open returns the number of streams holding an unfinished frame.
func (r *Reassembler) Open() int {
	n := 0
	for _, s := range r.streams {
		if s.open {
			n++
		}
	}
	return n
}
