// Package source reads captured bus segments from candump logs and
// SavvyCAN-style CSV exports.
package source

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrMalformedLine is returned for a line that is neither candump nor CSV.
var ErrMalformedLine = errors.New("malformed segment line")

const maxLineBytes = 1 << 20

// Segment is one captured bus message.
type Segment struct {
	Time  time.Time
	Iface string
	// ID is the routing id: three command characters followed by the node.
	ID   string
	Data []byte
	// Stamped is false when the line carried no timestamp of its own.
	Stamped bool
}

// Options controls timestamp handling.
type Options struct {
	// TimeFactor scales capture timestamps; 0 means 1.
	TimeFactor float64
	// Increment, when set, synthesises timestamps: every segment after the
	// first is Increment after the previous one. Lines without a timestamp
	// start at the Unix epoch.
	Increment time.Duration
}

// Stats counts reader activity.
type Stats struct {
	Lines   int `json:"lines"`
	Skipped int `json:"skipped"`
}

// Reader yields segments from a line-oriented capture. Malformed lines are
// skipped and counted.
type Reader struct {
	scanner *bufio.Scanner
	opts    Options
	last    time.Time
	started bool
	stats   Stats
	logger  zerolog.Logger
}

// NewReader creates a reader over r.
func NewReader(r io.Reader, opts Options) *Reader {
	if opts.TimeFactor == 0 {
		opts.TimeFactor = 1
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Reader{
		scanner: sc,
		opts:    opts,
		last:    time.Unix(0, 0),
		logger:  log.With().Str("component", "source").Logger(),
	}
}

// Next returns the next segment, or io.EOF when the input is exhausted.
func (r *Reader) Next() (Segment, error) {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		r.stats.Lines++

		seg, err := ParseLine(line)
		if err != nil {
			r.stats.Skipped++
			r.logger.Debug().Err(err).Int("line", r.stats.Lines).Msg("Skipping line")
			continue
		}
		r.stamp(&seg)
		return seg, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Segment{}, fmt.Errorf("read segments: %w", err)
	}
	return Segment{}, io.EOF
}

// Stats returns line counters.
func (r *Reader) Stats() Stats {
	return r.stats
}

func (r *Reader) stamp(seg *Segment) {
	switch {
	case r.opts.Increment > 0 && r.started:
		seg.Time = r.last.Add(r.opts.Increment)
	case seg.Stamped:
		seg.Time = scale(seg.Time, r.opts.TimeFactor)
	default:
		seg.Time = r.last.Add(r.opts.Increment)
	}
	r.last = seg.Time
	r.started = true
}

func scale(t time.Time, factor float64) time.Time {
	if factor == 1 {
		return t
	}
	ms := float64(t.UnixNano()) / float64(time.Millisecond) * factor
	return time.UnixMilli(int64(math.Round(ms)))
}

// ParseLine parses a candump line "(stamp) iface ID#HEX" or a CSV line
// "stamp,ID,ext,dir,bus,LEN,B0,B1,...".
func ParseLine(line string) (Segment, error) {
	if strings.HasPrefix(line, "(") {
		return parseCandump(line)
	}
	if strings.Contains(line, ",") {
		return parseCSV(line)
	}
	return Segment{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
}

func parseCandump(line string) (Segment, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Segment{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformedLine, len(fields))
	}

	stamp := strings.TrimSuffix(strings.TrimPrefix(fields[0], "("), ")")
	secs, err := strconv.ParseFloat(stamp, 64)
	if err != nil {
		return Segment{}, fmt.Errorf("%w: timestamp %q", ErrMalformedLine, stamp)
	}

	id, payload, ok := strings.Cut(fields[2], "#")
	if !ok || id == "" {
		return Segment{}, fmt.Errorf("%w: no id in %q", ErrMalformedLine, fields[2])
	}
	data, err := hex.DecodeString(payload)
	if err != nil {
		return Segment{}, fmt.Errorf("%w: payload: %v", ErrMalformedLine, err)
	}

	return Segment{
		Time:    time.UnixMilli(int64(math.Round(secs * 1000))),
		Iface:   fields[1],
		ID:      strings.ToUpper(id),
		Data:    data,
		Stamped: true,
	}, nil
}

// parseCSV reads the SavvyCAN column order. The first column is a
// microsecond timestamp when numeric.
func parseCSV(line string) (Segment, error) {
	tok := strings.Split(line, ",")
	if len(tok) < 6 {
		return Segment{}, fmt.Errorf("%w: want at least 6 columns, got %d", ErrMalformedLine, len(tok))
	}

	n, err := strconv.Atoi(strings.TrimSpace(tok[5]))
	if err != nil || n < 0 || len(tok) < 6+n {
		return Segment{}, fmt.Errorf("%w: length column %q", ErrMalformedLine, tok[5])
	}

	data := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := strconv.ParseUint(strings.TrimSpace(tok[6+i]), 16, 8)
		if err != nil {
			return Segment{}, fmt.Errorf("%w: byte %d: %v", ErrMalformedLine, i, err)
		}
		data[i] = byte(b)
	}

	id := strings.ToUpper(strings.TrimSpace(tok[1]))
	id = strings.TrimPrefix(id, "0X")
	if id == "" {
		return Segment{}, fmt.Errorf("%w: empty id", ErrMalformedLine)
	}

	seg := Segment{Iface: "csv", ID: id, Data: data}
	if us, err := strconv.ParseInt(strings.TrimSpace(tok[0]), 10, 64); err == nil {
		seg.Time = time.UnixMicro(us)
		seg.Stamped = true
	}
	return seg, nil
}
