// Package aggregate reduces decoded records to per-minute min/max/average
// bands keyed by each field's output key.
package aggregate

import (
	"math"
	"strings"
	"time"

	"github.com/resident-x/go-buslog/internal/domain"
	"github.com/resident-x/go-buslog/internal/schema"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MinuteLayout formats a minute key as YYMMDD.HHmm.
const MinuteLayout = "060102.1504"

const (
	serialPlaceholder = "_serial_"
	indexPlaceholder  = "[x]"
)

// MinuteKey returns the bucket key of the minute containing at.
func MinuteKey(at time.Time) string {
	return at.Format(MinuteLayout)
}

// Emitter hands a finished bucket to a sink without blocking the caller.
type Emitter interface {
	Emit(key string, value any)
}

type band struct {
	min, max, sum float64
	count         int
}

// Aggregator holds the single open minute bucket. It is not safe for
// concurrent use.
type Aggregator struct {
	emitter Emitter
	current string
	numbers map[string]*band
	texts   map[string]string
	emitted int
	logger  zerolog.Logger
}

// New creates an aggregator that emits finished buckets to emitter.
func New(emitter Emitter) *Aggregator {
	return &Aggregator{
		emitter: emitter,
		numbers: make(map[string]*band),
		texts:   make(map[string]string),
		logger:  log.With().Str("component", "aggregate").Logger(),
	}
}

// Accumulate adds rec to the bucket for minuteKey. A new key finalises and
// emits the previous bucket first. Only fields with an output key are
// aggregated; keys with a serial placeholder are skipped until serial is
// known; strings keep their last value.
func (a *Aggregator) Accumulate(minuteKey string, rec domain.Record, layout *schema.Record, serial string) {
	if minuteKey != a.current {
		a.finalize()
		a.current = minuteKey
	}
	if rec == nil || layout == nil {
		return
	}
	if strings.HasPrefix(serial, "_") {
		serial = ""
	}

	for name, val := range rec {
		f, ok := layout.Field(name)
		if !ok || f.Key == "" {
			continue
		}
		key := f.Key
		if strings.Contains(key, indexPlaceholder) {
			continue
		}
		if strings.Contains(key, serialPlaceholder) {
			if serial == "" {
				continue
			}
			key = strings.Replace(key, serialPlaceholder, serial, 1)
		}

		var v float64
		switch t := val.(type) {
		case string:
			a.texts[key] = t
			continue
		case int64:
			v = float64(t)
		case float64:
			v = t
		default:
			continue
		}

		b, ok := a.numbers[key]
		if !ok {
			a.numbers[key] = &band{min: v, max: v, sum: v, count: 1}
			continue
		}
		b.min = math.Min(b.min, v)
		b.max = math.Max(b.max, v)
		b.sum += v
		b.count++
	}
}

// Flush finalises and emits the open bucket, if any.
func (a *Aggregator) Flush() {
	a.finalize()
	a.current = ""
}

// Current returns the open minute key.
func (a *Aggregator) Current() string {
	return a.current
}

// Emitted returns how many buckets were handed to the emitter.
func (a *Aggregator) Emitted() int {
	return a.emitted
}

func (a *Aggregator) finalize() {
	if a.current == "" {
		return
	}
	if len(a.numbers) == 0 && len(a.texts) == 0 {
		return
	}

	out := make(map[string]any, len(a.numbers)+len(a.texts))
	for k, s := range a.texts {
		out[k] = s
	}
	for k, b := range a.numbers {
		out[k] = domain.Band{Min: b.min, Max: b.max, Avg: math.Floor(b.sum/float64(b.count) + 0.5)}
	}

	a.logger.Debug().Str("minute", a.current).Int("keys", len(out)).Msg("Minute bucket finalised")
	a.emitter.Emit(a.current, out)
	a.emitted++

	a.numbers = make(map[string]*band)
	a.texts = make(map[string]string)
}
