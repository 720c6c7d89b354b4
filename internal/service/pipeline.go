// Package service runs the ordered decode loop and the collectors that
// feed it.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/resident-x/go-buslog/internal/aggregate"
	"github.com/resident-x/go-buslog/internal/config"
	"github.com/resident-x/go-buslog/internal/dedup"
	"github.com/resident-x/go-buslog/internal/domain"
	"github.com/resident-x/go-buslog/internal/protocol"
	"github.com/resident-x/go-buslog/internal/reassembly"
	"github.com/resident-x/go-buslog/internal/scan"
	"github.com/resident-x/go-buslog/internal/schema"
	"github.com/resident-x/go-buslog/internal/source"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Counter groups.
const (
	GroupTotal   = "total"
	GroupDrop    = "drop"
	GroupFilter  = "filter"
	GroupCommand = "cmd"
	GroupNode    = "node"
	GroupChannel = "chan"
	GroupRecord  = "rty"
	GroupType    = "typ"
	GroupStream  = "str"
	GroupModule  = "mad"
	GroupSchema  = "schema"
)

// Drop reasons added by the pipeline on top of the reassembly ones.
const (
	ReasonBadID     = "bad_id"
	ReasonCRC       = "crc_mismatch"
	ReasonLength    = "length_mismatch"
	ReasonInvalid   = "invalid_frame"
	ReasonRestart   = "restart"
	ReasonDuplicate = "duplicate"
	ReasonSampled   = "sampled"
	ReasonScanMiss  = "scan_miss"
	ReasonSerial    = "serial_conflict"
)

const recentRecords = 100

type sample struct {
	minute string
	count  int
	data   string
}

// outbox queues finished minute buckets while the decode lock is held.
type outbox struct {
	keys   []string
	values []any
}

func (o *outbox) Emit(key string, value any) {
	o.keys = append(o.keys, key)
	o.values = append(o.values, value)
}

type filterSet map[string]bool

func newFilterSet(values []string) filterSet {
	if len(values) == 0 {
		return nil
	}
	fs := make(filterSet, len(values))
	for _, v := range values {
		fs[strings.ToUpper(strings.TrimSpace(v))] = true
	}
	return fs
}

// allows is true for an empty set.
func (fs filterSet) allows(v string) bool {
	return fs == nil || fs[strings.ToUpper(v)]
}

// Status is a point-in-time summary of the pipeline.
type Status struct {
	Segments      int64        `json:"segments"`
	Frames        int64        `json:"frames"`
	Records       int64        `json:"records"`
	Dropped       int64        `json:"dropped"`
	Streams       int          `json:"streams"`
	OpenFrames    int          `json:"openFrames"`
	Minute        string       `json:"minute,omitempty"`
	Dedup         *dedup.Stats `json:"dedup,omitempty"`
	Schemas       int          `json:"schemas"`
	SchemaReloads int64        `json:"schemaReloads"`
	Started       time.Time    `json:"started"`
}

// Pipeline is the single-threaded decode loop: reassembly, integrity,
// dedup, schema decode, serial tracking, aggregation, scanning,
// correlation and sampling, in that order. Process calls must not run
// concurrently; the reporting accessors may.
type Pipeline struct {
	config         *config.Config
	loc            *time.Location
	protoOpts      protocol.Options
	schemas        *schema.Store
	reassembler    *reassembly.Reassembler
	dedup          *dedup.Window
	scanner        *scan.Accumulator
	correlator     *scan.Correlator
	aggregator     *aggregate.Aggregator
	emitter        aggregate.Emitter
	outbox         *outbox
	registry       *domain.StreamRegistry
	counters       *domain.Counters
	nodes          filterSet
	commands       filterSet
	recordTypes    filterSet
	types          filterSet
	channel        protocol.Channel
	abortOnSerial  bool
	samples        map[string]*sample
	coverageWarned map[string]bool
	started        time.Time

	mu     sync.Mutex
	recent []*domain.DecodedFrame
	logger zerolog.Logger
}

// NewPipeline wires the decode stages selected by cfg. emitter receives
// finished minute buckets and may be nil when aggregation is disabled;
// reference may be nil when correlation is disabled.
func NewPipeline(cfg *config.Config, schemas *schema.Store, emitter aggregate.Emitter, reference domain.ReferenceSource) (*Pipeline, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	xorMode, err := protocol.ParseXORMode(cfg.XORMode)
	if err != nil {
		return nil, err
	}
	scope, err := protocol.ParseCRCScope(cfg.Modbus.CRCScope)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		config: cfg,
		loc:    loc,
		protoOpts: protocol.Options{
			XOR:             xorMode,
			ModbusKeyOffset: cfg.Modbus.XORKeyOffset,
			ModbusCRCScope:  scope,
		},
		schemas: schemas,
		reassembler: reassembly.New(reassembly.Options{
			Sentinel:         cfg.Segmented.ContinueSentinel,
			SentinelCommands: cfg.Segmented.SentinelCommands,
			ModbusMinLength:  cfg.Modbus.MinLength,
		}),
		registry:       domain.NewStreamRegistry(),
		counters:       domain.NewCounters(),
		nodes:          newFilterSet(cfg.Filter.Nodes),
		commands:       newFilterSet(cfg.Filter.Commands),
		recordTypes:    newFilterSet(cfg.Filter.RecordTypes),
		types:          newFilterSet(cfg.Filter.Types),
		abortOnSerial:  cfg.SerialConflict == config.SerialAbort,
		samples:        make(map[string]*sample),
		coverageWarned: make(map[string]bool),
		started:        time.Now(),
		logger:         log.With().Str("component", "pipeline").Logger(),
	}

	if cfg.Filter.Channel != "" {
		if p.channel, err = protocol.ParseChannel(cfg.Filter.Channel); err != nil {
			return nil, err
		}
	}
	if cfg.Dedup.Enabled {
		p.dedup = dedup.New(cfg.DedupWindow())
	}

	scanner := scan.Scanner{Signed: cfg.Scan.Signed}
	if cfg.Scan.Enabled {
		p.scanner = scan.NewAccumulator(scanner, cfg.Scan.Lo, cfg.Scan.Hi)
	}
	if cfg.Correlate.Enabled {
		if reference == nil {
			return nil, errors.New("correlation enabled without a reference source")
		}
		p.correlator = scan.NewCorrelator(reference, scan.CorrelatorOptions{
			Scanner:     scanner,
			Skew:        cfg.Correlate.SkewMinutes,
			MinCoverage: cfg.Correlate.MinCoverage,
			Location:    loc,
		})
	}
	if cfg.Aggregate.Enabled {
		if emitter == nil {
			return nil, errors.New("aggregation enabled without an emitter")
		}
		p.emitter = emitter
		p.outbox = &outbox{}
		p.aggregator = aggregate.New(p.outbox)
	}

	return p, nil
}

// Run feeds every segment from r through the pipeline until the input is
// exhausted or ctx is done.
func (p *Pipeline) Run(ctx context.Context, r *source.Reader) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		seg, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.ProcessSegment(seg); err != nil {
			return err
		}
	}
}

// ProcessSegment handles one captured bus segment. Only schema errors and,
// when configured, serial conflicts are returned; everything else is
// counted and dropped.
func (p *Pipeline) ProcessSegment(seg source.Segment) error {
	p.mu.Lock()
	defer p.unlock()

	p.counters.Incr(GroupTotal, "segments")

	route, err := protocol.ParseRoute(seg.ID)
	if err != nil {
		p.drop(ReasonBadID, seg.ID, err)
		return nil
	}

	if !p.nodes.allows(route.Node) {
		p.counters.Incr(GroupFilter, "node")
		return nil
	}
	if !p.commands.allows(route.Command) {
		p.counters.Incr(GroupFilter, "cmd")
		return nil
	}
	if p.channel != 0 && route.Channel != protocol.ChannelUnknown && route.Channel != p.channel {
		p.counters.Incr(GroupFilter, "chan")
		return nil
	}

	p.counters.Incr(GroupCommand, route.Command)
	p.counters.Incr(GroupNode, route.Node)
	if route.Channel == protocol.ChannelUnknown {
		p.counters.Incr(GroupChannel, route.Command)
	} else {
		p.counters.Incr(GroupChannel, route.Channel.String())
	}

	res := p.reassembler.Push(route, seg.Data)
	switch res.Status {
	case reassembly.StatusDropped:
		p.drop(res.Reason, route.Stream(), nil)
		return nil
	case reassembly.StatusIgnored:
		p.counters.Incr(GroupFilter, res.Reason)
		return nil
	case reassembly.StatusPending:
		if res.Restarted {
			p.drop(ReasonRestart, route.Stream(), nil)
		}
		return nil
	}

	at := seg.Time.In(p.loc)
	if !route.Channel.Segmented() {
		return p.handleRaw(at, route, res.Frame)
	}
	return p.handleFrame(at, route, res.Frame)
}

// ProcessModbus handles one quiescence-delimited single-shot buffer.
func (p *Pipeline) ProcessModbus(at time.Time, buf []byte) error {
	p.mu.Lock()
	defer p.unlock()

	p.counters.Incr(GroupTotal, "segments")
	p.counters.Incr(GroupChannel, protocol.ChannelModbus.String())

	res := p.reassembler.PushModbus(buf)
	if res.Status != reassembly.StatusComplete {
		p.drop(res.Reason, "modbus", nil)
		return nil
	}

	at = at.In(p.loc)
	f, err := protocol.Open(protocol.ChannelModbus, res.Frame, p.protoOpts)
	if err != nil {
		p.drop(classify(err), "modbus", err)
		return nil
	}
	p.counters.Incr(GroupTotal, "frames")

	if p.duplicate(at, f.Raw[:len(f.Raw)-protocol.CRCLen]) {
		return nil
	}

	h := f.Header
	stream := fmt.Sprintf("%s-%02x", h.DataloggerSerial, h.Address)
	typ := fmt.Sprintf("%02x", h.Function)
	payload := f.Payload
	if h.Function == protocol.FunctionTranslated {
		if tr, err := protocol.ParseTranslated(f.Payload); err == nil {
			typ = fmt.Sprintf("%02x:%04x", h.Function, tr.StartRegister)
			payload = tr.Values
			if tr.InverterSerial != "" {
				stream = fmt.Sprintf("%s-%02x", tr.InverterSerial, tr.Address)
			}
		}
	}

	return p.decode(frameContext{
		at:       at,
		channel:  protocol.ChannelModbus,
		node:     h.DataloggerSerial,
		stream:   stream,
		typ:      typ,
		base:     fmt.Sprintf("%02x", h.Function),
		scanKey:  "M-" + typ,
		header:   hex.EncodeToString(f.Raw[:protocol.HeaderLenModbus]),
		payload:  payload,
		xor:      f.XOR(),
		verified: true,
	})
}

func (p *Pipeline) handleFrame(at time.Time, route protocol.Route, raw []byte) error {
	f, err := protocol.Open(route.Channel, raw, p.protoOpts)
	if err != nil {
		p.drop(classify(err), route.Stream(), err)
		return nil
	}
	p.counters.Incr(GroupTotal, "frames")

	// The sequence bytes change on every retransmission, so they are left
	// out of the fingerprint.
	hlen := protocol.HeaderLen(route.Channel)
	fp := make([]byte, 0, len(route.ID)+hlen+len(f.Payload))
	fp = append(fp, route.ID...)
	fp = append(fp, raw[:6]...)
	fp = append(fp, raw[9:hlen]...)
	fp = append(fp, f.Payload...)
	if p.duplicate(at, fp) {
		return nil
	}

	h := f.Header
	fc := frameContext{
		at:       at,
		channel:  route.Channel,
		node:     route.Node,
		stream:   route.Stream(),
		typ:      h.TypeKey(),
		base:     h.RecordTypeHex(),
		header:   hex.EncodeToString(raw[:hlen]),
		payload:  f.Payload,
		xor:      f.XOR(),
		verified: true,
	}
	switch route.Channel {
	case protocol.ChannelB:
		fc.stream = h.StreamKey()
		fc.scanKey = fc.typ
		fc.module = fmt.Sprintf("%02x", h.ModuleAddr)
	default:
		fc.scanKey = route.Channel.String() + "-" + route.Node + "-" + fc.typ
	}
	return p.decode(fc)
}

func (p *Pipeline) handleRaw(at time.Time, route protocol.Route, data []byte) error {
	p.counters.Incr(GroupTotal, "frames")

	fp := make([]byte, 0, len(route.ID)+len(data))
	fp = append(fp, route.ID...)
	fp = append(fp, data...)
	if p.duplicate(at, fp) {
		return nil
	}

	return p.decode(frameContext{
		at:      at,
		channel: route.Channel,
		node:    route.Node,
		stream:  route.Stream(),
		typ:     route.Command,
		base:    route.Command,
		scanKey: route.Node + ":" + route.Command,
		payload: data,
	})
}

type frameContext struct {
	at      time.Time
	channel protocol.Channel
	node    string
	stream  string
	typ     string
	base    string
	scanKey string
	module  string
	header  string
	payload []byte
	xor     bool
	// verified is set once the frame passed its CRC check. Unverified
	// payloads are never schema-decoded.
	verified bool
}

func (p *Pipeline) decode(fc frameContext) error {
	key := schema.Key{Channel: fc.channel, Type: fc.typ, Base: fc.base}
	if fc.channel == protocol.ChannelB {
		key.Stream = fc.stream
	}

	df := &domain.DecodedFrame{
		Time:     fc.at,
		Channel:  fc.channel.String(),
		Node:     fc.node,
		Stream:   fc.stream,
		Type:     fc.typ,
		XOR:      fc.xor,
		Coverage: domain.Coverage{Total: len(fc.payload)},
	}

	rec, matched, ok := p.schemas.Current().Resolve(key)
	sampleRate := 0
	if ok {
		sampleRate = rec.Sample
	}
	switch {
	case ok && fc.verified:
		values, cov, err := schema.Decode(fc.payload, rec)
		if err != nil {
			return err
		}
		df.Schema, df.Values, df.Coverage = matched, values, cov
		p.checkCoverage(matched, cov)
		p.counters.Incr(GroupSchema, matched)
	case !fc.verified:
		// A schema for an unprotected channel only sets its sample rate.
		rec = nil
		df.Raw = hex.EncodeToString(fc.payload)
		p.counters.Incr(GroupSchema, "raw")
	default:
		df.Raw = hex.EncodeToString(fc.payload)
		p.counters.Incr(GroupSchema, "none")
	}

	if serial, ok := df.Values["serial"].(string); ok {
		if err := p.assignSerial(fc.stream, serial); err != nil {
			return err
		}
	}
	df.Serial = p.registry.Serial(fc.stream)

	minute := aggregate.MinuteKey(fc.at)
	if p.aggregator != nil && rec != nil {
		p.aggregator.Accumulate(minute, df.Values, rec, df.Serial)
	}

	p.registry.Observe(df, fc.header)

	if !p.recordTypes.allows(fc.base) {
		p.counters.Incr(GroupFilter, "rty")
		return nil
	}
	if !p.types.allows(fc.typ) {
		p.counters.Incr(GroupFilter, "typ")
		return nil
	}

	if p.scanner != nil {
		if hit := p.scanner.Observe(fc.scanKey, fc.payload); !hit && p.config.Scan.Filter {
			p.counters.Incr(GroupFilter, ReasonScanMiss)
			return nil
		}
	}
	if p.correlator != nil {
		p.correlator.Observe(fc.at, fc.stream, fc.payload)
	}

	if p.config.Sampling.Enabled && sampleRate > 0 {
		if !p.sampled(fc.typ+"_"+fc.stream, minute, sampleRate, fc.payload) {
			p.drop(ReasonSampled, fc.stream, nil)
			return nil
		}
	}

	p.counters.Incr(GroupTotal, "records")
	p.counters.Incr(GroupRecord, fc.base)
	p.counters.Incr(GroupType, fc.typ)
	p.counters.Incr(GroupStream, fc.stream)
	if fc.module != "" {
		p.counters.Incr(GroupModule, fc.module)
	}
	p.emit(df)
	return nil
}

// sampled reports whether a record passes sampling: within one minute
// only every n-th record per key is kept, and with n == 1 only records
// whose payload changed.
func (p *Pipeline) sampled(key, minute string, n int, payload []byte) bool {
	data := string(payload)
	s, ok := p.samples[key]
	if ok && s.minute == minute {
		if n == 1 && s.data == data {
			return false
		}
		s.count++
		if s.count-1 < n {
			return false
		}
	}
	p.samples[key] = &sample{minute: minute, count: 1, data: data}
	return true
}

func (p *Pipeline) assignSerial(stream, serial string) error {
	serial = strings.TrimSpace(serial)
	if serial == "" || strings.HasPrefix(serial, "_") {
		return nil
	}
	bound, err := p.registry.AssignSerial(stream, serial)
	if err == nil {
		return nil
	}
	p.counters.Incr(GroupDrop, ReasonSerial)
	p.logger.Warn().
		Str("stream", stream).
		Str("serial", bound).
		Str("reported", serial).
		Msg("Serial number conflict")
	if p.abortOnSerial {
		return err
	}
	return nil
}

func (p *Pipeline) checkCoverage(schemaKey string, cov domain.Coverage) {
	if !p.config.Coverage || cov.Used >= cov.Total || p.coverageWarned[schemaKey] {
		return
	}
	p.coverageWarned[schemaKey] = true
	p.logger.Warn().
		Str("schema", schemaKey).
		Int("used", cov.Used).
		Int("total", cov.Total).
		Msg("Schema leaves payload bytes unclaimed")
}

func (p *Pipeline) duplicate(at time.Time, fingerprint []byte) bool {
	if p.dedup == nil || !p.dedup.IsDuplicate(at, fingerprint) {
		return false
	}
	p.counters.Incr(GroupDrop, ReasonDuplicate)
	return true
}

func (p *Pipeline) drop(reason, stream string, err error) {
	p.counters.Incr(GroupDrop, reason)
	ev := p.logger.Debug().Str("reason", reason).Str("stream", stream)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("Dropped")
}

func (p *Pipeline) emit(df *domain.DecodedFrame) {
	if len(p.recent) == recentRecords {
		copy(p.recent, p.recent[1:])
		p.recent = p.recent[:recentRecords-1]
	}
	p.recent = append(p.recent, df)

	ev := p.logger.Debug().
		Time("time", df.Time).
		Str("chan", df.Channel).
		Str("node", df.Node).
		Str("stream", df.Stream).
		Str("type", df.Type)
	if df.Serial != "" {
		ev = ev.Str("serial", df.Serial)
	}
	if df.Values != nil {
		ev = ev.Interface("values", df.Values)
	} else {
		ev = ev.Str("raw", df.Raw)
	}
	ev.Msg("Record")
}

// unlock releases the decode lock and only then hands queued buckets to
// the emitter, so a sink applying backpressure never blocks reporting.
func (p *Pipeline) unlock() {
	var keys []string
	var values []any
	if p.outbox != nil {
		keys, values = p.outbox.keys, p.outbox.values
		p.outbox.keys, p.outbox.values = nil, nil
	}
	p.mu.Unlock()
	for i, key := range keys {
		p.emitter.Emit(key, values[i])
	}
}

// classify maps an integrity error to its drop reason.
func classify(err error) string {
	switch {
	case errors.Is(err, protocol.ErrChecksumMismatch):
		return ReasonCRC
	case errors.Is(err, protocol.ErrLengthMismatch):
		return ReasonLength
	case errors.Is(err, protocol.ErrShortFrame):
		return reassembly.ReasonShort
	case errors.Is(err, protocol.ErrBadMagic):
		return reassembly.ReasonBadMagic
	}
	return ReasonInvalid
}

// Close flushes the open minute bucket and logs the run summary.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.unlock()

	if p.aggregator != nil {
		p.aggregator.Flush()
	}

	ev := p.logger.Info().
		Int64("segments", p.counters.Get(GroupTotal, "segments")).
		Int64("frames", p.counters.Get(GroupTotal, "frames")).
		Int64("records", p.counters.Get(GroupTotal, "records")).
		Int64("dropped", p.counters.Total(GroupDrop)).
		Interface("drops", p.counters.Snapshot()[GroupDrop]).
		Int("streams", p.reassembler.Streams())
	if p.dedup != nil {
		st := p.dedup.Stats()
		ev = ev.Int64("dedup_added", st.Added).
			Int64("dedup_purged", st.Purged).
			Int64("dedup_duplicates", st.Duplicates)
	}
	ev.Msg("Decode summary")
}

// Status returns a summary for reporting.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Segments:      p.counters.Get(GroupTotal, "segments"),
		Frames:        p.counters.Get(GroupTotal, "frames"),
		Records:       p.counters.Get(GroupTotal, "records"),
		Dropped:       p.counters.Total(GroupDrop),
		Streams:       p.reassembler.Streams(),
		OpenFrames:    p.reassembler.Open(),
		Schemas:       p.schemas.Current().Len(),
		SchemaReloads: p.schemas.Reloads(),
		Started:       p.started,
	}
	if p.aggregator != nil {
		st.Minute = p.aggregator.Current()
	}
	if p.dedup != nil {
		ds := p.dedup.Stats()
		st.Dedup = &ds
	}
	return st
}

// Counters returns the live histograms.
func (p *Pipeline) Counters() *domain.Counters {
	return p.counters
}

// Registry returns the decoded stream registry.
func (p *Pipeline) Registry() domain.Registry {
	return p.registry
}

// Recent returns the most recently emitted records, oldest first.
func (p *Pipeline) Recent() []*domain.DecodedFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.DecodedFrame(nil), p.recent...)
}

// ScanReport returns the range scan counters, or false when scanning is off.
func (p *Pipeline) ScanReport() (map[string]map[string]int64, bool) {
	if p.scanner == nil {
		return nil, false
	}
	return p.scanner.Report(), true
}

// CorrelationReport returns the pruned correlation result, or false when
// correlation is off.
func (p *Pipeline) CorrelationReport() (scan.Report, bool) {
	if p.correlator == nil {
		return scan.Report{}, false
	}
	return p.correlator.Report(), true
}
