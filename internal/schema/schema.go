// Package schema holds the operator-authored record layouts that turn a
// payload into named fields, and the lookup rules that pick a layout for a
// frame.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/resident-x/go-buslog/internal/protocol"
)

// ErrUnknownFieldType is returned for a type tag the decoder does not know.
// It indicates a broken schema file and is fatal.
var ErrUnknownFieldType = errors.New("unknown field type")

// Kind is the decoded representation of a field type tag.
type Kind int

// Field kinds.
const (
	KindFixedString Kind = iota + 1
	KindPrefixedString
	KindDottedQuad
	KindDottedQuadReversed
	KindU8
	KindI8
	KindU16
	KindI16
	KindU32
	KindI32
	KindF32
)

var fixedKinds = map[string]Kind{
	"str": KindPrefixedString,
	"dq":  KindDottedQuad,
	"dqr": KindDottedQuadReversed,
	"u8":  KindU8,
	"i8":  KindI8,
	"u16": KindU16,
	"i16": KindI16,
	"u32": KindU32,
	"i32": KindI32,
	"f32": KindF32,
}

// ParseType resolves a type tag. sN tags carry their width.
func ParseType(tag string) (Kind, int, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if k, ok := fixedKinds[tag]; ok {
		return k, k.width(), nil
	}
	if strings.HasPrefix(tag, "s") {
		if n, err := strconv.Atoi(tag[1:]); err == nil && n > 0 {
			return KindFixedString, n, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrUnknownFieldType, tag)
}

func (k Kind) width() int {
	switch k {
	case KindU8, KindI8:
		return 1
	case KindU16, KindI16:
		return 2
	case KindU32, KindI32, KindF32, KindDottedQuad, KindDottedQuadReversed:
		return 4
	}
	return 0
}

// Field is one named region of a payload.
type Field struct {
	Name   string
	Offset int
	Type   string
	// Key is the output key used for aggregation. Empty marks a known gap.
	Key string

	kind  Kind
	width int
}

// Kind returns the parsed field kind; valid after the field joined a Table.
func (f Field) Kind() Kind {
	return f.kind
}

// Record is the ordered field list for one lookup key.
type Record struct {
	Name   string
	Fields []Field
	// Sample emits one of every Sample records per stream and minute; 1 drops
	// unchanged payloads; 0 disables sampling.
	Sample int
}

// Field returns the definition of a named field.
func (r *Record) Field(name string) (Field, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (r *Record) compile() error {
	for i := range r.Fields {
		f := &r.Fields[i]
		kind, width, err := ParseType(f.Type)
		if err != nil {
			return fmt.Errorf("record %q field %q: %w", r.Name, f.Name, err)
		}
		if f.Offset < 0 {
			return fmt.Errorf("record %q field %q: negative offset %d", r.Name, f.Name, f.Offset)
		}
		f.kind, f.width = kind, width
	}
	sort.SliceStable(r.Fields, func(i, j int) bool {
		return r.Fields[i].Offset < r.Fields[j].Offset
	})
	return nil
}

// Table is an immutable set of records indexed by normalised key.
type Table struct {
	records map[string]*Record
}

// NewTable validates every record and indexes it by lowercase name.
func NewTable(records ...*Record) (*Table, error) {
	t := &Table{records: make(map[string]*Record, len(records))}
	for _, r := range records {
		if err := r.compile(); err != nil {
			return nil, err
		}
		t.records[normalize(r.Name)] = r
	}
	return t, nil
}

// Get returns the record stored under key.
func (t *Table) Get(key string) (*Record, bool) {
	if t == nil {
		return nil, false
	}
	r, ok := t.records[normalize(key)]
	return r, ok
}

// Len returns the number of records.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.records)
}

// Keys returns the sorted record keys.
func (t *Table) Keys() []string {
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.records))
	for k := range t.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve tries the candidates of k from most to least specific and returns
// the first record found with the key that matched.
func (t *Table) Resolve(k Key) (*Record, string, bool) {
	for _, c := range k.Candidates() {
		if r, ok := t.Get(c); ok {
			return r, c, true
		}
	}
	return nil, "", false
}

// Key is the normalised lookup tuple for a frame.
type Key struct {
	Channel protocol.Channel
	// Stream is the decoded device stream (B frames only).
	Stream string
	// Type is the compound record type, e.g. "rty:mrt" or "fn:start".
	Type string
	// Base is the least specific record type.
	Base string
}

// Candidates lists lookup strings most specific first. B frames use bare
// keys; other channels prefix theirs with the channel tag.
func (k Key) Candidates() []string {
	var out []string
	add := func(s string) {
		if s == "" {
			return
		}
		s = normalize(s)
		for _, have := range out {
			if have == s {
				return
			}
		}
		out = append(out, s)
	}

	switch k.Channel {
	case protocol.ChannelB:
		add(k.Stream)
		add(k.Type)
		add(k.Base)
	case protocol.ChannelD, protocol.ChannelE, protocol.ChannelUnknown:
		if k.Base != "" {
			add("cmd:" + k.Base)
		}
	default:
		prefix := "[" + k.Channel.String() + "] "
		if k.Type != "" {
			add(prefix + k.Type)
		}
		if k.Base != "" {
			add(prefix + k.Base)
		}
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
