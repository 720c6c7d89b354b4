package schema

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/resident-x/go-buslog/internal/domain"
)

// Decode extracts every field of rec from payload. Fields that fall outside
// the payload are skipped and do not count towards coverage. Integer fields
// decode to int64, f32 to float64 and string kinds to string.
func Decode(payload []byte, rec *Record) (domain.Record, domain.Coverage, error) {
	out := make(domain.Record, len(rec.Fields))
	cov := domain.Coverage{Total: len(payload)}

	for _, f := range rec.Fields {
		kind, width := f.kind, f.width
		if kind == 0 {
			var err error
			if kind, width, err = ParseType(f.Type); err != nil {
				return nil, cov, fmt.Errorf("record %q field %q: %w", rec.Name, f.Name, err)
			}
		}

		pos := f.Offset
		if kind == KindPrefixedString {
			if pos >= len(payload) {
				continue
			}
			n := int(payload[pos])
			if pos+1+n > len(payload) {
				continue
			}
			out[f.Name] = latin1(payload[pos+1 : pos+1+n])
			cov.Used += n + 1
			continue
		}

		if pos+width > len(payload) {
			continue
		}
		b := payload[pos : pos+width]

		switch kind {
		case KindFixedString:
			out[f.Name] = latin1(b)
		case KindDottedQuad:
			out[f.Name] = dotted(b[0], b[1], b[2], b[3])
		case KindDottedQuadReversed:
			// two byte groups, each reversed, second group first
			out[f.Name] = dotted(b[3], b[2], b[1], b[0])
		case KindU8:
			out[f.Name] = int64(b[0])
		case KindI8:
			out[f.Name] = int64(int8(b[0]))
		case KindU16:
			out[f.Name] = int64(binary.LittleEndian.Uint16(b))
		case KindI16:
			out[f.Name] = int64(int16(binary.LittleEndian.Uint16(b)))
		case KindU32:
			out[f.Name] = int64(binary.LittleEndian.Uint32(b))
		case KindI32:
			out[f.Name] = int64(int32(binary.LittleEndian.Uint32(b)))
		case KindF32:
			out[f.Name] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
		cov.Used += width
	}

	return out, cov, nil
}

func dotted(parts ...byte) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = strconv.Itoa(int(p))
	}
	return strings.Join(s, ".")
}

// latin1 maps each byte to the code point of the same value.
func latin1(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}
