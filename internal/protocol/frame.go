package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// CRCScope selects which bytes a single-shot checksum covers.
type CRCScope string

const (
	// CRCScopeFrame covers every byte before the trailer.
	CRCScopeFrame CRCScope = "frame"
	// CRCScopePayload covers only the data area after the header.
	CRCScopePayload CRCScope = "payload"
)

// ParseCRCScope validates a configured scope; empty means frame.
func ParseCRCScope(s string) (CRCScope, error) {
	switch c := CRCScope(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CRCScopeFrame, nil
	case CRCScopeFrame, CRCScopePayload:
		return c, nil
	default:
		return "", fmt.Errorf("unknown crc scope %q", s)
	}
}

// Options tune the integrity layer.
type Options struct {
	XOR XORMode
	// ModbusKeyOffset is the header byte used as the single-shot XOR key.
	ModbusKeyOffset int
	ModbusCRCScope  CRCScope
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		XOR:             XORAuto,
		ModbusKeyOffset: 6,
		ModbusCRCScope:  CRCScopeFrame,
	}
}

// Frame is a complete message that passed length and checksum checks.
type Frame struct {
	Header Header
	// Raw holds the frame exactly as reassembled, including padding.
	Raw []byte
	// Payload is the de-obfuscated data area.
	Payload []byte
	Key     byte
	CRC     uint16
}

// XOR reports whether a non-zero key was applied to the payload.
func (f *Frame) XOR() bool {
	return f.Key != 0
}

// Open validates raw as a frame on channel ch and produces its payload view.
//
// The canonical layout is header, declared payload, CRC. Trailing bytes past
// the canonical length are tolerated (padding); the CRC is always the last
// two bytes of raw.
func Open(ch Channel, raw []byte, opts Options) (*Frame, error) {
	hlen := HeaderLen(ch)
	if hlen == 0 {
		return nil, fmt.Errorf("channel %s carries no checked frames", ch)
	}
	if len(raw) < hlen+CRCLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(raw))
	}
	if ch == ChannelModbus && (raw[0] != ModbusMagic[0] || raw[1] != ModbusMagic[1]) {
		return nil, fmt.Errorf("%w: % x", ErrBadMagic, raw[:2])
	}

	h, err := ParseHeader(ch, raw)
	if err != nil {
		return nil, err
	}
	if len(raw) < hlen+h.Length+CRCLen {
		return nil, fmt.Errorf("%w: have %d bytes, header %d + declared %d + crc",
			ErrLengthMismatch, len(raw), hlen, h.Length)
	}

	crc := binary.LittleEndian.Uint16(raw[len(raw)-CRCLen:])
	covered := raw[:len(raw)-CRCLen]
	if ch == ChannelModbus && opts.ModbusCRCScope == CRCScopePayload {
		covered = raw[hlen : len(raw)-CRCLen]
	}
	if got := Checksum(covered); got != crc {
		return nil, fmt.Errorf("%w: computed %04x, trailer %04x", ErrChecksumMismatch, got, crc)
	}

	key, err := xorKey(h, raw, opts)
	if err != nil {
		return nil, err
	}

	return &Frame{
		Header:  h,
		Raw:     raw,
		Payload: Unmask(raw[hlen:hlen+h.Length], key),
		Key:     key,
		CRC:     crc,
	}, nil
}

// xorKey picks the obfuscation key for a frame. B frames honour the format
// flag unless forced; A and C frames always use the sequence low byte;
// single-shot frames use a fixed header offset.
func xorKey(h Header, raw []byte, opts Options) (byte, error) {
	if opts.XOR == XOROff {
		return 0, nil
	}
	switch h.Channel {
	case ChannelB:
		if opts.XOR == XORForce || h.Format&xorRequestFlag != 0 {
			return h.Seq[0], nil
		}
		return 0, nil
	case ChannelA, ChannelC:
		return h.Seq[0], nil
	case ChannelModbus:
		off := opts.ModbusKeyOffset
		if off < 0 || off >= HeaderLenModbus {
			return 0, fmt.Errorf("modbus xor key offset %d outside header", off)
		}
		return raw[off], nil
	}
	return 0, nil
}
