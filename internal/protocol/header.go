package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Header sizes per channel.
const (
	HeaderLenA         = 16
	HeaderLenSegmented = 18
	HeaderLenModbus    = 20
	// ModbusMinLen is the smallest admissible single-shot frame.
	ModbusMinLen = HeaderLenModbus + CRCLen
	// FunctionTranslated marks a wrapper frame that carries an inner Modbus reply.
	FunctionTranslated = 0xC2
)

// ModbusMagic opens every single-shot frame.
var ModbusMagic = [2]byte{0xA1, 0x1A}

// HeaderLen returns the header size for frames on ch, or 0 for raw channels.
func HeaderLen(ch Channel) int {
	switch ch {
	case ChannelA:
		return HeaderLenA
	case ChannelB, ChannelC:
		return HeaderLenSegmented
	case ChannelModbus:
		return HeaderLenModbus
	}
	return 0
}

// Header holds the decoded fixed header of a checked frame. Fields that a
// channel does not carry stay zero.
type Header struct {
	Channel Channel
	Magic   [2]byte
	// Length is the declared payload length.
	Length     int
	RecordType byte
	// Format is the request/response format byte; bit 0x20 requests XOR.
	Format byte
	// Seq is the 3-byte sequence id: lo, hi, very-hi. Seq[0] doubles as XOR key.
	Seq [3]byte

	// Segmented (B/C) routing fields.
	DeviceID     byte
	ModuleDetail byte
	ModuleType   byte
	ModuleAddr   byte
	ModuleRecord byte
	SubAddr      byte
	Target       byte
	Trailer      uint16

	// Channel A unmapped tail.
	Unknown []byte

	// Modbus wrapper fields.
	Version          uint16
	PacketLength     int
	Address          byte
	Function         byte
	DataloggerSerial string
}

// ParseHeader decodes the fixed header at the start of frame.
func ParseHeader(ch Channel, frame []byte) (Header, error) {
	hlen := HeaderLen(ch)
	if hlen == 0 {
		return Header{}, fmt.Errorf("channel %s has no header", ch)
	}
	if len(frame) < hlen {
		return Header{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrShortFrame, len(frame), hlen)
	}

	h := Header{Channel: ch}
	copy(h.Magic[:], frame[0:2])

	if ch == ChannelModbus {
		h.Version = binary.BigEndian.Uint16(frame[2:4])
		h.PacketLength = int(binary.LittleEndian.Uint16(frame[4:6]))
		h.Address = frame[6]
		h.Function = frame[7]
		h.DataloggerSerial = strings.TrimRight(string(frame[8:18]), "\x00 ")
		h.Length = int(binary.LittleEndian.Uint16(frame[18:20]))
		return h, nil
	}

	h.Length = int(binary.LittleEndian.Uint16(frame[2:4]))
	h.RecordType = frame[4]
	h.Format = frame[5]
	copy(h.Seq[:], frame[6:9])

	if ch == ChannelA {
		h.Unknown = append([]byte(nil), frame[9:16]...)
		return h, nil
	}

	h.DeviceID = frame[9]
	h.ModuleDetail = frame[10]
	h.ModuleType = frame[11]
	h.ModuleAddr = frame[12]
	h.ModuleRecord = frame[13]
	h.SubAddr = frame[14]
	h.Target = frame[15]
	h.Trailer = binary.LittleEndian.Uint16(frame[16:18])
	if ch == ChannelC {
		// C frames carry their module record type one byte later.
		h.ModuleRecord = frame[15]
	}
	return h, nil
}

// RecordTypeHex renders the record type the way schema keys spell it.
func (h Header) RecordTypeHex() string {
	return fmt.Sprintf("%02x", h.RecordType)
}

// TypeKey returns the compound record type ("rty:mrt") for B and C frames,
// and the bare record type for A frames.
func (h Header) TypeKey() string {
	if h.Channel == ChannelA {
		return h.RecordTypeHex()
	}
	return fmt.Sprintf("%02x:%02x", h.RecordType, h.ModuleRecord)
}

// StreamKey identifies the device a B frame belongs to: module address,
// sub-address and device id.
func (h Header) StreamKey() string {
	return fmt.Sprintf("%02x-%02x-%02x", h.ModuleAddr, h.SubAddr, h.DeviceID)
}

// SeqHex renders the sequence id hi, lo, very-hi as logged by the bus tools.
func (h Header) SeqHex() string {
	return hex.EncodeToString([]byte{h.Seq[1], h.Seq[0], h.Seq[2]})
}

// Translated is the inner Modbus reply carried by a FunctionTranslated frame.
type Translated struct {
	Address        byte
	DeviceFunction byte
	InverterSerial string
	StartRegister  uint16
	ValueLength    int
	Values         []byte
}

// ParseTranslated decodes the inner reply header of a translated payload.
func ParseTranslated(payload []byte) (Translated, error) {
	if len(payload) < 15 {
		return Translated{}, fmt.Errorf("%w: translated payload %d bytes", ErrShortFrame, len(payload))
	}
	return Translated{
		Address:        payload[0],
		DeviceFunction: payload[1],
		InverterSerial: strings.TrimRight(string(payload[2:12]), "\x00 "),
		StartRegister:  binary.LittleEndian.Uint16(payload[12:14]),
		ValueLength:    int(payload[14]),
		Values:         payload[15:],
	}, nil
}
