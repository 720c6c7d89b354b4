// Package protocol implements the framing primitives shared by every bus
// channel: routing ids, checksums, XOR de-obfuscation and header layouts.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sigurn/crc16"
)

// CRCLen is the size of the trailing checksum on every checked frame.
const CRCLen = 2

var (
	// ErrChecksumMismatch is returned when the trailing CRC does not match.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrLengthMismatch is returned when a frame is shorter than its header declares.
	ErrLengthMismatch = errors.New("length mismatch")
	// ErrShortFrame is returned when a frame cannot hold a header and checksum.
	ErrShortFrame = errors.New("frame too short")
	// ErrBadMagic is returned when a single-shot frame does not start with the wrapper magic.
	ErrBadMagic = errors.New("bad magic")
)

var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Checksum computes CRC-16/Modbus (poly 0xA001 reflected, init 0xFFFF) over data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, modbusTable)
}

// TrailingCRC returns the little-endian checksum stored in the last two bytes.
func TrailingCRC(frame []byte) (uint16, error) {
	if len(frame) < CRCLen {
		return 0, ErrShortFrame
	}
	return binary.LittleEndian.Uint16(frame[len(frame)-CRCLen:]), nil
}

// VerifyTrailer checks the trailing CRC against every byte that precedes it.
func VerifyTrailer(frame []byte) error {
	want, err := TrailingCRC(frame)
	if err != nil {
		return err
	}
	if got := Checksum(frame[:len(frame)-CRCLen]); got != want {
		return fmt.Errorf("%w: computed %04x, trailer %04x", ErrChecksumMismatch, got, want)
	}
	return nil
}

// AppendCRC returns body with its checksum appended little-endian.
func AppendCRC(body []byte) []byte {
	out := make([]byte, len(body), len(body)+CRCLen)
	copy(out, body)
	return binary.LittleEndian.AppendUint16(out, Checksum(body))
}
