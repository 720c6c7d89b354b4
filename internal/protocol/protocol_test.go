package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// segmentedFrame builds a B/C frame with a valid trailer.
func segmentedFrame(rty, format, seqLo byte, payload []byte, padding int) []byte {
	h := make([]byte, HeaderLenSegmented)
	h[0], h[1] = 0xAA, 0x03
	binary.LittleEndian.PutUint16(h[2:4], uint16(len(payload)))
	h[4] = rty
	h[5] = format
	h[6], h[7], h[8] = seqLo, 0x10, 0x00
	h[9] = 0x01  // device id
	h[12] = 0x3C // module address
	h[13] = 0x05 // module record type
	h[14] = 0x02 // sub-address
	h[15] = 0x07
	body := append(h, payload...)
	body = append(body, make([]byte, padding)...)
	return AppendCRC(body)
}

func modbusFrame(payload []byte, key byte) []byte {
	h := make([]byte, HeaderLenModbus)
	copy(h, ModbusMagic[:])
	binary.BigEndian.PutUint16(h[2:4], 2)
	binary.LittleEndian.PutUint16(h[4:6], uint16(len(payload)+14))
	h[6] = key
	h[7] = FunctionTranslated
	copy(h[8:18], "DL12345678")
	binary.LittleEndian.PutUint16(h[18:20], uint16(len(payload)))
	return AppendCRC(append(h, payload...))
}

func TestChecksumKnownVector(t *testing.T) {
	assert.Equal(t, uint16(0x4B37), Checksum([]byte("123456789")))
}

func TestVerifyTrailer(t *testing.T) {
	frame := AppendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	require.NoError(t, VerifyTrailer(frame))

	crc, err := TrailingCRC(frame)
	require.NoError(t, err)
	assert.Equal(t, Checksum(frame[:len(frame)-2]), crc)

	frame[2] ^= 0xFF
	assert.ErrorIs(t, VerifyTrailer(frame), ErrChecksumMismatch)

	assert.ErrorIs(t, VerifyTrailer([]byte{0x01}), ErrShortFrame)
}

func TestParseRoute(t *testing.T) {
	tests := []struct {
		id      string
		channel Channel
		role    Role
		stream  string
	}{
		{"100B3F96", ChannelB, RoleBegin, "BB3F96"},
		{"101b3f96", ChannelB, RoleMiddle, "BB3F96"},
		{"102B3F96", ChannelB, RoleEnd, "BB3F96"},
		{"120A001", ChannelC, RoleBegin, "CA001"},
		{"122A001", ChannelC, RoleEnd, "CA001"},
		{"0040F10", ChannelA, RoleBegin, "A0F10"},
		{"0070F10", ChannelA, RoleLength, "A0F10"},
		{"1063B40", ChannelD, RoleSingle, "D3B40"},
		{"10A3B40", ChannelE, RoleSingle, "E3B40"},
		{"1FF3B40", ChannelUnknown, RoleSingle, "3B40"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			r, err := ParseRoute(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.channel, r.Channel)
			assert.Equal(t, tt.role, r.Role)
			assert.Equal(t, tt.stream, r.Stream())
		})
	}

	_, err := ParseRoute("10")
	assert.Error(t, err)
}

func TestOpenSegmentedXOR(t *testing.T) {
	plain := []byte{0x01, 0x02, 0x03, 0x04}

	t.Run("flag clear leaves payload", func(t *testing.T) {
		f, err := Open(ChannelB, segmentedFrame(0x20, 0x02, 0x5A, plain, 0), DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, plain, f.Payload)
		assert.False(t, f.XOR())
		assert.Equal(t, "3c-02-01", f.Header.StreamKey())
		assert.Equal(t, "20:05", f.Header.TypeKey())
	})

	t.Run("flag set applies sequence low byte", func(t *testing.T) {
		masked := Unmask(plain, 0x5A)
		f, err := Open(ChannelB, segmentedFrame(0x20, 0x22, 0x5A, masked, 0), DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, plain, f.Payload)
		assert.Equal(t, byte(0x5A), f.Key)
	})

	t.Run("force and off override the flag", func(t *testing.T) {
		raw := segmentedFrame(0x20, 0x02, 0x5A, plain, 0)
		f, err := Open(ChannelB, raw, Options{XOR: XORForce})
		require.NoError(t, err)
		assert.Equal(t, Unmask(plain, 0x5A), f.Payload)

		raw = segmentedFrame(0x20, 0x22, 0x5A, plain, 0)
		f, err = Open(ChannelB, raw, Options{XOR: XOROff})
		require.NoError(t, err)
		assert.Equal(t, plain, f.Payload)
	})

	t.Run("channel C always applies key and reads record type at 15", func(t *testing.T) {
		masked := Unmask(plain, 0x11)
		f, err := Open(ChannelC, segmentedFrame(0x30, 0x00, 0x11, masked, 0), DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, plain, f.Payload)
		assert.Equal(t, "30:07", f.Header.TypeKey())
	})
}

func TestOpenFailures(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}

	t.Run("short", func(t *testing.T) {
		_, err := Open(ChannelB, []byte{0xAA, 0x03, 0x04}, DefaultOptions())
		assert.ErrorIs(t, err, ErrShortFrame)
	})

	t.Run("declared length exceeds buffer", func(t *testing.T) {
		raw := segmentedFrame(0x20, 0, 0, payload, 0)
		binary.LittleEndian.PutUint16(raw[2:4], 40)
		_, err := Open(ChannelB, raw, DefaultOptions())
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("crc mismatch", func(t *testing.T) {
		raw := segmentedFrame(0x20, 0, 0, payload, 0)
		raw[HeaderLenSegmented] ^= 0x80
		_, err := Open(ChannelB, raw, DefaultOptions())
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})

	t.Run("padding is tolerated", func(t *testing.T) {
		f, err := Open(ChannelB, segmentedFrame(0x20, 0, 0, payload, 6), DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, payload, f.Payload)
	})

	t.Run("raw channel", func(t *testing.T) {
		_, err := Open(ChannelD, []byte{1, 2, 3, 4}, DefaultOptions())
		assert.Error(t, err)
	})
}

func TestOpenChannelA(t *testing.T) {
	plain := []byte{0x10, 0x20, 0x30}
	h := make([]byte, HeaderLenA)
	h[0], h[1] = 0xAA, 0x02
	binary.LittleEndian.PutUint16(h[2:4], uint16(len(plain)))
	h[4] = 0x42
	h[6] = 0x0F
	raw := AppendCRC(append(h, Unmask(plain, 0x0F)...))

	f, err := Open(ChannelA, raw, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, plain, f.Payload)
	assert.Equal(t, "42", f.Header.TypeKey())
	assert.Len(t, f.Header.Unknown, 7)
}

func TestOpenModbus(t *testing.T) {
	inner := []byte{0x01, 0x04}
	inner = append(inner, []byte("INV0000001")...)
	inner = append(inner, 0x28, 0x00, 0x02, 0x10, 0x00)

	t.Run("frame scope with fixed key", func(t *testing.T) {
		raw := modbusFrame(Unmask(inner, 0x01), 0x01)
		f, err := Open(ChannelModbus, raw, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, inner, f.Payload)
		assert.Equal(t, "DL12345678", f.Header.DataloggerSerial)
		assert.Equal(t, byte(FunctionTranslated), f.Header.Function)

		tr, err := ParseTranslated(f.Payload)
		require.NoError(t, err)
		assert.Equal(t, byte(0x04), tr.DeviceFunction)
		assert.Equal(t, "INV0000001", tr.InverterSerial)
		assert.Equal(t, uint16(40), tr.StartRegister)
		assert.Equal(t, 2, tr.ValueLength)
		assert.Equal(t, []byte{0x10, 0x00}, tr.Values)
	})

	t.Run("payload scope", func(t *testing.T) {
		raw := modbusFrame(inner, 0x00)
		body := raw[:len(raw)-2]
		binary.LittleEndian.PutUint16(raw[len(raw)-2:], Checksum(body[HeaderLenModbus:]))

		_, err := Open(ChannelModbus, raw, DefaultOptions())
		assert.ErrorIs(t, err, ErrChecksumMismatch)

		opts := DefaultOptions()
		opts.ModbusCRCScope = CRCScopePayload
		f, err := Open(ChannelModbus, raw, opts)
		require.NoError(t, err)
		assert.Equal(t, inner, f.Payload)
	})

	t.Run("bad magic", func(t *testing.T) {
		raw := modbusFrame(inner, 0)
		raw[0] = 0x00
		_, err := Open(ChannelModbus, raw, DefaultOptions())
		assert.ErrorIs(t, err, ErrBadMagic)
	})
}

func TestParseModes(t *testing.T) {
	m, err := ParseXORMode("")
	require.NoError(t, err)
	assert.Equal(t, XORAuto, m)
	m, err = ParseXORMode("FORCE")
	require.NoError(t, err)
	assert.Equal(t, XORForce, m)
	_, err = ParseXORMode("sometimes")
	assert.Error(t, err)

	s, err := ParseCRCScope("payload")
	require.NoError(t, err)
	assert.Equal(t, CRCScopePayload, s)
	_, err = ParseCRCScope("header")
	assert.Error(t, err)
}
