package reassembly

import (
	"testing"

	"github.com/resident-x/go-buslog/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func route(t *testing.T, id string) protocol.Route {
	t.Helper()
	r, err := protocol.ParseRoute(id)
	require.NoError(t, err)
	return r
}

func TestBeginMiddleEnd(t *testing.T) {
	r := New(DefaultOptions())
	a := []byte{0xAA, 0x03, 0x04}
	b := []byte{0x00, 0x01, 0x02}
	c := []byte{0x03, 0x04}

	assert.Equal(t, StatusPending, r.Push(route(t, "100B3F96"), a).Status)
	assert.Equal(t, StatusPending, r.Push(route(t, "101B3F96"), b).Status)
	res := r.Push(route(t, "102B3F96"), c)
	require.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, []byte{0xAA, 0x03, 0x04, 0x00, 0x01, 0x02, 0x03, 0x04}, res.Frame)
	assert.Equal(t, 3, res.Segments)
	assert.Equal(t, 0, r.Open())

	// A new message after end carries nothing from the previous one
	assert.Equal(t, StatusPending, r.Push(route(t, "100B3F96"), []byte{0x11}).Status)
	res = r.Push(route(t, "102B3F96"), []byte{0x22})
	require.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, []byte{0x11, 0x22}, res.Frame)
	assert.Equal(t, 1, r.Streams())
}

func TestSegmentBytesAreCopied(t *testing.T) {
	r := New(DefaultOptions())
	seg := []byte{0x01, 0x02}
	r.Push(route(t, "100B3F96"), seg)
	seg[0] = 0xFF
	res := r.Push(route(t, "102B3F96"), []byte{0x03})
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, res.Frame)
}

func TestStreamsDoNotInterfere(t *testing.T) {
	r := New(DefaultOptions())

	r.Push(route(t, "100B3F96"), []byte{0x01})
	r.Push(route(t, "1000A01"), []byte{0x10})
	r.Push(route(t, "120B3F96"), []byte{0x20})
	r.Push(route(t, "101B3F96"), []byte{0x02})
	r.Push(route(t, "1010A01"), []byte{0x11})
	assert.Equal(t, 3, r.Open())

	res := r.Push(route(t, "1020A01"), []byte{0x12})
	assert.Equal(t, []byte{0x10, 0x11, 0x12}, res.Frame)

	res = r.Push(route(t, "122B3F96"), []byte{0x21})
	assert.Equal(t, []byte{0x20, 0x21}, res.Frame, "channel C shares the node id but not the stream")

	res = r.Push(route(t, "102B3F96"), []byte{0x03})
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, res.Frame)
}

func TestOrphansAndRestart(t *testing.T) {
	r := New(DefaultOptions())

	res := r.Push(route(t, "101B3F96"), []byte{0x01})
	assert.Equal(t, StatusIgnored, res.Status)

	res = r.Push(route(t, "102B3F96"), []byte{0x01})
	assert.Equal(t, StatusDropped, res.Status)
	assert.Equal(t, ReasonOrphanEnd, res.Reason)

	r.Push(route(t, "100B3F96"), []byte{0x01, 0x02})
	res = r.Push(route(t, "100B3F96"), []byte{0x09})
	assert.Equal(t, StatusPending, res.Status)
	assert.True(t, res.Restarted)

	res = r.Push(route(t, "102B3F96"), []byte{0x0A})
	assert.Equal(t, []byte{0x09, 0x0A}, res.Frame)
}

func TestLengthPrefixedChannel(t *testing.T) {
	t.Run("trims padding and finalises on short length", func(t *testing.T) {
		r := New(DefaultOptions())
		// begin keeps its body untrimmed
		assert.Equal(t, StatusPending, r.Push(route(t, "0040F10"), []byte{0x07, 0xAA, 0x02, 0x03, 0x00, 0x42, 0x00, 0x00}).Status)
		// sentinel length keeps the frame open
		assert.Equal(t, StatusPending, r.Push(route(t, "0060F10"), []byte{0x07, 1, 2, 3, 4, 5, 6, 7}).Status)
		res := r.Push(route(t, "0060F10"), []byte{0x02, 8, 9, 0, 0, 0, 0, 0})
		require.Equal(t, StatusComplete, res.Status)
		assert.Equal(t, []byte{0xAA, 0x02, 0x03, 0x00, 0x42, 0x00, 0x00, 1, 2, 3, 4, 5, 6, 7, 8, 9}, res.Frame)
		assert.Equal(t, 3, res.Segments)
	})

	t.Run("no open stream drops", func(t *testing.T) {
		r := New(DefaultOptions())
		res := r.Push(route(t, "0060F10"), []byte{0x02, 8, 9})
		assert.Equal(t, StatusDropped, res.Status)
		assert.Equal(t, ReasonNoStream, res.Reason)

		res = r.Push(route(t, "0060F10"), nil)
		assert.Equal(t, ReasonShort, res.Reason)
	})

	t.Run("sentinel limited to listed commands", func(t *testing.T) {
		opts := DefaultOptions()
		opts.SentinelCommands = []string{"006"}
		r := New(opts)
		r.Push(route(t, "0040F10"), []byte{0x07, 0xAA})
		res := r.Push(route(t, "0070F10"), []byte{0x07, 1, 2, 3, 4, 5, 6, 7})
		assert.Equal(t, StatusComplete, res.Status)
	})

	t.Run("sentinel disabled", func(t *testing.T) {
		r := New(Options{Sentinel: 0})
		r.Push(route(t, "0040F10"), []byte{0x07, 0xAA})
		res := r.Push(route(t, "0060F10"), []byte{0x07, 1, 2, 3, 4, 5, 6, 7})
		assert.Equal(t, StatusComplete, res.Status)
	})
}

func TestSingleSegmentChannels(t *testing.T) {
	r := New(DefaultOptions())
	res := r.Push(route(t, "1063B40"), []byte("M101Z3B4"))
	require.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, []byte("M101Z3B4"), res.Frame)

	res = r.Push(route(t, "10A3B40"), nil)
	assert.Equal(t, StatusDropped, res.Status)
}

func TestPushModbus(t *testing.T) {
	r := New(DefaultOptions())

	buf := make([]byte, protocol.ModbusMinLen)
	buf[0], buf[1] = 0xA1, 0x1A
	res := r.PushModbus(buf)
	assert.Equal(t, StatusComplete, res.Status)

	res = r.PushModbus(buf[:protocol.ModbusMinLen-1])
	assert.Equal(t, ReasonShort, res.Reason)

	buf[1] = 0x00
	res = r.PushModbus(buf)
	assert.Equal(t, ReasonBadMagic, res.Reason)
}
