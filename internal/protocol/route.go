package protocol

import (
	"fmt"
	"strings"
)

// Channel identifies the framing family a routing id belongs to.
type Channel byte

// Known channels. A, B and C carry segmented frames, D and E single raw
// segments, M the single-shot Modbus wrapper.
const (
	ChannelUnknown Channel = '?'
	ChannelA       Channel = 'A'
	ChannelB       Channel = 'B'
	ChannelC       Channel = 'C'
	ChannelD       Channel = 'D'
	ChannelE       Channel = 'E'
	ChannelModbus  Channel = 'M'
)

func (c Channel) String() string {
	return string(rune(c))
}

// Segmented reports whether frames on c are reassembled from several segments.
func (c Channel) Segmented() bool {
	return c == ChannelA || c == ChannelB || c == ChannelC
}

// ParseChannel accepts a single channel letter, case-insensitive.
func ParseChannel(s string) (Channel, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 1 {
		return ChannelUnknown, fmt.Errorf("invalid channel %q", s)
	}
	switch c := Channel(s[0]); c {
	case ChannelA, ChannelB, ChannelC, ChannelD, ChannelE, ChannelModbus:
		return c, nil
	}
	return ChannelUnknown, fmt.Errorf("invalid channel %q", s)
}

// Role is the reassembly role of one segment.
type Role int

// Segment roles.
const (
	RoleSingle Role = iota
	RoleBegin
	RoleMiddle
	RoleEnd
	// RoleLength segments carry a leading length byte; whether they end the
	// frame depends on that byte.
	RoleLength
)

func (r Role) String() string {
	switch r {
	case RoleBegin:
		return "begin"
	case RoleMiddle:
		return "middle"
	case RoleEnd:
		return "end"
	case RoleLength:
		return "length"
	default:
		return "single"
	}
}

// Route is a parsed routing id of the form CCCNNNN: a three character
// command code followed by the node id.
type Route struct {
	ID      string
	Command string
	Node    string
	Channel Channel
	Role    Role
}

// ParseRoute splits and classifies a routing id.
func ParseRoute(id string) (Route, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if len(id) < 4 {
		return Route{}, fmt.Errorf("routing id %q too short", id)
	}
	r := Route{ID: id, Command: id[:3], Node: id[3:]}
	r.Channel, r.Role = Classify(r.Command)
	return r, nil
}

// Classify maps a command code to its channel and segment role.
func Classify(cmd string) (Channel, Role) {
	switch {
	case len(cmd) == 3 && cmd[0] == '0':
		if cmd == "004" || cmd == "005" {
			return ChannelA, RoleBegin
		}
		return ChannelA, RoleLength
	case cmd == "100":
		return ChannelB, RoleBegin
	case cmd == "101":
		return ChannelB, RoleMiddle
	case cmd == "102":
		return ChannelB, RoleEnd
	case cmd == "120":
		return ChannelC, RoleBegin
	case cmd == "121":
		return ChannelC, RoleMiddle
	case cmd == "122":
		return ChannelC, RoleEnd
	case cmd == "106":
		return ChannelD, RoleSingle
	case cmd == "10A":
		return ChannelE, RoleSingle
	}
	return ChannelUnknown, RoleSingle
}

// Stream returns the reassembly key: channel letter plus node id, or the
// bare node id for unclassified commands.
func (r Route) Stream() string {
	if r.Channel == ChannelUnknown {
		return r.Node
	}
	return r.Channel.String() + r.Node
}
