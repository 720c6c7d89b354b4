package protocol

import (
	"fmt"
	"strings"
)

// XORMode overrides how the obfuscation key is chosen for segmented frames.
type XORMode string

const (
	// XORAuto applies the key only when the header requests it.
	XORAuto XORMode = "auto"
	// XORForce always applies the header key.
	XORForce XORMode = "force"
	// XOROff never applies a key.
	XOROff XORMode = "off"
)

// ParseXORMode validates a configured mode string; empty means auto.
func ParseXORMode(s string) (XORMode, error) {
	switch m := XORMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return XORAuto, nil
	case XORAuto, XORForce, XOROff:
		return m, nil
	default:
		return "", fmt.Errorf("unknown xor mode %q", s)
	}
}

// xorRequestFlag marks a request/response format byte whose payload is obfuscated.
const xorRequestFlag = 0x20

// Unmask returns a copy of src with every byte XORed with key.
func Unmask(src []byte, key byte) []byte {
	out := make([]byte, len(src))
	for i, b := range src {
		out[i] = b ^ key
	}
	return out
}
