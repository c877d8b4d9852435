package central

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// Address is a 6-byte hardware address, most significant byte first.
type Address [6]byte

// ParseAddress parses "AA:BB:CC:DD:EE:FF". Dash and dot separated forms
// (see net.ParseMAC) and the bare 12-digit form are accepted too.
func ParseAddress(s string) (Address, error) {
	var a Address

	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, ":-.") {
		hw, err := net.ParseMAC(s)
		if err != nil {
			return a, fmt.Errorf("invalid hardware address %q: %w", s, err)
		}
		if len(hw) != len(a) {
			return a, fmt.Errorf("invalid hardware address %q: %d bytes", s, len(hw))
		}
		copy(a[:], hw)
		return a, nil
	}

	if len(s) != 2*len(a) {
		return a, fmt.Errorf("invalid hardware address %q", s)
	}
	if _, err := hex.Decode(a[:], []byte(s)); err != nil {
		return a, fmt.Errorf("invalid hardware address %q: %w", s, err)
	}
	return a, nil
}

// MustParseAddress is ParseAddress for literals.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Format renders the address as upper-case hex pairs joined by sep.
func (a Address) Format(sep string) string {
	parts := make([]string, len(a))
	for i, b := range a {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, sep)
}

func (a Address) String() string {
	return a.Format(":")
}

// IsValid reports whether the address is non-zero.
func (a Address) IsValid() bool {
	return a != Address{}
}
