package central

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// ShortUUIDLen is the length of a 16-bit SIG UUID in its textual form ("180d").
	ShortUUIDLen = 4
	// CanonicalUUIDLen is the length of the dashed 128-bit form.
	CanonicalUUIDLen = 36

	baseUUIDPrefix = "0000"
	baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"
)

// CCCDUUID is the Client Characteristic Configuration descriptor.
const CCCDUUID = "00002902" + baseUUIDSuffix

// ExpandUUID returns the canonical 36-character form of a short or canonical
// UUID. Any other length yields "".
func ExpandUUID(s string) string {
	switch len(s) {
	case CanonicalUUIDLen:
		return s
	case ShortUUIDLen:
		return baseUUIDPrefix + s + baseUUIDSuffix
	default:
		return ""
	}
}

// UUIDEqual compares two UUIDs on their canonical form, case-insensitively.
// A 4-character operand is shorthand for 0000xxxx-0000-1000-8000-00805f9b34fb.
func UUIDEqual(a, b string) bool {
	if !validUUIDLen(a) || !validUUIDLen(b) {
		return false
	}
	if len(a) == len(b) {
		return strings.EqualFold(a, b)
	}
	return strings.EqualFold(ExpandUUID(a), ExpandUUID(b))
}

func validUUIDLen(s string) bool {
	return len(s) == ShortUUIDLen || len(s) == CanonicalUUIDLen
}

// CanonicalUUID normalises a UUID as reported by a native stack (16-bit,
// 32-bit, undashed or dashed 128-bit, optional 0x prefix) into the lowercase
// 36-character form.
func CanonicalUUID(native string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(native))
	s = strings.TrimPrefix(s, "0x")

	switch len(s) {
	case ShortUUIDLen:
		if _, err := strconv.ParseUint(s, 16, 16); err != nil {
			return "", fmt.Errorf("invalid 16-bit UUID %q", native)
		}
		return ExpandUUID(s), nil
	case 8:
		if _, err := strconv.ParseUint(s, 16, 32); err != nil {
			return "", fmt.Errorf("invalid 32-bit UUID %q", native)
		}
		return s + baseUUIDSuffix, nil
	}

	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", native, err)
	}
	return u.String(), nil
}

// MustCanonicalUUID is CanonicalUUID for constants; it panics on malformed input.
func MustCanonicalUUID(native string) string {
	s, err := CanonicalUUID(native)
	if err != nil {
		panic(err)
	}
	return s
}

// ShortUUID returns the 4-character form of a SIG base UUID and the input
// unchanged otherwise. Used for display.
func ShortUUID(s string) string {
	if len(s) == CanonicalUUIDLen &&
		strings.HasPrefix(s, baseUUIDPrefix) &&
		strings.EqualFold(s[8:], baseUUIDSuffix) {
		return strings.ToLower(s[4:8])
	}
	return s
}
