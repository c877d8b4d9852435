package central

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	want := Address{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "colon separated", input: "AA:BB:CC:DD:EE:FF"},
		{name: "lower case", input: "aa:bb:cc:dd:ee:ff"},
		{name: "dash separated", input: "AA-BB-CC-DD-EE-FF"},
		{name: "bare hex", input: "AABBCCDDEEFF"},
		{name: "dot separated", input: "aabb.ccdd.eeff"},
		{name: "surrounding space", input: "  AA:BB:CC:DD:EE:FF\n"},
		{name: "misplaced separators", input: "A:AB:BC:CD:DE:EFF", wantErr: true},
		{name: "mixed separators", input: "AA:BB-CC:DD-EE:FF", wantErr: true},
		{name: "grouped without separator", input: "AABB:CCDD:EEFF", wantErr: true},
		{name: "trailing separator", input: "AA:BB:CC:DD:EE:FF:", wantErr: true},
		{name: "eui-64", input: "AA:BB:CC:DD:EE:FF:00:11", wantErr: true},
		{name: "bare hex too long", input: "AABBCCDDEEFF00", wantErr: true},
		{name: "too short", input: "AA:BB:CC:DD:EE", wantErr: true},
		{name: "non-hex", input: "GG:BB:CC:DD:EE:FF", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestAddressFormat(t *testing.T) {
	a := MustParseAddress("01:02:0a:0b:fe:ff")

	assert.Equal(t, "01:02:0A:0B:FE:FF", a.String())
	assert.Equal(t, "01-02-0A-0B-FE-FF", a.Format("-"))
	assert.Equal(t, "01020A0BFEFF", a.Format(""))
	assert.True(t, a.IsValid())
	assert.False(t, Address{}.IsValid())
	assert.Panics(t, func() { MustParseAddress("nope") })
}
