package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddressSegOff(t *testing.T) {
	addr, err := ParseAddress("A000:0000")
	require.NoError(t, err)
	assert.Equal(t, uint16(0xA000), addr.Segment)
	assert.Equal(t, uint16(0x0000), addr.Offset)
	assert.Equal(t, uint32(0xA0000), addr.Linear())

	addr, err = ParseAddress("1a2:3f")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x01A2), addr.Segment)
	assert.Equal(t, uint16(0x003F), addr.Offset)
}

func TestParseAddressLinear(t *testing.T) {
	addr, err := ParseAddress("0xA0000")
	require.NoError(t, err)
	assert.Equal(t, uint16(0xA000), addr.Segment)
	assert.Equal(t, uint16(0x0), addr.Offset)
	assert.Equal(t, uint32(0xA0000), addr.Linear())

	addr, err = ParseAddress("655360")
	require.NoError(t, err)
	assert.Equal(t, uint32(655360), addr.Linear())
}

func TestParseAddressRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "xyz", "12345:0", "0:12345", "0x", "A000:", ":0000", "-5"} {
		_, err := ParseAddress(s)
		require.Error(t, err, "input %q", s)
		var argErr *ArgumentError
		assert.True(t, errors.As(err, &argErr), "input %q should yield ArgumentError", s)
	}
}

// For all (seg, off), parsing the formatted pair preserves the linear value.
func TestFormatParseRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		seg := uint16(rng.Intn(1 << 16))
		off := uint16(rng.Intn(1 << 16))
		addr := NewAddress(seg, off)

		parsed, err := ParseAddress(addr.String())
		require.NoError(t, err)
		assert.Equal(t, addr.Linear(), parsed.Linear())
		assert.Equal(t, seg, parsed.Segment)
		assert.Equal(t, off, parsed.Offset)
	}
}

// For all linear L, the canonical pair has segment=(L>>4)&0xFFFF and
// offset=L&0xF, and converts back to L.
func TestLinearCanonicalForm(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 2000; i++ {
		linear := uint32(rng.Intn(0x10FFF0))
		addr := AddressFromLinear(linear)
		assert.Equal(t, uint16((linear>>4)&0xFFFF), addr.Segment)
		assert.Equal(t, uint16(linear&0xF), addr.Offset)
		assert.Equal(t, linear, addr.Linear())

		parsed, err := ParseAddress(fmt.Sprintf("0x%X", linear))
		require.NoError(t, err)
		assert.Equal(t, linear, parsed.Linear())
	}
}

func TestAddressJSON(t *testing.T) {
	addr := NewAddress(0xB800, 0x0004)
	data, err := json.Marshal(addr)
	require.NoError(t, err)
	assert.Equal(t, `"B800:0004"`, string(data))

	var back Address
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, addr, back)

	var fromLinear Address
	require.NoError(t, json.Unmarshal([]byte(`"0xB8000"`), &fromLinear))
	assert.Equal(t, uint32(0xB8000), fromLinear.Linear())
}
