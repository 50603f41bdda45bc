package x509util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSerialBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		serial, err := GenerateSerial()
		require.NoError(t, err)

		assert.True(t, serial.Sign() >= 0, "serial must be non-negative")
		assert.LessOrEqual(t, len(serial.Bytes()), 20, "serial must fit in 20 bytes")
		// Top bit cleared: the DER integer encoding needs no leading zero.
		assert.Less(t, serial.BitLen(), 160)
	}
}

func TestSerialHexRoundTrip(t *testing.T) {
	serial, err := GenerateSerial()
	require.NoError(t, err)

	parsed, err := SerialFromHex(SerialToHex(serial))
	require.NoError(t, err)
	assert.Zero(t, serial.Cmp(parsed))
}

func TestSerialFromHexRejectsGarbage(t *testing.T) {
	_, err := SerialFromHex("not-hex")
	assert.Error(t, err)
}

func TestNormalizeValidity(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2026, 3, 14, 15, 9, 26, 535897932, loc)

	normalized := NormalizeValidity(ts)

	assert.Equal(t, time.UTC, normalized.Location())
	assert.Zero(t, normalized.Second())
	assert.Zero(t, normalized.Nanosecond())
	assert.Equal(t, 13, normalized.Hour())
}
