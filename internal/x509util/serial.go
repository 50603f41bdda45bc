package x509util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const serialBytes = 20

// GenerateSerial returns a uniformly random certificate serial. The top bit
// of the first octet is cleared so the DER encoding stays within 20 bytes
// and cannot be read as a negative two's-complement integer. Serials carry
// no sequence counter; uniqueness rests on the 159-bit random space plus
// the storage layer's unique constraint.
func GenerateSerial() (*big.Int, error) {
	buf := make([]byte, serialBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random serial: %w", err)
	}
	buf[0] &= 0x7f
	return new(big.Int).SetBytes(buf), nil
}

// SerialToHex renders a serial the way it is stored and displayed:
// uppercase hex without separators.
func SerialToHex(serial *big.Int) string {
	return strings.ToUpper(serial.Text(16))
}

// SerialFromHex parses a serial stored by SerialToHex.
func SerialFromHex(s string) (*big.Int, error) {
	serial, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid serial %q", s)
	}
	return serial, nil
}

// NormalizeValidity converts a validity timestamp to UTC and truncates it
// to the minute, so certificates signed from the same request parameters
// get reproducible validity windows.
func NormalizeValidity(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
