package x509util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGeneralName(t *testing.T) {
	tests := []struct {
		input string
		kind  GeneralNameKind
		value string
	}{
		{"example.com", GeneralNameDNS, "example.com"},
		{"DNS:example.com", GeneralNameDNS, "example.com"},
		{"*.example.com", GeneralNameDNS, "*.example.com"},
		{"192.0.2.1", GeneralNameIP, "192.0.2.1"},
		{"IP:2001:db8::1", GeneralNameIP, "2001:db8::1"},
		{"user@example.com", GeneralNameEmail, "user@example.com"},
		{"email:user@example.com", GeneralNameEmail, "user@example.com"},
		{"https://example.com/ca", GeneralNameURI, "https://example.com/ca"},
		{"URI:https://example.com/ca", GeneralNameURI, "https://example.com/ca"},
	}

	for _, tt := range tests {
		parsed, err := ParseGeneralName(tt.input)
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.kind, parsed.Kind, "input %q", tt.input)
		assert.Equal(t, tt.value, parsed.Value, "input %q", tt.input)
	}
}

func TestParseGeneralNameRejectsInvalid(t *testing.T) {
	for _, input := range []string{"", "IP:not-an-ip", "email:@example.com", "URI:no-scheme", "DNS:"} {
		_, err := ParseGeneralName(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestGeneralNameRoundTrip(t *testing.T) {
	parsed, err := ParseGeneralName("example.com")
	require.NoError(t, err)

	again, err := ParseGeneralName(parsed.String())
	require.NoError(t, err)
	assert.Equal(t, parsed, again)
}
