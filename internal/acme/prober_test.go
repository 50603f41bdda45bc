package acme

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func http01Server(t *testing.T, token string, body []byte, status int) (identifier string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/acme-challenge/"+token {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://")
}

func TestProbeHTTP01ExactBody(t *testing.T) {
	expected := []byte("token.thumbprint")
	identifier := http01Server(t, "token", expected, http.StatusOK)

	prober := NewNetworkProber(time.Second, "")
	assert.True(t, prober.ProbeHTTP01(context.Background(), identifier, "token", expected))
}

func TestProbeHTTP01RejectsOverlongBody(t *testing.T) {
	expected := []byte("token.thumbprint")
	identifier := http01Server(t, "token", append(append([]byte(nil), expected...), 'X'), http.StatusOK)

	prober := NewNetworkProber(time.Second, "")
	assert.False(t, prober.ProbeHTTP01(context.Background(), identifier, "token", expected))
}

func TestProbeHTTP01RejectsTruncatedBody(t *testing.T) {
	expected := []byte("token.thumbprint")
	identifier := http01Server(t, "token", expected[:4], http.StatusOK)

	prober := NewNetworkProber(time.Second, "")
	assert.False(t, prober.ProbeHTTP01(context.Background(), identifier, "token", expected))
}

func TestProbeHTTP01RejectsNon200(t *testing.T) {
	expected := []byte("token.thumbprint")
	identifier := http01Server(t, "token", expected, http.StatusForbidden)

	prober := NewNetworkProber(time.Second, "")
	assert.False(t, prober.ProbeHTTP01(context.Background(), identifier, "token", expected))
}

func TestProbeHTTP01FailClosedOnNetworkError(t *testing.T) {
	// Reserved TEST-NET-1 address, nothing listens there.
	prober := NewNetworkProber(100*time.Millisecond, "")
	assert.False(t, prober.ProbeHTTP01(context.Background(), "192.0.2.1", "token", []byte("expected")))
}

func TestKeyAuthorization(t *testing.T) {
	assert.Equal(t, "tok.print", KeyAuthorization("tok", "print"))
}

func TestDNS01TXTValueDeterministic(t *testing.T) {
	a := DNS01TXTValue("tok.print")
	b := DNS01TXTValue("tok.print")
	assert.Equal(t, a, b)
	assert.NotContains(t, a, "=")
	assert.NotEqual(t, a, DNS01TXTValue("other.print"))
}
