package acme

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miekg/dns"
)

// Prober answers whether a challenge's proof is in place. Implementations
// are fail-closed: any network or protocol problem is "not valid", never an
// error for the caller to interpret.
type Prober interface {
	ProbeHTTP01(ctx context.Context, identifier, token string, expected []byte) bool
	ProbeDNS01(ctx context.Context, identifier, expected string) bool
}

// NetworkProber validates challenges over the real network with bounded
// time and bounded reads.
type NetworkProber struct {
	// Timeout bounds each probe. Kept short: a responder that cannot
	// answer within it has not proven anything.
	Timeout time.Duration

	// Resolver is the address of the DNS server for TXT lookups, in
	// host:port form. Empty means the default resolver config.
	Resolver string
}

func NewNetworkProber(timeout time.Duration, resolver string) *NetworkProber {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &NetworkProber{Timeout: timeout, Resolver: resolver}
}

// ProbeHTTP01 fetches the well-known challenge URL and compares the body
// against the expected key authorization. It reads one byte more than
// expected: an overlong body makes the comparison fail without ever
// reading an unbounded response.
func (p *NetworkProber) ProbeHTTP01(ctx context.Context, identifier, token string, expected []byte) bool {
	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", identifier, token)

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	client := &http.Client{Timeout: p.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(len(expected))+1))
	if err != nil {
		return false
	}
	return bytes.Equal(body, expected)
}

// ProbeDNS01 looks up the _acme-challenge TXT record for the identifier
// and accepts if any record matches the expected digest.
func (p *NetworkProber) ProbeDNS01(ctx context.Context, identifier, expected string) bool {
	resolver := p.Resolver
	if resolver == "" {
		config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(config.Servers) == 0 {
			return false
		}
		resolver = config.Servers[0] + ":" + config.Port
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("_acme-challenge."+identifier), dns.TypeTXT)

	client := &dns.Client{Timeout: p.Timeout}
	reply, _, err := client.ExchangeContext(ctx, msg, resolver)
	if err != nil || reply.Rcode != dns.RcodeSuccess {
		return false
	}

	for _, answer := range reply.Answer {
		txt, ok := answer.(*dns.TXT)
		if !ok {
			continue
		}
		for _, record := range txt.Txt {
			if record == expected {
				return true
			}
		}
	}
	return false
}
