package x509util

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

type GeneralNameKind string

const (
	GeneralNameDNS   GeneralNameKind = "DNS"
	GeneralNameIP    GeneralNameKind = "IP"
	GeneralNameEmail GeneralNameKind = "email"
	GeneralNameURI   GeneralNameKind = "URI"
)

type GeneralName struct {
	Kind  GeneralNameKind
	Value string
}

func (g GeneralName) String() string {
	return fmt.Sprintf("%s:%s", g.Kind, g.Value)
}

// ParseGeneralName parses a general name string. Explicit "DNS:", "IP:",
// "email:" and "URI:" prefixes are honored; without a prefix the value is
// classified by shape (IP address, mail address, URI) and otherwise treated
// as a DNS name.
func ParseGeneralName(name string) (GeneralName, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return GeneralName{}, fmt.Errorf("empty general name")
	}

	if idx := strings.Index(name, ":"); idx > 0 {
		prefix := name[:idx]
		rest := strings.TrimSpace(name[idx+1:])
		switch strings.ToLower(prefix) {
		case "dns":
			return parseDNSName(rest)
		case "ip":
			return parseIPName(rest)
		case "email":
			return parseEmailName(rest)
		case "uri":
			return parseURIName(rest)
		}
	}

	if ip := net.ParseIP(name); ip != nil {
		return GeneralName{Kind: GeneralNameIP, Value: ip.String()}, nil
	}
	if strings.Contains(name, "@") {
		return parseEmailName(name)
	}
	if strings.Contains(name, "://") {
		return parseURIName(name)
	}
	return parseDNSName(name)
}

func parseDNSName(name string) (GeneralName, error) {
	domain := name
	if strings.HasPrefix(domain, "*.") {
		domain = domain[2:]
	}
	if err := validateDomainName(domain); err != nil {
		return GeneralName{}, fmt.Errorf("invalid DNS name %q: %w", name, err)
	}
	return GeneralName{Kind: GeneralNameDNS, Value: name}, nil
}

func parseIPName(name string) (GeneralName, error) {
	ip := net.ParseIP(name)
	if ip == nil {
		return GeneralName{}, fmt.Errorf("invalid IP address %q", name)
	}
	return GeneralName{Kind: GeneralNameIP, Value: ip.String()}, nil
}

func parseEmailName(name string) (GeneralName, error) {
	at := strings.LastIndex(name, "@")
	if at <= 0 || at == len(name)-1 {
		return GeneralName{}, fmt.Errorf("invalid email address %q", name)
	}
	if err := validateDomainName(name[at+1:]); err != nil {
		return GeneralName{}, fmt.Errorf("invalid email address %q: %w", name, err)
	}
	return GeneralName{Kind: GeneralNameEmail, Value: name}, nil
}

func parseURIName(name string) (GeneralName, error) {
	parsed, err := url.Parse(name)
	if err != nil {
		return GeneralName{}, fmt.Errorf("invalid URI %q: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return GeneralName{}, fmt.Errorf("invalid URI %q: scheme and host required", name)
	}
	return GeneralName{Kind: GeneralNameURI, Value: name}, nil
}

func validateDomainName(domain string) error {
	if domain == "" {
		return fmt.Errorf("empty domain")
	}
	if len(domain) > 253 {
		return fmt.Errorf("domain name too long")
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) == 0 || len(label) > 63 {
			return fmt.Errorf("invalid label length")
		}
	}
	return nil
}
