package x509util

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var (
	oidExtensionIssuerAltName = asn1.ObjectIdentifier{2, 5, 29, 18}
	oidExtensionOCSPNoCheck   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}
	oidExtensionTLSFeature    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 24}
)

var keyUsageBits = map[string]x509.KeyUsage{
	"digital_signature":  x509.KeyUsageDigitalSignature,
	"content_commitment": x509.KeyUsageContentCommitment,
	"key_encipherment":   x509.KeyUsageKeyEncipherment,
	"data_encipherment":  x509.KeyUsageDataEncipherment,
	"key_agreement":      x509.KeyUsageKeyAgreement,
	"cert_sign":          x509.KeyUsageCertSign,
	"crl_sign":           x509.KeyUsageCRLSign,
	"encipher_only":      x509.KeyUsageEncipherOnly,
	"decipher_only":      x509.KeyUsageDecipherOnly,
}

var extKeyUsages = map[string]x509.ExtKeyUsage{
	"server_auth":      x509.ExtKeyUsageServerAuth,
	"client_auth":      x509.ExtKeyUsageClientAuth,
	"code_signing":     x509.ExtKeyUsageCodeSigning,
	"email_protection": x509.ExtKeyUsageEmailProtection,
	"time_stamping":    x509.ExtKeyUsageTimeStamping,
	"ocsp_signing":     x509.ExtKeyUsageOCSPSigning,
}

// ApplyExtensions maps an extension set onto an x509 certificate template.
// Kinds the standard library models directly use template fields; the rest
// (issuer alternative name, OCSP no-check, TLS feature) are marshaled into
// ExtraExtensions.
func ApplyExtensions(template *x509.Certificate, set *ExtensionSet) error {
	for _, ext := range set.List() {
		switch value := ext.Value.(type) {
		case KeyUsage:
			usage, err := ParseKeyUsage(value.Usages)
			if err != nil {
				return err
			}
			template.KeyUsage = usage

		case ExtendedKeyUsage:
			usages, err := ParseExtKeyUsage(value.Usages)
			if err != nil {
				return err
			}
			template.ExtKeyUsage = usages

		case BasicConstraints:
			template.BasicConstraintsValid = true
			template.IsCA = value.CA
			if value.PathLen != nil {
				template.MaxPathLen = *value.PathLen
				template.MaxPathLenZero = *value.PathLen == 0
			}

		case SubjectAlternativeName:
			if err := applyGeneralNames(template, value.Names); err != nil {
				return err
			}

		case AuthorityInformationAccess:
			for _, ad := range value.AccessDescriptions {
				switch ad.Method {
				case AccessMethodOCSP:
					template.OCSPServer = append(template.OCSPServer, ad.Location.Value)
				case AccessMethodCAIssuers:
					template.IssuingCertificateURL = append(template.IssuingCertificateURL, ad.Location.Value)
				default:
					return fmt.Errorf("unsupported access method %q", ad.Method)
				}
			}

		case CRLDistributionPoints:
			template.CRLDistributionPoints = append(template.CRLDistributionPoints, value.URLs...)

		case CertificatePolicies:
			for _, policy := range value.PolicyIdentifiers {
				oid, err := parseOID(policy)
				if err != nil {
					return err
				}
				template.PolicyIdentifiers = append(template.PolicyIdentifiers, oid)
			}

		case NameConstraints:
			template.PermittedDNSDomainsCritical = ext.Critical
			template.PermittedDNSDomains = append(template.PermittedDNSDomains, value.PermittedDNS...)
			template.ExcludedDNSDomains = append(template.ExcludedDNSDomains, value.ExcludedDNS...)

		case SubjectKeyIdentifier:
			template.SubjectKeyId = value.KeyIdentifier

		case AuthorityKeyIdentifier:
			template.AuthorityKeyId = value.KeyIdentifier

		case IssuerAlternativeName:
			raw, err := marshalGeneralNames(value.Names)
			if err != nil {
				return fmt.Errorf("failed to marshal issuer alternative name: %w", err)
			}
			template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
				Id:       oidExtensionIssuerAltName,
				Critical: ext.Critical,
				Value:    raw,
			})

		case OCSPNoCheck:
			// RFC 6960: the value is ASN.1 NULL.
			template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
				Id:       oidExtensionOCSPNoCheck,
				Critical: ext.Critical,
				Value:    []byte{0x05, 0x00},
			})

		case TLSFeature:
			raw, err := asn1.Marshal(value.Features)
			if err != nil {
				return fmt.Errorf("failed to marshal TLS feature: %w", err)
			}
			template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
				Id:       oidExtensionTLSFeature,
				Critical: ext.Critical,
				Value:    raw,
			})

		default:
			return fmt.Errorf("unhandled extension kind %q", ext.Kind())
		}
	}
	return nil
}

func applyGeneralNames(template *x509.Certificate, names []GeneralName) error {
	for _, name := range names {
		switch name.Kind {
		case GeneralNameDNS:
			template.DNSNames = append(template.DNSNames, name.Value)
		case GeneralNameIP:
			ip := net.ParseIP(name.Value)
			if ip == nil {
				return fmt.Errorf("invalid IP address %q", name.Value)
			}
			template.IPAddresses = append(template.IPAddresses, ip)
		case GeneralNameEmail:
			template.EmailAddresses = append(template.EmailAddresses, name.Value)
		case GeneralNameURI:
			parsed, err := url.Parse(name.Value)
			if err != nil {
				return fmt.Errorf("invalid URI %q: %w", name.Value, err)
			}
			template.URIs = append(template.URIs, parsed)
		default:
			return fmt.Errorf("unsupported general name kind %q", name.Kind)
		}
	}
	return nil
}

// marshalGeneralNames encodes GeneralNames (RFC 5280, section 4.2.1.6) with
// the context tags DER requires: rfc822Name [1], dNSName [2], URI [6] and
// iPAddress [7].
func marshalGeneralNames(names []GeneralName) ([]byte, error) {
	var rawValues []asn1.RawValue
	for _, name := range names {
		switch name.Kind {
		case GeneralNameEmail:
			rawValues = append(rawValues, asn1.RawValue{Tag: 1, Class: asn1.ClassContextSpecific, Bytes: []byte(name.Value)})
		case GeneralNameDNS:
			rawValues = append(rawValues, asn1.RawValue{Tag: 2, Class: asn1.ClassContextSpecific, Bytes: []byte(name.Value)})
		case GeneralNameURI:
			rawValues = append(rawValues, asn1.RawValue{Tag: 6, Class: asn1.ClassContextSpecific, Bytes: []byte(name.Value)})
		case GeneralNameIP:
			ip := net.ParseIP(name.Value)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP address %q", name.Value)
			}
			if ip4 := ip.To4(); ip4 != nil {
				ip = ip4
			}
			rawValues = append(rawValues, asn1.RawValue{Tag: 7, Class: asn1.ClassContextSpecific, Bytes: ip})
		default:
			return nil, fmt.Errorf("unsupported general name kind %q", name.Kind)
		}
	}
	return asn1.Marshal(rawValues)
}

func ParseKeyUsage(usages []string) (x509.KeyUsage, error) {
	var usage x509.KeyUsage
	for _, name := range usages {
		bit, ok := keyUsageBits[name]
		if !ok {
			return 0, fmt.Errorf("unknown key usage %q", name)
		}
		usage |= bit
	}
	return usage, nil
}

func ParseExtKeyUsage(usages []string) ([]x509.ExtKeyUsage, error) {
	parsed := make([]x509.ExtKeyUsage, 0, len(usages))
	for _, name := range usages {
		usage, ok := extKeyUsages[name]
		if !ok {
			return nil, fmt.Errorf("unknown extended key usage %q", name)
		}
		parsed = append(parsed, usage)
	}
	return parsed, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid OID %q", s)
	}
	oid := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid OID %q", s)
		}
		oid = append(oid, n)
	}
	return oid, nil
}
