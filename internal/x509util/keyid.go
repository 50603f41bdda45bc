package x509util

import (
	"crypto"
	"crypto/dsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/cloudflare/circl/sign/ed448"
)

type subjectPublicKeyInfo struct {
	Algorithm        asn1.RawValue
	SubjectPublicKey asn1.BitString
}

// SubjectKeyID derives the subject key identifier from a public key: the
// SHA-1 digest of the subjectPublicKey bit string (RFC 5280, method 1).
// DSA and Ed448 keys are digested directly since the standard library
// cannot marshal their SubjectPublicKeyInfo.
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	switch key := pub.(type) {
	case *dsa.PublicKey:
		// For DSA the bit string content is the DER-encoded public
		// integer y.
		der, err := asn1.Marshal(key.Y)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal DSA public key: %w", err)
		}
		sum := sha1.Sum(der)
		return sum[:], nil
	case ed448.PublicKey:
		sum := sha1.Sum(key)
		return sum[:], nil
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse public key info: %w", err)
	}

	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:], nil
}
