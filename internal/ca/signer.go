package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
)

// Signer is the key-custody capability behind signing dispatch. The engine
// assembles and validates the to-be-signed certificate; the signer owns the
// private key and the actual cryptographic operation, including any
// timeout or retry policy of its own.
type Signer interface {
	Public() crypto.PublicKey
	SignCertificate(template, issuer *x509.Certificate, pub crypto.PublicKey) ([]byte, error)
}

// SoftwareSigner signs with an in-process private key.
type SoftwareSigner struct {
	key crypto.Signer
}

func NewSoftwareSigner(key crypto.Signer) *SoftwareSigner {
	return &SoftwareSigner{key: key}
}

func (s *SoftwareSigner) Public() crypto.PublicKey {
	return s.key.Public()
}

func (s *SoftwareSigner) SignCertificate(template, issuer *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, issuer, pub, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	return der, nil
}
