package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"certforge/internal/storage"
	"certforge/internal/utils"
)

// OpenSigner resolves the signer capability for a CA from its key backend.
// Software CAs reference a PKCS#8 key file; pkcs11 CAs reference a key
// label on the configured token.
func OpenSigner(cfg *utils.Config, authority *storage.CertificateAuthority) (Signer, error) {
	switch authority.KeyBackend {
	case "software":
		key, err := LoadPrivateKey(authority.KeyReference)
		if err != nil {
			return nil, err
		}
		return NewSoftwareSigner(key), nil
	case "pkcs11":
		if cfg.PKCS11ModulePath == "" {
			return nil, fmt.Errorf("CA %s uses a pkcs11 key but PKCS11_MODULE_PATH is not set", authority.Name)
		}
		caCert, err := ParseCertificatePEM(authority.CertificatePEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
		}
		return OpenPKCS11Signer(cfg.PKCS11ModulePath, cfg.PKCS11PIN,
			authority.KeyReference, uint(cfg.PKCS11Slot), caCert.PublicKey)
	}
	return nil, fmt.Errorf("unknown key backend %q", authority.KeyBackend)
}

// LoadPrivateKey reads a PKCS#8 PEM key file.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("no PKCS#8 private key found in %s", path)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key in %s does not support signing", path)
	}
	return signer, nil
}

// GenerateKey creates a fresh CA key of the given type and writes it as
// PKCS#8 PEM with owner-only permissions.
func GenerateKey(keyType, path string) (crypto.Signer, error) {
	var key crypto.Signer
	var err error

	switch keyType {
	case "rsa":
		key, err = rsa.GenerateKey(rand.Reader, 4096)
	case "ecdsa", "":
		key, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ed25519":
		_, key, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}

	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemData, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}
