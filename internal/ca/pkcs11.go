package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"github.com/miekg/pkcs11"

	"certforge/internal/utils"
)

// PKCS11Signer signs with a private key held inside a PKCS#11 token. The
// key never leaves the module: extraction, decryption and SHA-3 digests
// are unsupported operations, reported as such rather than ignored.
type PKCS11Signer struct {
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	pub     crypto.PublicKey
}

// OpenPKCS11Signer loads the module, opens a session on the given slot and
// locates the private key by label. The caller keeps the public key; the
// token does not hand it out in a form the standard library parses for
// every mechanism.
func OpenPKCS11Signer(modulePath, pin, keyLabel string, slot uint, pub crypto.PublicKey) (*PKCS11Signer, error) {
	ctx := pkcs11.New(modulePath)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module %s", modulePath)
	}
	if err := ctx.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
	}

	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return nil, fmt.Errorf("failed to open PKCS#11 session: %w", err)
	}
	if err := ctx.Login(session, pkcs11.CKU_USER, pin); err != nil {
		return nil, fmt.Errorf("failed to login to PKCS#11 token: %w", err)
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, keyLabel),
	}
	if err := ctx.FindObjectsInit(session, template); err != nil {
		return nil, fmt.Errorf("failed to search for key %q: %w", keyLabel, err)
	}
	handles, _, err := ctx.FindObjects(session, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to find key %q: %w", keyLabel, err)
	}
	if err := ctx.FindObjectsFinal(session); err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, fmt.Errorf("private key %q not found on token", keyLabel)
	}

	return &PKCS11Signer{ctx: ctx, session: session, key: handles[0], pub: pub}, nil
}

func (s *PKCS11Signer) Close() error {
	if err := s.ctx.Logout(s.session); err != nil {
		return err
	}
	if err := s.ctx.CloseSession(s.session); err != nil {
		return err
	}
	s.ctx.Destroy()
	return nil
}

func (s *PKCS11Signer) Public() crypto.PublicKey {
	return s.pub
}

func (s *PKCS11Signer) SignCertificate(template, issuer *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, issuer, pub, pkcs11CryptoSigner{s})
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate on token: %w", err)
	}
	return der, nil
}

// Decrypt exists so a PKCS11Signer cannot be mistaken for a decryption
// capability.
func (s *PKCS11Signer) Decrypt(_ io.Reader, _ []byte, _ crypto.DecrypterOpts) ([]byte, error) {
	return nil, utils.ErrUnsupportedOperation.WithField("decrypt")
}

// ExtractKey always fails: token-resident keys are not extractable.
func (s *PKCS11Signer) ExtractKey() ([]byte, error) {
	return nil, utils.ErrUnsupportedOperation.WithField("extract_key")
}

// pkcs11CryptoSigner adapts the token to the crypto.Signer contract used by
// x509.CreateCertificate.
type pkcs11CryptoSigner struct {
	s *PKCS11Signer
}

func (a pkcs11CryptoSigner) Public() crypto.PublicKey {
	return a.s.pub
}

func (a pkcs11CryptoSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	mechanism, prefix, err := a.mechanismFor(opts.HashFunc())
	if err != nil {
		return nil, err
	}

	if err := a.s.ctx.SignInit(a.s.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(mechanism, nil)}, a.s.key); err != nil {
		return nil, fmt.Errorf("failed to init token signing: %w", err)
	}

	signature, err := a.s.ctx.Sign(a.s.session, append(prefix, digest...))
	if err != nil {
		return nil, fmt.Errorf("token signing failed: %w", err)
	}

	if _, ok := a.s.pub.(*ecdsa.PublicKey); ok {
		return ecdsaRawToDER(signature)
	}
	return signature, nil
}

// mechanismFor picks the raw signing mechanism and, for RSA, the DigestInfo
// prefix the token expects in front of the digest.
func (a pkcs11CryptoSigner) mechanismFor(hash crypto.Hash) (uint, []byte, error) {
	switch hash {
	case crypto.SHA3_256, crypto.SHA3_384, crypto.SHA3_512:
		return 0, nil, utils.ErrUnsupportedOperation.WithField("sha3")
	}

	switch a.s.pub.(type) {
	case *rsa.PublicKey:
		prefix, ok := digestInfoPrefixes[hash]
		if !ok {
			return 0, nil, utils.ErrUnsupportedOperation.WithField(hash.String())
		}
		return pkcs11.CKM_RSA_PKCS, prefix, nil
	case *ecdsa.PublicKey:
		return pkcs11.CKM_ECDSA, nil, nil
	}
	return 0, nil, utils.ErrUnsupportedOperation.WithField("key type")
}

// digestInfoPrefixes are the DER DigestInfo headers for PKCS#1 v1.5, since
// CKM_RSA_PKCS signs the raw EMSA input.
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// ecdsaRawToDER converts the token's fixed-length r||s signature into the
// ASN.1 form the crypto.Signer contract requires.
func ecdsaRawToDER(raw []byte) ([]byte, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length %d", len(raw))
	}
	half := len(raw) / 2
	sig := struct {
		R, S *big.Int
	}{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	}
	return asn1.Marshal(sig)
}
