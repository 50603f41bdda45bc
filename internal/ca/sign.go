package ca

import (
	"context"
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/cloudflare/circl/sign/ed448"

	"certforge/internal/storage"
	"certforge/internal/utils"
	"certforge/internal/x509util"
)

// Request is one issuance: a finalized subject and extension set from
// profile resolution, the key to certify and the validity window.
type Request struct {
	CA         *storage.CertificateAuthority
	Subject    x509util.Name
	Extensions *x509util.ExtensionSet
	PublicKey  crypto.PublicKey
	NotAfter   time.Time
	Algorithm  string
	Profile    string

	Autogenerated bool
}

// PreSignHook runs before dispatch and may veto issuance by returning an
// error. Hooks run in registration order; the first rejection aborts with
// no certificate created and no serial persisted.
type PreSignHook func(ctx context.Context, req *Request) error

// Dispatcher validates issuance requests and hands the to-be-signed
// certificate to a signer capability. It never retries a failed signing
// call itself: the backend's partial-effect state is unknown.
type Dispatcher struct {
	db     *sql.DB
	logger *utils.Logger
	hooks  []PreSignHook
}

func NewDispatcher(db *sql.DB, logger *utils.Logger) *Dispatcher {
	return &Dispatcher{db: db, logger: logger}
}

func (d *Dispatcher) RegisterPreSignHook(hook PreSignHook) {
	d.hooks = append(d.hooks, hook)
}

func (d *Dispatcher) Sign(ctx context.Context, signer Signer, req *Request) (*storage.Certificate, error) {
	now := time.Now()

	if !req.CA.Usable(now) {
		return nil, utils.ErrCAUnusable.WithField(req.CA.Name)
	}

	notAfter := x509util.NormalizeValidity(req.NotAfter)
	if notAfter.After(req.CA.NotAfter) {
		return nil, utils.ErrExpiryExceedsIssuer
	}

	sigAlg, err := signatureAlgorithm(signer.Public(), req.Algorithm)
	if err != nil {
		return nil, err
	}

	for _, hook := range d.hooks {
		if err := hook(ctx, req); err != nil {
			d.logger.LogSecurityEvent("issuance_vetoed", req.Subject.String(), "", map[string]interface{}{
				"ca":     req.CA.Name,
				"reason": err.Error(),
			})
			return nil, fmt.Errorf("issuance rejected: %w", err)
		}
	}

	serial, err := x509util.GenerateSerial()
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            req.Subject.PKIX(),
		NotBefore:          x509util.NormalizeValidity(now),
		NotAfter:           notAfter,
		SignatureAlgorithm: sigAlg,
	}
	if err := x509util.ApplyExtensions(template, req.Extensions); err != nil {
		return nil, err
	}

	issuerCert, err := ParseCertificatePEM(req.CA.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	der, err := signer.SignCertificate(template, issuerCert, req.PublicKey)
	if err != nil {
		return nil, utils.ErrSigningBackend.WithCause(err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	cert := &storage.Certificate{
		CAID:           req.CA.ID,
		Serial:         x509util.SerialToHex(serial),
		CommonName:     req.Subject.CommonName(),
		Subject:        req.Subject.String(),
		CertificatePEM: string(certPEM),
		Profile:        req.Profile,
		NotBefore:      template.NotBefore,
		NotAfter:       notAfter,
		Status:         storage.CertStatusActive,
		Autogenerated:  req.Autogenerated,
	}

	if _, err := storage.CreateCertificate(ctx, d.db, cert); err != nil {
		return nil, err
	}

	d.logger.LogCertificateEvent("certificate_issued", cert.Serial, req.CA.ID, map[string]interface{}{
		"subject": cert.Subject,
		"profile": cert.Profile,
	})

	return cert, nil
}

// signatureAlgorithm maps the signing key family and requested hash onto an
// x509 signature algorithm. Ed25519 and Ed448 imply their algorithm, so a
// hash request for them is an error rather than something to ignore. DSA
// keys only sign with SHA-256 here.
func signatureAlgorithm(pub crypto.PublicKey, algorithm string) (x509.SignatureAlgorithm, error) {
	switch pub.(type) {
	case ed25519.PublicKey:
		if algorithm != "" {
			return 0, utils.ErrAlgorithmNotApplicable.WithField(algorithm)
		}
		return x509.PureEd25519, nil
	case ed448.PublicKey:
		if algorithm != "" {
			return 0, utils.ErrAlgorithmNotApplicable.WithField(algorithm)
		}
		// No stdlib identifier exists; the signer backend picks the
		// algorithm itself.
		return x509.UnknownSignatureAlgorithm, nil
	case *dsa.PublicKey:
		if algorithm != "" && algorithm != "SHA-256" {
			return 0, utils.ErrUnsupportedAlgorithmForKeyType.WithField(algorithm)
		}
		return x509.DSAWithSHA256, nil
	case *rsa.PublicKey:
		switch algorithm {
		case "", "SHA-256":
			return x509.SHA256WithRSA, nil
		case "SHA-384":
			return x509.SHA384WithRSA, nil
		case "SHA-512":
			return x509.SHA512WithRSA, nil
		}
		return 0, utils.ErrUnsupportedAlgorithmForKeyType.WithField(algorithm)
	case *ecdsa.PublicKey:
		switch algorithm {
		case "", "SHA-256":
			return x509.ECDSAWithSHA256, nil
		case "SHA-384":
			return x509.ECDSAWithSHA384, nil
		case "SHA-512":
			return x509.ECDSAWithSHA512, nil
		}
		return 0, utils.ErrUnsupportedAlgorithmForKeyType.WithField(algorithm)
	}
	return 0, utils.ErrUnsupportedPublicKeyType
}

func ParseCertificatePEM(pemData string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}
