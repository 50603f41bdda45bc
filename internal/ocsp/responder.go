package ocsp

import (
	"crypto"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"

	"certforge/internal/ca"
	"certforge/internal/storage"
	"certforge/internal/utils"
	"certforge/internal/x509util"
)

const maxRequestBytes = 4096

// Responder answers OCSP requests for certificates issued by one CA. It
// signs responses directly with the CA key; a delegated responder
// certificate can be swapped in through the signer without touching the
// lookup path.
type Responder struct {
	db        *sql.DB
	logger    *utils.Logger
	authority *storage.CertificateAuthority
	caCert    *x509.Certificate
	key       crypto.Signer
	expiry    time.Duration
}

func NewResponder(db *sql.DB, logger *utils.Logger, authority *storage.CertificateAuthority,
	key crypto.Signer, expiry time.Duration) (*Responder, error) {
	caCert, err := ca.ParseCertificatePEM(authority.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return &Responder{
		db:        db,
		logger:    logger,
		authority: authority,
		caCert:    caCert,
		key:       key,
		expiry:    expiry,
	}, nil
}

func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var body []byte
	var err error

	switch req.Method {
	case http.MethodPost:
		body, err = io.ReadAll(io.LimitReader(req.Body, maxRequestBytes))
	case http.MethodGet:
		encoded := strings.TrimPrefix(req.URL.Path, "/")
		if unescaped, uerr := url.PathUnescape(encoded); uerr == nil {
			encoded = unescaped
		}
		body, err = base64.StdEncoding.DecodeString(encoded)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil || len(body) == 0 {
		r.writeError(w, ocsp.MalformedRequestErrorResponse)
		return
	}

	ocspReq, err := ocsp.ParseRequest(body)
	if err != nil {
		r.writeError(w, ocsp.MalformedRequestErrorResponse)
		return
	}

	response, err := r.respond(req, ocspReq)
	if err != nil {
		r.logger.LogError(err, "ocsp_response", map[string]interface{}{
			"serial": ocspReq.SerialNumber.Text(16),
		})
		r.writeError(w, ocsp.InternalErrorErrorResponse)
		return
	}

	w.Header().Set("Content-Type", "application/ocsp-response")
	w.Write(response)
}

func (r *Responder) respond(req *http.Request, ocspReq *ocsp.Request) ([]byte, error) {
	now := time.Now()
	template := ocsp.Response{
		SerialNumber: ocspReq.SerialNumber,
		ThisUpdate:   now,
		NextUpdate:   now.Add(r.expiry),
	}

	serial := x509util.SerialToHex(ocspReq.SerialNumber)
	cert, err := storage.GetCertificateBySerial(req.Context(), r.db, serial)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		template.Status = ocsp.Unknown
	case err != nil:
		return nil, err
	case cert.Status == storage.CertStatusRevoked:
		template.Status = ocsp.Revoked
		template.RevocationReason = revocationReasonCode(cert.RevocationReason)
		if cert.RevokedAt != nil {
			template.RevokedAt = *cert.RevokedAt
		} else {
			template.RevokedAt = now
		}
	default:
		template.Status = ocsp.Good
	}

	return ocsp.CreateResponse(r.caCert, r.caCert, template, r.key)
}

func (r *Responder) writeError(w http.ResponseWriter, response []byte) {
	w.Header().Set("Content-Type", "application/ocsp-response")
	w.Write(response)
}

func revocationReasonCode(reason string) int {
	switch reason {
	case "key_compromise":
		return ocsp.KeyCompromise
	case "ca_compromise":
		return ocsp.CACompromise
	case "affiliation_changed":
		return ocsp.AffiliationChanged
	case "superseded":
		return ocsp.Superseded
	case "cessation_of_operation":
		return ocsp.CessationOfOperation
	case "certificate_hold":
		return ocsp.CertificateHold
	case "privilege_withdrawn":
		return ocsp.PrivilegeWithdrawn
	case "aa_compromise":
		return ocsp.AACompromise
	}
	return ocsp.Unspecified
}
