package ocsp

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"certforge/internal/storage"
	"certforge/internal/utils"
	"certforge/internal/x509util"
)

func newResponderFixture(t *testing.T) (*Responder, *sql.DB, *x509.Certificate, *storage.CertificateAuthority) {
	t.Helper()

	db, err := storage.NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.RunMigrations(db))

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "OCSP Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	authority := &storage.CertificateAuthority{
		Name:           "ocsp-root",
		Serial:         "01",
		Subject:        "CN=OCSP Test CA",
		CertificatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		KeyBackend:     "software",
		KeyReference:   "test",
		NotBefore:      template.NotBefore,
		NotAfter:       template.NotAfter,
		Enabled:        true,
	}
	_, err = storage.CreateCA(context.Background(), db, authority)
	require.NoError(t, err)

	responder, err := NewResponder(db, utils.NewLogger("error"), authority, key, 24*time.Hour)
	require.NoError(t, err)

	return responder, db, caCert, authority
}

func issueLeaf(t *testing.T, db *sql.DB, caCert *x509.Certificate, authority *storage.CertificateAuthority) *x509.Certificate {
	t.Helper()

	serial, err := x509util.GenerateSerial()
	require.NoError(t, err)
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	// Self-signed stand-in carrying the serial; the responder only needs
	// the serial and the stored row.
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "leaf.example"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &leafKey.PublicKey, leafKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	cert := &storage.Certificate{
		CAID:           authority.ID,
		Serial:         x509util.SerialToHex(serial),
		CommonName:     "leaf.example",
		Subject:        "CN=leaf.example",
		CertificatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		NotBefore:      template.NotBefore,
		NotAfter:       template.NotAfter,
		Status:         storage.CertStatusActive,
	}
	_, err = storage.CreateCertificate(context.Background(), db, cert)
	require.NoError(t, err)

	return leaf
}

func queryResponder(t *testing.T, responder *Responder, caCert, leaf *x509.Certificate) *ocsp.Response {
	t.Helper()

	reqDER, err := ocsp.CreateRequest(leaf, caCert, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/ocsp", bytes.NewReader(reqDER))
	rec := httptest.NewRecorder()
	responder.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/ocsp-response", rec.Header().Get("Content-Type"))

	parsed, err := ocsp.ParseResponse(rec.Body.Bytes(), caCert)
	require.NoError(t, err)
	return parsed
}

func TestResponderGoodStatus(t *testing.T) {
	responder, db, caCert, authority := newResponderFixture(t)
	leaf := issueLeaf(t, db, caCert, authority)

	response := queryResponder(t, responder, caCert, leaf)
	assert.Equal(t, ocsp.Good, response.Status)
	assert.Equal(t, leaf.SerialNumber, response.SerialNumber)
}

func TestResponderRevokedStatus(t *testing.T) {
	responder, db, caCert, authority := newResponderFixture(t)
	leaf := issueLeaf(t, db, caCert, authority)

	serial := x509util.SerialToHex(leaf.SerialNumber)
	require.NoError(t, storage.RevokeCertificate(context.Background(), db, serial, "key_compromise"))

	response := queryResponder(t, responder, caCert, leaf)
	assert.Equal(t, ocsp.Revoked, response.Status)
	assert.Equal(t, ocsp.KeyCompromise, response.RevocationReason)
	assert.False(t, response.RevokedAt.IsZero())
}

func TestResponderUnknownSerial(t *testing.T) {
	responder, db, caCert, authority := newResponderFixture(t)
	leaf := issueLeaf(t, db, caCert, authority)

	// Ask about a serial that was never stored.
	other := *leaf
	other.SerialNumber = big.NewInt(424242)

	response := queryResponder(t, responder, caCert, &other)
	assert.Equal(t, ocsp.Unknown, response.Status)
}

func TestResponderRejectsGarbage(t *testing.T) {
	responder, _, _, _ := newResponderFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/ocsp", bytes.NewReader([]byte("not an ocsp request")))
	rec := httptest.NewRecorder()
	responder.ServeHTTP(rec, req)

	assert.Equal(t, ocsp.MalformedRequestErrorResponse, rec.Body.Bytes())
}
