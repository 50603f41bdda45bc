package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"certforge/internal/utils"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so every query helper
// can run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func CreateCA(ctx context.Context, q Querier, ca *CertificateAuthority) (int64, error) {
	query := `INSERT INTO certificate_authorities
			  (name, serial, subject, certificate_pem, key_backend, key_reference,
			   not_before, not_after, enabled, issuer_url, ocsp_url, crl_url, issuer_alt_name,
			   acme_enabled, acme_require_contact, acme_profile, ocsp_responder_key_validity_days)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := q.ExecContext(ctx, query, ca.Name, ca.Serial, ca.Subject, ca.CertificatePEM,
		ca.KeyBackend, ca.KeyReference, ca.NotBefore, ca.NotAfter, ca.Enabled,
		ca.IssuerURL, ca.OCSPURL, ca.CRLURL, ca.IssuerAltName,
		ca.ACMEEnabled, ca.ACMERequireContact, ca.ACMEProfile, ca.OCSPResponderKeyValidityDays)
	if err != nil {
		return 0, fmt.Errorf("failed to create CA: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	ca.ID = id
	ca.CreatedAt = time.Now()
	return id, nil
}

const caColumns = `id, name, serial, subject, certificate_pem, key_backend, key_reference,
		not_before, not_after, enabled, revoked, revoked_at,
		issuer_url, ocsp_url, crl_url, issuer_alt_name,
		acme_enabled, acme_require_contact, acme_profile, ocsp_responder_key_validity_days,
		created_at, updated_at`

func scanCA(row interface{ Scan(...interface{}) error }) (*CertificateAuthority, error) {
	var ca CertificateAuthority
	var revokedAt sql.NullTime
	err := row.Scan(&ca.ID, &ca.Name, &ca.Serial, &ca.Subject, &ca.CertificatePEM,
		&ca.KeyBackend, &ca.KeyReference, &ca.NotBefore, &ca.NotAfter,
		&ca.Enabled, &ca.Revoked, &revokedAt,
		&ca.IssuerURL, &ca.OCSPURL, &ca.CRLURL, &ca.IssuerAltName,
		&ca.ACMEEnabled, &ca.ACMERequireContact, &ca.ACMEProfile, &ca.OCSPResponderKeyValidityDays,
		&ca.CreatedAt, &ca.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		ca.RevokedAt = &revokedAt.Time
	}
	return &ca, nil
}

func GetCA(ctx context.Context, q Querier, id int64) (*CertificateAuthority, error) {
	query := `SELECT ` + caColumns + ` FROM certificate_authorities WHERE id = ?`
	return scanCA(q.QueryRowContext(ctx, query, id))
}

func GetCAByName(ctx context.Context, q Querier, name string) (*CertificateAuthority, error) {
	query := `SELECT ` + caColumns + ` FROM certificate_authorities WHERE name = ?`
	return scanCA(q.QueryRowContext(ctx, query, name))
}

func ListCAs(ctx context.Context, q Querier, enabledOnly bool) ([]*CertificateAuthority, error) {
	query := `SELECT ` + caColumns + ` FROM certificate_authorities`
	if enabledOnly {
		query += ` WHERE enabled = TRUE AND revoked = FALSE`
	}
	query += ` ORDER BY name`

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cas []*CertificateAuthority
	for rows.Next() {
		ca, err := scanCA(rows)
		if err != nil {
			return nil, err
		}
		cas = append(cas, ca)
	}
	return cas, rows.Err()
}

func UpdateCA(ctx context.Context, q Querier, ca *CertificateAuthority) error {
	query := `UPDATE certificate_authorities SET
			  enabled = ?, revoked = ?, revoked_at = ?,
			  issuer_url = ?, ocsp_url = ?, crl_url = ?, issuer_alt_name = ?,
			  acme_enabled = ?, acme_require_contact = ?, acme_profile = ?,
			  ocsp_responder_key_validity_days = ?, updated_at = CURRENT_TIMESTAMP
			  WHERE id = ?`

	_, err := q.ExecContext(ctx, query, ca.Enabled, ca.Revoked, ca.RevokedAt,
		ca.IssuerURL, ca.OCSPURL, ca.CRLURL, ca.IssuerAltName,
		ca.ACMEEnabled, ca.ACMERequireContact, ca.ACMEProfile,
		ca.OCSPResponderKeyValidityDays, ca.ID)
	return err
}

// CreateCertificate inserts an issued certificate. A unique-constraint hit
// on the serial column is reported as a retryable serial collision.
func CreateCertificate(ctx context.Context, q Querier, cert *Certificate) (int64, error) {
	query := `INSERT INTO certificates
			  (ca_id, serial, common_name, subject, certificate_pem, profile,
			   not_before, not_after, status, autogenerated)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := q.ExecContext(ctx, query, cert.CAID, cert.Serial, cert.CommonName,
		cert.Subject, cert.CertificatePEM, cert.Profile,
		cert.NotBefore, cert.NotAfter, cert.Status, cert.Autogenerated)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, utils.ErrSerialCollision.WithCause(err)
		}
		return 0, fmt.Errorf("failed to create certificate: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	cert.ID = id
	cert.CreatedAt = time.Now()
	return id, nil
}

const certColumns = `id, ca_id, serial, common_name, subject, certificate_pem, profile,
		not_before, not_after, status, revoked_at, revocation_reason, autogenerated, created_at`

func scanCertificate(row interface{ Scan(...interface{}) error }) (*Certificate, error) {
	var cert Certificate
	var revokedAt sql.NullTime
	err := row.Scan(&cert.ID, &cert.CAID, &cert.Serial, &cert.CommonName, &cert.Subject,
		&cert.CertificatePEM, &cert.Profile, &cert.NotBefore, &cert.NotAfter,
		&cert.Status, &revokedAt, &cert.RevocationReason, &cert.Autogenerated, &cert.CreatedAt)
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		cert.RevokedAt = &revokedAt.Time
	}
	return &cert, nil
}

func GetCertificate(ctx context.Context, q Querier, id int64) (*Certificate, error) {
	query := `SELECT ` + certColumns + ` FROM certificates WHERE id = ?`
	return scanCertificate(q.QueryRowContext(ctx, query, id))
}

func GetCertificateBySerial(ctx context.Context, q Querier, serial string) (*Certificate, error) {
	query := `SELECT ` + certColumns + ` FROM certificates WHERE serial = ?`
	return scanCertificate(q.QueryRowContext(ctx, query, serial))
}

func ListCertificates(ctx context.Context, q Querier, caID int64, status string, limit int) ([]*Certificate, error) {
	query := `SELECT ` + certColumns + ` FROM certificates WHERE 1=1`
	var args []interface{}

	if caID > 0 {
		query += ` AND ca_id = ?`
		args = append(args, caID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var certs []*Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, rows.Err()
}

// RevokeCertificate transitions a certificate to revoked in place. Already
// revoked certificates are left untouched so revocation timestamps never
// move.
func RevokeCertificate(ctx context.Context, q Querier, serial, reason string) error {
	query := `UPDATE certificates
			  SET status = 'revoked', revoked_at = CURRENT_TIMESTAMP, revocation_reason = ?
			  WHERE serial = ? AND status != 'revoked'`

	result, err := q.ExecContext(ctx, query, reason, serial)
	if err != nil {
		return fmt.Errorf("failed to revoke certificate: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return utils.ErrNotFound.WithField("serial")
	}
	return nil
}

func MarkExpiredCertificates(ctx context.Context, q Querier, now time.Time) (int64, error) {
	query := `UPDATE certificates SET status = 'expired'
			  WHERE status = 'active' AND not_after < ?`

	result, err := q.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func CreateAuditLog(ctx context.Context, q Querier, entry *AuditLog) error {
	query := `INSERT INTO audit_logs (user_id, action, resource, resource_id, ip_address, details)
			  VALUES (?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query, entry.UserID, entry.Action, entry.Resource,
		entry.ResourceID, entry.IPAddress, entry.Details)
	return err
}
