package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"certforge/internal/utils"
)

func CreateAcmeAccount(ctx context.Context, q Querier, account *AcmeAccount) (int64, error) {
	query := `INSERT INTO acme_accounts (ca_id, slug, status, contact, thumbprint, terms_agreed)
			  VALUES (?, ?, ?, ?, ?, ?)`

	result, err := q.ExecContext(ctx, query, account.CAID, account.Slug, account.Status,
		account.Contact, account.Thumbprint, account.TermsAgreed)
	if err != nil {
		return 0, fmt.Errorf("failed to create ACME account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	account.ID = id
	return id, nil
}

func scanAcmeAccount(row interface{ Scan(...interface{}) error }) (*AcmeAccount, error) {
	var account AcmeAccount
	err := row.Scan(&account.ID, &account.CAID, &account.Slug,
		&account.Status, &account.Contact, &account.Thumbprint, &account.TermsAgreed, &account.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

const acmeAccountColumns = `id, ca_id, slug, status, contact, thumbprint, terms_agreed, created_at`

func GetAcmeAccount(ctx context.Context, q Querier, id int64) (*AcmeAccount, error) {
	query := `SELECT ` + acmeAccountColumns + ` FROM acme_accounts WHERE id = ?`
	return scanAcmeAccount(q.QueryRowContext(ctx, query, id))
}

func GetAcmeAccountBySlug(ctx context.Context, q Querier, slug string) (*AcmeAccount, error) {
	query := `SELECT ` + acmeAccountColumns + ` FROM acme_accounts WHERE slug = ?`
	return scanAcmeAccount(q.QueryRowContext(ctx, query, slug))
}

func UpdateAcmeAccountContact(ctx context.Context, q Querier, id int64, contact string) error {
	_, err := q.ExecContext(ctx, `UPDATE acme_accounts SET contact = ? WHERE id = ?`, contact, id)
	return err
}

func UpdateAcmeAccountStatus(ctx context.Context, q Querier, id int64, status string) error {
	_, err := q.ExecContext(ctx, `UPDATE acme_accounts SET status = ? WHERE id = ?`, status, id)
	return err
}

// DeactivateAccountAuthorizations flips the pending and valid
// authorizations of an account's non-terminal orders to deactivated, so
// nothing issued later can lean on pre-deactivation validation work.
func DeactivateAccountAuthorizations(ctx context.Context, q Querier, accountID int64) (int64, error) {
	query := `UPDATE acme_authorizations SET status = 'deactivated'
			  WHERE status IN ('pending', 'valid') AND order_id IN (
				  SELECT id FROM acme_orders
				  WHERE account_id = ? AND status IN ('pending', 'ready', 'processing')
			  )`

	result, err := q.ExecContext(ctx, query, accountID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func CreateAcmeOrder(ctx context.Context, q Querier, order *AcmeOrder) (int64, error) {
	query := `INSERT INTO acme_orders (account_id, slug, status, expires, not_before, not_after)
			  VALUES (?, ?, ?, ?, ?, ?)`

	result, err := q.ExecContext(ctx, query, order.AccountID, order.Slug, order.Status,
		order.Expires, order.NotBefore, order.NotAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to create ACME order: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	order.ID = id
	return id, nil
}

func scanAcmeOrder(row interface{ Scan(...interface{}) error }) (*AcmeOrder, error) {
	var order AcmeOrder
	var notBefore, notAfter sql.NullTime
	err := row.Scan(&order.ID, &order.AccountID, &order.Slug, &order.Status,
		&order.Expires, &notBefore, &notAfter, &order.CreatedAt)
	if err != nil {
		return nil, err
	}
	if notBefore.Valid {
		order.NotBefore = &notBefore.Time
	}
	if notAfter.Valid {
		order.NotAfter = &notAfter.Time
	}
	return &order, nil
}

const acmeOrderColumns = `id, account_id, slug, status, expires, not_before, not_after, created_at`

func GetAcmeOrder(ctx context.Context, q Querier, id int64) (*AcmeOrder, error) {
	query := `SELECT ` + acmeOrderColumns + ` FROM acme_orders WHERE id = ?`
	return scanAcmeOrder(q.QueryRowContext(ctx, query, id))
}

func GetAcmeOrderBySlug(ctx context.Context, q Querier, slug string) (*AcmeOrder, error) {
	query := `SELECT ` + acmeOrderColumns + ` FROM acme_orders WHERE slug = ?`
	return scanAcmeOrder(q.QueryRowContext(ctx, query, slug))
}

func UpdateAcmeOrderStatus(ctx context.Context, q Querier, id int64, status string) error {
	_, err := q.ExecContext(ctx, `UPDATE acme_orders SET status = ? WHERE id = ?`, status, id)
	return err
}

// TransitionAcmeOrder moves an order from one status to another, guarded
// against concurrent transitions. A stale from-status yields ErrStateConflict.
func TransitionAcmeOrder(ctx context.Context, q Querier, id int64, from, to string) error {
	result, err := q.ExecContext(ctx,
		`UPDATE acme_orders SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return utils.ErrStateConflict.WithField("order")
	}
	return nil
}

// DeleteExpiredOrders removes orders whose expiry lies further in the past
// than the grace window. Authorizations, challenges and the CSR row go with
// them through ON DELETE CASCADE. Issued certificates live in their own
// table and survive.
func DeleteExpiredOrders(ctx context.Context, q Querier, now time.Time, grace time.Duration) (int64, error) {
	result, err := q.ExecContext(ctx, `DELETE FROM acme_orders WHERE expires < ?`, now.Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired orders: %w", err)
	}
	return result.RowsAffected()
}

func CreateAcmeAuthorization(ctx context.Context, q Querier, auth *AcmeAuthorization) (int64, error) {
	query := `INSERT INTO acme_authorizations (order_id, slug, type, value, status, wildcard)
			  VALUES (?, ?, ?, ?, ?, ?)`

	result, err := q.ExecContext(ctx, query, auth.OrderID, auth.Slug, auth.Type,
		auth.Value, auth.Status, auth.Wildcard)
	if err != nil {
		return 0, fmt.Errorf("failed to create ACME authorization: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	auth.ID = id
	return id, nil
}

const acmeAuthColumns = `id, order_id, slug, type, value, status, wildcard`

func scanAcmeAuthorization(row interface{ Scan(...interface{}) error }) (*AcmeAuthorization, error) {
	var auth AcmeAuthorization
	err := row.Scan(&auth.ID, &auth.OrderID, &auth.Slug, &auth.Type,
		&auth.Value, &auth.Status, &auth.Wildcard)
	if err != nil {
		return nil, err
	}
	return &auth, nil
}

func GetAcmeAuthorization(ctx context.Context, q Querier, id int64) (*AcmeAuthorization, error) {
	query := `SELECT ` + acmeAuthColumns + ` FROM acme_authorizations WHERE id = ?`
	return scanAcmeAuthorization(q.QueryRowContext(ctx, query, id))
}

func GetAcmeAuthorizationBySlug(ctx context.Context, q Querier, slug string) (*AcmeAuthorization, error) {
	query := `SELECT ` + acmeAuthColumns + ` FROM acme_authorizations WHERE slug = ?`
	return scanAcmeAuthorization(q.QueryRowContext(ctx, query, slug))
}

func ListAuthorizationsForOrder(ctx context.Context, q Querier, orderID int64) ([]*AcmeAuthorization, error) {
	query := `SELECT ` + acmeAuthColumns + ` FROM acme_authorizations WHERE order_id = ? ORDER BY id`

	rows, err := q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auths []*AcmeAuthorization
	for rows.Next() {
		auth, err := scanAcmeAuthorization(rows)
		if err != nil {
			return nil, err
		}
		auths = append(auths, auth)
	}
	return auths, rows.Err()
}

func UpdateAcmeAuthorizationStatus(ctx context.Context, q Querier, id int64, status string) error {
	_, err := q.ExecContext(ctx, `UPDATE acme_authorizations SET status = ? WHERE id = ?`, status, id)
	return err
}

func CreateAcmeChallenge(ctx context.Context, q Querier, challenge *AcmeChallenge) (int64, error) {
	query := `INSERT INTO acme_challenges (authorization_id, slug, type, token, status)
			  VALUES (?, ?, ?, ?, ?)`

	result, err := q.ExecContext(ctx, query, challenge.AuthorizationID, challenge.Slug,
		challenge.Type, challenge.Token, challenge.Status)
	if err != nil {
		return 0, fmt.Errorf("failed to create ACME challenge: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	challenge.ID = id
	return id, nil
}

const acmeChallengeColumns = `id, authorization_id, slug, type, token, status, validated, error`

func scanAcmeChallenge(row interface{ Scan(...interface{}) error }) (*AcmeChallenge, error) {
	var challenge AcmeChallenge
	var validated sql.NullTime
	err := row.Scan(&challenge.ID, &challenge.AuthorizationID, &challenge.Slug,
		&challenge.Type, &challenge.Token, &challenge.Status, &validated, &challenge.Error)
	if err != nil {
		return nil, err
	}
	if validated.Valid {
		challenge.Validated = &validated.Time
	}
	return &challenge, nil
}

func GetAcmeChallengeBySlug(ctx context.Context, q Querier, slug string) (*AcmeChallenge, error) {
	query := `SELECT ` + acmeChallengeColumns + ` FROM acme_challenges WHERE slug = ?`
	return scanAcmeChallenge(q.QueryRowContext(ctx, query, slug))
}

func ListChallengesForAuthorization(ctx context.Context, q Querier, authorizationID int64) ([]*AcmeChallenge, error) {
	query := `SELECT ` + acmeChallengeColumns + ` FROM acme_challenges WHERE authorization_id = ? ORDER BY id`

	rows, err := q.QueryContext(ctx, query, authorizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var challenges []*AcmeChallenge
	for rows.Next() {
		challenge, err := scanAcmeChallenge(rows)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, challenge)
	}
	return challenges, rows.Err()
}

// TransitionAcmeChallenge moves a challenge between statuses with a guard
// on the current status, used to claim a challenge for validation.
func TransitionAcmeChallenge(ctx context.Context, q Querier, id int64, from, to string) error {
	result, err := q.ExecContext(ctx,
		`UPDATE acme_challenges SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return utils.ErrStateConflict.WithField("challenge")
	}
	return nil
}

// ChallengeCascade is the outcome of validating one challenge, applied to
// the challenge, its authorization and the enclosing order as a single
// write. OrderStatus carries the terminal status for a failed validation;
// on the success path it stays empty and the order is promoted to ready
// inside the transaction once no non-valid authorization remains.
type ChallengeCascade struct {
	ChallengeID     int64
	ChallengeStatus string
	ChallengeError  string
	Validated       *time.Time

	AuthorizationID     int64
	AuthorizationStatus string

	OrderID     int64
	OrderStatus string
}

// ApplyChallengeCascade writes a validation outcome atomically. Each update
// carries a status guard so a concurrent transition on any of the three
// rows aborts the whole cascade instead of half-applying it. Order
// readiness is recomputed from the authorization rows after the guarded
// authorization update, never from state read outside the transaction:
// two sibling authorizations validating back to back each see the other's
// committed status, so the last one to finish promotes the order.
func ApplyChallengeCascade(db *sql.DB, ctx context.Context, cascade *ChallengeCascade) error {
	return WithTx(ctx, db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE acme_challenges SET status = ?, validated = ?, error = ?
			 WHERE id = ? AND status = 'processing'`,
			cascade.ChallengeStatus, cascade.Validated, cascade.ChallengeError, cascade.ChallengeID)
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return utils.ErrStateConflict.WithField("challenge")
		}

		result, err = tx.ExecContext(ctx,
			`UPDATE acme_authorizations SET status = ?
			 WHERE id = ? AND status = 'pending'`,
			cascade.AuthorizationStatus, cascade.AuthorizationID)
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return utils.ErrStateConflict.WithField("authorization")
		}

		if cascade.OrderStatus != "" {
			result, err = tx.ExecContext(ctx,
				`UPDATE acme_orders SET status = ?
				 WHERE id = ? AND status = 'pending'`,
				cascade.OrderStatus, cascade.OrderID)
			if err != nil {
				return err
			}
			if n, err := result.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return utils.ErrStateConflict.WithField("order")
			}
			return nil
		}

		if cascade.AuthorizationStatus != "valid" {
			return nil
		}

		var remaining int64
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM acme_authorizations WHERE order_id = ? AND status != 'valid'`,
			cascade.OrderID).Scan(&remaining)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}

		result, err = tx.ExecContext(ctx,
			`UPDATE acme_orders SET status = 'ready'
			 WHERE id = ? AND status = 'pending'`,
			cascade.OrderID)
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return utils.ErrStateConflict.WithField("order")
		}
		return nil
	})
}

func CreateAcmeCertificate(ctx context.Context, q Querier, acmeCert *AcmeCertificate) (int64, error) {
	query := `INSERT INTO acme_certificates (order_id, slug, csr_pem) VALUES (?, ?, ?)`

	result, err := q.ExecContext(ctx, query, acmeCert.OrderID, acmeCert.Slug, acmeCert.CSRPEM)
	if err != nil {
		return 0, fmt.Errorf("failed to create ACME certificate row: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	acmeCert.ID = id
	return id, nil
}

func GetAcmeCertificateForOrder(ctx context.Context, q Querier, orderID int64) (*AcmeCertificate, error) {
	query := `SELECT id, order_id, slug, csr_pem, certificate_id
			  FROM acme_certificates WHERE order_id = ?`

	var acmeCert AcmeCertificate
	var certID sql.NullInt64
	err := q.QueryRowContext(ctx, query, orderID).Scan(&acmeCert.ID, &acmeCert.OrderID,
		&acmeCert.Slug, &acmeCert.CSRPEM, &certID)
	if err != nil {
		return nil, err
	}
	if certID.Valid {
		acmeCert.CertificateID = &certID.Int64
	}
	return &acmeCert, nil
}

// LinkOrderCertificate records the issued certificate against the order and
// moves the order from processing to valid in one transaction.
func LinkOrderCertificate(db *sql.DB, ctx context.Context, orderID, certificateID int64) error {
	return WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE acme_certificates SET certificate_id = ? WHERE order_id = ?`,
			certificateID, orderID); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE acme_orders SET status = 'valid' WHERE id = ? AND status = 'processing'`,
			orderID)
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return utils.ErrStateConflict.WithField("order")
		}
		return nil
	})
}
