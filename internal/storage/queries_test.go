package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certforge/internal/utils"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, RunMigrations(db))
	return db
}

func seedCA(t *testing.T, db *sql.DB) *CertificateAuthority {
	t.Helper()
	ca := &CertificateAuthority{
		Name:           "root",
		Serial:         "CA01",
		Subject:        "CN=Root",
		CertificatePEM: "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n",
		KeyBackend:     "software",
		KeyReference:   "root.key",
		NotBefore:      time.Now().Add(-time.Hour),
		NotAfter:       time.Now().Add(24 * time.Hour),
		Enabled:        true,
	}
	_, err := CreateCA(context.Background(), db, ca)
	require.NoError(t, err)
	return ca
}

func seedCertificate(t *testing.T, db *sql.DB, caID int64, serial string) *Certificate {
	t.Helper()
	cert := &Certificate{
		CAID:           caID,
		Serial:         serial,
		CommonName:     "example.com",
		Subject:        "CN=example.com",
		CertificatePEM: "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n",
		NotBefore:      time.Now().Add(-time.Minute),
		NotAfter:       time.Now().Add(time.Hour),
		Status:         CertStatusActive,
	}
	_, err := CreateCertificate(context.Background(), db, cert)
	require.NoError(t, err)
	return cert
}

func TestCreateCertificateSerialCollision(t *testing.T) {
	db := testDB(t)
	ca := seedCA(t, db)
	seedCertificate(t, db, ca.ID, "AB01")

	dup := &Certificate{
		CAID:           ca.ID,
		Serial:         "AB01",
		Subject:        "CN=other.example",
		CertificatePEM: "-----BEGIN CERTIFICATE-----\nMIIC\n-----END CERTIFICATE-----\n",
		NotBefore:      time.Now(),
		NotAfter:       time.Now().Add(time.Hour),
		Status:         CertStatusActive,
	}
	_, err := CreateCertificate(context.Background(), db, dup)
	require.ErrorIs(t, err, utils.ErrSerialCollision)
	assert.True(t, utils.Retryable(err))
}

func TestRevokeCertificate(t *testing.T) {
	db := testDB(t)
	ca := seedCA(t, db)
	cert := seedCertificate(t, db, ca.ID, "AB02")

	require.NoError(t, RevokeCertificate(context.Background(), db, cert.Serial, "key_compromise"))

	stored, err := GetCertificateBySerial(context.Background(), db, cert.Serial)
	require.NoError(t, err)
	assert.Equal(t, CertStatusRevoked, stored.Status)
	assert.Equal(t, "key_compromise", stored.RevocationReason)
	require.NotNil(t, stored.RevokedAt)
	firstRevokedAt := *stored.RevokedAt

	// Second revocation is a no-op on the timestamp.
	err = RevokeCertificate(context.Background(), db, cert.Serial, "superseded")
	require.ErrorIs(t, err, utils.ErrNotFound)

	stored, err = GetCertificateBySerial(context.Background(), db, cert.Serial)
	require.NoError(t, err)
	assert.Equal(t, firstRevokedAt, *stored.RevokedAt)
	assert.Equal(t, "key_compromise", stored.RevocationReason)
}

func TestMarkExpiredCertificates(t *testing.T) {
	db := testDB(t)
	ca := seedCA(t, db)
	cert := seedCertificate(t, db, ca.ID, "AB03")

	n, err := MarkExpiredCertificates(context.Background(), db, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = MarkExpiredCertificates(context.Background(), db, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stored, err := GetCertificateBySerial(context.Background(), db, cert.Serial)
	require.NoError(t, err)
	assert.Equal(t, CertStatusExpired, stored.Status)
}

func seedOrder(t *testing.T, db *sql.DB) (*AcmeOrder, *AcmeAuthorization, *AcmeChallenge) {
	t.Helper()
	ctx := context.Background()
	ca := seedCA(t, db)

	account := &AcmeAccount{CAID: ca.ID, Slug: "acct-" + t.Name(), Status: "valid"}
	_, err := CreateAcmeAccount(ctx, db, account)
	require.NoError(t, err)

	order := &AcmeOrder{
		AccountID: account.ID,
		Slug:      "order-" + t.Name(),
		Status:    "pending",
		Expires:   time.Now().Add(time.Hour),
	}
	_, err = CreateAcmeOrder(ctx, db, order)
	require.NoError(t, err)

	auth := &AcmeAuthorization{
		OrderID: order.ID,
		Slug:    "auth-" + t.Name(),
		Type:    "dns",
		Value:   "example.com",
		Status:  "pending",
	}
	_, err = CreateAcmeAuthorization(ctx, db, auth)
	require.NoError(t, err)

	challenge := &AcmeChallenge{
		AuthorizationID: auth.ID,
		Slug:            "chall-" + t.Name(),
		Type:            "http-01",
		Token:           "token",
		Status:          "processing",
	}
	_, err = CreateAcmeChallenge(ctx, db, challenge)
	require.NoError(t, err)

	return order, auth, challenge
}

func TestApplyChallengeCascadeValid(t *testing.T) {
	db := testDB(t)
	order, auth, challenge := seedOrder(t, db)
	now := time.Now()

	err := ApplyChallengeCascade(db, context.Background(), &ChallengeCascade{
		ChallengeID:         challenge.ID,
		ChallengeStatus:     "valid",
		Validated:           &now,
		AuthorizationID:     auth.ID,
		AuthorizationStatus: "valid",
		OrderID:             order.ID,
	})
	require.NoError(t, err)

	storedChallenge, err := GetAcmeChallengeBySlug(context.Background(), db, challenge.Slug)
	require.NoError(t, err)
	assert.Equal(t, "valid", storedChallenge.Status)
	assert.NotNil(t, storedChallenge.Validated)

	storedAuth, err := GetAcmeAuthorization(context.Background(), db, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, "valid", storedAuth.Status)

	storedOrder, err := GetAcmeOrder(context.Background(), db, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "ready", storedOrder.Status)
}

func TestApplyChallengeCascadeSiblingAuthorizations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	order, auth, challenge := seedOrder(t, db)

	sibling := &AcmeAuthorization{
		OrderID: order.ID,
		Slug:    "auth-sibling",
		Type:    "dns",
		Value:   "sibling.example",
		Status:  "pending",
	}
	_, err := CreateAcmeAuthorization(ctx, db, sibling)
	require.NoError(t, err)
	siblingChallenge := &AcmeChallenge{
		AuthorizationID: sibling.ID,
		Slug:            "chall-sibling",
		Type:            "http-01",
		Token:           "token2",
		Status:          "processing",
	}
	_, err = CreateAcmeChallenge(ctx, db, siblingChallenge)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, ApplyChallengeCascade(db, ctx, &ChallengeCascade{
		ChallengeID:         challenge.ID,
		ChallengeStatus:     "valid",
		Validated:           &now,
		AuthorizationID:     auth.ID,
		AuthorizationStatus: "valid",
		OrderID:             order.ID,
	}))

	// One authorization still pending: the order must not move.
	storedOrder, err := GetAcmeOrder(ctx, db, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", storedOrder.Status)

	require.NoError(t, ApplyChallengeCascade(db, ctx, &ChallengeCascade{
		ChallengeID:         siblingChallenge.ID,
		ChallengeStatus:     "valid",
		Validated:           &now,
		AuthorizationID:     sibling.ID,
		AuthorizationStatus: "valid",
		OrderID:             order.ID,
	}))

	// The last cascade sees both authorizations valid and promotes the
	// order, so no interleaving can leave a fully-validated order pending.
	storedOrder, err = GetAcmeOrder(ctx, db, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "ready", storedOrder.Status)
}

func TestApplyChallengeCascadeGuardRollsBack(t *testing.T) {
	db := testDB(t)
	order, auth, challenge := seedOrder(t, db)

	// Authorization already resolved by a sibling challenge: the guard on
	// its row must abort the whole cascade, leaving the challenge as-is.
	require.NoError(t, UpdateAcmeAuthorizationStatus(context.Background(), db, auth.ID, "valid"))

	err := ApplyChallengeCascade(db, context.Background(), &ChallengeCascade{
		ChallengeID:         challenge.ID,
		ChallengeStatus:     "invalid",
		ChallengeError:      "connection refused",
		AuthorizationID:     auth.ID,
		AuthorizationStatus: "invalid",
		OrderID:             order.ID,
		OrderStatus:         "invalid",
	})
	require.ErrorIs(t, err, utils.ErrStateConflict)

	storedChallenge, err := GetAcmeChallengeBySlug(context.Background(), db, challenge.Slug)
	require.NoError(t, err)
	assert.Equal(t, "processing", storedChallenge.Status)

	storedOrder, err := GetAcmeOrder(context.Background(), db, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", storedOrder.Status)
}

func TestDeleteExpiredOrdersCascades(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	order, auth, challenge := seedOrder(t, db)

	_, err := db.ExecContext(ctx, `UPDATE acme_orders SET expires = ? WHERE id = ?`,
		time.Now().Add(-48*time.Hour), order.ID)
	require.NoError(t, err)

	n, err := DeleteExpiredOrders(ctx, db, time.Now(), 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = GetAcmeOrder(ctx, db, order.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	_, err = GetAcmeAuthorization(ctx, db, auth.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	_, err = GetAcmeChallengeBySlug(ctx, db, challenge.Slug)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	// Idempotent.
	n, err = DeleteExpiredOrders(ctx, db, time.Now(), 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLinkOrderCertificate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	order, _, _ := seedOrder(t, db)

	_, err := CreateAcmeCertificate(ctx, db, &AcmeCertificate{OrderID: order.ID, Slug: "cert-slug"})
	require.NoError(t, err)

	caRow, err := GetCAByName(ctx, db, "root")
	require.NoError(t, err)
	cert := seedCertificate(t, db, caRow.ID, "AC01")

	// Order not yet processing: guard refuses.
	err = LinkOrderCertificate(db, ctx, order.ID, cert.ID)
	require.ErrorIs(t, err, utils.ErrStateConflict)

	require.NoError(t, UpdateAcmeOrderStatus(ctx, db, order.ID, "processing"))
	require.NoError(t, LinkOrderCertificate(db, ctx, order.ID, cert.ID))

	storedOrder, err := GetAcmeOrder(ctx, db, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "valid", storedOrder.Status)

	acmeCert, err := GetAcmeCertificateForOrder(ctx, db, order.ID)
	require.NoError(t, err)
	require.NotNil(t, acmeCert.CertificateID)
	assert.Equal(t, cert.ID, *acmeCert.CertificateID)
}

func TestDeactivateAccountAuthorizations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	order, auth, _ := seedOrder(t, db)

	// A terminal order's authorizations are untouched.
	terminalOrder := &AcmeOrder{
		AccountID: order.AccountID,
		Slug:      "order-terminal",
		Status:    "invalid",
		Expires:   time.Now().Add(time.Hour),
	}
	_, err := CreateAcmeOrder(ctx, db, terminalOrder)
	require.NoError(t, err)
	terminalAuth := &AcmeAuthorization{
		OrderID: terminalOrder.ID,
		Slug:    "auth-terminal",
		Type:    "dns",
		Value:   "terminal.example",
		Status:  "pending",
	}
	_, err = CreateAcmeAuthorization(ctx, db, terminalAuth)
	require.NoError(t, err)

	// An already-validated authorization of a live order is deactivated
	// too: validation work from before the deactivation cannot be reused.
	validAuth := &AcmeAuthorization{
		OrderID: order.ID,
		Slug:    "auth-validated",
		Type:    "dns",
		Value:   "validated.example",
		Status:  "valid",
	}
	_, err = CreateAcmeAuthorization(ctx, db, validAuth)
	require.NoError(t, err)

	n, err := DeactivateAccountAuthorizations(ctx, db, order.AccountID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	storedAuth, err := GetAcmeAuthorization(ctx, db, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, "deactivated", storedAuth.Status)

	storedValid, err := GetAcmeAuthorization(ctx, db, validAuth.ID)
	require.NoError(t, err)
	assert.Equal(t, "deactivated", storedValid.Status)

	storedTerminal, err := GetAcmeAuthorization(ctx, db, terminalAuth.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", storedTerminal.Status)
}
