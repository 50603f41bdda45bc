package acme

import (
	"context"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"certforge/internal/ca"
	"certforge/internal/profile"
	"certforge/internal/storage"
	"certforge/internal/utils"
	"certforge/internal/x509util"
)

// SignerFor resolves the signing capability for a CA, by key backend.
type SignerFor func(authority *storage.CertificateAuthority) (ca.Signer, error)

// Machine drives the ACME order, authorization and challenge lifecycle.
// All status transitions that touch more than one row happen inside one
// transaction with status guards, so concurrent validation of sibling
// challenges cannot half-apply a cascade.
type Machine struct {
	db         *sql.DB
	cfg        *utils.Config
	logger     *utils.Logger
	dispatcher *ca.Dispatcher
	profiles   *profile.Store
	signerFor  SignerFor
	prober     Prober
}

func NewMachine(db *sql.DB, cfg *utils.Config, logger *utils.Logger, dispatcher *ca.Dispatcher,
	profiles *profile.Store, signerFor SignerFor, prober Prober) *Machine {
	return &Machine{
		db:         db,
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		profiles:   profiles,
		signerFor:  signerFor,
		prober:     prober,
	}
}

// NewOrder creates an order with one pending authorization per identifier.
// Wildcard identifiers get a DNS-01 challenge only; everything else gets
// both HTTP-01 and DNS-01.
func (m *Machine) NewOrder(ctx context.Context, accountSlug string, identifiers []string) (*storage.AcmeOrder, error) {
	if !m.cfg.ACMEEnabled {
		return nil, fmt.Errorf("ACME support is disabled")
	}
	if len(identifiers) == 0 {
		return nil, utils.ErrMalformed.WithField("identifiers")
	}

	account, err := storage.GetAcmeAccountBySlug(ctx, m.db, accountSlug)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if !accountUsable(account) {
		return nil, utils.ErrAccountUnusable
	}

	order := &storage.AcmeOrder{
		AccountID: account.ID,
		Slug:      utils.NewSlug(),
		Status:    OrderPending,
		Expires:   time.Now().Add(m.cfg.ACMEOrderLifetime),
	}

	err = storage.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		if _, err := storage.CreateAcmeOrder(ctx, tx, order); err != nil {
			return err
		}

		for _, identifier := range identifiers {
			wildcard := strings.HasPrefix(identifier, "*.")
			value := strings.TrimPrefix(identifier, "*.")
			if _, err := x509util.ParseGeneralName("DNS:" + value); err != nil {
				return utils.ErrMalformed.WithField(identifier).WithCause(err)
			}

			auth := &storage.AcmeAuthorization{
				OrderID:  order.ID,
				Slug:     utils.NewSlug(),
				Type:     "dns",
				Value:    value,
				Status:   AuthzPending,
				Wildcard: wildcard,
			}
			if _, err := storage.CreateAcmeAuthorization(ctx, tx, auth); err != nil {
				return err
			}

			types := []string{ChallengeTypeHTTP01, ChallengeTypeDNS01}
			if wildcard {
				types = []string{ChallengeTypeDNS01}
			}
			for _, challengeType := range types {
				challenge := &storage.AcmeChallenge{
					AuthorizationID: auth.ID,
					Slug:            utils.NewSlug(),
					Type:            challengeType,
					Token:           utils.NewToken(),
					Status:          ChallengePending,
				}
				if _, err := storage.CreateAcmeChallenge(ctx, tx, challenge); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.LogAcmeEvent("order_created", order.Slug, order.Status, map[string]interface{}{
		"account":     account.Slug,
		"identifiers": identifiers,
	})
	return order, nil
}

// TriggerChallenge claims a pending challenge for validation. The actual
// probe runs in ValidateChallenge, typically on a worker.
func (m *Machine) TriggerChallenge(ctx context.Context, challengeSlug string) error {
	challenge, err := storage.GetAcmeChallengeBySlug(ctx, m.db, challengeSlug)
	if err != nil {
		return fmt.Errorf("failed to load challenge: %w", err)
	}
	return storage.TransitionAcmeChallenge(ctx, m.db, challenge.ID, ChallengePending, ChallengeProcessing)
}

// ValidateChallenge runs the probe for a processing challenge and applies
// the resulting cascade. Out-of-state or unusable situations are logged
// no-ops, not errors: ACME clients retry idempotently.
func (m *Machine) ValidateChallenge(ctx context.Context, challengeSlug string) error {
	if !m.cfg.ACMEEnabled {
		m.logger.LogAcmeEvent("validation_skipped", challengeSlug, "", map[string]interface{}{
			"reason": "acme disabled",
		})
		return nil
	}

	challenge, err := storage.GetAcmeChallengeBySlug(ctx, m.db, challengeSlug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.LogAcmeEvent("validation_skipped", challengeSlug, "", map[string]interface{}{
				"reason": "challenge not found",
			})
			return nil
		}
		return fmt.Errorf("failed to load challenge: %w", err)
	}
	if challenge.Status != ChallengeProcessing {
		m.logger.LogAcmeEvent("validation_skipped", challengeSlug, challenge.Status, map[string]interface{}{
			"reason": "challenge not processing",
		})
		return nil
	}

	auth, err := storage.GetAcmeAuthorization(ctx, m.db, challenge.AuthorizationID)
	if err != nil {
		return fmt.Errorf("failed to load authorization: %w", err)
	}
	order, err := storage.GetAcmeOrder(ctx, m.db, auth.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load order: %w", err)
	}
	account, err := storage.GetAcmeAccount(ctx, m.db, order.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	now := time.Now()
	if !authorizationUsable(account, order, auth, now) {
		m.logger.LogAcmeEvent("validation_skipped", challengeSlug, challenge.Status, map[string]interface{}{
			"reason": "authorization not usable",
		})
		return nil
	}

	keyAuthorization := KeyAuthorization(challenge.Token, account.Thumbprint)
	var valid bool
	switch challenge.Type {
	case ChallengeTypeHTTP01:
		valid = m.prober.ProbeHTTP01(ctx, auth.Value, challenge.Token, []byte(keyAuthorization))
	case ChallengeTypeDNS01:
		valid = m.prober.ProbeDNS01(ctx, auth.Value, DNS01TXTValue(keyAuthorization))
	default:
		valid = false
	}

	cascade := &storage.ChallengeCascade{
		ChallengeID:     challenge.ID,
		AuthorizationID: auth.ID,
		OrderID:         order.ID,
	}
	if valid {
		cascade.ChallengeStatus = ChallengeValid
		cascade.Validated = &now
		cascade.AuthorizationStatus = AuthzValid
		// The order moves to ready inside the cascade transaction, once
		// the last authorization of the order is valid.
	} else {
		cascade.ChallengeStatus = ChallengeInvalid
		cascade.ChallengeError = "validation failed"
		cascade.AuthorizationStatus = AuthzInvalid
		cascade.OrderStatus = OrderInvalid
	}

	if err := storage.ApplyChallengeCascade(m.db, ctx, cascade); err != nil {
		if errors.Is(err, utils.ErrStateConflict) {
			// A sibling challenge resolved the authorization first.
			m.logger.LogAcmeEvent("validation_skipped", challengeSlug, challenge.Status, map[string]interface{}{
				"reason": "concurrent transition",
			})
			return nil
		}
		return err
	}

	m.logger.LogAcmeEvent("challenge_validated", challengeSlug, cascade.ChallengeStatus, map[string]interface{}{
		"type":       challenge.Type,
		"identifier": auth.Value,
	})
	return nil
}

// FinalizeOrder issues the certificate for a ready order from the given
// CSR. On success the order becomes valid with the certificate linked. On
// failure after the order entered processing, the order is left as-is:
// the failure surfaces to the caller and no partial certificate state is
// recorded.
func (m *Machine) FinalizeOrder(ctx context.Context, orderSlug, csrPEM string) (*storage.Certificate, error) {
	if !m.cfg.ACMEEnabled {
		return nil, fmt.Errorf("ACME support is disabled")
	}

	order, err := storage.GetAcmeOrderBySlug(ctx, m.db, orderSlug)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	account, err := storage.GetAcmeAccount(ctx, m.db, order.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	now := time.Now()
	if !orderFinalizable(account, order, now) {
		return nil, utils.ErrStateConflict.WithField("order")
	}

	authority, err := storage.GetCA(ctx, m.db, account.CAID)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}
	if !authority.ACMEEnabled || !authority.Usable(now) {
		return nil, utils.ErrCAUnusable.WithField(authority.Name)
	}

	acmeCert, err := storage.GetAcmeCertificateForOrder(ctx, m.db, order.ID)
	if errors.Is(err, sql.ErrNoRows) {
		acmeCert = &storage.AcmeCertificate{OrderID: order.ID, Slug: utils.NewSlug(), CSRPEM: csrPEM}
		if _, err := storage.CreateAcmeCertificate(ctx, m.db, acmeCert); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else if acmeCert.CertificateID != nil {
		return nil, utils.ErrStateConflict.WithField("order")
	}

	csr, err := parseCSR(csrPEM)
	if err != nil {
		return nil, utils.ErrMalformed.WithField("csr").WithCause(err)
	}

	san, err := m.subjectAlternativeNames(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	profileName := authority.ACMEProfile
	if profileName == "" {
		profileName = m.cfg.DefaultProfile
	}
	p, err := m.profiles.Get(profileName)
	if err != nil {
		return nil, err
	}

	issuer, err := IssuerFromCA(authority)
	if err != nil {
		return nil, err
	}

	callerExtensions, err := x509util.NewExtensionSet(
		x509util.Extension{Value: x509util.SubjectAlternativeName{Names: san}},
	)
	if err != nil {
		return nil, err
	}

	resolution, err := profile.Resolve(p, nil, callerExtensions, issuer, csr.PublicKey)
	if err != nil {
		return nil, err
	}

	notAfter := now.Add(time.Duration(m.cfg.ACMECertValidityDays) * 24 * time.Hour)
	if order.NotAfter != nil {
		notAfter = *order.NotAfter
	}

	signer, err := m.signerFor(authority)
	if err != nil {
		return nil, fmt.Errorf("failed to open signer: %w", err)
	}

	if err := storage.TransitionAcmeOrder(ctx, m.db, order.ID, OrderReady, OrderProcessing); err != nil {
		return nil, err
	}

	cert, err := m.dispatcher.Sign(ctx, signer, &ca.Request{
		CA:            authority,
		Subject:       resolution.Subject,
		Extensions:    resolution.Extensions,
		PublicKey:     csr.PublicKey,
		NotAfter:      notAfter,
		Algorithm:     p.Algorithm,
		Profile:       profileName,
		Autogenerated: true,
	})
	if err != nil {
		return nil, err
	}

	if err := storage.LinkOrderCertificate(m.db, ctx, order.ID, cert.ID); err != nil {
		return nil, err
	}

	m.logger.LogAcmeEvent("order_finalized", order.Slug, OrderValid, map[string]interface{}{
		"serial": cert.Serial,
	})
	return cert, nil
}

func (m *Machine) subjectAlternativeNames(ctx context.Context, orderID int64) ([]x509util.GeneralName, error) {
	auths, err := storage.ListAuthorizationsForOrder(ctx, m.db, orderID)
	if err != nil {
		return nil, err
	}

	names := make([]x509util.GeneralName, 0, len(auths))
	seen := make(map[string]bool, len(auths))
	for _, auth := range auths {
		if auth.Status != AuthzValid {
			return nil, utils.ErrStateConflict.WithField("authorization")
		}
		value := auth.Value
		if auth.Wildcard {
			value = "*." + value
		}
		if seen[value] {
			continue
		}
		seen[value] = true
		names = append(names, x509util.GeneralName{Kind: x509util.GeneralNameDNS, Value: value})
	}
	return names, nil
}

// Cleanup deletes orders whose expiry lies more than the configured grace
// period in the past. Idempotent.
func (m *Machine) Cleanup(ctx context.Context) (int64, error) {
	deleted, err := storage.DeleteExpiredOrders(ctx, m.db, time.Now(), m.cfg.ACMECleanupGrace)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.WithField("deleted", deleted).Info("Cleaned up expired ACME orders")
	}
	return deleted, nil
}

// IssuerFromCA builds the CA-side resolution input from the stored CA row.
func IssuerFromCA(authority *storage.CertificateAuthority) (profile.Issuer, error) {
	caCert, err := ca.ParseCertificatePEM(authority.CertificatePEM)
	if err != nil {
		return profile.Issuer{}, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	keyID, err := x509util.SubjectKeyID(caCert.PublicKey)
	if err != nil {
		return profile.Issuer{}, err
	}

	issuer := profile.Issuer{
		OCSPURL:       authority.OCSPURL,
		IssuerURL:     authority.IssuerURL,
		KeyIdentifier: keyID,
	}
	if authority.CRLURL != "" {
		issuer.CRLURLs = []string{authority.CRLURL}
	}
	if authority.IssuerAltName != "" {
		name, err := x509util.ParseGeneralName(authority.IssuerAltName)
		if err != nil {
			return profile.Issuer{}, fmt.Errorf("invalid issuer alternative name: %w", err)
		}
		issuer.IssuerAlternativeName = []x509util.GeneralName{name}
	}
	return issuer, nil
}

func parseCSR(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("no certificate request PEM block found")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature check failed: %w", err)
	}
	return csr, nil
}
