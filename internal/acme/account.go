package acme

import (
	"context"
	"database/sql"
	"fmt"

	"certforge/internal/storage"
	"certforge/internal/utils"
)

// RegisterAccount creates a new ACME account against a CA. The thumbprint
// is the RFC 7638 JWK thumbprint of the account key, computed by the
// transport layer.
func (m *Machine) RegisterAccount(ctx context.Context, caID int64, contact, thumbprint string, termsAgreed bool) (*storage.AcmeAccount, error) {
	if !m.cfg.ACMEEnabled {
		return nil, fmt.Errorf("ACME support is disabled")
	}

	authority, err := storage.GetCA(ctx, m.db, caID)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}
	if !authority.ACMEEnabled {
		return nil, utils.ErrCAUnusable.WithField(authority.Name)
	}
	if authority.ACMERequireContact && contact == "" {
		return nil, utils.ErrMalformed.WithField("contact")
	}

	account := &storage.AcmeAccount{
		CAID:        caID,
		Slug:        utils.NewSlug(),
		Status:      AccountValid,
		Contact:     contact,
		Thumbprint:  thumbprint,
		TermsAgreed: termsAgreed,
	}
	if _, err := storage.CreateAcmeAccount(ctx, m.db, account); err != nil {
		return nil, err
	}

	m.logger.LogAcmeEvent("account_registered", account.Slug, account.Status, map[string]interface{}{
		"ca":         authority.Name,
		"thumbprint": utils.HashPrefix(thumbprint, 12),
	})
	return account, nil
}

// AccountUpdate is an account modification request. Exactly one of Contact
// or Deactivate may be set: RFC 8555 account updates are either a pure
// contact change or a pure deactivation, never both at once.
type AccountUpdate struct {
	Contact    *string
	Deactivate bool
}

// UpdateAccount applies an account update atomically. Deactivating an
// already-deactivated account is a logged no-op. Deactivation cascades to
// the pending authorizations of the account's non-terminal orders.
func (m *Machine) UpdateAccount(ctx context.Context, accountSlug string, update AccountUpdate) error {
	if update.Deactivate == (update.Contact != nil) {
		return utils.ErrMalformed.WithField("account update")
	}

	account, err := storage.GetAcmeAccountBySlug(ctx, m.db, accountSlug)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	if update.Deactivate {
		if account.Status == AccountDeactivated {
			m.logger.LogAcmeEvent("deactivation_skipped", accountSlug, account.Status, map[string]interface{}{
				"reason": "already deactivated",
			})
			return nil
		}

		err := storage.WithTx(ctx, m.db, func(tx *sql.Tx) error {
			if err := storage.UpdateAcmeAccountStatus(ctx, tx, account.ID, AccountDeactivated); err != nil {
				return err
			}
			_, err := storage.DeactivateAccountAuthorizations(ctx, tx, account.ID)
			return err
		})
		if err != nil {
			return err
		}

		m.logger.LogAcmeEvent("account_deactivated", accountSlug, AccountDeactivated, nil)
		return nil
	}

	if !accountUsable(account) {
		return utils.ErrAccountUnusable
	}
	if err := storage.UpdateAcmeAccountContact(ctx, m.db, account.ID, *update.Contact); err != nil {
		return err
	}

	m.logger.LogAcmeEvent("account_updated", accountSlug, account.Status, nil)
	return nil
}
