package acme

import (
	"crypto/sha256"
	"encoding/base64"
	"time"

	"certforge/internal/storage"
)

const (
	AccountPending     = "pending"
	AccountValid       = "valid"
	AccountDeactivated = "deactivated"

	OrderPending    = "pending"
	OrderReady      = "ready"
	OrderProcessing = "processing"
	OrderValid      = "valid"
	OrderInvalid    = "invalid"

	AuthzPending     = "pending"
	AuthzValid       = "valid"
	AuthzInvalid     = "invalid"
	AuthzDeactivated = "deactivated"
	AuthzExpired     = "expired"

	ChallengePending    = "pending"
	ChallengeProcessing = "processing"
	ChallengeValid      = "valid"
	ChallengeInvalid    = "invalid"
)

const (
	ChallengeTypeHTTP01 = "http-01"
	ChallengeTypeDNS01  = "dns-01"
)

func accountUsable(account *storage.AcmeAccount) bool {
	return account.Status == AccountValid
}

// authorizationUsable reports whether a challenge of this authorization may
// still be validated: the account must be valid, the order neither expired
// nor resolved, and the authorization itself still pending.
func authorizationUsable(account *storage.AcmeAccount, order *storage.AcmeOrder, auth *storage.AcmeAuthorization, now time.Time) bool {
	if !accountUsable(account) {
		return false
	}
	if order.Status == OrderInvalid || order.Status == OrderValid || now.After(order.Expires) {
		return false
	}
	return auth.Status == AuthzPending
}

// orderFinalizable reports whether a finalize call may proceed: the order
// must be ready and not expired, owned by a valid account.
func orderFinalizable(account *storage.AcmeAccount, order *storage.AcmeOrder, now time.Time) bool {
	return accountUsable(account) && order.Status == OrderReady && now.Before(order.Expires)
}

// KeyAuthorization builds the RFC 8555 key authorization string for a
// challenge token and account key thumbprint.
func KeyAuthorization(token, thumbprint string) string {
	return token + "." + thumbprint
}

// DNS01TXTValue is the expected content of the _acme-challenge TXT record:
// the base64url digest of the key authorization.
func DNS01TXTValue(keyAuthorization string) string {
	sum := sha256.Sum256([]byte(keyAuthorization))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
